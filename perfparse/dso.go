// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
)

// DSOInfo describes one mapped object observed during a parse.
type DSOInfo struct {
	Name string

	// Device and inode identity, known only from MMAP2 records.
	Maj uint32
	Min uint32
	Ino uint64

	// BuildID is hex encoded; empty when unknown.
	BuildID string

	// Hit is set when at least one sample resolved into the object.
	Hit bool

	// Threads holds every thread that sampled into the object.
	Threads map[PidTid]struct{}
}

// A BuildIDProber reads build IDs from the filesystem on behalf of the
// parser. Implementations perform the only I/O of a parse; failures are
// never fatal.
type BuildIDProber interface {
	// BuildIDIfSameInode returns the raw build ID of the ELF file at
	// path, but only when the file's device and inode match the
	// identity recorded for dso. The identity check is skipped when
	// dso carries no device info. A nil result means no acceptable
	// build ID was found.
	BuildIDIfSameInode(path string, dso *DSOInfo) ([]byte, error)

	// ModuleBuildID returns the raw build ID of a loaded kernel
	// module.
	ModuleBuildID(name string) ([]byte, error)
}

// fillInDSOBuildIDs resolves build IDs in two layers: the table the
// capture itself carried, then — for objects samples actually hit —
// the filesystem probe. Freshly discovered IDs are handed back to the
// reader.
func (p *Parser) fillInDSOBuildIDs() error {
	known := p.reader.FilenamesToBuildIDs()

	newBuildIDs := make(map[string]string)

	names := make([]string, 0, len(p.nameToDSO))
	for name := range p.nameToDSO {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dso := p.nameToDSO[name]
		if id, ok := known[dso.Name]; ok {
			dso.BuildID = id
		}
		// A freshly probed build ID wins over whatever the capture
		// carried.
		if p.options.ReadMissingBuildIDs && dso.Hit && p.probe != nil {
			if raw := p.findDSOBuildID(dso); len(raw) > 0 {
				dso.BuildID = hex.EncodeToString(raw)
				newBuildIDs[dso.Name] = dso.BuildID
			}
		}
	}

	if len(newBuildIDs) == 0 {
		return nil
	}
	return p.reader.InjectBuildIDs(newBuildIDs)
}

// findDSOBuildID looks up dso's build ID on the filesystem: through the
// root of each observing thread (so files inside containers resolve),
// through each thread's process, and finally on the host itself.
func (p *Parser) findDSOBuildID(dso *DSOInfo) []byte {
	if isKernelNonModuleName(dso.Name) {
		return nil
	}
	if n := len(dso.Name); n >= 2 && dso.Name[0] == '[' && dso.Name[n-1] == ']' {
		raw, err := p.probe.ModuleBuildID(dso.Name[1 : n-1])
		if err != nil {
			level.Debug(p.logger).Log("msg", "module build ID lookup failed",
				"module", dso.Name, "err", err)
			return nil
		}
		return raw
	}

	threads := make([]PidTid, 0, len(dso.Threads))
	for t := range dso.Threads {
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].Pid != threads[j].Pid {
			return threads[i].Pid < threads[j].Pid
		}
		return threads[i].Tid < threads[j].Tid
	})

	var lastPid uint32
	for _, t := range threads {
		if raw := p.probeBuildID(fmt.Sprintf("/proc/%d/root/%s", t.Tid, dso.Name), dso); raw != nil {
			return raw
		}
		// Threads of one process are adjacent after sorting; skip
		// re-trying the same parent.
		if t.Pid == lastPid || t.Pid == t.Tid {
			continue
		}
		lastPid = t.Pid
		if raw := p.probeBuildID(fmt.Sprintf("/proc/%d/root/%s", t.Pid, dso.Name), dso); raw != nil {
			return raw
		}
	}

	return p.probeBuildID(dso.Name, dso)
}

func (p *Parser) probeBuildID(path string, dso *DSOInfo) []byte {
	raw, err := p.probe.BuildIDIfSameInode(path, dso)
	if err != nil {
		level.Debug(p.logger).Log("msg", "build ID probe failed", "path", path, "err", err)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// isKernelNonModuleName reports whether name refers to the main kernel
// binary, whose build ID cannot be read from the filesystem.
func isKernelNonModuleName(name string) bool {
	return strings.HasPrefix(name, "[kernel.kallsyms]")
}
