// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import (
	"strings"

	"github.com/EricMountain/perf-data-converter/perfdata"
)

// Transparent huge pages carve executable VMAs into fragments whose
// huge-page-backed portions are reported with an anonymous filename.
const anonFilename = "//anon"

func isAnonFilename(name string) bool {
	return name == anonFilename || strings.HasPrefix(name, "/anon_hugepage")
}

// DeduceHugePages merges consecutive mapping records that a huge-page
// split carved out of one logical mapping: fragments of the same
// process that are contiguous in virtual address, where at least one
// side is anonymous and the file offsets line up once the anonymous
// side's offset is deduced from the file-backed side. Record order is
// preserved for everything else.
//
// It must run before record indices are assigned.
func DeduceHugePages(r perfdata.Reader) {
	rewriteMmaps(r, mergeHugePageFragments)
}

// CombineMappings coalesces consecutive mapping records of the same
// file that the kernel emitted separately: same process, same identity
// (device and inode for MMAP2), contiguous in both virtual address and
// file offset. Record order is preserved for everything else.
//
// It must run before record indices are assigned.
func CombineMappings(r perfdata.Reader) {
	rewriteMmaps(r, mergeContiguousFile)
}

// rewriteMmaps walks the record list and repeatedly folds each mapping
// record into its immediate predecessor when merge accepts the pair.
func rewriteMmaps(r perfdata.Reader, merge func(a, b *perfdata.MmapEvent) bool) {
	events := r.Events()
	out := make([]perfdata.Event, 0, len(events))
	var prev *perfdata.MmapEvent
	for _, ev := range events {
		mm, isMmap := ev.(*perfdata.MmapEvent)
		if isMmap && prev != nil && merge(prev, mm) {
			continue
		}
		out = append(out, ev)
		if isMmap {
			prev = mm
		} else {
			prev = nil
		}
	}
	r.SetEvents(out)
}

func mergeHugePageFragments(a, b *perfdata.MmapEvent) bool {
	if a.Pid != b.Pid || a.Start+a.Len != b.Start {
		return false
	}

	aAnon := isAnonFilename(a.Filename)
	bAnon := isAnonFilename(b.Filename)

	switch {
	case aAnon && bAnon:
		// Two huge-page fragments of the same region.

	case aAnon && !bAnon:
		// The leading fragment's offset is deduced by rewinding the
		// file-backed side over the fragment's length.
		if b.Pgoff < a.Len {
			return false
		}
		a.Filename = b.Filename
		a.Pgoff = b.Pgoff - a.Len
		a.Maj, a.Min, a.Ino = b.Maj, b.Min, b.Ino
		a.Head.Type = b.Head.Type

	case !aAnon && bAnon:
		// The trailing fragment continues the file mapping; nothing
		// of a's identity changes.

	default:
		return false
	}

	a.Len += b.Len
	return true
}

func mergeContiguousFile(a, b *perfdata.MmapEvent) bool {
	if a.Pid != b.Pid || a.Filename != b.Filename {
		return false
	}
	if a.Head.Type != b.Head.Type {
		return false
	}
	if a.Head.Type == perfdata.RecordTypeMmap2 &&
		(a.Maj != b.Maj || a.Min != b.Min || a.Ino != b.Ino) {
		return false
	}
	if a.Start+a.Len != b.Start || a.Pgoff+a.Len != b.Pgoff {
		return false
	}
	a.Len += b.Len
	return true
}
