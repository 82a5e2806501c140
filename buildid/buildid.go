// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buildid reads GNU build IDs from ELF files and loaded kernel
// modules. It implements the probe interface the parser consults for
// objects whose build ID the capture did not carry.
package buildid

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/EricMountain/perf-data-converter/perfparse"
)

const noteTypeGNUBuildID = 3

var noteNameGNU = []byte("GNU\x00")

// sysModuleNotes is a variable so tests can redirect module lookups.
var sysModuleNotes = "/sys/module"

// A FileProber reads build IDs directly from the filesystem.
type FileProber struct{}

var _ perfparse.BuildIDProber = FileProber{}

// BuildIDIfSameInode returns the build ID of the ELF file at path when
// the file's device and inode match the identity recorded for dso.
// MMAP records carry no device info, leaving both numbers zero; the
// identity check is skipped in that case. A nil, nil return means the
// file exists but is not the object the capture saw.
func (FileProber) BuildIDIfSameInode(path string, dso *perfparse.DSOInfo) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if dso.Maj != 0 && dso.Min != 0 {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return nil, errors.Errorf("no inode information for %s", path)
		}
		dev := uint64(st.Dev)
		if unix.Major(dev) != dso.Maj || unix.Minor(dev) != dso.Min || st.Ino != dso.Ino {
			return nil, nil
		}
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading ELF file %s", path)
	}
	defer ef.Close()

	return gnuBuildID(ef)
}

// ModuleBuildID returns the build ID of a loaded kernel module by
// reading its note from sysfs.
func (FileProber) ModuleBuildID(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(sysModuleNotes, name, "notes", ".note.gnu.build-id"))
	if err != nil {
		return nil, err
	}
	return parseNotes(data, binary.NativeEndian)
}

// gnuBuildID scans the file's note sections, then its note segments,
// for NT_GNU_BUILD_ID.
func gnuBuildID(ef *elf.File) ([]byte, error) {
	if sec := ef.Section(".note.gnu.build-id"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, err
		}
		if id, err := parseNotes(data, ef.ByteOrder); id != nil || err != nil {
			return id, err
		}
	}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, err
		}
		if id, err := parseNotes(data, ef.ByteOrder); id != nil || err != nil {
			return id, err
		}
	}
	return nil, nil
}

// parseNotes walks a chain of ELF notes and returns the descriptor of
// the first GNU build-id note. Note fields are 4-byte aligned.
func parseNotes(data []byte, order binary.ByteOrder) ([]byte, error) {
	for len(data) >= 12 {
		nameSize := order.Uint32(data[0:4])
		descSize := order.Uint32(data[4:8])
		noteType := order.Uint32(data[8:12])
		data = data[12:]

		alignedName := align4(nameSize)
		alignedDesc := align4(descSize)
		if uint64(alignedName)+uint64(alignedDesc) > uint64(len(data)) {
			return nil, errors.New("truncated ELF note")
		}
		name := data[:nameSize]
		desc := data[alignedName : alignedName+descSize]
		data = data[alignedName+alignedDesc:]

		if noteType == noteTypeGNUBuildID && bytes.Equal(name, noteNameGNU) {
			return desc, nil
		}
	}
	return nil, nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
