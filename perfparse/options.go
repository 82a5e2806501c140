// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import "os"

// Options controls a parse.
type Options struct {
	// SortEventsByTime asks the reader to time-sort the record list
	// before parsing.
	SortEventsByTime bool

	// DeduceHugePageMappings merges mapping fragments produced by
	// transparent huge pages before parsing.
	DeduceHugePageMappings bool

	// CombineMappings coalesces contiguous mappings of the same file
	// that the kernel emitted as separate records.
	CombineMappings bool

	// DiscardUnusedEvents drops mapping records that no sample hit and
	// reorders the reader's record list to match.
	DiscardUnusedEvents bool

	// DoRemap rewrites all addresses into the synthetic address space.
	DoRemap bool

	// ReadMissingBuildIDs lets the DSO probe fill in build IDs the
	// capture did not carry.
	ReadMissingBuildIDs bool

	// AllowUnalignedJITMappings treats mappings whose filename
	// contains "jitted-" as JIT dumps, exempt from page alignment.
	AllowUnalignedJITMappings bool

	// SampleMappingPercentageThreshold is the minimum percentage of
	// samples that must resolve to a mapping for the parse to succeed.
	SampleMappingPercentageThreshold float64

	// PageAlignment is the page size used for address-space bookkeeping.
	// Zero means the system page size.
	PageAlignment uint64
}

// DefaultOptions returns the options used in production: time sorting
// and mapping reconciliation on, remapping and build-ID probing off.
func DefaultOptions() Options {
	return Options{
		SortEventsByTime:                 true,
		DeduceHugePageMappings:           true,
		CombineMappings:                  true,
		SampleMappingPercentageThreshold: 95,
		PageAlignment:                    uint64(os.Getpagesize()),
	}
}
