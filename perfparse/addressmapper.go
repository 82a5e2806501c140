// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfparse post-processes a decoded profiling capture: it
// tracks per-process virtual address layouts across fork inheritance,
// resolves every sampled address to the mapped object containing it,
// and optionally rewrites addresses into a dense synthetic address
// space that hides the original layout.
package perfparse

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// A Mapping is one [Start, Limit) interval of a process address space,
// tagged with the index of the record that created it and the offset of
// Start within the backing object.
type Mapping struct {
	Start uint64
	Limit uint64

	PageOffset uint64
	ID         uint64

	// IsJIT permits intervals that are not page aligned.
	IsJIT bool
}

// Len returns the interval length in bytes.
func (m *Mapping) Len() uint64 { return m.Limit - m.Start }

func (m *Mapping) contains(addr uint64) bool {
	return m.Start <= addr && addr < m.Limit
}

// An AddressMapper holds the ordered, pairwise disjoint mappings of one
// process and assigns each a synthetic start: the cumulative length of
// all preceding mappings, yielding a gap-free address space from 0.
type AddressMapper struct {
	mappings []Mapping

	// synthetic[i] is the synthetic start of mappings[i]. Entries at
	// or past syntheticFrom are stale and recomputed on demand.
	synthetic     []uint64
	syntheticFrom int

	pageAlignment uint64
}

func NewAddressMapper(pageAlignment uint64) *AddressMapper {
	return &AddressMapper{pageAlignment: pageAlignment}
}

// Clone deep-copies the mapper. Used for fork inheritance; the copies
// diverge independently afterward.
func (m *AddressMapper) Clone() *AddressMapper {
	return &AddressMapper{
		mappings:      append([]Mapping(nil), m.mappings...),
		synthetic:     append([]uint64(nil), m.synthetic...),
		syntheticFrom: m.syntheticFrom,
		pageAlignment: m.pageAlignment,
	}
}

// PageAlignment returns the page size the mapper was created with.
func (m *AddressMapper) PageAlignment() uint64 { return m.pageAlignment }

// Mappings returns a copy of the interval list in address order.
func (m *AddressMapper) Mappings() []Mapping {
	return append([]Mapping(nil), m.mappings...)
}

// search returns the index of the first mapping whose limit is above
// addr, which is the only candidate that can contain it.
func (m *AddressMapper) search(addr uint64) int {
	return sort.Search(len(m.mappings), func(i int) bool {
		return addr < m.mappings[i].Limit
	})
}

// MapWithID inserts [start, start+length) with the given record ID and
// object offset.
//
// When the new interval collides with existing ones and
// removeOldMappings is set, the colliding portions are truncated,
// split, or removed to make room. Without removeOldMappings a new
// interval fully contained in an existing one is a successful no-op and
// any other collision is an error.
func (m *AddressMapper) MapWithID(start, length, id, pageOffset uint64, removeOldMappings, isJIT bool) error {
	if length == 0 {
		return errors.New("cannot map a zero-length range")
	}
	if start > math.MaxUint64-length {
		return errors.Errorf("mapping %#x+%#x overflows the address space", start, length)
	}
	limit := start + length

	lo := m.search(start)
	hi := lo
	for hi < len(m.mappings) && m.mappings[hi].Start < limit {
		hi++
	}

	if lo < hi && !removeOldMappings {
		if e := &m.mappings[lo]; hi-lo == 1 && e.Start <= start && limit <= e.Limit {
			return nil
		}
		return errors.Errorf("mapping %#x-%#x collides with existing mappings", start, limit)
	}

	repl := make([]Mapping, 0, 3)
	if lo < hi {
		if head := m.mappings[lo]; head.Start < start {
			// Keep the uncovered prefix; its start and offset are
			// untouched.
			head.Limit = start
			repl = append(repl, head)
		}
	}
	repl = append(repl, Mapping{
		Start:      start,
		Limit:      limit,
		PageOffset: pageOffset,
		ID:         id,
		IsJIT:      isJIT,
	})
	if lo < hi {
		if tail := m.mappings[hi-1]; tail.Limit > limit {
			// Keep the uncovered suffix, advancing its start and
			// object offset past the covered bytes.
			tail.PageOffset += limit - tail.Start
			tail.Start = limit
			repl = append(repl, tail)
		}
	}

	repl = append(repl, m.mappings[hi:]...)
	m.mappings = append(m.mappings[:lo], repl...)
	if lo < m.syntheticFrom {
		m.syntheticFrom = lo
	}
	return nil
}

// MappedAddress finds the mapping containing addr and returns the
// synthetic translation of addr along with the mapping's index. The
// index stays valid until the next mutation.
func (m *AddressMapper) MappedAddress(addr uint64) (mappedAddr uint64, index int, ok bool) {
	i := m.search(addr)
	if i >= len(m.mappings) || !m.mappings[i].contains(addr) {
		return 0, 0, false
	}
	return m.syntheticStart(i) + (addr - m.mappings[i].Start), i, true
}

// MappedIDAndOffset returns the record ID of the mapping at index and
// the byte offset of addr within its backing object.
func (m *AddressMapper) MappedIDAndOffset(addr uint64, index int) (id, offset uint64) {
	mp := &m.mappings[index]
	return mp.ID, mp.PageOffset + (addr - mp.Start)
}

// IsAddressMapped reports whether addr falls inside any mapping.
func (m *AddressMapper) IsAddressMapped(addr uint64) bool {
	_, _, ok := m.MappedAddress(addr)
	return ok
}

// MaxMappedLength returns the total length of the synthetic space.
func (m *AddressMapper) MaxMappedLength() uint64 {
	n := len(m.mappings)
	if n == 0 {
		return 0
	}
	return m.syntheticStart(n-1) + m.mappings[n-1].Len()
}

func (m *AddressMapper) syntheticStart(i int) uint64 {
	if i >= m.syntheticFrom {
		m.refreshSynthetic()
	}
	return m.synthetic[i]
}

func (m *AddressMapper) refreshSynthetic() {
	if cap(m.synthetic) < len(m.mappings) {
		grown := make([]uint64, len(m.mappings))
		copy(grown, m.synthetic[:m.syntheticFrom])
		m.synthetic = grown
	}
	m.synthetic = m.synthetic[:len(m.mappings)]

	var next uint64
	if m.syntheticFrom > 0 {
		prev := m.syntheticFrom - 1
		next = m.synthetic[prev] + m.mappings[prev].Len()
	}
	for i := m.syntheticFrom; i < len(m.mappings); i++ {
		m.synthetic[i] = next
		next += m.mappings[i].Len()
	}
	m.syntheticFrom = len(m.mappings)
}

// DumpToLog writes the mapper state to the logger for diagnostics.
func (m *AddressMapper) DumpToLog(logger log.Logger) {
	for i := range m.mappings {
		mp := &m.mappings[i]
		level.Info(logger).Log(
			"mapping", i,
			"start", fmt.Sprintf("%#x", mp.Start),
			"limit", fmt.Sprintf("%#x", mp.Limit),
			"pgoff", fmt.Sprintf("%#x", mp.PageOffset),
			"id", mp.ID,
			"jit", mp.IsJIT,
		)
	}
}
