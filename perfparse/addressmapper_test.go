// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testPageSize = 0x1000

func TestMapAndLookup(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x2000, 42, 0x5000, true, false))

	mapped, index, ok := m.MappedAddress(0x1800)
	require.True(t, ok)
	require.Equal(t, uint64(0x800), mapped)

	id, offset := m.MappedIDAndOffset(0x1800, index)
	require.Equal(t, uint64(42), id)
	require.Equal(t, uint64(0x5800), offset)

	// Below, at, and past the interval boundaries.
	require.False(t, m.IsAddressMapped(0xfff))
	require.True(t, m.IsAddressMapped(0x1000))
	require.True(t, m.IsAddressMapped(0x2fff))
	require.False(t, m.IsAddressMapped(0x3000))
}

func TestZeroLengthRejected(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.Error(t, m.MapWithID(0x1000, 0, 0, 0, true, false))
	require.Error(t, m.MapWithID(0x1000, 0, 0, 0, true, true))
}

func TestOverflowRejected(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.Error(t, m.MapWithID(^uint64(0)-0xfff, 0x2000, 0, 0, true, false))
}

func TestSyntheticSpaceIsDense(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	// Wide gaps between the real intervals.
	require.NoError(t, m.MapWithID(0x10000, 0x1000, 0, 0, true, false))
	require.NoError(t, m.MapWithID(0x40000, 0x3000, 1, 0, true, false))
	require.NoError(t, m.MapWithID(0x90000, 0x2000, 2, 0, true, false))

	for _, c := range []struct {
		addr, want uint64
	}{
		{0x10000, 0x0},
		{0x10fff, 0xfff},
		{0x40000, 0x1000},
		{0x42fff, 0x3fff},
		{0x90000, 0x4000},
	} {
		mapped, _, ok := m.MappedAddress(c.addr)
		require.True(t, ok, "addr %#x", c.addr)
		require.Equal(t, c.want, mapped, "addr %#x", c.addr)
	}
	require.Equal(t, uint64(0x6000), m.MaxMappedLength())
	require.False(t, m.IsAddressMapped(0x20000))
}

func TestContainedMappingIsNoOpWithoutRemove(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x4000, 7, 0, true, false))
	require.NoError(t, m.MapWithID(0x2000, 0x1000, 8, 0x100, false, false))

	_, index, ok := m.MappedAddress(0x2800)
	require.True(t, ok)
	id, offset := m.MappedIDAndOffset(0x2800, index)
	require.Equal(t, uint64(7), id)
	require.Equal(t, uint64(0x1800), offset)
}

func TestPartialOverlapFailsWithoutRemove(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x2000, 7, 0, true, false))
	require.Error(t, m.MapWithID(0x2000, 0x2000, 8, 0, false, false))
}

func TestExactReplacementPrefersNewest(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, true, false))
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 2, 0x3000, true, false))

	_, index, ok := m.MappedAddress(0x1400)
	require.True(t, ok)
	id, offset := m.MappedIDAndOffset(0x1400, index)
	require.Equal(t, uint64(2), id)
	require.Equal(t, uint64(0x3400), offset)
	require.Len(t, m.Mappings(), 1)
}

func TestOverlapTruncatesExistingLeft(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x2000, 1, 0, true, false))
	require.NoError(t, m.MapWithID(0x2000, 0x2000, 2, 0, true, false))

	want := []Mapping{
		{Start: 0x1000, Limit: 0x2000, PageOffset: 0, ID: 1},
		{Start: 0x2000, Limit: 0x4000, PageOffset: 0, ID: 2},
	}
	if diff := cmp.Diff(want, m.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlapTruncatesExistingRight(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x2000, 0x2000, 1, 0x100, true, false))
	require.NoError(t, m.MapWithID(0x1000, 0x2000, 2, 0, true, false))

	want := []Mapping{
		{Start: 0x1000, Limit: 0x3000, PageOffset: 0, ID: 2},
		// The survivor's start and object offset advance together.
		{Start: 0x3000, Limit: 0x4000, PageOffset: 0x1100, ID: 1},
	}
	if diff := cmp.Diff(want, m.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestStraddledMappingIsSplit(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x3000, 1, 0, true, false))
	require.NoError(t, m.MapWithID(0x2000, 0x1000, 2, 0x7000, true, false))

	want := []Mapping{
		{Start: 0x1000, Limit: 0x2000, PageOffset: 0, ID: 1},
		{Start: 0x2000, Limit: 0x3000, PageOffset: 0x7000, ID: 2},
		{Start: 0x3000, Limit: 0x4000, PageOffset: 0x2000, ID: 1},
	}
	if diff := cmp.Diff(want, m.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	// Offsets into the backing object are unchanged by the split.
	_, index, ok := m.MappedAddress(0x3800)
	require.True(t, ok)
	id, offset := m.MappedIDAndOffset(0x3800, index)
	require.Equal(t, uint64(1), id)
	require.Equal(t, uint64(0x2800), offset)
}

func TestCoveringMappingRemovesExisting(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1000, 0x1000, 1, 0, true, false))
	require.NoError(t, m.MapWithID(0x3000, 0x1000, 2, 0, true, false))
	require.NoError(t, m.MapWithID(0x5000, 0x1000, 3, 0, true, false))
	require.NoError(t, m.MapWithID(0x0, 0x8000, 4, 0, true, false))

	mappings := m.Mappings()
	require.Len(t, mappings, 1)
	require.Equal(t, uint64(4), mappings[0].ID)
	require.Equal(t, uint64(0x8000), m.MaxMappedLength())
}

func TestJITMappingsMayBeUnaligned(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x1234, 0x40, 1, 0, true, true))
	require.NoError(t, m.MapWithID(0x1274, 0x40, 2, 0, true, true))

	mapped, _, ok := m.MappedAddress(0x1280)
	require.True(t, ok)
	require.Equal(t, uint64(0x4c), mapped)
}

func TestCloneDiverges(t *testing.T) {
	parent := NewAddressMapper(testPageSize)
	require.NoError(t, parent.MapWithID(0x1000, 0x1000, 1, 0, true, false))

	child := parent.Clone()
	require.NoError(t, child.MapWithID(0x5000, 0x1000, 2, 0, true, false))
	require.NoError(t, parent.MapWithID(0x1000, 0x1000, 3, 0, true, false))

	// The child kept the inherited mapping under its original ID.
	_, index, ok := child.MappedAddress(0x1800)
	require.True(t, ok)
	id, _ := child.MappedIDAndOffset(0x1800, index)
	require.Equal(t, uint64(1), id)
	require.True(t, child.IsAddressMapped(0x5000))

	// The parent saw neither of the child's changes.
	require.False(t, parent.IsAddressMapped(0x5000))
	_, index, ok = parent.MappedAddress(0x1800)
	require.True(t, ok)
	id, _ = parent.MappedIDAndOffset(0x1800, index)
	require.Equal(t, uint64(3), id)
}

// Mappings must stay pairwise disjoint and their synthetic starts
// strictly increasing, whatever sequence of insertions produced them.
func TestMapperInvariants(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	inserts := []struct {
		start, length, id, pgoff uint64
	}{
		{0x1000, 0x3000, 0, 0},
		{0x8000, 0x2000, 1, 0x1000},
		{0x2000, 0x1000, 2, 0},
		{0x0, 0x2000, 3, 0},
		{0x7000, 0x4000, 4, 0},
	}
	for _, in := range inserts {
		require.NoError(t, m.MapWithID(in.start, in.length, in.id, in.pgoff, true, false))
	}

	mappings := m.Mappings()
	var prevLimit uint64
	var prevSynthetic uint64
	for i, mp := range mappings {
		require.Less(t, mp.Start, mp.Limit)
		if i > 0 {
			require.LessOrEqual(t, prevLimit, mp.Start, "overlap at %d", i)
		}
		synthetic, _, ok := m.MappedAddress(mp.Start)
		require.True(t, ok)
		if i > 0 {
			require.Greater(t, synthetic, prevSynthetic)
		}
		// Byte-for-byte linear translation inside the interval.
		last, _, ok := m.MappedAddress(mp.Limit - 1)
		require.True(t, ok)
		require.Equal(t, mp.Limit-1-mp.Start, last-synthetic)

		prevLimit = mp.Limit
		prevSynthetic = synthetic
	}
}

// Page-aligned intervals keep their page offsets under translation.
func TestSyntheticPreservesPageOffsets(t *testing.T) {
	m := NewAddressMapper(testPageSize)
	require.NoError(t, m.MapWithID(0x10000, 0x2000, 0, 0, true, false))
	require.NoError(t, m.MapWithID(0x50000, 0x3000, 1, 0, true, false))

	for _, addr := range []uint64{0x10123, 0x11fff, 0x50fed, 0x52001} {
		mapped, _, ok := m.MappedAddress(addr)
		require.True(t, ok)
		require.Equal(t, addr%testPageSize, mapped%testPageSize, "addr %#x", addr)
	}
}
