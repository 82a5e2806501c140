// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextMarkerValues(t *testing.T) {
	// The marker values mirror perf_callchain_context in the kernel
	// ABI; everything at or above ContextMax is a marker.
	require.Equal(t, uint64(0xffffffffffffff80), ContextKernel)
	require.Equal(t, uint64(0xfffffffffffffe00), ContextUser)
	require.Equal(t, uint64(0xfffffffffffff001), ContextMax)

	for _, marker := range []uint64{
		ContextHypervisor, ContextKernel, ContextUser,
		ContextGuest, ContextGuestKernel, ContextGuestUser,
	} {
		require.GreaterOrEqual(t, marker, ContextMax)
	}
}

func TestRecordTypeStrings(t *testing.T) {
	require.Equal(t, "MMAP2", RecordTypeMmap2.String())
	require.Equal(t, "SAMPLE", RecordTypeSample.String())
	require.Equal(t, "FINISHED_ROUND", RecordTypeFinishedRound.String())
	require.Equal(t, "USER_TYPE(70)", (RecordTypeUserStart + 6).String())
	require.Equal(t, "UNKNOWN(33)", RecordType(33).String())
}

func TestFinishedRoundValue(t *testing.T) {
	require.Equal(t, RecordType(68), RecordTypeFinishedRound)
	require.GreaterOrEqual(t, RecordTypeFinishedRound, RecordTypeUserStart)
}

func TestEventHeaderAccess(t *testing.T) {
	mm := &MmapEvent{EventCommon: EventCommon{
		Head:      Header{Type: RecordTypeMmap2, Misc: MiscUser},
		Timestamp: 7,
	}}
	var ev Event = mm
	require.Equal(t, RecordTypeMmap2, ev.Header().Type)
	require.Equal(t, uint64(7), ev.Time())

	// Header mutations write through to the record.
	ev.Header().Misc = MiscKernel
	require.Equal(t, MiscKernel, mm.Head.Misc)
}
