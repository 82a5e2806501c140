// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfdata defines the decoded record model of a perf profiling
// capture and the contract of the reader that produces it.
//
// Records are exposed behind the Event interface. Determine the concrete
// type of an event with a type switch on the payload or by inspecting
// Header().Type.
package perfdata

import "fmt"

// A RecordType identifies the type of a record in a profiling capture.
type RecordType uint32

// PERF_RECORD_* from include/uapi/linux/perf_event.h
const (
	RecordTypeMmap RecordType = 1 + iota
	RecordTypeLost
	RecordTypeComm
	RecordTypeExit
	RecordTypeThrottle
	RecordTypeUnthrottle
	RecordTypeFork
	RecordTypeRead
	RecordTypeSample
	RecordTypeMmap2
	RecordTypeAux
	RecordTypeItraceStart
	RecordTypeLostSamples
	RecordTypeSwitch
	RecordTypeSwitchCPUWide
	RecordTypeNamespaces
	RecordTypeKsymbol
	RecordTypeBPFEvent
	RecordTypeCgroup
	RecordTypeTextPoke

	// RecordTypeUserStart is the first record type synthesized by the
	// perf tool itself rather than the kernel.
	RecordTypeUserStart RecordType = 64
)

// perf_user_event_type in tools/perf/util/event.h
const (
	recordTypeAttr RecordType = RecordTypeUserStart + iota
	recordTypeEventType
	recordTypeTracingData
	recordTypeBuildID

	// RecordTypeFinishedRound carries no timestamp; it marks a flush
	// boundary between partially time-sorted batches of records.
	RecordTypeFinishedRound

	recordTypeIDIndex
	recordTypeAuxtraceInfo
	recordTypeAuxtrace
	recordTypeAuxtraceError
	recordTypeThreadMap
	recordTypeCPUMap
	recordTypeStatConfig
	recordTypeStat
	recordTypeStatRound
	recordTypeEventUpdate
	recordTypeTimeConv
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeMmap:
		return "MMAP"
	case RecordTypeLost:
		return "LOST"
	case RecordTypeComm:
		return "COMM"
	case RecordTypeExit:
		return "EXIT"
	case RecordTypeThrottle:
		return "THROTTLE"
	case RecordTypeUnthrottle:
		return "UNTHROTTLE"
	case RecordTypeFork:
		return "FORK"
	case RecordTypeRead:
		return "READ"
	case RecordTypeSample:
		return "SAMPLE"
	case RecordTypeMmap2:
		return "MMAP2"
	case RecordTypeAux:
		return "AUX"
	case RecordTypeItraceStart:
		return "ITRACE_START"
	case RecordTypeLostSamples:
		return "LOST_SAMPLES"
	case RecordTypeSwitch:
		return "SWITCH"
	case RecordTypeSwitchCPUWide:
		return "SWITCH_CPU_WIDE"
	case RecordTypeNamespaces:
		return "NAMESPACES"
	case RecordTypeKsymbol:
		return "KSYMBOL"
	case RecordTypeBPFEvent:
		return "BPF_EVENT"
	case RecordTypeCgroup:
		return "CGROUP"
	case RecordTypeTextPoke:
		return "TEXT_POKE"
	case RecordTypeFinishedRound:
		return "FINISHED_ROUND"
	}
	if t >= RecordTypeUserStart {
		return fmt.Sprintf("USER_TYPE(%d)", uint32(t))
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// PERF_RECORD_MISC_* CPU-mode bits from include/uapi/linux/perf_event.h
const (
	MiscCPUModeMask uint16 = 7

	MiscCPUModeUnknown uint16 = 0
	MiscKernel         uint16 = 1
	MiscUser           uint16 = 2
	MiscHypervisor     uint16 = 3
	MiscGuestKernel    uint16 = 4
	MiscGuestUser      uint16 = 5
)

// PERF_CONTEXT_* callchain markers from include/uapi/linux/perf_event.h.
// Callchain entries at or above ContextMax are context markers, not
// instruction pointers.
const (
	ContextHypervisor  uint64 = ^uint64(0) - 31
	ContextKernel      uint64 = ^uint64(0) - 127
	ContextUser        uint64 = ^uint64(0) - 511
	ContextGuest       uint64 = ^uint64(0) - 2047
	ContextGuestKernel uint64 = ^uint64(0) - 2175
	ContextGuestUser   uint64 = ^uint64(0) - 2559

	ContextMax uint64 = ^uint64(0) - 4094
)

// UnmappedBit marks a callchain entry whose address could not be resolved
// to any mapping. The bit keeps such raw addresses distinct from every
// remapped address: remapped spaces are dense and start at 0, and raw
// kernel addresses on x86 and ARM already carry the top bits set.
// Downstream consumers must mirror this convention.
const UnmappedBit uint64 = 1 << 63

// A Header holds the fields common to every record.
type Header struct {
	Type RecordType
	Misc uint16
}

// Event is the interface implemented by all decoded records.
type Event interface {
	Header() *Header
	Time() uint64
}

// EventCommon holds the header and timestamp shared by all payload
// types. It is not itself an Event.
type EventCommon struct {
	Head      Header
	Timestamp uint64
}

func (c *EventCommon) Header() *Header { return &c.Head }
func (c *EventCommon) Time() uint64    { return c.Timestamp }

// An MmapEvent announces a new virtual memory mapping. MMAP2 records
// additionally carry device and inode identity.
type MmapEvent struct {
	EventCommon

	Pid, Tid uint32

	Start uint64
	Len   uint64
	Pgoff uint64

	// MMAP2 only.
	Maj, Min uint32
	Ino      uint64

	Filename string
}

// A CommEvent names a thread. When Pid == Tid the record was emitted by
// an exec.
type CommEvent struct {
	EventCommon

	Pid, Tid uint32
	Comm     string
}

// A ForkEvent announces process or thread creation. EXIT records share
// this shape.
type ForkEvent struct {
	EventCommon

	Pid, Tid   uint32
	PPid, PTid uint32
}

// A BranchStackEntry is one last-branch record of a sample.
type BranchStackEntry struct {
	FromIP uint64
	ToIP   uint64

	Mispredicted  bool
	Predicted     bool
	InTransaction bool
	Abort         bool
	Cycles        uint32
}

// A SampleEvent is a performance sample.
type SampleEvent struct {
	EventCommon

	Pid, Tid uint32

	IP   uint64
	Addr uint64

	Callchain   []uint64
	BranchStack []BranchStackEntry
}

// A GenericEvent is a record whose payload the post-processor never
// inspects (LOST, THROTTLE, AUX, SWITCH, user types, ...).
type GenericEvent struct {
	EventCommon
}
