// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdata

import "sort"

// Reader is the contract between a capture decoder and the
// post-processing core. The core reads the decoded record list, mutates
// records in place, and may replace the list wholesale when pruning.
type Reader interface {
	// Events returns the decoded record list. Callers may mutate the
	// records themselves but must use SetEvents to change the list.
	Events() []Event

	// SetEvents replaces the record list.
	SetEvents(events []Event)

	// MaybeSortEventsByTime sorts the record list by timestamp if the
	// capture carries timestamps. The sort is stable, so records
	// sharing a timestamp keep their emission order.
	MaybeSortEventsByTime()

	// FilenamesToBuildIDs returns the build-ID table the capture
	// itself carried.
	FilenamesToBuildIDs() map[string]string

	// InjectBuildIDs merges newly discovered build IDs back into the
	// capture's build-ID table.
	InjectBuildIDs(buildIDs map[string]string) error

	// EventTypesToSkipWhenSerializing reports record types the decoder
	// dropped on purpose.
	EventTypesToSkipWhenSerializing() map[RecordType]bool
}

// An EventBuffer is an in-memory Reader over an already decoded record
// list.
type EventBuffer struct {
	events    []Event
	buildIDs  map[string]string
	skipTypes map[RecordType]bool
}

var _ Reader = (*EventBuffer)(nil)

func NewEventBuffer(events ...Event) *EventBuffer {
	return &EventBuffer{
		events:    events,
		buildIDs:  make(map[string]string),
		skipTypes: make(map[RecordType]bool),
	}
}

func (b *EventBuffer) Events() []Event { return b.events }

func (b *EventBuffer) SetEvents(events []Event) { b.events = events }

func (b *EventBuffer) MaybeSortEventsByTime() {
	sort.SliceStable(b.events, func(i, j int) bool {
		return b.events[i].Time() < b.events[j].Time()
	})
}

func (b *EventBuffer) FilenamesToBuildIDs() map[string]string {
	out := make(map[string]string, len(b.buildIDs))
	for k, v := range b.buildIDs {
		out[k] = v
	}
	return out
}

func (b *EventBuffer) InjectBuildIDs(buildIDs map[string]string) error {
	for k, v := range buildIDs {
		b.buildIDs[k] = v
	}
	return nil
}

// SetBuildID records a build ID as if the capture had carried it.
func (b *EventBuffer) SetBuildID(filename, buildID string) {
	b.buildIDs[filename] = buildID
}

// SkipType marks a record type as dropped by the decoder.
func (b *EventBuffer) SkipType(t RecordType) {
	b.skipTypes[t] = true
}

func (b *EventBuffer) EventTypesToSkipWhenSerializing() map[RecordType]bool {
	return b.skipTypes
}
