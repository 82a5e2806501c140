// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfparse

import (
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/EricMountain/perf-data-converter/perfdata"
)

const (
	// SwapperPid is the kernel idle task. It never gets a COMM record,
	// so its command is pre-seeded.
	SwapperPid uint32 = 0

	// KernelPid keys the address space of kernel mappings, which the
	// kernel emits with pid -1. Processes with no recorded parent
	// inherit this mapper's state.
	KernelPid uint32 = 0xffffffff

	swapperCommandName = "swapper"
)

// A PidTid identifies a thread.
type PidTid struct {
	Pid uint32
	Tid uint32
}

// A DSOAndOffset locates an address as a byte offset into a mapped
// object. The DSOInfo reference stays valid until the next parse.
type DSOAndOffset struct {
	DSO    *DSOInfo
	Offset uint64
}

// DSOName returns the object's filename, or "" if unresolved.
func (d *DSOAndOffset) DSOName() string {
	if d.DSO == nil {
		return ""
	}
	return d.DSO.Name
}

// BuildID returns the object's hex build ID, or "" if unresolved.
func (d *DSOAndOffset) BuildID() string {
	if d.DSO == nil {
		return ""
	}
	return d.DSO.BuildID
}

// A BranchEntry is one resolved last-branch record.
type BranchEntry struct {
	From DSOAndOffset
	To   DSOAndOffset

	Mispredicted       bool
	Predicted          bool
	InTransaction      bool
	AbortedTransaction bool
	Cycles             uint32
}

// A ParsedEvent carries the resolution results for one record. Raw
// points into the reader's record list.
type ParsedEvent struct {
	Raw perfdata.Event

	// Command is a handle into the parser's interned command set, or
	// nil if the sampling thread was never named.
	Command *string

	// DSOAndOffset resolves sample.ip; DataDSOAndOffset resolves
	// sample.addr when present.
	DSOAndOffset     DSOAndOffset
	DataDSOAndOffset DSOAndOffset

	// Callchain holds one entry per successfully mapped callchain
	// address; context markers and the already-resolved leaf do not
	// occupy slots.
	Callchain []DSOAndOffset

	BranchStack []BranchEntry

	// NumSamplesInMmapRegion counts, on mapping records, the samples
	// that resolved into the mapped region.
	NumSamplesInMmapRegion uint32
}

// CommandString returns the resolved command, or "".
func (e *ParsedEvent) CommandString() string {
	if e.Command == nil {
		return ""
	}
	return *e.Command
}

// Stats summarizes one parse.
type Stats struct {
	NumMmapEvents   uint64
	NumCommEvents   uint64
	NumForkEvents   uint64
	NumExitEvents   uint64
	NumSampleEvents uint64

	NumSampleEventsMapped uint64

	NumDataSampleEvents       uint64
	NumDataSampleEventsMapped uint64

	DidRemap bool
}

// A Parser normalizes a decoded capture in place.
//
// A Parser may be reused; each Parse starts from a clean state and
// invalidates the ParsedEvents and DSOInfo references of the previous
// run.
type Parser struct {
	reader  perfdata.Reader
	probe   BuildIDProber
	options Options
	logger  log.Logger
	metrics *metrics

	pageAlignment uint64

	parsed         []ParsedEvent
	processMappers map[uint32]*AddressMapper
	commands       map[string]*string
	pidTidToComm   map[PidTid]*string
	nameToDSO      map[string]*DSOInfo
	stats          Stats
}

// NewParser returns a Parser over reader. probe may be nil when
// Options.ReadMissingBuildIDs is off; reg may be nil to skip metric
// registration.
func NewParser(logger log.Logger, reg prometheus.Registerer, reader perfdata.Reader, probe BuildIDProber, options Options) *Parser {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	alignment := options.PageAlignment
	if alignment == 0 {
		alignment = uint64(os.Getpagesize())
	}
	return &Parser{
		reader:        reader,
		probe:         probe,
		options:       options,
		logger:        logger,
		metrics:       newMetrics(reg),
		pageAlignment: alignment,
	}
}

// ParsedEvents returns the per-record resolution results of the last
// parse, parallel to the reader's record list minus FINISHED_ROUND
// records (and minus pruned mappings when DiscardUnusedEvents is set).
func (p *Parser) ParsedEvents() []ParsedEvent { return p.parsed }

// Stats returns the statistics of the last parse.
func (p *Parser) Stats() Stats { return p.stats }

// DSOs returns the filename-keyed object table of the last parse.
func (p *Parser) DSOs() map[string]*DSOInfo { return p.nameToDSO }

// Parse runs the pre-passes and the event loop, then validates the
// result. The reader's records are mutated in place; with DoRemap set
// all addresses come out in synthetic space.
func (p *Parser) Parse() error {
	if p.options.SortEventsByTime {
		p.reader.MaybeSortEventsByTime()
	}

	// Drop state from a previous call.
	p.processMappers = make(map[uint32]*AddressMapper)
	p.commands = make(map[string]*string)
	p.pidTidToComm = make(map[PidTid]*string)
	p.nameToDSO = make(map[string]*DSOInfo)
	p.stats = Stats{}

	if p.options.DeduceHugePageMappings {
		DeduceHugePages(p.reader)
	}
	if p.options.CombineMappings {
		CombineMappings(p.reader)
	}

	// FINISHED_ROUND records carry no timestamp and are not needed;
	// filter them out before record indices are assigned.
	events := p.reader.Events()
	p.parsed = make([]ParsedEvent, 0, len(events))
	for _, ev := range events {
		if ev.Header().Type == perfdata.RecordTypeFinishedRound {
			continue
		}
		p.parsed = append(p.parsed, ParsedEvent{Raw: ev})
	}

	if err := p.processEvents(); err != nil {
		level.Error(p.logger).Log("msg", "parse failed", "err", err)
		return err
	}

	if !p.options.DiscardUnusedEvents {
		return nil
	}

	// Drop every mapping record whose region no sample hit, then
	// rebuild the reader's list in the trimmed order.
	kept := p.parsed[:0]
	for i := range p.parsed {
		pe := &p.parsed[i]
		if _, isMmap := pe.Raw.(*perfdata.MmapEvent); isMmap && pe.NumSamplesInMmapRegion == 0 {
			continue
		}
		kept = append(kept, *pe)
	}
	p.parsed = kept

	newEvents := make([]perfdata.Event, len(p.parsed))
	for i := range p.parsed {
		newEvents[i] = p.parsed[i].Raw
	}
	p.reader.SetEvents(newEvents)
	return nil
}

func (p *Parser) processEvents() error {
	// The swapper process never gets a COMM record; pretend one was
	// seen, like the perf tool itself does.
	swapper := p.internCommand(swapperCommandName)
	p.pidTidToComm[PidTid{SwapperPid, SwapperPid}] = swapper

	// The first mapping with kernel CPU mode is the kernel image and
	// needs address normalization. Later kernel-mode mappings are
	// modules and are handled like any other.
	firstKernelMmap := true

	for i := range p.parsed {
		pe := &p.parsed[i]
		hdr := pe.Raw.Header()

		if hdr.Type >= perfdata.RecordTypeUserStart {
			level.Debug(p.logger).Log("msg", "skipping user event", "type", hdr.Type)
			continue
		}

		switch hdr.Type {
		case perfdata.RecordTypeSample:
			p.stats.NumSampleEvents++
			if err := p.mapSampleEvent(pe); err != nil {
				return err
			}

		case perfdata.RecordTypeMmap, perfdata.RecordTypeMmap2:
			p.stats.NumMmapEvents++
			mm := pe.Raw.(*perfdata.MmapEvent)
			level.Debug(p.logger).Log("msg", hdr.Type.String(), "filename", mm.Filename)
			isKernel := firstKernelMmap &&
				hdr.Misc&perfdata.MiscCPUModeMask == perfdata.MiscKernel
			// The record index doubles as the mapping's stable ID.
			if err := p.mapMmapEvent(mm, uint64(i), isKernel); err != nil {
				return errors.Wrapf(err, "cannot map %s event for %q", hdr.Type, mm.Filename)
			}
			pe.NumSamplesInMmapRegion = 0
			if _, ok := p.nameToDSO[mm.Filename]; !ok {
				dso := &DSOInfo{Name: mm.Filename, Threads: make(map[PidTid]struct{})}
				if hdr.Type == perfdata.RecordTypeMmap2 {
					dso.Maj, dso.Min, dso.Ino = mm.Maj, mm.Min, mm.Ino
				}
				p.nameToDSO[mm.Filename] = dso
			}
			if isKernel {
				firstKernelMmap = false
			}

		case perfdata.RecordTypeFork:
			fe := pe.Raw.(*perfdata.ForkEvent)
			level.Debug(p.logger).Log("msg", "FORK",
				"parent", fe.PPid, "ptid", fe.PTid, "pid", fe.Pid, "tid", fe.Tid)
			p.stats.NumForkEvents++
			p.mapForkEvent(fe)

		case perfdata.RecordTypeExit:
			p.stats.NumExitEvents++

		case perfdata.RecordTypeComm:
			ce := pe.Raw.(*perfdata.CommEvent)
			level.Debug(p.logger).Log("msg", "COMM",
				"pid", ce.Pid, "tid", ce.Tid, "comm", ce.Comm)
			p.stats.NumCommEvents++
			p.getOrCreateProcessMapper(ce.Pid, KernelPid)
			p.pidTidToComm[PidTid{ce.Pid, ce.Tid}] = p.internCommand(ce.Comm)

		case perfdata.RecordTypeLost,
			perfdata.RecordTypeThrottle,
			perfdata.RecordTypeUnthrottle,
			perfdata.RecordTypeAux,
			perfdata.RecordTypeItraceStart,
			perfdata.RecordTypeLostSamples,
			perfdata.RecordTypeSwitch,
			perfdata.RecordTypeSwitchCPUWide,
			perfdata.RecordTypeNamespaces,
			perfdata.RecordTypeCgroup:
			// Nothing to do.

		default:
			return errors.Errorf("unknown event type %s", hdr.Type)
		}
	}

	if err := p.fillInDSOBuildIDs(); err != nil {
		return err
	}

	level.Info(p.logger).Log("msg", "parser processed",
		"mmap", p.stats.NumMmapEvents,
		"comm", p.stats.NumCommEvents,
		"fork", p.stats.NumForkEvents,
		"exit", p.stats.NumExitEvents,
		"sample", p.stats.NumSampleEvents,
		"sample_mapped", p.stats.NumSampleEventsMapped,
		"data_sample", p.stats.NumDataSampleEvents,
		"data_sample_mapped", p.stats.NumDataSampleEventsMapped,
	)
	p.metrics.observe(&p.stats)

	if p.stats.NumSampleEvents == 0 {
		if !p.reader.EventTypesToSkipWhenSerializing()[perfdata.RecordTypeSample] {
			level.Error(p.logger).Log("msg", "capture has no sample events")
			return errors.New("no sample events to parse")
		}
		level.Info(p.logger).Log("msg", "capture has no samples because SAMPLE records were skipped")
	} else {
		percentage := float64(p.stats.NumSampleEventsMapped) /
			float64(p.stats.NumSampleEvents) * 100
		if percentage < p.options.SampleMappingPercentageThreshold {
			level.Error(p.logger).Log("msg", "mapping ratio below threshold",
				"mapped_percent", int(percentage),
				"threshold_percent", int(p.options.SampleMappingPercentageThreshold))
			return errors.Errorf("only %d%% of samples mapped, expected at least %d%%",
				int(percentage), int(p.options.SampleMappingPercentageThreshold))
		}
	}

	p.stats.DidRemap = p.options.DoRemap
	return nil
}

func (p *Parser) pageOffset(addr uint64) uint64 {
	return addr % p.pageAlignment
}

// mapMmapEvent registers the mapping with the owning process and, in
// remap mode, rewrites the record into synthetic space.
func (p *Parser) mapMmapEvent(mm *perfdata.MmapEvent, id uint64, isKernel bool) error {
	mapper := p.getOrCreateProcessMapper(mm.Pid, KernelPid)

	start := mm.Start
	length := mm.Len
	pgoff := mm.Pgoff

	// The kernel image mapping comes in several shapes. On ARM and
	// x86 under sudo, pgoff == start. On x86-64 under sudo, pgoff
	// falls inside [start, start+len) and samples only occur above it,
	// so the mapping is shrunk to begin at pgoff. Without sudo the
	// kernel is mapped from 0 to the pointer limit with pgoff 0.
	if isKernel {
		if pgoff > start && pgoff < start+length {
			length = length + start - pgoff
			start = pgoff
		}
		// Under ASLR pgoff would leak the randomized kernel base.
		pgoff = 0
	}

	isJIT := false
	if p.options.AllowUnalignedJITMappings {
		isJIT = strings.Contains(mm.Filename, "jitted-")
	}

	if err := mapper.MapWithID(start, length, id, pgoff, true, isJIT); err != nil {
		mapper.DumpToLog(p.logger)
		return err
	}

	if p.options.DoRemap {
		mapped, _, ok := mapper.MappedAddress(start)
		if !ok {
			return errors.Errorf("failed to map starting address %#x", start)
		}
		// The kernel mapping is exempt: normalization moved its start
		// to pgoff, which is not page aligned.
		if !isKernel && !isJIT && p.pageOffset(mapped) != p.pageOffset(start) {
			return errors.Errorf("remapped address %#x does not preserve the page offset of %#x",
				mapped, start)
		}
		mm.Start, mm.Len, mm.Pgoff = mapped, length, pgoff
	}
	return nil
}

// mapSampleEvent resolves a sample's command, ip, data address, call
// chain and branch stack. Unresolved addresses leave the sample
// unmapped but only a malformed branch stack is fatal.
func (p *Parser) mapSampleEvent(pe *ParsedEvent) error {
	sample, ok := pe.Raw.(*perfdata.SampleEvent)
	if !ok {
		return nil
	}

	pidtid := PidTid{sample.Pid, sample.Tid}
	if comm, ok := p.pidTidToComm[pidtid]; ok {
		pe.Command = comm
	}

	unmappedIP := sample.IP

	mappingOK := true
	if newIP, ok := p.mapIPAndPid(sample.IP, pidtid, &pe.DSOAndOffset); ok {
		sample.IP = newIP
	} else {
		mappingOK = false
	}

	if sample.Addr != 0 {
		p.stats.NumDataSampleEvents++
		if newAddr, ok := p.mapIPAndPid(sample.Addr, pidtid, &pe.DataDSOAndOffset); ok {
			p.stats.NumDataSampleEventsMapped++
			sample.Addr = newAddr
		}
	}

	if len(sample.Callchain) > 0 &&
		!p.mapCallchain(sample.IP, pidtid, unmappedIP, sample.Callchain, pe) {
		mappingOK = false
	}

	if len(sample.BranchStack) > 0 {
		ok, err := p.mapBranchStack(pidtid, sample.BranchStack, pe)
		if err != nil {
			return err
		}
		if !ok {
			mappingOK = false
		}
	}

	if mappingOK {
		p.stats.NumSampleEventsMapped++
	}
	return nil
}

// mapCallchain rewrites callchain entries in place: context markers are
// preserved, the entry equal to the sample's leaf ip is rewritten to
// the already-resolved ip, mapped entries become synthetic addresses,
// and unmapped entries are tagged with UnmappedBit.
func (p *Parser) mapCallchain(ip uint64, pidtid PidTid, originalIP uint64, callchain []uint64, pe *ParsedEvent) bool {
	pe.Callchain = make([]DSOAndOffset, len(callchain))
	mapped := 0
	ok := true
	for i, entry := range callchain {
		if entry >= perfdata.ContextMax {
			continue
		}
		if entry == originalIP {
			// Already resolved as the sample ip.
			callchain[i] = ip
			continue
		}
		newAddr, entryOK := p.mapIPAndPid(entry, pidtid, &pe.Callchain[mapped])
		if !entryOK {
			ok = false
			callchain[i] = entry | perfdata.UnmappedBit
			continue
		}
		callchain[i] = newAddr
		mapped++
	}
	pe.Callchain = pe.Callchain[:mapped]
	return ok
}

// mapBranchStack trims trailing null entries and resolves the rest. A
// non-null entry after a null one means the record is corrupt and the
// parse must stop.
func (p *Parser) mapBranchStack(pidtid PidTid, branchStack []perfdata.BranchStackEntry, pe *ParsedEvent) (bool, error) {
	trimmedSize := 0
	for i := range branchStack {
		if branchStack[i].FromIP == 0 && branchStack[i].ToIP == 0 {
			break
		}
		trimmedSize++
	}
	for i := trimmedSize; i < len(branchStack); i++ {
		e := &branchStack[i]
		if e.FromIP != 0 || e.ToIP != 0 {
			return false, errors.Errorf(
				"non-null branch stack entry %#x -> %#x found after null entry",
				e.FromIP, e.ToIP)
		}
	}

	pe.BranchStack = make([]BranchEntry, trimmedSize)
	for i := 0; i < trimmedSize; i++ {
		entry := &branchStack[i]
		parsed := &pe.BranchStack[i]

		fromMapped, ok := p.mapIPAndPid(entry.FromIP, pidtid, &parsed.From)
		if !ok {
			return false, nil
		}
		entry.FromIP = fromMapped

		toMapped, ok := p.mapIPAndPid(entry.ToIP, pidtid, &parsed.To)
		if !ok {
			return false, nil
		}
		entry.ToIP = toMapped

		parsed.Mispredicted = entry.Mispredicted
		parsed.Predicted = entry.Predicted
		parsed.InTransaction = entry.InTransaction
		parsed.AbortedTransaction = entry.Abort
		parsed.Cycles = entry.Cycles
	}
	return true, nil
}

// mapIPAndPid resolves addr within the address space of pidtid's
// process, records the DSO hit, and returns the address to store back
// into the record: the synthetic address in remap mode, addr unchanged
// otherwise.
func (p *Parser) mapIPAndPid(addr uint64, pidtid PidTid, out *DSOAndOffset) (uint64, bool) {
	// A SAMPLE can arrive before any record created a mapper for its
	// process, e.g. for pid 0.
	mapper := p.getOrCreateProcessMapper(pidtid.Pid, KernelPid)

	mappedAddr, index, ok := mapper.MappedAddress(addr)
	if !ok {
		return 0, false
	}

	id, offset := mapper.MappedIDAndOffset(addr, index)
	if id >= uint64(len(p.parsed)) {
		level.Error(p.logger).Log("msg", "mapping ID points past the record list", "id", id)
		return 0, false
	}
	target := &p.parsed[id]
	mm, isMmap := target.Raw.(*perfdata.MmapEvent)
	if !isMmap {
		level.Error(p.logger).Log("msg", "mapping ID does not reference a mapping record", "id", id)
		return 0, false
	}
	dso, ok := p.nameToDSO[mm.Filename]
	if !ok {
		level.Error(p.logger).Log("msg", "mapping references unknown object", "filename", mm.Filename)
		return 0, false
	}

	dso.Hit = true
	dso.Threads[pidtid] = struct{}{}
	out.DSO = dso
	out.Offset = offset
	target.NumSamplesInMmapRegion++

	if p.options.DoRemap {
		if p.pageOffset(mappedAddr) != p.pageOffset(addr) {
			level.Error(p.logger).Log("msg", "remapped address does not preserve page offset",
				"mapped", mappedAddr, "addr", addr)
			return 0, false
		}
		return mappedAddr, true
	}
	return addr, true
}

// mapForkEvent copies the parent's command and address space to the
// child. A fork with ppid == pid is thread creation and needs no new
// mapper.
func (p *Parser) mapForkEvent(fe *perfdata.ForkEvent) {
	parent := PidTid{fe.PPid, fe.PTid}
	child := PidTid{fe.Pid, fe.Tid}
	if parent != child {
		if comm, ok := p.pidTidToComm[parent]; ok {
			p.pidTidToComm[child] = comm
		}
	}

	if fe.PPid == fe.Pid {
		return
	}
	p.getOrCreateProcessMapper(fe.Pid, fe.PPid)
}

// getOrCreateProcessMapper returns pid's mapper, creating it by cloning
// the parent's. Without a parent mapper the kernel mapper serves as the
// template: perf emits an explicit FORK from the swapper to init, and
// the swapper has no mappings of its own.
func (p *Parser) getOrCreateProcessMapper(pid, ppid uint32) *AddressMapper {
	if mapper, ok := p.processMappers[pid]; ok {
		return mapper
	}

	parent, ok := p.processMappers[ppid]
	if !ok {
		parent = p.processMappers[KernelPid]
	}

	var mapper *AddressMapper
	if parent != nil {
		mapper = parent.Clone()
	} else {
		mapper = NewAddressMapper(p.pageAlignment)
	}
	p.processMappers[pid] = mapper
	return mapper
}

func (p *Parser) internCommand(comm string) *string {
	if interned, ok := p.commands[comm]; ok {
		return interned
	}
	owned := comm
	p.commands[comm] = &owned
	return &owned
}
