// Package equipment implements the per-card Readout Equipment driver
// harness: topping up a card's free-page queue from a memory pool,
// harvesting completed pages, tagging them with a timeframe id, and
// pushing them to the RE->AGG queue. The per-step protocol and the
// timeframe/RDH handling follow
// original_source/src/ReadoutEquipmentRORC.cxx.
package equipment

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/queue"
	"github.com/care/readout/internal/rdh"
	"github.com/care/readout/internal/worker"
)

// Pool is the subset of mempool.Pool an Equipment needs. Kept as an
// interface so tests can substitute a fake, following the teacher's
// StreamProvider/Publisher interface-seam pattern.
type Pool interface {
	Acquire() (block.Page, bool)
	Release(block.Page) error
	Validate(block.Page) bool
	Wrap(block.Page, block.Header) block.DataBlock
}

// Card is the simulated hardware surface an Equipment drives: a
// free-page queue the equipment tops up, a completion queue it harvests
// from, and a dropped-packet counter it audits. Non-goal: no real DMA or
// firmware interaction — Card is implemented by internal/cardsim for
// tests and the demo cmd.
type Card interface {
	// PushFreePage offers a page to the card's free-page queue. Returns
	// false if the card's queue is full.
	PushFreePage(page block.Page) bool
	// FreePageQueueAvailable reports remaining room in the free-page
	// queue.
	FreePageQueueAvailable() int
	// FreePageQueueCapacity reports the free-page queue's fixed size.
	FreePageQueueCapacity() int
	// HarvestCompletions drains pages the card has finished filling.
	HarvestCompletions() []block.Page
	// DroppedPacketCount returns the cumulative hardware drop counter.
	DroppedPacketCount() uint64
}

// DumpMode controls when an equipment logs a per-page RDH summary.
type DumpMode int

const (
	DumpNever DumpMode = iota
	DumpAlways
	DumpOnError
)

// State is an equipment's lifecycle state, per SPEC_FULL.md §4.2's state
// machine: {Uninitialized, Stopped, Running, Faulted}.
type State int

const (
	Uninitialized State = iota
	Stopped
	Running
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Config controls one equipment instance's behavior. Field names match
// SPEC_FULL.md's configuration keys.
type Config struct {
	EquipmentID              uint16
	ChannelNumber            int
	RdhCheckEnabled          bool
	RdhUseFirstInPageEnabled bool
	RdhDumpMode              DumpMode
	CleanPageBeforeUse       bool
	FirmwareCheckEnabled     bool
	DebugStatsEnabled        bool
	TFPeriod                 uint32
	// PacketDroppedAuditInterval gates how often the hardware drop
	// counter is compared, so a tight polling loop doesn't hammer a
	// hardware register read every step.
	PacketDroppedAuditInterval time.Duration
	// StopOnError raises the equipment's error flag (ErrorFlag counter)
	// whenever the dropped-packet audit observes an increase. The
	// equipment keeps running regardless — the name describes the
	// original hardware's intent to let an operator notice and decide,
	// not an automatic stop.
	StopOnError bool
}

// Equipment drives one card through the readout protocol.
type Equipment struct {
	cfg    Config
	card   Card
	pool   Pool
	output *queue.Queue[block.DataBlock]
	stats  Stats

	firstOrbit        uint32
	haveFirstOrbit    bool
	softwareClockTick uint64
	lastTimeframeID   uint64
	haveTimeframe     bool
	lastPacketCounter map[uint8]uint8

	lastDroppedCount uint64
	lastAuditTime    time.Time

	mu    sync.Mutex
	state State
	fault error
}

// New creates an Equipment driving card through pool, pushing tagged
// DataBlocks to output. The equipment is constructed into the Stopped
// state, per the state machine's init() -> Stopped transition; SetDataOn
// must be called to start the per-step protocol.
func New(cfg Config, card Card, pool Pool, output *queue.Queue[block.DataBlock]) *Equipment {
	if !cfg.FirmwareCheckEnabled {
		slog.Warn("firmware check disabled for equipment", "equipment", cfg.EquipmentID)
	}
	return &Equipment{
		cfg:               cfg,
		card:              card,
		pool:              pool,
		output:            output,
		lastPacketCounter: make(map[uint8]uint8),
		state:             Stopped,
	}
}

// State returns the equipment's current lifecycle state.
func (e *Equipment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetDataOn transitions the equipment to Running, enabling its per-step
// protocol. A no-op once Faulted.
func (e *Equipment) SetDataOn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Faulted {
		e.state = Running
	}
}

// SetDataOff transitions the equipment to Stopped, halting submission
// immediately. A no-op once Faulted.
func (e *Equipment) SetDataOff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Faulted {
		e.state = Stopped
	}
}

// Fault transitions the equipment to Faulted on an unrecoverable card
// error, per the state machine's "any fatal card error -> Faulted"
// transition. The stored error is what Step returns once Faulted, which
// stops the owning worker permanently. Exported so a Card implementation
// that detects its own unrecoverable condition (e.g. a DMA channel that
// can no longer be restarted) can report it.
func (e *Equipment) Fault(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Faulted
	e.fault = err
}

// quarterCapacity self-throttling: an equipment that topped up fewer
// than a quarter of its card's free-page queue capacity this step, and
// harvested no completed page, reports Idle even if it did push some
// pages, per
// ReadoutEquipmentRORC.cxx's nPushed < RocFifoSize/4 check.
func quarterCapacity(capacity int) int {
	return capacity / 4
}

// Step implements worker.StepFunc for one equipment's per-step protocol:
// dropped-packet audit, free-page top-up, and completion harvest.
func (e *Equipment) Step(ctx context.Context) (worker.Result, error) {
	e.mu.Lock()
	state, fault := e.state, e.fault
	e.mu.Unlock()

	if state == Faulted {
		return worker.Idle, fault
	}
	if state != Running {
		return worker.Idle, nil
	}

	e.auditDroppedPackets()

	nPushed := e.topUpFreePages()
	nHarvested := e.harvestCompletions()

	if nHarvested == 0 && nPushed == 0 {
		return worker.Idle, nil
	}
	if nHarvested == 0 && nPushed < quarterCapacity(e.card.FreePageQueueCapacity()) {
		return worker.Idle, nil
	}
	return worker.Ok, nil
}

func (e *Equipment) auditDroppedPackets() {
	if e.cfg.PacketDroppedAuditInterval > 0 && time.Since(e.lastAuditTime) < e.cfg.PacketDroppedAuditInterval {
		return
	}
	e.lastAuditTime = time.Now()

	current := e.card.DroppedPacketCount()
	if current > e.lastDroppedCount {
		delta := current - e.lastDroppedCount
		atomic.AddUint64(&e.stats.PacketsDropped, delta)
		slog.Warn("hardware dropped packets", "equipment", e.cfg.EquipmentID, "dropped", delta, "total", current)
		if e.cfg.StopOnError {
			atomic.AddUint64(&e.stats.ErrorFlag, 1)
			slog.Error("equipment has lost data", "equipment", e.cfg.EquipmentID, "dropped", delta, "total", current)
		}
	}
	e.lastDroppedCount = current
}

func (e *Equipment) topUpFreePages() int {
	nPushed := 0
	for e.card.FreePageQueueAvailable() > 0 {
		pg, ok := e.pool.Acquire()
		if !ok {
			atomic.AddUint64(&e.stats.MemoryLowEvents, 1)
			break
		}
		if e.cfg.CleanPageBeforeUse {
			for i := range pg.Bytes {
				pg.Bytes[i] = 0
			}
		}
		if !e.card.PushFreePage(pg) {
			_ = e.pool.Release(pg)
			break
		}
		nPushed++
		atomic.AddUint64(&e.stats.PagesPushed, 1)
	}
	return nPushed
}

func (e *Equipment) harvestCompletions() int {
	pages := e.card.HarvestCompletions()
	for _, pg := range pages {
		e.processPage(pg)
	}
	return len(pages)
}

func (e *Equipment) processPage(pg block.Page) {
	atomic.AddUint64(&e.stats.PagesHarvested, 1)

	if !e.pool.Validate(pg) {
		slog.Error("harvested page failed pool validation, dropping", "equipment", e.cfg.EquipmentID, "page", pg.ID)
		atomic.AddUint64(&e.stats.QueueDrops, 1)
		return
	}

	var hbOrbit uint32
	equipmentID := block.UndefinedEquipment
	linkID := block.UndefinedLink
	rdhOK := true

	// Parse the first embedded RDH when either rdhUseFirstInPage or the
	// deep rdhCheck walk is enabled; the deep walk additionally chains
	// through every RDH in the page for contiguity checking.
	switch {
	case e.cfg.RdhCheckEnabled:
		first := true
		err := rdh.Walk(pg.Bytes, func(h rdh.RDH, offset int) error {
			if first {
				hbOrbit, linkID, equipmentID = h.HBOrbit, h.LinkID, coerceEquipmentID(h.CRUID)
				first = false
			}
			e.checkContiguity(h)
			if e.cfg.RdhDumpMode == DumpAlways {
				slog.Debug("rdh", "equipment", e.cfg.EquipmentID, "link", h.LinkID, "orbit", h.HBOrbit, "counter", h.PacketCounter)
			}
			return nil
		})
		if err != nil {
			rdhOK = false
			atomic.AddUint64(&e.stats.RdhHardErrors, 1)
			if e.cfg.RdhDumpMode != DumpNever {
				slog.Error("rdh structural violation", "equipment", e.cfg.EquipmentID, "page", pg.ID, "error", err)
			}
		} else {
			atomic.AddUint64(&e.stats.RdhOk, 1)
		}
	case e.cfg.RdhUseFirstInPageEnabled:
		h, err := rdh.Decode(pg.Bytes)
		if err == nil {
			err = rdh.Validate(h)
		}
		if err != nil {
			rdhOK = false
			atomic.AddUint64(&e.stats.RdhHardErrors, 1)
			if e.cfg.RdhDumpMode != DumpNever {
				slog.Error("rdh structural violation", "equipment", e.cfg.EquipmentID, "page", pg.ID, "error", err)
			}
		} else {
			hbOrbit, linkID, equipmentID = h.HBOrbit, h.LinkID, coerceEquipmentID(h.CRUID)
			atomic.AddUint64(&e.stats.RdhOk, 1)
			if e.cfg.RdhDumpMode == DumpAlways {
				slog.Debug("rdh", "equipment", e.cfg.EquipmentID, "link", h.LinkID, "orbit", h.HBOrbit, "counter", h.PacketCounter)
			}
		}
	}

	timeframeID := e.assignTimeframe(hbOrbit, rdhOK)

	header := block.Header{
		PayloadSize: uint32(len(pg.Bytes)),
		HeaderSize:  rdh.Size,
		EquipmentID: equipmentID,
		LinkID:      linkID,
		TimeframeID: timeframeID,
	}
	blk := e.pool.Wrap(pg, header)

	if !e.output.Push(blk) {
		atomic.AddUint64(&e.stats.QueueDrops, 1)
		_ = e.pool.Release(pg)
		return
	}
	atomic.AddUint64(&e.stats.BlocksOut, 1)
	atomic.AddUint64(&e.stats.BytesOut, uint64(len(pg.Bytes)))
}

// coerceEquipmentID maps an RDH's CRU id to a page's equipment id,
// discarding the CRU's own unconfigured-default value of zero in favor
// of the UNDEFINED sentinel.
func coerceEquipmentID(cruID uint16) uint16 {
	if cruID == 0 {
		return block.UndefinedEquipment
	}
	return cruID
}

func (e *Equipment) checkContiguity(h rdh.RDH) {
	prev, seen := e.lastPacketCounter[h.LinkID]
	if seen && !rdh.ContiguityCheck(prev, h.PacketCounter) {
		atomic.AddUint64(&e.stats.RdhStreamErrors, 1)
		slog.Warn("rdh packet counter gap", "equipment", e.cfg.EquipmentID, "link", h.LinkID, "previous", prev, "next", h.PacketCounter)
	}
	e.lastPacketCounter[h.LinkID] = h.PacketCounter
}

func (e *Equipment) assignTimeframe(hbOrbit uint32, rdhOK bool) uint64 {
	var tfID uint64

	useRdh := e.cfg.RdhUseFirstInPageEnabled && rdhOK
	if useRdh {
		if !e.haveFirstOrbit {
			e.firstOrbit = hbOrbit
			e.haveFirstOrbit = true
		}
		tfID = rdh.BucketTimeframe(hbOrbit, e.firstOrbit, e.cfg.TFPeriod)
	} else {
		e.softwareClockTick++
		period := e.cfg.TFPeriod
		if period == 0 {
			period = rdh.DefaultTFPeriod
		}
		tfID = 1 + e.softwareClockTick/uint64(period)
	}

	if e.haveTimeframe && tfID != e.lastTimeframeID && tfID != e.lastTimeframeID+1 {
		slog.Warn("timeframe id gap", "equipment", e.cfg.EquipmentID, "previous", e.lastTimeframeID, "next", tfID)
	}
	e.lastTimeframeID = tfID
	e.haveTimeframe = true
	return tfID
}

// Snapshot returns a point-in-time copy of the equipment's counters.
func (e *Equipment) Snapshot() Stats {
	return Stats{
		PacketsDropped:  atomic.LoadUint64(&e.stats.PacketsDropped),
		PagesPushed:     atomic.LoadUint64(&e.stats.PagesPushed),
		PagesHarvested:  atomic.LoadUint64(&e.stats.PagesHarvested),
		MemoryLowEvents: atomic.LoadUint64(&e.stats.MemoryLowEvents),
		RdhOk:           atomic.LoadUint64(&e.stats.RdhOk),
		RdhHardErrors:   atomic.LoadUint64(&e.stats.RdhHardErrors),
		RdhStreamErrors: atomic.LoadUint64(&e.stats.RdhStreamErrors),
		QueueDrops:      atomic.LoadUint64(&e.stats.QueueDrops),
		BlocksOut:       atomic.LoadUint64(&e.stats.BlocksOut),
		BytesOut:        atomic.LoadUint64(&e.stats.BytesOut),
		ErrorFlag:       atomic.LoadUint64(&e.stats.ErrorFlag),
	}
}
