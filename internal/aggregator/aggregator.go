package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/queue"
	"github.com/care/readout/internal/worker"
)

// maxBlocksPerInputPerStep bounds how many blocks are drained from a
// single input's queue in one Step call, matching
// DataBlockAggregator.cxx's maxLoop=1024 bound so one busy source can't
// starve the others within a single step.
const maxBlocksPerInputPerStep = 1024

// Input is one RE->AGG edge the aggregator polls.
type Input struct {
	Name  string
	Queue *queue.Queue[block.DataBlock]
}

// Config controls the aggregator's slicing behavior.
type Config struct {
	// SliceTimeout is the duration after which a stalled partial slice's
	// open DataSet is force-closed. Zero disables timeout-based flush.
	SliceTimeout time.Duration
	// DisableSlicing switches the aggregator to pass-through mode: each
	// input's pages are wrapped one-per-DataSet and pushed straight to
	// the output, bypassing the DataBlockSlicer entirely.
	DisableSlicing bool
}

// Aggregator drains N inputs into per-input DataBlockSlicers and emits
// completed DataSets fairly (round-robin across inputs, FIFO within an
// input's own per-link slices) to a single output queue.
type Aggregator struct {
	cfg     Config
	inputs  []Input
	slicers []*Slicer
	output  *queue.Queue[block.DataSet]

	nextIndex int
	doFlush   bool
}

// New creates an aggregator over the given inputs, emitting to output.
func New(cfg Config, output *queue.Queue[block.DataSet], inputs ...Input) *Aggregator {
	a := &Aggregator{
		cfg:     cfg,
		inputs:  inputs,
		output:  output,
		slicers: make([]*Slicer, len(inputs)),
	}
	for i := range inputs {
		a.slicers[i] = NewSlicer()
	}
	return a
}

// Flush requests that, on the next Step, every input with an empty
// queue has its open (incomplete) DataSets popped too, instead of
// waiting for a timeframe change to close them.
func (a *Aggregator) Flush() {
	a.doFlush = true
}

// Step implements worker.StepFunc: one round of draining inputs into
// their slicers, timing out stalled slices, and popping completed
// DataSets to the output queue.
func (a *Aggregator) Step(ctx context.Context) (worker.Result, error) {
	if a.output.IsFull() {
		return worker.Idle, nil
	}

	now := time.Now()
	var blocksIn, setsOut int
	n := len(a.inputs)
	start := a.nextIndex

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		in := a.inputs[idx]

		if a.cfg.DisableSlicing {
			if !a.output.IsFull() {
				if blk, ok := in.Queue.Pop(); ok {
					blocksIn++
					ds := block.DataSet{
						ID:          uuid.NewString(),
						EquipmentID: blk.Header.EquipmentID,
						TimeframeID: blk.Header.TimeframeID,
						Blocks:      []block.DataBlock{blk},
					}
					if a.output.Push(ds) {
						setsOut++
					}
				}
			}
			a.nextIndex = (idx + 1) % n
			continue
		}

		slicer := a.slicers[idx]

		for j := 0; j < maxBlocksPerInputPerStep; j++ {
			blk, ok := in.Queue.Pop()
			if !ok {
				break
			}
			blocksIn++
			if _, err := slicer.Append(blk, now); err != nil {
				slog.Error("dropping block with invalid link id", "equipment", blk.Header.EquipmentID, "link", blk.Header.LinkID, "error", err)
			}
		}

		if a.cfg.SliceTimeout > 0 {
			slicer.TimeoutFlush(now.Add(-a.cfg.SliceTimeout))
		}

		includeIncomplete := a.doFlush && in.Queue.IsEmpty()
		for j := 0; j < maxBlocksPerInputPerStep; j++ {
			if a.output.IsFull() {
				break
			}
			ds, ok := slicer.PopSlice(includeIncomplete)
			if !ok {
				break
			}
			if !a.output.Push(ds) {
				break
			}
			setsOut++
		}

		a.nextIndex = (idx + 1) % n
	}

	if blocksIn == 0 && setsOut == 0 {
		if a.doFlush {
			a.doFlush = false
		}
		return worker.Idle, nil
	}

	if blocksIn > 0 {
		slog.Debug("aggregator drained blocks", "blocks", blocksIn, "sets_out", setsOut)
	}
	return worker.Ok, nil
}
