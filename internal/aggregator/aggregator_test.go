package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/queue"
	"github.com/care/readout/internal/worker"
)

func TestStepIdleWhenAllInputsEmpty(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{}, out, Input{Name: "eq0", Queue: in})

	result, err := a.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result != worker.Idle {
		t.Fatalf("Step: got %v, want Idle", result)
	}
}

func TestStepDrainsAndClosesOnTimeframeChange(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{}, out, Input{Name: "eq0", Queue: in})

	in.Push(mkBlock(1, 0, 5))
	in.Push(mkBlock(1, 0, 5))
	in.Push(mkBlock(1, 0, 6))

	result, err := a.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result != worker.Ok {
		t.Fatalf("Step: got %v, want Ok", result)
	}

	ds, ok := out.Pop()
	if !ok {
		t.Fatalf("expected a completed DataSet on output")
	}
	if ds.TimeframeID != 5 || len(ds.Blocks) != 2 {
		t.Fatalf("got %+v, want timeframe 5 with 2 blocks", ds)
	}
	if _, ok := out.Pop(); ok {
		t.Fatalf("timeframe 6 should still be open, not on output yet")
	}
}

func TestStepIdleWhenOutputFull(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](1)
	out.Push(block.DataSet{})
	a := New(Config{}, out, Input{Name: "eq0", Queue: in})

	in.Push(mkBlock(1, 0, 5))

	result, err := a.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result != worker.Idle {
		t.Fatalf("Step: got %v, want Idle (backpressure)", result)
	}
}

func TestFairnessAcrossInputs(t *testing.T) {
	inA := queue.New[block.DataBlock](8)
	inB := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{}, out, Input{Name: "a", Queue: inA}, Input{Name: "b", Queue: inB})

	inA.Push(mkBlock(1, 0, 5))
	inA.Push(mkBlock(1, 0, 6))
	inB.Push(mkBlock(2, 0, 5))
	inB.Push(mkBlock(2, 0, 6))

	if _, err := a.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	seenEquipments := map[uint16]bool{}
	for {
		ds, ok := out.Pop()
		if !ok {
			break
		}
		seenEquipments[ds.EquipmentID] = true
	}
	if !seenEquipments[1] || !seenEquipments[2] {
		t.Fatalf("expected both equipment 1 and 2 to have a completed DataSet, got %v", seenEquipments)
	}
}

func TestFlushPopsIncompleteWhenInputEmpty(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{}, out, Input{Name: "eq0", Queue: in})

	in.Push(mkBlock(1, 0, 5))
	if _, err := a.Step(context.Background()); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	if _, ok := out.Pop(); ok {
		t.Fatalf("open timeframe 5 should not be on output before a flush")
	}

	a.Flush()
	if _, err := a.Step(context.Background()); err != nil {
		t.Fatalf("second Step: %v", err)
	}

	ds, ok := out.Pop()
	if !ok || ds.TimeframeID != 5 {
		t.Fatalf("expected flush to pop the open timeframe 5 DataSet, got ok=%v ds=%+v", ok, ds)
	}
}

func TestDisableSlicingPassesThroughOnePerStep(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{DisableSlicing: true}, out, Input{Name: "eq0", Queue: in})

	in.Push(mkBlock(1, 0, 5))
	in.Push(mkBlock(1, 0, 5))
	in.Push(mkBlock(1, 0, 6))

	for i := 0; i < 3; i++ {
		result, err := a.Step(context.Background())
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if result != worker.Ok {
			t.Fatalf("Step %d: got %v, want Ok", i, result)
		}
	}

	wantTF := []uint64{5, 5, 6}
	for i, want := range wantTF {
		ds, ok := out.Pop()
		if !ok {
			t.Fatalf("DataSet %d: expected one on output", i)
		}
		if len(ds.Blocks) != 1 {
			t.Fatalf("DataSet %d: got %d blocks, want 1 (disableSlicing is pass-through)", i, len(ds.Blocks))
		}
		if ds.TimeframeID != want {
			t.Fatalf("DataSet %d: got timeframe %d, want %d", i, ds.TimeframeID, want)
		}
	}
}

func TestSliceTimeoutFlushesStalledInput(t *testing.T) {
	in := queue.New[block.DataBlock](8)
	out := queue.New[block.DataSet](8)
	a := New(Config{SliceTimeout: 10 * time.Millisecond}, out, Input{Name: "eq0", Queue: in})

	in.Push(mkBlock(1, 0, 5))
	if _, err := a.Step(context.Background()); err != nil {
		t.Fatalf("first Step: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := a.Step(context.Background()); err != nil {
		t.Fatalf("second Step: %v", err)
	}

	ds, ok := out.Pop()
	if !ok || ds.TimeframeID != 5 {
		t.Fatalf("expected timeout to flush timeframe 5 to output, got ok=%v ds=%+v", ok, ds)
	}
}
