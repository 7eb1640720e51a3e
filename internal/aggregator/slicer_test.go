package aggregator

import (
	"testing"
	"time"

	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/rdh"
)

func mkBlock(eq uint16, link uint8, tf uint64) block.DataBlock {
	return block.DataBlock{Header: block.Header{EquipmentID: eq, LinkID: link, TimeframeID: tf}}
}

func TestAppendSameTimeframeAccumulates(t *testing.T) {
	s := NewSlicer()
	now := time.Now()
	s.Append(mkBlock(1, 0, 5), now)
	s.Append(mkBlock(1, 0, 5), now)

	ds, ok := s.PopSlice(true)
	if !ok {
		t.Fatalf("expected an incomplete DataSet")
	}
	if len(ds.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(ds.Blocks))
	}
}

func TestAppendTimeframeChangeClosesPrevious(t *testing.T) {
	s := NewSlicer()
	now := time.Now()
	s.Append(mkBlock(1, 0, 5), now)
	s.Append(mkBlock(1, 0, 6), now)

	ds, ok := s.PopSlice(false)
	if !ok {
		t.Fatalf("expected first timeframe's DataSet to be completed")
	}
	if ds.TimeframeID != 5 || len(ds.Blocks) != 1 {
		t.Fatalf("got %+v, want timeframe 5 with 1 block", ds)
	}

	if _, ok := s.PopSlice(false); ok {
		t.Fatalf("timeframe 6 should still be open, not completed")
	}
}

func TestAppendUndefinedTimeframeAlwaysCloses(t *testing.T) {
	s := NewSlicer()
	now := time.Now()
	s.Append(mkBlock(1, 0, block.UndefinedTimeframe), now)
	s.Append(mkBlock(1, 0, block.UndefinedTimeframe), now)

	ds, ok := s.PopSlice(false)
	if !ok {
		t.Fatalf("expected first undefined-timeframe block to have been closed immediately")
	}
	if len(ds.Blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 (undefined timeframe closes every time)", len(ds.Blocks))
	}
}

func TestPerLinkIsolation(t *testing.T) {
	s := NewSlicer()
	now := time.Now()
	s.Append(mkBlock(1, 0, 5), now)
	s.Append(mkBlock(1, 1, 5), now)
	s.Append(mkBlock(1, 0, 6), now)

	ds, ok := s.PopSlice(false)
	if !ok || ds.TimeframeID != 5 {
		t.Fatalf("expected link 0's timeframe 5 to complete first, got %+v ok=%v", ds, ok)
	}

	if _, ok := s.PopSlice(false); ok {
		t.Fatalf("link 1's timeframe 5 is still open and must not be popped without includeIncomplete")
	}
}

func TestTimeoutFlushClosesStalledSlice(t *testing.T) {
	s := NewSlicer()
	past := time.Now().Add(-time.Minute)
	s.Append(mkBlock(1, 0, 5), past)

	s.TimeoutFlush(time.Now())

	ds, ok := s.PopSlice(false)
	if !ok || ds.TimeframeID != 5 {
		t.Fatalf("expected timeout to close the stalled slice, got ok=%v ds=%+v", ok, ds)
	}
}

func TestTimeoutFlushDoesNotTouchFreshSlice(t *testing.T) {
	s := NewSlicer()
	s.Append(mkBlock(1, 0, 5), time.Now())

	s.TimeoutFlush(time.Now().Add(-time.Minute))

	if _, ok := s.PopSlice(false); ok {
		t.Fatalf("expected fresh slice to remain open, not flushed by an older deadline")
	}
}

func TestAppendRejectsLinkIDAboveMax(t *testing.T) {
	s := NewSlicer()
	_, err := s.Append(mkBlock(1, rdh.MaxLinkID+1, 5), time.Now())
	if err == nil {
		t.Fatalf("expected error for out-of-range link id")
	}
}

func TestAppendReturnsOpenSetSize(t *testing.T) {
	s := NewSlicer()
	now := time.Now()
	n, err := s.Append(mkBlock(1, 0, 5), now)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 1 {
		t.Fatalf("got size %d, want 1", n)
	}
	n, err = s.Append(mkBlock(1, 0, 5), now)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 2 {
		t.Fatalf("got size %d, want 2", n)
	}
}

func TestIsEmpty(t *testing.T) {
	s := NewSlicer()
	if !s.IsEmpty() {
		t.Fatalf("expected new slicer to be empty")
	}
	s.Append(mkBlock(1, 0, 5), time.Now())
	if s.IsEmpty() {
		t.Fatalf("expected slicer with an open non-empty DataSet to be non-empty")
	}
}
