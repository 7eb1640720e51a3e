// Package aggregator groups per-link DataBlocks into per-timeframe
// DataSets and emits them fairly across sources. The slicing algorithm
// follows original_source/src/DataBlockAggregator.cxx's
// DataBlockSlicer/PartialSlice design.
package aggregator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/rdh"
)

type sliceKey struct {
	equipmentID uint16
	linkID      uint8
}

// partialSlice is the per-(equipmentId, linkId) working set: an open
// DataSet being appended to, plus a FIFO of DataSets already closed and
// awaiting pop.
type partialSlice struct {
	open           *block.DataSet
	completed      []block.DataSet
	lastUpdateTime time.Time
}

// Slicer buckets DataBlocks arriving for one input into per-(equipment,
// link) PartialSlices, closing and queuing a DataSet whenever the
// timeframe changes (or is undefined) for that slice.
type Slicer struct {
	slices map[sliceKey]*partialSlice
	// order preserves round-robin fairness across a slicer's own keys
	// when popping, both completed and (in includeIncomplete mode) open
	// DataSets.
	order    []sliceKey
	popCursor int
}

// NewSlicer creates an empty slicer.
func NewSlicer() *Slicer {
	return &Slicer{slices: make(map[sliceKey]*partialSlice)}
}

func (s *Slicer) get(key sliceKey) *partialSlice {
	p, ok := s.slices[key]
	if !ok {
		p = &partialSlice{}
		s.slices[key] = p
		s.order = append(s.order, key)
	}
	return p
}

// Append adds blk to its (EquipmentID, LinkID) partial slice. If the
// slice has no open DataSet, or the open DataSet's timeframe differs
// from blk's (including when blk carries the undefined timeframe
// sentinel, which always forces a close), the open DataSet is closed
// onto the completed queue and a new one is started. It returns the new
// size of the (now open) DataSet, or an error if blk carries a link id
// outside the legal range — the equipment is the first line of defense
// against that, but the slicer must not trust it blindly.
func (s *Slicer) Append(blk block.DataBlock, now time.Time) (int, error) {
	linkID := blk.Header.LinkID
	if linkID != block.UndefinedLink && linkID > rdh.MaxLinkID {
		return -1, fmt.Errorf("aggregator: link id %d exceeds max %d", linkID, rdh.MaxLinkID)
	}

	key := sliceKey{equipmentID: blk.Header.EquipmentID, linkID: linkID}
	p := s.get(key)

	if p.open == nil || p.open.TimeframeID != blk.Header.TimeframeID || blk.Header.TimeframeID == block.UndefinedTimeframe {
		s.closeOpen(p)
		p.open = &block.DataSet{
			EquipmentID: blk.Header.EquipmentID,
			TimeframeID: blk.Header.TimeframeID,
		}
	}

	p.open.Blocks = append(p.open.Blocks, blk)
	p.lastUpdateTime = now
	return len(p.open.Blocks), nil
}

func (s *Slicer) closeOpen(p *partialSlice) {
	if p.open == nil {
		return
	}
	p.open.ID = uuid.NewString()
	p.completed = append(p.completed, *p.open)
	p.open = nil
}

// TimeoutFlush closes the open DataSet of every partial slice whose
// lastUpdateTime is at or before deadline, onto that slice's completed
// queue. It does not pop anything.
func (s *Slicer) TimeoutFlush(deadline time.Time) {
	for _, key := range s.order {
		p := s.slices[key]
		if p.open != nil && !p.lastUpdateTime.After(deadline) {
			s.closeOpen(p)
		}
	}
}

// PopSlice returns the next completed DataSet from this slicer, if one
// exists, round-robining across the slicer's own (equipment, link) keys.
// If none is completed and includeIncomplete is true, it closes and
// returns the first non-empty open DataSet it finds instead.
func (s *Slicer) PopSlice(includeIncomplete bool) (block.DataSet, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.popCursor + i) % n
		key := s.order[idx]
		p := s.slices[key]
		if len(p.completed) > 0 {
			ds := p.completed[0]
			p.completed = p.completed[1:]
			s.popCursor = (idx + 1) % n
			return ds, true
		}
	}

	if includeIncomplete {
		for i := 0; i < n; i++ {
			idx := (s.popCursor + i) % n
			key := s.order[idx]
			p := s.slices[key]
			if p.open != nil && len(p.open.Blocks) > 0 {
				s.closeOpen(p)
				ds := p.completed[len(p.completed)-1]
				p.completed = p.completed[:len(p.completed)-1]
				s.popCursor = (idx + 1) % n
				return ds, true
			}
		}
	}

	return block.DataSet{}, false
}

// IsEmpty reports whether the slicer has nothing completed and nothing
// open with blocks in it.
func (s *Slicer) IsEmpty() bool {
	for _, key := range s.order {
		p := s.slices[key]
		if len(p.completed) > 0 {
			return false
		}
		if p.open != nil && len(p.open.Blocks) > 0 {
			return false
		}
	}
	return true
}
