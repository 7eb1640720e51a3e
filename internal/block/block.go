// Package block defines the shared data model that flows between the
// memory pool, readout equipment, and aggregator: pages, headers, blocks
// and the timeframe-grouped data sets the aggregator emits.
package block

import (
	"fmt"
	"math"
)

// UndefinedTimeframe is the sentinel timeframe id meaning "not yet
// assigned" or "could not be derived from the RDH". A block carrying this
// id always closes whatever DataSet is currently open for its slice, per
// original_source's (tfId == undefinedTimeframeId) check.
const UndefinedTimeframe uint64 = 0

// UndefinedEquipment is the sentinel equipment id: a page's RDH reporting
// a zero CRU id (the CRU's own unconfigured default), or no RDH available
// to derive one from, both coerce to this value.
const UndefinedEquipment uint16 = math.MaxUint16

// UndefinedLink is the sentinel link id used when no RDH could be parsed
// for a page.
const UndefinedLink uint8 = math.MaxUint8

// Page is a fixed-size buffer on loan from a memory pool. It is owned by
// exactly one holder at a time and must be released back to its pool
// exactly once, regardless of the path (success or error) that retires
// it.
type Page struct {
	// ID identifies the page's slot within its owning pool.
	ID int
	// Bytes is the page's backing storage. Equipment code writes raw
	// card data here before it is validated and wrapped.
	Bytes []byte
}

// Header describes a DataBlock's provenance and placement.
type Header struct {
	PayloadSize uint32
	HeaderSize  uint32
	EquipmentID uint16
	LinkID      uint8
	TimeframeID uint64
}

// DataBlock pairs a Page with the Header describing it. A DataBlock is
// the unit the readout equipment hands to the aggregator.
type DataBlock struct {
	Header Header
	Page   Page
}

func (b DataBlock) String() string {
	return fmt.Sprintf("block{eq=%d link=%d tf=%d bytes=%d}",
		b.Header.EquipmentID, b.Header.LinkID, b.Header.TimeframeID, b.Header.PayloadSize)
}

// DataSet is an ordered collection of DataBlocks that all share the same
// (EquipmentID, TimeframeID) pair — the aggregator's output unit.
type DataSet struct {
	// ID is a process-unique identifier stamped on the DataSet when it
	// is closed, so a consumer or log line can refer to it unambiguously.
	ID          string
	EquipmentID uint16
	TimeframeID uint64
	Blocks      []DataBlock
}

// ByteSize returns the total payload size across every block in the set.
func (s DataSet) ByteSize() int {
	total := 0
	for _, b := range s.Blocks {
		total += int(b.Header.PayloadSize)
	}
	return total
}
