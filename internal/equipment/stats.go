package equipment

// Stats holds an equipment's counters, per SPEC_FULL.md's Equipment
// statistics counters. Fields are updated with sync/atomic; Snapshot on
// Equipment returns a consistent point-in-time copy.
type Stats struct {
	PacketsDropped  uint64
	PagesPushed     uint64
	PagesHarvested  uint64
	MemoryLowEvents uint64
	RdhOk           uint64
	RdhHardErrors   uint64
	RdhStreamErrors uint64
	QueueDrops      uint64
	BlocksOut       uint64
	BytesOut        uint64
	// ErrorFlag counts dropped-packet audit cycles that observed an
	// increase while StopOnError was configured, per original_source's
	// isError++ counter.
	ErrorFlag uint64
}
