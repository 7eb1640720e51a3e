package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/readout/internal/block"
)

// MonitorSink receives periodic stats snapshots. Generalizes
// ConsumerStats.cxx's monitoring collector: production code might point
// this at a metrics backend, tests can capture snapshots directly.
type MonitorSink interface {
	Publish(snapshot Snapshot)
}

// Snapshot is a point-in-time stats publish, mirroring
// ConsumerStats.cxx's published fields.
type Snapshot struct {
	BlocksTotal       uint64
	BytesTotal        uint64
	BytesHeaderTotal  uint64
	BytesSincePublish uint64
	Elapsed           time.Duration
}

// StatsConsumer is a Consumer that tallies block/byte counters and
// periodically publishes a snapshot, following
// original_source/src/ConsumerStats.cxx's counterBlocks /
// counterBytesTotal / counterBytesDiff / monitoringUpdateTimer /
// publishStats design. It logs a final summary when stopped, per the
// original's destructor.
type StatsConsumer struct {
	sink            MonitorSink
	publishInterval time.Duration

	blocksTotal      uint64
	bytesTotal       uint64
	bytesHeaderTotal uint64
	bytesSincePub    uint64

	startTime time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewStatsConsumer creates a stats consumer publishing to sink (nil
// disables publishing; the consumer still tracks and logs a final
// summary) every publishInterval.
func NewStatsConsumer(sink MonitorSink, publishInterval time.Duration) *StatsConsumer {
	return &StatsConsumer{sink: sink, publishInterval: publishInterval}
}

// Consume implements Consumer.
func (s *StatsConsumer) Consume(ds block.DataSet) error {
	atomic.AddUint64(&s.blocksTotal, uint64(len(ds.Blocks)))
	var bytes, header uint64
	for _, blk := range ds.Blocks {
		bytes += uint64(blk.Header.PayloadSize)
		header += uint64(blk.Header.HeaderSize)
	}
	atomic.AddUint64(&s.bytesTotal, bytes)
	atomic.AddUint64(&s.bytesHeaderTotal, header)
	atomic.AddUint64(&s.bytesSincePub, bytes)
	return nil
}

// Start begins the periodic publish loop. Starting an already-started
// consumer returns an error.
func (s *StatsConsumer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("stats consumer: already started")
	}

	s.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	if s.publishInterval > 0 {
		s.wg.Add(1)
		go s.run(runCtx)
	}
	return nil
}

func (s *StatsConsumer) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *StatsConsumer) publish() {
	snap := Snapshot{
		BlocksTotal:       atomic.LoadUint64(&s.blocksTotal),
		BytesTotal:        atomic.LoadUint64(&s.bytesTotal),
		BytesHeaderTotal:  atomic.LoadUint64(&s.bytesHeaderTotal),
		BytesSincePublish: atomic.SwapUint64(&s.bytesSincePub, 0),
		Elapsed:           time.Since(s.startTime),
	}
	if s.sink != nil {
		s.sink.Publish(snap)
	}
}

// Stop halts the publish loop and logs a final summary: average block
// size, average block rate, and average throughput, matching
// ConsumerStats.cxx's destructor. Idempotent.
func (s *StatsConsumer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	blocks := atomic.LoadUint64(&s.blocksTotal)
	bytes := atomic.LoadUint64(&s.bytesTotal)
	elapsed := time.Since(s.startTime)

	var avgBlockSize float64
	var rate, throughput float64
	if blocks > 0 {
		avgBlockSize = float64(bytes) / float64(blocks)
	}
	if elapsed > 0 {
		rate = float64(blocks) / elapsed.Seconds()
		throughput = float64(bytes) / elapsed.Seconds()
	}

	slog.Info("stats consumer final summary",
		"blocks", blocks,
		"bytes", bytes,
		"elapsed", elapsed,
		"avg_block_size", avgBlockSize,
		"avg_rate_hz", rate,
		"avg_throughput_bytes_per_sec", throughput,
	)
}
