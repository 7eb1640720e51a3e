// Package consumer defines the narrow Consumer contract downstream
// stages implement, plus a stats Consumer that mirrors
// original_source/src/ConsumerStats.cxx: running counters, a periodic
// publish cadence, and a final summary on stop.
package consumer

import (
	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/mempool"
)

// Consumer receives DataSets. Implementations are responsible for
// eventually releasing every page they receive back to the pool it came
// from, exactly once.
type Consumer interface {
	Consume(ds block.DataSet) error
}

// ReleasingConsumer wraps a Consumer so that every page in a DataSet is
// released back to pool after Consume returns, regardless of whether it
// returned an error — matching the pool contract that a page is always
// eventually released exactly once.
type ReleasingConsumer struct {
	Pool *mempool.Pool
	Next Consumer
}

// Consume implements Consumer.
func (r *ReleasingConsumer) Consume(ds block.DataSet) error {
	err := r.Next.Consume(ds)
	for _, blk := range ds.Blocks {
		_ = r.Pool.Release(blk.Page)
	}
	return err
}
