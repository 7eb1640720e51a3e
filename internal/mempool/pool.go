// Package mempool implements the fixed-capacity, non-growing page pool
// that backs a readout equipment's DMA transfers. A Pool owns a single
// mmap'd region sliced into fixed-size pages; pages are acquired and
// released exactly once, never copied.
//
// The backing region mirrors a UMEM-style zero-copy ring: one contiguous
// mapping, fixed-size frames, frames circulated between producer and
// consumer without ever leaving the mapping.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/care/readout/internal/block"
)

var (
	// ErrForeignPage is returned when a caller releases a page whose ID
	// does not belong to this pool.
	ErrForeignPage = errors.New("mempool: page does not belong to this pool")
	// ErrDoubleRelease is returned when a page is released that is not
	// currently held (already released, or never acquired).
	ErrDoubleRelease = errors.New("mempool: page already released")
)

// Pool is a fixed-capacity pool of fixed-size pages backed by a single
// anonymous mmap region. The zero value is not usable; construct with
// New.
type Pool struct {
	mu       sync.Mutex
	region   []byte
	pageSize int
	capacity int
	free     []int
	held     []bool
}

// New maps a region of capacity*pageSize bytes and carves it into
// capacity fixed-size pages. The pool never grows past capacity.
func New(capacity, pageSize int) (*Pool, error) {
	if capacity <= 0 || pageSize <= 0 {
		return nil, fmt.Errorf("mempool: capacity and pageSize must be positive, got %d/%d", capacity, pageSize)
	}

	region, err := unix.Mmap(-1, 0, capacity*pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mempool: mmap region: %w", err)
	}

	p := &Pool{
		region:   region,
		pageSize: pageSize,
		capacity: capacity,
		held:     make([]bool, capacity),
		free:     make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.free[i] = i
	}
	return p, nil
}

// Acquire takes a free page from the pool. It never blocks: when the
// pool is exhausted it returns ok=false immediately.
func (p *Pool) Acquire() (block.Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return block.Page{}, false
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.held[idx] = true

	start := idx * p.pageSize
	return block.Page{ID: idx, Bytes: p.region[start : start+p.pageSize : start+p.pageSize]}, true
}

// Release returns a page to the pool. Releasing a page this pool did not
// hand out, or releasing one twice, is a contract violation and is
// reported rather than silently ignored.
func (p *Pool) Release(pg block.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pg.ID < 0 || pg.ID >= p.capacity {
		return ErrForeignPage
	}
	if !p.held[pg.ID] {
		return ErrDoubleRelease
	}

	p.held[pg.ID] = false
	p.free = append(p.free, pg.ID)
	return nil
}

// Validate reports whether pg is currently held out by this pool (i.e.
// it is a legitimate, not-yet-released page originating from here).
func (p *Pool) Validate(pg block.Page) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pg.ID < 0 || pg.ID >= p.capacity {
		return false
	}
	return p.held[pg.ID]
}

// Wrap attaches a header to a page, producing the DataBlock the
// equipment pushes downstream.
func (p *Pool) Wrap(pg block.Page, h block.Header) block.DataBlock {
	return block.DataBlock{Header: h, Page: pg}
}

// Capacity returns the pool's fixed page count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Available returns the number of pages currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close unmaps the pool's backing region. The pool must not be used
// afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.region == nil {
		return nil
	}
	err := unix.Munmap(p.region)
	p.region = nil
	return err
}
