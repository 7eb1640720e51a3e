// Package cardsim provides a simulated digitizer card implementing
// equipment.Card, used by tests and the demo cmd in place of real
// hardware — this module has no real DMA engine or firmware to drive
// (per SPEC_FULL.md's explicit Non-goals), the same role
// internal/rtsp.ConnectFunc plays for stream-capture's reconnect tests.
package cardsim

import (
	"sync"
	"sync/atomic"

	"github.com/care/readout/internal/block"
)

// Card is a fake digitizer: free-page queue, completion queue, dropped
// packet counter, all driven explicitly by test/demo code via Fill and
// DropPackets rather than real interrupts.
type Card struct {
	mu              sync.Mutex
	freeQueue       []block.Page
	freeCap         int
	completionQueue []block.Page
	dropped         uint64
}

// New creates a simulated card whose free-page queue holds at most
// freeCap pages at once.
func New(freeCap int) *Card {
	return &Card{freeCap: freeCap}
}

// PushFreePage implements equipment.Card.
func (c *Card) PushFreePage(pg block.Page) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.freeQueue) >= c.freeCap {
		return false
	}
	c.freeQueue = append(c.freeQueue, pg)
	return true
}

// FreePageQueueAvailable implements equipment.Card.
func (c *Card) FreePageQueueAvailable() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeCap - len(c.freeQueue)
}

// FreePageQueueCapacity implements equipment.Card.
func (c *Card) FreePageQueueCapacity() int {
	return c.freeCap
}

// HarvestCompletions implements equipment.Card.
func (c *Card) HarvestCompletions() []block.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.completionQueue
	c.completionQueue = nil
	return out
}

// DroppedPacketCount implements equipment.Card.
func (c *Card) DroppedPacketCount() uint64 {
	return atomic.LoadUint64(&c.dropped)
}

// Fill simulates the hardware DMA-filling up to n pages currently
// sitting in the free-page queue, handing each to write before moving it
// to the completion queue. It returns how many pages were filled.
func (c *Card) Fill(n int, write func(pg block.Page)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.freeQueue) {
		n = len(c.freeQueue)
	}
	for i := 0; i < n; i++ {
		pg := c.freeQueue[0]
		c.freeQueue = c.freeQueue[1:]
		if write != nil {
			write(pg)
		}
		c.completionQueue = append(c.completionQueue, pg)
	}
	return n
}

// DropPackets advances the simulated hardware drop counter by n.
func (c *Card) DropPackets(n uint64) {
	atomic.AddUint64(&c.dropped, n)
}
