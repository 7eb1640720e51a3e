package mempool

import (
	"testing"

	"github.com/care/readout/internal/block"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(4, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	pg, ok := p.Acquire()
	if !ok {
		t.Fatalf("Acquire: expected a page, got none")
	}
	if !p.Validate(pg) {
		t.Fatalf("Validate: expected acquired page to be valid")
	}
	if got := p.Available(); got != 3 {
		t.Fatalf("Available: got %d, want 3", got)
	}

	if err := p.Release(pg); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.Validate(pg) {
		t.Fatalf("Validate: expected released page to be invalid")
	}
	if got := p.Available(); got != 4 {
		t.Fatalf("Available: got %d, want 4", got)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	p, err := New(2, 32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, ok := p.Acquire(); !ok {
		t.Fatalf("Acquire 1: expected ok")
	}
	if _, ok := p.Acquire(); !ok {
		t.Fatalf("Acquire 2: expected ok")
	}
	if _, ok := p.Acquire(); ok {
		t.Fatalf("Acquire 3: expected exhaustion, got a page")
	}
	if got := p.Available(); got != 0 {
		t.Fatalf("Available: got %d, want 0", got)
	}
}

func TestDoubleReleaseIsRejected(t *testing.T) {
	p, err := New(1, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	pg, _ := p.Acquire()
	if err := p.Release(pg); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := p.Release(pg); err != ErrDoubleRelease {
		t.Fatalf("second Release: got %v, want ErrDoubleRelease", err)
	}
}

func TestReleaseForeignPageIsRejected(t *testing.T) {
	p, err := New(1, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	foreign := block.Page{ID: 99}
	if err := p.Release(foreign); err != ErrForeignPage {
		t.Fatalf("Release foreign: got %v, want ErrForeignPage", err)
	}
}
