package vm

import (
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Collector: allocation and write-barrier interface
// ---------------------------------------------------------------------------

// Collector is the engine's view of the garbage collector. Memory itself is
// managed by the Go runtime; the collector is told about every heap object
// the engine creates, every stack resize, and every store that makes one
// heap object reference another, so a generational or incremental collector
// layered on top can keep its invariants.
type Collector interface {
	// Allocate reports a new heap object of approximately size bytes.
	Allocate(obj any, size int)
	// Resize reports that obj changed from oldSize to newSize bytes.
	Resize(obj any, oldSize, newSize int)
	// Barrier reports that owner now references v.
	Barrier(owner any, v Value)
}

// Approximate object sizes used for accounting.
const (
	valueSize   = 32
	objectSize  = 96
	closureSize = 48
	upvalueSize = 56
)

// GCStats is a snapshot of an AccountingCollector.
type GCStats struct {
	Allocations uint64
	Bytes       int64
	Resizes     uint64
	Barriers    uint64
}

// AccountingCollector is the default Collector. It only counts.
type AccountingCollector struct {
	allocations atomic.Uint64
	bytes       atomic.Int64
	resizes     atomic.Uint64
	barriers    atomic.Uint64
}

// NewAccountingCollector creates an AccountingCollector.
func NewAccountingCollector() *AccountingCollector {
	return &AccountingCollector{}
}

func (c *AccountingCollector) Allocate(obj any, size int) {
	c.allocations.Add(1)
	c.bytes.Add(int64(size))
}

func (c *AccountingCollector) Resize(obj any, oldSize, newSize int) {
	c.resizes.Add(1)
	c.bytes.Add(int64(newSize - oldSize))
}

func (c *AccountingCollector) Barrier(owner any, v Value) {
	c.barriers.Add(1)
}

// Stats returns the current counters.
func (c *AccountingCollector) Stats() GCStats {
	return GCStats{
		Allocations: c.allocations.Load(),
		Bytes:       c.bytes.Load(),
		Resizes:     c.resizes.Load(),
		Barriers:    c.barriers.Load(),
	}
}

// barrier forwards heap stores to the collector.
func (s *State) barrier(owner any, v Value) {
	if v.IsHeap() {
		s.gc.Barrier(owner, v)
	}
}
