package syncengine

import (
	"sync/atomic"
	"time"
)

// clock hands out strictly increasing millisecond timestamps for
// changelog entries. Two mutations of the same row within one wall-clock
// millisecond still get distinct timestamps, so the changelog's unique
// (table, row, operation, timestamp) key never rejects a real write.
//
// Safe for concurrent use.
type clock struct {
	last atomic.Int64
}

// newClockAt creates a clock whose next timestamp is greater than start.
// Seed it with the largest timestamp already stored.
func newClockAt(start int64) *clock {
	c := &clock{}
	c.last.Store(start)
	return c
}

// Next returns now in Unix milliseconds, or the previous timestamp plus
// one if the wall clock has not moved past it.
func (c *clock) Next(now time.Time) int64 {
	for {
		last := c.last.Load()
		ts := now.UnixMilli()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Current returns the last timestamp handed out.
func (c *clock) Current() int64 {
	return c.last.Load()
}
