package syncengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StrictlyIncreasing(t *testing.T) {
	frozen := time.UnixMilli(1_000)
	c := newClockAt(0)

	assert.Equal(t, int64(1_000), c.Next(frozen))
	assert.Equal(t, int64(1_001), c.Next(frozen))
	assert.Equal(t, int64(1_002), c.Next(frozen.Add(-time.Hour)), "never goes backwards")
	assert.Equal(t, int64(5_000), c.Next(time.UnixMilli(5_000)))
	assert.Equal(t, int64(5_000), c.Current())
}

func TestClock_SeededFromStoredMaximum(t *testing.T) {
	c := newClockAt(9_999)
	assert.Equal(t, int64(10_000), c.Next(time.UnixMilli(1)))
}

func TestClock_ConcurrentCallsAreUnique(t *testing.T) {
	c := newClockAt(0)
	now := time.UnixMilli(42)

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ts := c.Next(now)
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
