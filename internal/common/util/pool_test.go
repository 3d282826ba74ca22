package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestForEachBounded(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]int{}

	ForEachBounded(context.Background(), 3, []int{1, 2, 3, 4, 5, 6, 7, 8}, func(i int) {
		mu.Lock()
		defer mu.Unlock()
		seen[i]++
	})

	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1, 7: 1, 8: 1}, seen)
}

func TestForEachBounded_RespectsLimit(t *testing.T) {
	var running, peak atomic.Int32

	ForEachBounded(context.Background(), 2, make([]struct{}, 10), func(struct{}) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), running.Load())
}

func TestForEachBounded_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32

	ForEachBounded(ctx, 1, []int{1, 2, 3}, func(int) {
		calls.Add(1)
	})

	assert.Zero(t, calls.Load())
}

func TestForEachBounded_ZeroLimit(t *testing.T) {
	var calls atomic.Int32

	ForEachBounded(context.Background(), 0, []string{"a", "b"}, func(string) {
		calls.Add(1)
	})

	assert.Equal(t, int32(2), calls.Load())
}
