package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicStrictlyIncreasesOnFrozenClock(t *testing.T) {
	base := NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonotonic(base)

	first := m.Now()
	second := m.Now()
	third := m.Now()

	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
	assert.Equal(t, time.Microsecond, second.Sub(first))
}

func TestMonotonicIgnoresBackwardsJump(t *testing.T) {
	base := NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonotonic(base)

	before := m.Now()
	base.Advance(-time.Hour)
	after := m.Now()

	assert.True(t, after.After(before))
}

func TestMonotonicConcurrentCallersGetDistinctInstants(t *testing.T) {
	m := NewMonotonic(NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)))

	const workers = 16
	const perWorker = 50
	var mu sync.Mutex
	seen := make(map[time.Time]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := m.Now()
				mu.Lock()
				seen[ts] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
}
