package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireEnforcesMinimumSpacing(t *testing.T) {
	l := New(0)
	// 1200 calls/minute = one call every 50ms.
	l.SetBudget("defillama", 1200)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		_, err := l.Acquire(ctx, "defillama")
		require.NoError(t, err)
		stamps = append(stamps, time.Now())
	}

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		require.GreaterOrEqual(t, gap, 45*time.Millisecond, "calls %d and %d too close: %v", i-1, i, gap)
	}
}

func TestAcquireSpacingHoldsUnderConcurrency(t *testing.T) {
	l := New(0)
	l.SetBudget("beefy", 1200)
	ctx := context.Background()

	const callers = 4
	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Acquire(ctx, "beefy")
			require.NoError(t, err)
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, stamps, callers)
	for i := 0; i < len(stamps); i++ {
		for j := i + 1; j < len(stamps); j++ {
			gap := stamps[j].Sub(stamps[i])
			if gap < 0 {
				gap = -gap
			}
			require.GreaterOrEqual(t, gap, 40*time.Millisecond, "concurrent callers %d/%d spaced %v", i, j, gap)
		}
	}
}

func TestSourcesAreThrottledIndependently(t *testing.T) {
	l := New(0)
	l.SetBudget("slow", 60) // one call per second
	l.SetBudget("fast", 0)  // unthrottled
	ctx := context.Background()

	_, err := l.Acquire(ctx, "slow")
	require.NoError(t, err)

	// The slow source's spacing must not delay the fast one.
	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := l.Acquire(ctx, "fast")
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestZeroBudgetMeansUnthrottled(t *testing.T) {
	l := New(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		_, err := l.Acquire(ctx, "anything")
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	l := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Acquire(ctx, "anything")
	require.ErrorIs(t, err, context.Canceled)
}

func TestBudgetFallsBackToDefault(t *testing.T) {
	l := New(42)
	require.Equal(t, 42, l.Budget("unknown"))

	l.SetBudget("known", 7)
	require.Equal(t, 7, l.Budget("known"))
}

func TestSetBudgetRetunesSource(t *testing.T) {
	l := New(0)
	l.SetBudget("s", 60)
	require.Equal(t, 60, l.Budget("s"))
	l.SetBudget("s", 120)
	require.Equal(t, 120, l.Budget("s"))
}
