package resilience

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(mutate func(*Config)) *Guard {
	cfg := DefaultConfig()
	cfg.InitialWait = time.Millisecond
	cfg.MaxWait = 5 * time.Millisecond
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.TrialTimeout = 50 * time.Millisecond
	cfg.Rates = nil
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGuard(cfg, logger)
}

func TestCallRetriesTransientFailures(t *testing.T) {
	g := testGuard(nil)

	var calls int
	err := g.Call(context.Background(), DependencyOracle, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return faults.ErrOracleUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallExhaustsBudget(t *testing.T) {
	g := testGuard(func(c *Config) { c.RetryBudget = 2 })

	var calls int
	err := g.Call(context.Background(), DependencyOracle, func(ctx context.Context) error {
		calls++
		return faults.ErrOracleUnavailable
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTransientDependency)
	assert.Equal(t, 3, calls)
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	g := testGuard(nil)

	permanent := errors.New("bad request")
	var calls int
	err := g.Call(context.Background(), DependencyOracle, func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestCallTreatsTimeoutAsTransient(t *testing.T) {
	g := testGuard(func(c *Config) {
		c.CallTimeout = 5 * time.Millisecond
		c.RetryBudget = 1
	})

	err := g.Call(context.Background(), DependencyEmbedding, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, faults.ErrTransientDependency)
}

func TestTrialTimeoutIsInconclusive(t *testing.T) {
	g := testGuard(nil)

	_, err := g.Trial(context.Background(), func(ctx context.Context) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, faults.ErrInconclusive)
}

func TestTrialRejectsNonFiniteValues(t *testing.T) {
	g := testGuard(nil)

	_, err := g.Trial(context.Background(), func(ctx context.Context) (float64, error) {
		var zero float64
		return 1 / zero, nil
	})
	assert.ErrorIs(t, err, faults.ErrNumericAnomaly)
}

func TestTrialBoundsConcurrency(t *testing.T) {
	g := testGuard(func(c *Config) {
		c.MaxConcurrency = 3
		c.TrialTimeout = time.Second
	})

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Trial(context.Background(), func(ctx context.Context) (float64, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return 1, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRateLimiterThrottles(t *testing.T) {
	g := testGuard(func(c *Config) {
		c.Rates = map[string]float64{DependencyOracle: 50}
		c.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Call(context.Background(), DependencyOracle, func(ctx context.Context) error { return nil }))
	}
	// 50 rps with burst 1 spaces calls 20ms apart
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
