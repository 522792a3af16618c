// Package resilience bounds and retries calls to external collaborators.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Dependency names used for rate limiting and tracing
const (
	DependencyOracle    = "oracle"
	DependencyEmbedding = "embedding"
)

// Config controls concurrency, timeouts and retries
type Config struct {
	MaxConcurrency int
	CallTimeout    time.Duration
	TrialTimeout   time.Duration
	RetryBudget    int
	InitialWait    time.Duration
	MaxWait        time.Duration
	Rates          map[string]float64 // requests per second, 0 means unlimited
	Burst          int
}

// DefaultConfig returns the default resilience configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		CallTimeout:    30 * time.Second,
		TrialTimeout:   2 * time.Minute,
		RetryBudget:    3,
		InitialWait:    500 * time.Millisecond,
		MaxWait:        10 * time.Second,
		Rates: map[string]float64{
			DependencyOracle:    2,
			DependencyEmbedding: 20,
		},
		Burst: 2,
	}
}

// Guard is shared by every component that talks to an external collaborator
type Guard struct {
	cfg      Config
	sem      *semaphore.Weighted
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewGuard creates a guard from cfg
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guard{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiters: make(map[string]*rate.Limiter),
		tracer:   otel.Tracer("github.com/saaga0h/adaptive-core/internal/resilience"),
		logger:   logger,
	}
}

// MaxConcurrency returns the semaphore size
func (g *Guard) MaxConcurrency() int {
	return g.cfg.MaxConcurrency
}

func (g *Guard) limiter(dependency string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[dependency]; ok {
		return l
	}
	limit := rate.Inf
	if rps := g.cfg.Rates[dependency]; rps > 0 {
		limit = rate.Limit(rps)
	}
	l := rate.NewLimiter(limit, g.cfg.Burst)
	g.limiters[dependency] = l
	return l
}

// Acquire takes one slot of the shared semaphore
func (g *Guard) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}

// Group returns an errgroup limited to the shared concurrency bound
func (g *Guard) Group(ctx context.Context) (*errgroup.Group, context.Context) {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.MaxConcurrency)
	return eg, gctx
}

// Call invokes fn against dependency with rate limiting, a per-attempt
// timeout and exponential backoff on transient failures. Errors that are not
// transient are returned immediately. When the retry budget is exhausted the
// last error is returned wrapped as a transient dependency failure.
func (g *Guard) Call(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "resilience.call",
		trace.WithAttributes(attribute.String("dependency", dependency)))
	defer span.End()

	limiter := g.limiter(dependency)
	attempts := 0

	op := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx := ctx
		cancel := func() {}
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, faults.ErrTransientDependency) || errors.Is(err, context.DeadlineExceeded) {
			g.logger.Debug("Transient dependency failure",
				"dependency", dependency,
				"attempt", attempts,
				"error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialWait
	if g.cfg.MaxWait > 0 {
		b.MaxInterval = g.cfg.MaxWait
	}
	b.MaxElapsedTime = 0

	budget := g.cfg.RetryBudget
	if budget < 0 {
		budget = 0
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(budget)), ctx))
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, faults.ErrTransientDependency) || errors.Is(err, context.DeadlineExceeded) {
		g.logger.Warn("Dependency retry budget exhausted",
			"dependency", dependency,
			"attempts", attempts,
			"error", err)
		return faults.Transient(dependency, err)
	}
	return err
}

// Trial runs one measurement under the shared semaphore and the trial
// timeout. A measurement that times out is reported as ErrInconclusive.
func (g *Guard) Trial(ctx context.Context, fn func(ctx context.Context) (float64, error)) (float64, error) {
	release, err := g.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	ctx, span := g.tracer.Start(ctx, "resilience.trial")
	defer span.End()

	trialCtx := ctx
	cancel := func() {}
	if g.cfg.TrialTimeout > 0 {
		trialCtx, cancel = context.WithTimeout(ctx, g.cfg.TrialTimeout)
	}
	defer cancel()

	v, err := fn(trialCtx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(trialCtx.Err(), context.DeadlineExceeded) {
			span.SetStatus(codes.Error, "timeout")
			return 0, faults.Inconclusive("trial timed out after %s", g.cfg.TrialTimeout)
		}
		span.RecordError(err)
		return 0, err
	}
	if !faults.Finite(v) {
		return 0, fmt.Errorf("%w: trial returned %v", faults.ErrNumericAnomaly, v)
	}
	return v, nil
}
