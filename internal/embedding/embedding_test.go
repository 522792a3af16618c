package embedding

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched", []float32{1, 0}, []float32{1}, 0},
		{"zero", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := h.Embed(ctx, "reduce query latency with an index")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "reduce query latency with an index")
	require.NoError(t, err)
	c, err := h.Embed(ctx, "reduce query latency")
	require.NoError(t, err)
	d, err := h.Embed(ctx, "banana orchard irrigation")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Greater(t, Cosine(a, c), Cosine(a, d))

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"reduce", "p95_ms", "20%"}, Tokenize("Reduce the p95_ms by 20%"))
}

type flakyProvider struct {
	failures int
	calls    int
}

func (f *flakyProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("embedding service unavailable")
	}
	return []float32{1, 0}, nil
}

func testGuard(budget int) *resilience.Guard {
	cfg := resilience.DefaultConfig()
	cfg.RetryBudget = budget
	cfg.InitialWait = time.Millisecond
	cfg.MaxWait = 2 * time.Millisecond
	cfg.Rates = nil
	return resilience.NewGuard(cfg, testLogger())
}

func TestServiceRetriesAndCaches(t *testing.T) {
	p := &flakyProvider{failures: 2}
	s := NewService(p, testGuard(3), testLogger())

	vec, err := s.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, 3, p.calls)

	_, err = s.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls, "second call should be served from cache")
}

func TestServicePersistentFailure(t *testing.T) {
	p := &flakyProvider{failures: 100}
	s := NewService(p, testGuard(1), testLogger())

	_, err := s.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTransientDependency)
	assert.Equal(t, 2, p.calls)
}

func TestServiceRejectsEmptyText(t *testing.T) {
	s := NewService(NewHashEmbedder(8), nil, testLogger())
	_, err := s.Embed(context.Background(), "")
	assert.Error(t, err)
}
