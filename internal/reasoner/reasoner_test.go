package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu        sync.Mutex
	exchanges []Exchange
}

func (s *recordingSink) Offer(ctx context.Context, ex Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, ex)
}

type fixture struct {
	r      *Reasoner
	store  *graph.MemoryStore
	oracle *llm.MockClient
	events *events.Emitter
	sink   *recordingSink
}

func newFixture(t *testing.T, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store:  graph.NewMemoryStore(),
		oracle: llm.NewMockClient(),
		events: events.NewEmitter(testLogger(), nil),
		sink:   &recordingSink{},
	}
	f.oracle.GenerateFunc = llm.Respond("Add a composite index on the join columns.")
	cfg := DefaultConfig()
	deps := Deps{
		Store:    f.store,
		Embedder: embedding.NewHashEmbedder(64),
		Oracle:   f.oracle,
		Events:   f.events,
		Sink:     f.sink,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	f.r = New(cfg, deps)
	return f
}

// chain inserts n experiences linked a->b->... with the given strength
func chain(t *testing.T, s graph.Store, n int, strength float64) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		node, _, err := s.Insert(ctx, &graph.Node{Kind: graph.KindExperience, Content: fmt.Sprintf("step %d", i)})
		require.NoError(t, err)
		ids[i] = node.ID
		if i > 0 {
			require.NoError(t, s.AddEdge(ctx, &graph.Edge{From: ids[i-1], To: ids[i], Relation: graph.RelContext, Strength: strength}))
		}
	}
	return ids
}

func TestSpreadDecaysAlongChain(t *testing.T) {
	f := newFixture(t, nil)
	ids := chain(t, f.store, 4, 1)

	act, err := f.r.Spread(context.Background(), ids[:1])
	require.NoError(t, err)

	want := []float64{1, 0.7, 0.49, 0.343}
	for i, id := range ids {
		assert.InDelta(t, want[i], act[id], 1e-9, "depth %d", i)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, act[ids[i]], act[ids[i-1]])
	}
}

func TestSpreadRespectsDepthAndThreshold(t *testing.T) {
	tests := []struct {
		name     string
		depth    int
		strength float64
		reached  int
	}{
		{"depth bound", 3, 1, 4},
		{"default depth", 5, 1, 6},
		{"threshold prunes weak edges", 5, 0.1, 1},
		{"threshold prunes deep hops", 10, 1, 7}, // 0.7^7 < 0.1
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config, d *Deps) { c.MaxDepth = tt.depth })
			ids := chain(t, f.store, 10, tt.strength)

			act, err := f.r.Spread(context.Background(), ids[:1])
			require.NoError(t, err)
			assert.Len(t, act, tt.reached)
		})
	}
}

func TestSpreadNormalizesToOne(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, _, _ := f.store.Insert(ctx, &graph.Node{Kind: graph.KindExperience, Content: "a"})
	b, _, _ := f.store.Insert(ctx, &graph.Node{Kind: graph.KindExperience, Content: "b"})
	x, _, _ := f.store.Insert(ctx, &graph.Node{Kind: graph.KindExperience, Content: "x"})
	require.NoError(t, f.store.AddEdge(ctx, &graph.Edge{From: a.ID, To: x.ID, Relation: graph.RelContext, Strength: 1}))
	require.NoError(t, f.store.AddEdge(ctx, &graph.Edge{From: b.ID, To: x.ID, Relation: graph.RelContext, Strength: 1}))

	act, err := f.r.Spread(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)

	peak := 0.0
	for _, v := range act {
		peak = max(peak, v)
	}
	assert.InDelta(t, 1.0, peak, 1e-12)
	assert.InDelta(t, 1.0, act[x.ID], 1e-12)
	assert.InDelta(t, 1/1.4, act[a.ID], 1e-9)

	empty, err := f.r.Spread(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReasonAnswersFromMemoryAfterOracle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	query := "how do I speed up the nightly orders report join"

	first, err := f.r.Reason(ctx, query)
	require.NoError(t, err)
	assert.True(t, first.OracleCalled)
	assert.False(t, first.FromMemory)
	assert.Less(t, first.Confidence, 0.7)
	assert.Equal(t, []State{StateActivated, StateMatched, StateOracleFallback, StateRecorded}, first.Path)
	assert.Equal(t, 1, f.oracle.Calls())
	require.Len(t, f.sink.exchanges, 1)
	assert.Equal(t, query, f.sink.exchanges[0].Query)

	second, err := f.r.Reason(ctx, query)
	require.NoError(t, err)
	assert.True(t, second.FromMemory)
	assert.False(t, second.OracleCalled)
	assert.GreaterOrEqual(t, second.Confidence, 0.7)
	assert.Equal(t, "Add a composite index on the join columns.", second.Text)
	assert.Equal(t, 1, f.oracle.Calls())

	stats := f.r.Stats()
	assert.Equal(t, int64(2), stats.Queries)
	assert.Equal(t, int64(1), stats.MemoryAnswers)
	assert.InDelta(t, 0.5, stats.MemoryHitRate(), 1e-9)
}

func TestReasonDegradesWhenOracleFails(t *testing.T) {
	guard := resilience.NewGuard(resilience.Config{
		MaxConcurrency: 2,
		CallTimeout:    time.Second,
		RetryBudget:    2,
		InitialWait:    time.Millisecond,
		MaxWait:        5 * time.Millisecond,
	}, testLogger())
	f := newFixture(t, func(c *Config, d *Deps) {
		c.AnswerConfidence = 0.95
		d.Guard = guard
	})
	ctx := context.Background()
	query := "why does the cache miss after deploys"

	_, err := f.r.Reason(ctx, query)
	require.NoError(t, err)
	require.Equal(t, 1, f.oracle.Calls())

	f.oracle.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		return nil, errors.New("connection refused")
	}
	ans, err := f.r.Reason(ctx, query)
	require.NoError(t, err)
	assert.True(t, ans.Degraded)
	assert.True(t, ans.OracleCalled)
	assert.LessOrEqual(t, ans.Confidence, 0.3)
	assert.Equal(t, "Add a composite index on the join columns.", ans.Text)
	assert.Equal(t, 1+3, f.oracle.Calls())
	assert.Equal(t, int64(1), f.events.Counts()[events.OracleDegraded])
}

func TestReasonDegradesWithoutMemory(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		return nil, errors.New("503")
	}
	ans, err := f.r.Reason(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ans.Degraded)
	assert.Equal(t, NoAnswerText, ans.Text)
	assert.Empty(t, ans.Sources)
	assert.Zero(t, ans.Confidence)
	assert.Empty(t, f.sink.exchanges)
}

func TestPromptIncludesActivatedPatterns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	query := "reduce p99 latency of checkout api"

	vec, err := embedding.NewHashEmbedder(64).Embed(ctx, query)
	require.NoError(t, err)
	_, _, err = f.store.Insert(ctx, &graph.Node{
		Kind:    graph.KindPattern,
		Content: "move slow work to a background queue",
		Vector:  vec,
		Attrs:   map[string]string{"archived": "false"},
	})
	require.NoError(t, err)

	var prompt string
	f.oracle.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		prompt = req.Prompt
		return llm.Respond("Use a queue.")(ctx, req)
	}
	_, err = f.r.Reason(ctx, query)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Relevant solution patterns")
	assert.Contains(t, prompt, "move slow work to a background queue")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(prompt), query))
}

func TestRecordExperienceIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id1, err := f.r.RecordExperience(ctx, "deploy took 12 minutes", "observation", map[string]string{"importance": "0.8"})
	require.NoError(t, err)
	id2, err := f.r.RecordExperience(ctx, "deploy took 12 minutes", "observation", nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := f.r.RecordExperience(ctx, "deploy took 12 minutes", "incident", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	nodes, err := f.store.List(ctx, graph.KindExperience)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	got, err := f.store.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Importance)

	_, err = f.r.RecordExperience(ctx, "x", "observation", map[string]string{"importance": "high"})
	assert.Error(t, err)
	_, err = f.r.RecordExperience(ctx, "  ", "observation", nil)
	assert.Error(t, err)
}

func TestSettleResolvesContradiction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	supported, err := f.r.AddBelief(ctx, "connection pooling fixes the timeouts", 0.8)
	require.NoError(t, err)
	rival, err := f.r.AddBelief(ctx, "the timeouts are caused by dns", 0.8)
	require.NoError(t, err)
	evidence, err := f.r.RecordExperience(ctx, "timeouts stopped after enabling the pool", "observation", map[string]string{"importance": "1"})
	require.NoError(t, err)

	require.NoError(t, f.r.AddEvidence(ctx, evidence, supported, true, 0.9))
	require.NoError(t, f.r.AddEvidence(ctx, rival, supported, false, 1))

	before, err := f.r.Energy(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.64+0.8, before, 1e-9)

	report, err := f.r.Settle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Converged)
	assert.LessOrEqual(t, report.Iterations, DefaultConfig().MaxIterations)
	assert.Less(t, report.FinalEnergy, report.InitialEnergy)
	assert.Equal(t, 2, report.Updated)

	s, err := f.store.Get(ctx, supported)
	require.NoError(t, err)
	r, err := f.store.Get(ctx, rival)
	require.NoError(t, err)
	assert.Greater(t, s.Confidence, 0.8)
	assert.Less(t, r.Confidence, 0.1)

	again, err := f.r.Settle(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, again.Iterations, 2)
}

func TestMutualContradictionCountsOnce(t *testing.T) {
	ctx := context.Background()
	build := func(t *testing.T, both bool) (*fixture, string, string) {
		f := newFixture(t, nil)
		a, err := f.r.AddBelief(ctx, "the cache is stale", 0.7)
		require.NoError(t, err)
		b, err := f.r.AddBelief(ctx, "the cache is fresh", 0.9)
		require.NoError(t, err)
		require.NoError(t, f.r.AddEvidence(ctx, a, b, false, 1))
		if both {
			require.NoError(t, f.r.AddEvidence(ctx, b, a, false, 1))
		}
		return f, a, b
	}

	one, _, _ := build(t, false)
	two, a, b := build(t, true)

	sys, err := two.r.loadBeliefs(ctx)
	require.NoError(t, err)
	assert.Len(t, sys.contradicts[sys.index[a]], 1)
	assert.Len(t, sys.contradicts[sys.index[b]], 1)
	assert.Len(t, sys.pairs, 1)

	oneEnergy, err := one.r.Energy(ctx)
	require.NoError(t, err)
	twoEnergy, err := two.r.Energy(ctx)
	require.NoError(t, err)
	assert.InDelta(t, oneEnergy, twoEnergy, 1e-12)

	oneReport, err := one.r.Settle(ctx)
	require.NoError(t, err)
	twoReport, err := two.r.Settle(ctx)
	require.NoError(t, err)
	assert.InDelta(t, oneReport.FinalEnergy, twoReport.FinalEnergy, 1e-12)
}

func TestSettleWithoutBeliefs(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.r.Settle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Converged)
	assert.Zero(t, report.Iterations)
}

func TestAddEvidenceRequiresBeliefTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.r.RecordExperience(ctx, "a", "observation", nil)
	require.NoError(t, err)
	b, err := f.r.RecordExperience(ctx, "b", "observation", nil)
	require.NoError(t, err)
	assert.Error(t, f.r.AddEvidence(ctx, a, b, true, 0.5))

	_, err = f.r.AddBelief(ctx, "x", 1.2)
	assert.Error(t, err)
}
