package evolver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	concreteGoals = []Fields{
		{Action: "reduce", Target: "query latency", Metric: "p99_latency_ms", Amount: "20%"},
		{Action: "cache", Target: "api responses", Metric: "hit_rate_pct", Amount: "30%"},
		{Action: "index", Target: "orders table", Metric: "scan_ms", Amount: "50%"},
		{Action: "batch", Target: "write path", Metric: "throughput_rps", Amount: "2x"},
		{Action: "parallelize", Target: "test suite", Metric: "build_seconds", Amount: "40%"},
	}
	vagueGoals = []Fields{
		{Action: "improve", Target: "things", Metric: "quality", Amount: "somewhat"},
		{Action: "improve", Target: "stuff", Metric: "quality", Amount: "a bit"},
		{Action: "enhance", Target: "things", Metric: "overall", Amount: "somewhat"},
		{Action: "improve", Target: "everything", Metric: "quality", Amount: "more"},
		{Action: "enhance", Target: "stuff", Metric: "general", Amount: "a bit"},
	}
)

// specificityMeasurer rewards concrete goals and adds small deterministic noise
func specificityMeasurer() MeasureFunc {
	return func(ctx context.Context, g *Goal, rep int) (float64, error) {
		noise := 0.01 * float64(rep%3-1)
		if g == nil {
			return noise, nil
		}
		return 0.2 + 0.6*g.Specificity + noise, nil
	}
}

func newTestEvolver(t *testing.T, mutate func(*Config, *Deps)) (*Evolver, *graph.MemoryStore, *events.Emitter) {
	t.Helper()
	store := graph.NewMemoryStore()
	emitter := events.NewEmitter(testLogger(), nil)
	cfg := DefaultConfig()
	cfg.Vocabulary = Vocabulary{}
	deps := Deps{
		Store:    store,
		Measurer: specificityMeasurer(),
		Events:   emitter,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	e := New(cfg, deps)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }
	return e, store, emitter
}

func seed(t *testing.T, e *Evolver, fields []Fields) []string {
	t.Helper()
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		id, err := e.Propose(context.Background(), f)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSpecificity(t *testing.T) {
	tests := []struct {
		name   string
		fields Fields
		want   float64
	}{
		{"concrete", concreteGoals[0], 1.0},
		{"vague", vagueGoals[0], 0.2},
		{"action verb only", Fields{Action: "reduce", Target: "things", Metric: "quality", Amount: "somewhat"}, 0.55},
		{"measurable amount only", Fields{Action: "improve", Target: "login page", Metric: "quality", Amount: "10%"}, 0.15 + 0.2*0.6 + 0.2},
		{"case and whitespace", Fields{Action: " Reduce ", Target: "Query Latency", Metric: "P99_LATENCY_MS", Amount: "20%"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := Specificity(tt.fields)
			assert.False(t, clamped)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestDistance(t *testing.T) {
	a := concreteGoals[0]
	assert.Equal(t, 0.0, Distance(a, a))
	assert.Equal(t, 0.25, Distance(a, a.With(FieldAmount, "50%")))
	assert.Equal(t, 1.0, Distance(a, vagueGoals[0]))
}

func TestSelectPrefersDistantGoals(t *testing.T) {
	best := &Goal{ID: "a", Fields: concreteGoals[0], Fitness: 0.9, Specificity: 1}
	near := &Goal{ID: "b", Fields: concreteGoals[0].With(FieldAmount, "30%"), Fitness: 0.85, Specificity: 1}
	far := &Goal{ID: "c", Fields: vagueGoals[0], Fitness: 0.1, Specificity: 0.2}

	tests := []struct {
		name string
		n    int
		want []string
	}{
		{"best only", 1, []string{"a"}},
		{"diverse second", 2, []string{"a", "c"}},
		{"all", 5, []string{"a", "c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select([]*Goal{near, far, best}, tt.n, 0.3)
			var ids []string
			for _, g := range got {
				ids = append(ids, g.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	assert.Empty(t, Select(nil, 3, 0.3))
}

func TestSelectBreaksDistanceTiesByCombinedScore(t *testing.T) {
	goals := []*Goal{
		{ID: "v", Fields: vagueGoals[0], Fitness: 0.3, Specificity: 0.2},
		{ID: "c2", Fields: concreteGoals[1], Fitness: 0.8, Specificity: 1},
		{ID: "c1", Fields: concreteGoals[0], Fitness: 0.8, Specificity: 1},
	}
	got := Select(goals, 2, 0.3)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c2", got[1].ID)
}

func TestMutationChangesExactlyOneField(t *testing.T) {
	e, _, _ := newTestEvolver(t, nil)
	seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))

	for _, rate := range []float64{0, 1} {
		e.SetExplorationRate(rate)
		for i := 0; i < 200; i++ {
			parent := concreteGoals[i%len(concreteGoals)]
			child := e.mutate(parent)
			assert.Equal(t, 0.25, Distance(parent, child))
		}
	}
}

func TestCrossoverTakesFieldsFromParents(t *testing.T) {
	e, _, _ := newTestEvolver(t, nil)
	seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))

	a := &Goal{ID: "a", Fields: concreteGoals[0], Fitness: 0.8, Specificity: 1, Lineage: "la"}
	b := &Goal{ID: "b", Fields: vagueGoals[0], Fitness: 0.3, Specificity: 0.2, Lineage: "lb"}
	for i := 0; i < 100; i++ {
		plan := e.crossover(a, b)
		assert.Equal(t, "la", plan.lineage)
		assert.Equal(t, []string{"a", "b"}, plan.parents)
		foreign := 0
		for f := Field(0); f < fieldCount; f++ {
			v := plan.fields.Get(f)
			if v != a.Fields.Get(f) && v != b.Fields.Get(f) {
				foreign++
			}
		}
		assert.LessOrEqual(t, foreign, 1)
		assert.NotEqual(t, a.Fields, plan.fields)
		assert.NotEqual(t, b.Fields, plan.fields)
	}
}

func TestConcreteGoalsDominateAfterFiveGenerations(t *testing.T) {
	e, _, emitter := newTestEvolver(t, nil)
	ctx := context.Background()
	concrete := seed(t, e, concreteGoals)
	vague := seed(t, e, vagueGoals)

	lineage := make(map[string]bool)
	for _, id := range concrete {
		lineage[id] = true
	}

	var last *Generation
	for i := 0; i < 5; i++ {
		gen, err := e.Evolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, gen.Number)
		last = gen
	}

	require.NotEmpty(t, last.Survivors)
	fromConcrete := 0
	for _, id := range last.Survivors {
		g, err := e.Get(id)
		require.NoError(t, err)
		if lineage[g.Lineage] {
			fromConcrete++
		}
	}
	assert.Greater(t, fromConcrete, len(last.Survivors)/2)

	best, err := e.Get(last.BestID)
	require.NoError(t, err)
	assert.True(t, lineage[best.Lineage])

	archived := 0
	for _, id := range vague {
		g, err := e.Get(id)
		require.NoError(t, err)
		if g.Status == StatusArchived {
			archived++
		}
	}
	assert.Greater(t, archived, 0)
	assert.GreaterOrEqual(t, emitter.Counts()[events.GoalArchived], int64(archived))
}

func TestEvolveIsDeterministicForASeed(t *testing.T) {
	run := func() ([]*Generation, string) {
		e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) { c.Seed = 42 })
		seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))
		var gens []*Generation
		for i := 0; i < 3; i++ {
			gen, err := e.Evolve(context.Background())
			require.NoError(t, err)
			gens = append(gens, gen)
		}
		hash, err := e.Hash()
		require.NoError(t, err)
		return gens, hash
	}

	gensA, hashA := run()
	gensB, hashB := run()
	assert.Equal(t, gensA, gensB)
	assert.Equal(t, hashA, hashB)
}

func TestConcurrentEvaluationIsDeterministic(t *testing.T) {
	guard := resilience.NewGuard(resilience.Config{MaxConcurrency: 4, TrialTimeout: time.Second}, testLogger())
	run := func(g *resilience.Guard) []*Generation {
		e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) { d.Guard = g })
		seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))
		var gens []*Generation
		for i := 0; i < 2; i++ {
			gen, err := e.Evolve(context.Background())
			require.NoError(t, err)
			gens = append(gens, gen)
		}
		return gens
	}
	assert.Equal(t, run(nil), run(guard))
}

func TestInconclusiveGoalIsRequeued(t *testing.T) {
	var flakyCalls atomic.Int64
	var flaky string
	measurer := func(ctx context.Context, g *Goal, rep int) (float64, error) {
		if g != nil && g.ID == flaky {
			flakyCalls.Add(1)
			return 0, errors.New("probe crashed")
		}
		return specificityMeasurer()(ctx, g, rep)
	}
	e, _, emitter := newTestEvolver(t, func(c *Config, d *Deps) {
		c.Survivors = 1
		d.Measurer = MeasureFunc(measurer)
	})
	ids := seed(t, e, []Fields{
		concreteGoals[0],
		{Action: "reduce", Target: "flaky service", Metric: "error_rate", Amount: "10%"},
	})
	flaky = ids[1]

	for i := 0; i < 3; i++ {
		gen, err := e.Evolve(context.Background())
		require.NoError(t, err)
		assert.Contains(t, gen.Inconclusive, flaky)
		assert.NotContains(t, gen.Survivors, flaky)
	}

	g, err := e.Get(flaky)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, g.Status)
	assert.False(t, g.Evaluated)
	assert.Zero(t, g.Missed)
	assert.Equal(t, int64(3*5), flakyCalls.Load())
	assert.Equal(t, int64(3), emitter.Counts()[events.Inconclusive])
}

func TestEvaluateTimeoutIsInconclusive(t *testing.T) {
	guard := resilience.NewGuard(resilience.Config{MaxConcurrency: 2, TrialTimeout: 10 * time.Millisecond}, testLogger())
	e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) {
		d.Guard = guard
		d.Measurer = MeasureFunc(func(ctx context.Context, g *Goal, rep int) (float64, error) {
			if g == nil {
				return 0, nil
			}
			<-ctx.Done()
			return 0, ctx.Err()
		})
	})
	ids := seed(t, e, concreteGoals[:1])

	_, err := e.Evaluate(context.Background(), ids[0])
	assert.ErrorIs(t, err, faults.ErrInconclusive)

	g, err := e.Get(ids[0])
	require.NoError(t, err)
	assert.False(t, g.Evaluated)
}

func TestEvaluateHighVarianceIsInconclusive(t *testing.T) {
	e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) {
		c.MaxStdDev = 0.1
		d.Measurer = MeasureFunc(func(ctx context.Context, g *Goal, rep int) (float64, error) {
			if rep%2 == 0 {
				return 5, nil
			}
			return -5, nil
		})
	})
	ids := seed(t, e, concreteGoals[:1])
	_, err := e.Evaluate(context.Background(), ids[0])
	assert.ErrorIs(t, err, faults.ErrInconclusive)
}

func TestEvaluateRecordsSignificantFitness(t *testing.T) {
	e, store, _ := newTestEvolver(t, nil)
	ids := seed(t, e, concreteGoals[:1])

	fit, err := e.Evaluate(context.Background(), ids[0])
	require.NoError(t, err)
	assert.InDelta(t, 0.8, fit.Value, 1e-9)
	assert.True(t, fit.Significant)
	assert.Equal(t, 5, fit.Candidate)
	assert.Equal(t, 5, fit.Control)

	n, err := store.Get(context.Background(), ids[0])
	require.NoError(t, err)
	stored, err := goalFromNode(n)
	require.NoError(t, err)
	assert.True(t, stored.Evaluated)
	assert.InDelta(t, 0.8, stored.Fitness, 1e-9)
}

func TestArchiveAfterConsecutiveMisses(t *testing.T) {
	e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) { c.Survivors = 1 })
	ids := seed(t, e, []Fields{concreteGoals[0], vagueGoals[0]})

	gen, err := e.Evolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, gen.Survivors)
	assert.Empty(t, gen.Archived)

	g, _ := e.Get(ids[1])
	assert.Equal(t, 1, g.Missed)
	assert.Equal(t, StatusActive, g.Status)

	gen, err = e.Evolve(context.Background())
	require.NoError(t, err)
	assert.Contains(t, gen.Archived, ids[1])
}

func TestProposeIsIdempotentForActiveGoals(t *testing.T) {
	e, _, _ := newTestEvolver(t, nil)
	ctx := context.Background()
	a, err := e.Propose(ctx, concreteGoals[0])
	require.NoError(t, err)
	b, err := e.Propose(ctx, Fields{Action: "REDUCE", Target: " query latency", Metric: "p99_latency_ms", Amount: "20%"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = e.Propose(ctx, Fields{Action: "reduce"})
	assert.Error(t, err)
}

func TestStuckGoals(t *testing.T) {
	e, _, _ := newTestEvolver(t, func(c *Config, d *Deps) {
		c.Offspring = 0
		d.Measurer = MeasureFunc(func(ctx context.Context, g *Goal, rep int) (float64, error) {
			return 0.01 * float64(rep%3-1), nil
		})
	})
	ids := seed(t, e, concreteGoals[:1])

	for i := 0; i < 2; i++ {
		_, err := e.Evolve(context.Background())
		require.NoError(t, err)
	}
	assert.Empty(t, e.Stuck(0))

	_, err := e.Evolve(context.Background())
	require.NoError(t, err)
	stuck := e.Stuck(0)
	require.Len(t, stuck, 1)
	assert.Equal(t, ids[0], stuck[0].ID)
}

func TestInjectRandomAddsDistinctGoals(t *testing.T) {
	e, _, _ := newTestEvolver(t, nil)
	seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))

	ids, err := e.InjectRandom(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	seen := make(map[Fields]bool)
	for _, g := range e.Active() {
		assert.False(t, seen[g.Fields])
		seen[g.Fields] = true
	}
}

func TestExplorationRateIsClamped(t *testing.T) {
	e, _, _ := newTestEvolver(t, nil)
	assert.Equal(t, 1.0, e.SetExplorationRate(3))
	assert.Equal(t, 0.0, e.SetExplorationRate(-1))
	assert.InDelta(t, 0.3, e.crossoverRate(), 1e-12)
	e.SetExplorationRate(1)
	assert.InDelta(t, 0.8, e.crossoverRate(), 1e-12)

	assert.Error(t, e.ImportState(State{Generation: 1, Exploration: 2}))
}

func TestLoadRebuildsPopulation(t *testing.T) {
	e, store, _ := newTestEvolver(t, nil)
	seed(t, e, append(append([]Fields{}, concreteGoals...), vagueGoals...))
	_, err := e.Evolve(context.Background())
	require.NoError(t, err)
	want, err := e.Hash()
	require.NoError(t, err)

	loaded := New(DefaultConfig(), Deps{Store: store, Logger: testLogger()})
	require.NoError(t, loaded.Load(context.Background()))
	got, err := loaded.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, e.Generation(), loaded.Generation())
}
