package patterns

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"strings"
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

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

type fixture struct {
	lib    *Library
	store  *graph.MemoryStore
	events *events.Emitter
	oracle *llm.MockClient
}

func newFixture(t *testing.T, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store:  graph.NewMemoryStore(),
		events: events.NewEmitter(testLogger(), nil),
		oracle: llm.NewMockClient(),
	}
	cfg := DefaultConfig()
	deps := Deps{
		Store:    f.store,
		Embedder: embedding.NewHashEmbedder(64),
		Oracle:   f.oracle,
		Events:   f.events,
		Logger:   testLogger(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	f.lib = NewLibrary(cfg, deps)
	return f
}

func (f *fixture) add(t *testing.T, p *Pattern) *Pattern {
	t.Helper()
	res, stored, err := f.lib.Add(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, Accepted, res)
	return stored
}

func TestAddAdmission(t *testing.T) {
	f := newFixture(t, func(c *Config, d *Deps) { c.SmallLibraryFloor = 0 })
	ctx := context.Background()

	tests := []struct {
		name    string
		pattern *Pattern
		want    AddResult
	}{
		{"first pattern is novel", &Pattern{SolutionTemplate: "a", ContextVector: []float32{1, 0, 0}}, Accepted},
		{"near duplicate is rejected", &Pattern{SolutionTemplate: "b", ContextVector: []float32{1, 0.01, 0}}, Rejected},
		{"exceptional duplicate is admitted", &Pattern{SolutionTemplate: "c", ContextVector: []float32{1, 0, 0}, SuccessRate: 0.95}, Accepted},
		{"orthogonal pattern is novel", &Pattern{SolutionTemplate: "d", ContextVector: []float32{0, 1, 0}}, Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _, err := f.lib.Add(ctx, tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}

	assert.Equal(t, 3, f.lib.ActiveCount())
	assert.Equal(t, int64(1), f.events.Counts()[events.PatternRejected])
}

func TestSmallLibraryAlwaysAdmits(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.add(t, &Pattern{SolutionTemplate: "same", ContextVector: []float32{1, 0}})
	}
	assert.Equal(t, 5, f.lib.ActiveCount())
}

func TestAddRejectsInvalidPatterns(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.lib.Add(context.Background(), &Pattern{SolutionTemplate: "x", SuccessRate: 1.5, ContextVector: []float32{1}})
	assert.Error(t, err)
	_, _, err = f.lib.Add(context.Background(), &Pattern{ContextVector: []float32{1}})
	assert.Error(t, err)
}

func TestAddDefersOnEmbeddingFailure(t *testing.T) {
	f := newFixture(t, func(c *Config, d *Deps) { d.Embedder = failingEmbedder{} })

	res, stored, err := f.lib.Add(context.Background(), &Pattern{Context: "slow queries", SolutionTemplate: "add an index"})
	require.NoError(t, err)
	assert.Equal(t, Deferred, res)
	assert.Nil(t, stored)
	assert.Equal(t, 0, f.lib.ActiveCount())
	assert.Equal(t, int64(1), f.events.Counts()[events.EmbeddingDeferred])
}

func TestAddEmbedsContext(t *testing.T) {
	f := newFixture(t, nil)
	stored := f.add(t, &Pattern{Context: "slow queries on orders table", SolutionTemplate: "add an index"})
	assert.Len(t, stored.ContextVector, 64)
	assert.Equal(t, 0.5, stored.SuccessRate)
}

func TestFindMatchingScore(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, &Pattern{
		SolutionTemplate: "cache results",
		ContextVector:    []float32{1, 0},
		SuccessRate:      0.8,
		TransferDomains:  []string{"b", "a"},
	})
	f.add(t, &Pattern{SolutionTemplate: "unrelated", ContextVector: []float32{0, 1}, SuccessRate: 0.1})

	// 0.5*1 + 0.3*0.8 + 0.2*0.2
	matches, err := f.lib.FindMatching(context.Background(), []float32{1, 0}, 0.77)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, p.ID, matches[0].Pattern.ID)
	assert.InDelta(t, 0.78, matches[0].Score, 1e-9)
	assert.InDelta(t, 0.2, matches[0].TransferBonus, 1e-9)

	matches, err = f.lib.FindMatching(context.Background(), []float32{1, 0}, 0.78+1e-9)
	require.NoError(t, err)
	assert.Empty(t, matches)

	all, err := f.lib.FindMatching(context.Background(), []float32{1, 0}, -1)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.GreaterOrEqual(t, all[0].Score, all[1].Score)
}

func TestHistoricalSuccessUsesSimilarContexts(t *testing.T) {
	p := &Pattern{
		SuccessRate: 0.5,
		History: []Outcome{
			{Context: []float32{1, 0}, Success: true},
			{Context: []float32{1, 0}, Success: true},
			{Context: []float32{0, 1}, Success: false},
			{Context: []float32{-1, 0}, Success: false},
		},
	}
	assert.InDelta(t, 1.0, historicalSuccess(p, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, historicalSuccess(p, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.5, historicalSuccess(&Pattern{SuccessRate: 0.5}, []float32{1, 0}), 1e-9)
}

func TestRecordKeepsSuccessRateBounded(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, &Pattern{SolutionTemplate: "retry", ContextVector: []float32{1, 0}, SuccessRate: 0.9})

	rng := rand.New(rand.NewSource(7))
	successes := 0
	for i := 0; i < 120; i++ {
		ok := rng.Intn(3) > 0
		if ok {
			successes++
		}
		updated, err := f.lib.Record(context.Background(), p.ID, Application{Success: ok})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, updated.SuccessRate, 0.0)
		assert.LessOrEqual(t, updated.SuccessRate, 1.0)
		assert.Equal(t, i+1, updated.ApplicationCount)
	}

	got, err := f.lib.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, successes, got.SuccessCount)
	assert.Len(t, got.History, DefaultConfig().HistoryLimit)
}

func TestRecordUnknownPattern(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.lib.Record(context.Background(), "missing", Application{Success: true})
	assert.Error(t, err)
}

func TestAdjustThreshold(t *testing.T) {
	cfg := DefaultConfig()
	above := func(ok bool) ThresholdSample { return ThresholdSample{Score: 0.8, Threshold: 0.5, Success: ok} }
	below := func(ok bool) ThresholdSample { return ThresholdSample{Score: 0.3, Threshold: 0.5, Success: ok} }

	tests := []struct {
		name      string
		threshold float64
		samples   []ThresholdSample
		want      float64
	}{
		{"weak matches above raise", 0.5, []ThresholdSample{above(true), above(false)}, 0.55},
		{"good matches below lower", 0.5, []ThresholdSample{below(true), below(true), below(false)}, 0.45},
		{"both signals cancel", 0.5, []ThresholdSample{above(false), below(true)}, 0.5},
		{"healthy split holds", 0.5, []ThresholdSample{above(true), below(false)}, 0.5},
		{"empty buckets skipped", 0.5, nil, 0.5},
		{"clamped at max", 0.9, []ThresholdSample{above(false)}, 0.9},
		{"clamped at min", 0.3, []ThresholdSample{below(true)}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, adjustThreshold(tt.threshold, tt.samples, cfg), 1e-9)
		})
	}
}

func TestThresholdAdaptsEveryN(t *testing.T) {
	f := newFixture(t, func(c *Config, d *Deps) { c.AdjustEvery = 4 })
	p := f.add(t, &Pattern{SolutionTemplate: "guess", ContextVector: []float32{1, 0}})

	for i := 0; i < 3; i++ {
		_, err := f.lib.Record(context.Background(), p.ID, Application{Success: false})
		require.NoError(t, err)
	}
	assert.Equal(t, 0.5, f.lib.Threshold())
	assert.Len(t, f.lib.ExportState().Pending, 3)

	_, err := f.lib.Record(context.Background(), p.ID, Application{Success: false})
	require.NoError(t, err)
	assert.InDelta(t, 0.55, f.lib.Threshold(), 1e-9)
	assert.Empty(t, f.lib.ExportState().Pending)
	assert.Equal(t, int64(1), f.events.Counts()[events.ThresholdAdjusted])
}

func TestNudgeStaysInBounds(t *testing.T) {
	f := newFixture(t, nil)
	assert.InDelta(t, 0.9, f.lib.Nudge(context.Background(), 5), 1e-9)
	assert.InDelta(t, 0.3, f.lib.Nudge(context.Background(), -5), 1e-9)
}

func TestImportStateRejectsOutOfRange(t *testing.T) {
	f := newFixture(t, nil)
	assert.Error(t, f.lib.ImportState(State{Threshold: 2}))
	require.NoError(t, f.lib.ImportState(State{Threshold: 0.65}))
	assert.Equal(t, 0.65, f.lib.Threshold())
}

func TestLiftingAcrossThreeDomains(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.GenerateFunc = llm.Respond(`{"context": "any slow repeated computation", "solution_template": "memoize expensive pure work"}`)
	parent := f.add(t, &Pattern{Context: "slow report rendering", SolutionTemplate: "cache rendered reports", ContextVector: []float32{1, 0, 0}})
	ctx := context.Background()

	for _, domain := range []string{"reports", "search"} {
		_, err := f.lib.Record(ctx, parent.ID, Application{Domain: domain, Success: true})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.oracle.Calls())

	_, err := f.lib.Record(ctx, parent.ID, Application{Domain: "billing", Success: true})
	require.NoError(t, err)
	_, err = f.lib.Record(ctx, parent.ID, Application{Domain: "auth", Success: true})
	require.NoError(t, err)

	var lifted []*Pattern
	for _, p := range f.lib.List() {
		if p.ParentID != "" {
			lifted = append(lifted, p)
		}
	}
	require.Len(t, lifted, 1)
	child := lifted[0]
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, parent.AbstractionLevel+1, child.AbstractionLevel)
	assert.Equal(t, "memoize expensive pure work", child.SolutionTemplate)
	assert.Equal(t, 1, f.oracle.Calls())

	got, err := f.lib.Get(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.LiftedChildID)

	edges, err := f.store.Edges(ctx, child.ID, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.RelDerivedFrom, edges[0].Relation)
	assert.Equal(t, int64(1), f.events.Counts()[events.PatternLifted])
}

func TestLiftingNeedsSuccessfulDomains(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, &Pattern{SolutionTemplate: "x", ContextVector: []float32{1, 0}})
	for _, domain := range []string{"a", "b", "c", "d"} {
		_, err := f.lib.Record(context.Background(), p.ID, Application{Domain: domain, Success: false})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.oracle.Calls())
	assert.Len(t, f.lib.List(), 1)
}

func TestLiftingOracleFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.oracle.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		return nil, errors.New("oracle down")
	}
	p := f.add(t, &Pattern{SolutionTemplate: "x", ContextVector: []float32{1, 0}, TransferDomains: []string{"a", "b", "c"}})

	updated, err := f.lib.Record(context.Background(), p.ID, Application{Domain: "d", Success: true})
	require.NoError(t, err)
	assert.Empty(t, updated.LiftedChildID)
	assert.Equal(t, int64(1), f.events.Counts()[events.OracleDegraded])
}

func TestEnforceDiversityPrunesLargeClusters(t *testing.T) {
	f := newFixture(t, nil)
	var ids []string
	for i := 0; i < 7; i++ {
		p := f.add(t, &Pattern{
			SolutionTemplate: "variant",
			ContextVector:    []float32{1, 0.01 * float32(i), 0},
			SuccessRate:      0.1 * float64(i+1),
		})
		ids = append(ids, p.ID)
	}

	report, err := f.lib.EnforceDiversity(context.Background())
	require.NoError(t, err)
	assert.Less(t, report.MeanDistance, 0.3)
	assert.Equal(t, 1, report.Clusters)
	assert.Len(t, report.Archived, 4)
	assert.Equal(t, 3, f.lib.ActiveCount())

	for i, id := range ids {
		p, err := f.lib.Get(id)
		require.NoError(t, err)
		assert.Equal(t, i < 4, p.Archived, "pattern %d", i)
	}

	matches, err := f.lib.FindMatching(context.Background(), []float32{1, 0, 0}, -1)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestEnforceDiversityLeavesDiverseLibrary(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, &Pattern{SolutionTemplate: "a", ContextVector: []float32{1, 0, 0}})
	f.add(t, &Pattern{SolutionTemplate: "b", ContextVector: []float32{0, 1, 0}})
	f.add(t, &Pattern{SolutionTemplate: "c", ContextVector: []float32{0, 0, 1}})

	report, err := f.lib.EnforceDiversity(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, report.MeanDistance, 1e-9)
	assert.Empty(t, report.Archived)
}

func TestDBSCANSeparatesGroups(t *testing.T) {
	ps := []*Pattern{
		{ContextVector: []float32{1, 0}},
		{ContextVector: []float32{1, 0.02}},
		{ContextVector: []float32{1, 0.04}},
		{ContextVector: []float32{0, 1}},
		{ContextVector: []float32{0.02, 1}},
		{ContextVector: []float32{0.04, 1}},
		{ContextVector: []float32{-1, 0}},
	}
	clusters := dbscan(ps, 0.2, 2)
	require.Len(t, clusters, 2)
	assert.ElementsMatch(t, []int{0, 1, 2}, clusters[0].members)
	assert.ElementsMatch(t, []int{3, 4, 5}, clusters[1].members)
}

func TestLoadRebuildsIndex(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, &Pattern{SolutionTemplate: "x", ContextVector: []float32{1, 0}})
	_, err := f.lib.Record(context.Background(), p.ID, Application{Domain: "a", Success: true})
	require.NoError(t, err)

	fresh := NewLibrary(DefaultConfig(), Deps{Store: f.store, Embedder: embedding.NewHashEmbedder(64), Logger: testLogger()})
	require.NoError(t, fresh.Load(context.Background()))

	got, err := fresh.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ApplicationCount)
	assert.Equal(t, []string{"a"}, got.TransferDomains)
	assert.Equal(t, []float32{1, 0}, got.ContextVector)
	assert.Len(t, got.History, 1)
}

func improveFixture(t *testing.T, guard *resilience.Guard) (*fixture, *Pattern, *Pattern) {
	f := newFixture(t, func(c *Config, d *Deps) { d.Guard = guard })
	f.oracle.GenerateFunc = func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
		answer := `{"solution_template": "use an lru cache with ttl", "rationale": "bounded memory"}`
		if strings.Contains(req.Prompt, "Solution: drop the cache") {
			answer = `{"solution_template": "disable all validation", "rationale": "fast"}`
		}
		return llm.Respond(answer)(ctx, req)
	}
	problem := "reduce latency of cache lookups"
	good := f.add(t, &Pattern{Context: problem, SolutionTemplate: "use an lru cache"})
	risky := f.add(t, &Pattern{Context: problem, SolutionTemplate: "drop the cache"})
	f.lib.SetSafetyChecker(SafetyFunc(func(ctx context.Context, v Variant) error {
		if strings.Contains(v.SolutionTemplate, "disable all validation") {
			return errors.New("removes input validation")
		}
		return nil
	}))
	return f, good, risky
}

func TestImproveAppliesBestSafeVariant(t *testing.T) {
	f, good, risky := improveFixture(t, nil)

	var measured []string
	imp, err := f.lib.Improve(context.Background(), "reduce latency of cache lookups", func(ctx context.Context, v Variant) (float64, error) {
		measured = append(measured, v.SolutionTemplate)
		return 0.4, nil
	})
	require.NoError(t, err)

	require.NotNil(t, imp.Best)
	assert.Equal(t, good.ID, imp.Best.Variant.SourceID)
	assert.Equal(t, Accepted, imp.Added)
	assert.NotEmpty(t, imp.PatternID)
	assert.Equal(t, []string{"use an lru cache with ttl"}, measured)
	assert.Equal(t, int64(1), f.events.Counts()[events.SafetyRejected])

	src, err := f.lib.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.SuccessCount)

	unsafe, err := f.lib.Get(risky.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, unsafe.ApplicationCount)

	added, err := f.lib.Get(imp.PatternID)
	require.NoError(t, err)
	assert.Equal(t, "use an lru cache with ttl", added.SolutionTemplate)
}

func TestImproveTimeoutIsInconclusive(t *testing.T) {
	cfg := resilience.DefaultConfig()
	cfg.TrialTimeout = 20 * time.Millisecond
	f, _, _ := improveFixture(t, resilience.NewGuard(cfg, testLogger()))
	before := f.lib.ActiveCount()

	imp, err := f.lib.Improve(context.Background(), "reduce latency of cache lookups", func(ctx context.Context, v Variant) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)
	assert.Nil(t, imp.Best)
	assert.Equal(t, before, f.lib.ActiveCount())

	statuses := map[VariantStatus]int{}
	for _, r := range imp.Results {
		statuses[r.Status]++
	}
	assert.Equal(t, 1, statuses[VariantInconclusive])
	assert.Equal(t, 1, statuses[VariantUnsafe])
	assert.Equal(t, int64(1), f.events.Counts()[events.Inconclusive])
}

func TestImproveIgnoresNonPositiveVariants(t *testing.T) {
	f, good, _ := improveFixture(t, nil)
	imp, err := f.lib.Improve(context.Background(), "reduce latency of cache lookups", func(ctx context.Context, v Variant) (float64, error) {
		return -0.1, nil
	})
	require.NoError(t, err)
	assert.Nil(t, imp.Best)

	src, err := f.lib.Get(good.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, src.ApplicationCount)
}

func TestHashChangesWithState(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, &Pattern{SolutionTemplate: "x", ContextVector: []float32{1, 0}})
	h1, err := f.lib.Hash()
	require.NoError(t, err)

	_, err = f.lib.Record(context.Background(), p.ID, Application{Success: true})
	require.NoError(t, err)
	h2, err := f.lib.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
