package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saaga0h/adaptive-core/internal/checkpoint"
	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
	"github.com/saaga0h/adaptive-core/internal/seed"
	"github.com/saaga0h/adaptive-core/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	engine  *Engine
	store   *graph.MemoryStore
	oracle  *llm.MockClient
	events  *events.Emitter
	clock   *clock
	library *patterns.Library
	evolver *evolver.Evolver
	monitor *coupling.Monitor
	ckpts   *checkpoint.Store
}

func newFixture(t *testing.T, dir string) *fixture {
	t.Helper()
	logger := testLogger()
	f := &fixture{
		store:  graph.NewMemoryStore(),
		oracle: llm.NewMockClient(),
		events: events.NewEmitter(logger, nil),
		clock:  &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.oracle.GenerateFunc = llm.Respond("Partition the events table by day and prune old partitions.")
	embedder := embedding.NewHashEmbedder(64)

	f.library = patterns.NewLibrary(patterns.DefaultConfig(), patterns.Deps{
		Store: f.store, Embedder: embedder, Oracle: f.oracle, Events: f.events, Logger: logger,
	})
	r := reasoner.New(reasoner.DefaultConfig(), reasoner.Deps{
		Store: f.store, Embedder: embedder, Oracle: f.oracle, Events: f.events, Logger: logger,
	})
	f.evolver = evolver.New(evolver.DefaultConfig(), evolver.Deps{Store: f.store, Events: f.events, Logger: logger})

	var err error
	f.monitor, err = coupling.NewMonitor(coupling.DefaultConfig(), coupling.NewMemorySampleStore(), f.events, logger)
	require.NoError(t, err)
	f.ckpts, err = checkpoint.NewStore(dir, 0, f.events, logger)
	require.NoError(t, err)
	set, err := seed.Default()
	require.NoError(t, err)

	f.engine, err = New(DefaultConfig(), Deps{
		Store:       f.store,
		Embedder:    embedder,
		Library:     f.library,
		Reasoner:    r,
		Evolver:     f.evolver,
		Monitor:     f.monitor,
		Checkpoints: f.ckpts,
		Seed:        set,
		Events:      f.events,
		Logger:      logger,
	})
	require.NoError(t, err)
	f.engine.now = f.clock.Now
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
}

func (f *fixture) cycle(t *testing.T) *CycleReport {
	t.Helper()
	f.clock.Advance(time.Hour)
	report, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) hashes(t *testing.T) (string, string) {
	t.Helper()
	p, err := f.library.Hash()
	require.NoError(t, err)
	g, err := f.evolver.Hash()
	require.NoError(t, err)
	return p, g
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestStartBootstrapsFromSeed(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)

	assert.Equal(t, ModeAwake, f.engine.Mode())
	assert.Equal(t, 5, f.library.ActiveCount())
	assert.Len(t, f.evolver.Goals(), 5)

	beliefs, err := f.store.List(context.Background(), graph.KindBelief)
	require.NoError(t, err)
	assert.Len(t, beliefs, 4)

	list, err := f.ckpts.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	p, g := f.hashes(t)
	assert.Equal(t, p, list[0].Pattern)
	assert.Equal(t, g, list[0].Goal)
}

func TestRunCycleVisitsEveryMode(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)

	report := f.cycle(t)
	assert.Equal(t, ModeAwake, f.engine.Mode())
	require.NotNil(t, report.Settle)
	require.NotNil(t, report.Diversity)
	require.NotNil(t, report.Generation)
	require.NotNil(t, report.Tick)
	require.NotNil(t, report.Snapshot)
	assert.Equal(t, 1, report.Generation.Number)
	assert.Equal(t, 1, report.Tick.Window.Index)
	assert.Equal(t, ModeCompiling, report.Snapshot.Mode)
	assert.Equal(t, int64(1), report.Snapshot.Sequence)
	assert.False(t, report.Finished.Before(report.Started))

	assert.Equal(t, int64(4), f.events.Counts()[events.ModeChanged])
	list, err := f.ckpts.List()
	require.NoError(t, err)
	assert.Len(t, list, 5) // bootstrap plus one per transition
	assert.Equal(t, string(ModeCompiling), list[0].Mode)

	f.cycle(t)
	assert.Len(t, f.monitor.Windows(), 2)
	assert.Equal(t, 2, f.engine.LastCycle().generationNumber())
}

func TestTransitionRollsBackWhenHookFails(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	f.cycle(t)

	// Without advancing the clock the Compiling tick cannot open a window.
	_, err := f.engine.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, ModeEvolving, f.engine.Mode())
	assert.Equal(t, int64(1), f.events.Counts()[events.TransitionFailed])
	assert.Len(t, f.monitor.Windows(), 1)

	list, err := f.ckpts.List()
	require.NoError(t, err)
	p, g := f.hashes(t)
	assert.Equal(t, string(ModeEvolving), list[0].Mode)
	assert.Equal(t, p, list[0].Pattern)
	assert.Equal(t, g, list[0].Goal)

	f.clock.Advance(time.Hour)
	mode, err := f.engine.Transition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeCompiling, mode)
}

func TestStartRestoresNewestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	first := newFixture(t, dir)
	first.start(t)
	first.cycle(t)
	wantPattern, wantGoal := first.hashes(t)

	second := newFixture(t, dir)
	second.start(t)
	gotPattern, gotGoal := second.hashes(t)
	assert.Equal(t, wantPattern, gotPattern)
	assert.Equal(t, wantGoal, gotGoal)
	assert.Equal(t, ModeCompiling, second.engine.Mode())
	assert.Len(t, second.monitor.Windows(), 1)
	assert.Equal(t, first.evolver.Generation(), second.evolver.Generation())

	snap, err := second.engine.MetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Sequence)
}

func TestStartSkipsCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	first := newFixture(t, dir)
	first.start(t)
	first.cycle(t)

	list, err := first.ckpts.List()
	require.NoError(t, err)
	path := filepath.Join(dir, list[0].Name, "payload.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	second := newFixture(t, dir)
	second.start(t)
	assert.Equal(t, ModeEvolving, second.engine.Mode())
	assert.Equal(t, int64(1), second.events.Counts()[events.CheckpointCorrupt])
}

func TestStartBootstrapsFreshWhenNoCheckpointVerifies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := newFixture(t, dir)
	first.start(t)
	_, err := first.engine.Reason(ctx, "how should I keep the audit events table from growing without bound")
	require.NoError(t, err)
	_, err = first.engine.Checkpoint(ctx)
	require.NoError(t, err)
	require.Greater(t, len(first.library.List()), 5)

	list, err := first.ckpts.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, m := range list {
		path := filepath.Join(dir, m.Name, "manifest.json")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["pattern_hash"] = "0000"
		data, err = json.Marshal(raw)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	fresh := newFixture(t, t.TempDir())
	fresh.start(t)
	freshNodes, err := fresh.store.Snapshot(ctx)
	require.NoError(t, err)

	second := newFixture(t, dir)
	second.start(t)
	assert.Equal(t, int64(2), second.events.Counts()[events.CheckpointCorrupt])
	assert.Equal(t, ModeAwake, second.engine.Mode())
	assert.Len(t, second.library.List(), 5)
	assert.Len(t, second.evolver.Goals(), 5)

	nodes, err := second.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes.Nodes, len(freshNodes.Nodes))
	assert.Len(t, nodes.Edges, len(freshNodes.Edges))

	list, err = second.ckpts.List()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestRestoreRejectedCheckpointKeepsCurrentState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newFixture(t, dir)
	f.start(t)
	list, err := f.ckpts.List()
	require.NoError(t, err)
	bootstrap := list[0].Name

	f.cycle(t)
	p, g := f.hashes(t)

	path := filepath.Join(dir, bootstrap, "manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["goal_hash"] = "0000"
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	err = f.engine.Restore(ctx, bootstrap)
	assert.ErrorIs(t, err, faults.ErrCheckpointCorrupt)
	assert.Equal(t, ModeCompiling, f.engine.Mode())
	gotP, gotG := f.hashes(t)
	assert.Equal(t, p, gotP)
	assert.Equal(t, g, gotG)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	err := f.engine.Restore(context.Background(), "missing")
	assert.ErrorIs(t, err, faults.ErrNotFound)
}

func TestReasonAnswersRepeatedQueryFromMemory(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()
	query := "how should I keep the audit events table from growing without bound"

	first, err := f.engine.Reason(ctx, query)
	require.NoError(t, err)
	assert.True(t, first.OracleCalled)

	second, err := f.engine.Reason(ctx, query)
	require.NoError(t, err)
	assert.True(t, second.FromMemory)
	assert.False(t, second.OracleCalled)
	assert.GreaterOrEqual(t, second.Confidence, 0.7)
	assert.Equal(t, 1, f.oracle.Calls())

	var found bool
	for _, p := range f.engine.Patterns() {
		if p.Context == query {
			found = true
		}
	}
	assert.True(t, found, "oracle exchange should be offered as a pattern")
}

func TestMetricsSnapshot(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	a, err := f.engine.MetricsSnapshot(ctx)
	require.NoError(t, err)
	b, err := f.engine.MetricsSnapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, MetricsSchemaVersion, a.SchemaVersion)
	assert.Equal(t, a.Sequence+1, b.Sequence)
	assert.Equal(t, ModeAwake, a.Mode)
	assert.Contains(t, a.Health, coupling.ComponentPatterns)
	assert.Contains(t, a.Health, coupling.ComponentReasoner)
	assert.Contains(t, a.Health, coupling.ComponentEvolver)
	assert.False(t, a.Health[coupling.ComponentPatterns].Healthy, "no pattern has been applied yet")
	assert.Equal(t, 5, a.Patterns.Active)
	assert.Equal(t, f.library.MeanPairwiseDistance(), a.Patterns.MeanDistance)
	assert.Greater(t, a.Patterns.MeanDistance, 0.0)
	assert.LessOrEqual(t, a.Patterns.MeanDistance, 2.0)
	assert.Equal(t, 5, a.Goals.Active)
	assert.GreaterOrEqual(t, a.CapabilityScore, 0.0)
	assert.LessOrEqual(t, a.CapabilityScore, 1.0)
}

func TestRecordOutcomeMovesCapability(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	_, before := f.engine.current()
	p := f.engine.Patterns()[0]
	for i := 0; i < 3; i++ {
		_, err := f.engine.RecordOutcome(ctx, p.ID, patterns.Application{Context: p.ContextVector, Success: true})
		require.NoError(t, err)
	}
	_, after := f.engine.current()
	assert.Greater(t, after, before)
}

func TestFindMatchingUsesAdaptiveThreshold(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()
	p := f.engine.Patterns()[0]

	adaptive, err := f.engine.FindMatching(ctx, p.Context, 0)
	require.NoError(t, err)
	require.NotEmpty(t, adaptive)
	assert.Equal(t, p.ID, adaptive[0].Pattern.ID)

	strict, err := f.engine.FindMatching(ctx, p.Context, 0.99)
	require.NoError(t, err)
	assert.Empty(t, strict)
}

func TestEscalateAppliesStrategy(t *testing.T) {
	tests := []struct {
		strategy coupling.Strategy
		check    func(t *testing.T, f *fixture)
	}{
		{coupling.StrategyExplorationBump, func(t *testing.T, f *fixture) {
			assert.InDelta(t, 0.1, f.evolver.ExplorationRate(), 1e-9)
		}},
		{coupling.StrategyDomainSwitch, func(t *testing.T, f *fixture) {
			assert.InDelta(t, 0.45, f.library.Threshold(), 1e-9)
		}},
		{coupling.StrategyHypothesisInject, func(t *testing.T, f *fixture) {
			assert.Len(t, f.evolver.Goals(), 8)
		}},
		{coupling.StrategyAggressiveMutation, func(t *testing.T, f *fixture) {
			assert.InDelta(t, 0.8, f.evolver.ExplorationRate(), 1e-9)
		}},
		{coupling.StrategyPerturbation, func(t *testing.T, f *fixture) {
			assert.InDelta(t, 0.55, f.library.Threshold(), 1e-9)
			assert.Len(t, f.evolver.Goals(), 6)
		}},
		{coupling.StrategyExternalEscalation, func(t *testing.T, f *fixture) {
			assert.True(t, f.engine.ExternalEscalation())
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			f := newFixture(t, t.TempDir())
			f.start(t)
			effects := f.engine.escalate(context.Background(), &coupling.TickReport{
				Escalation: &coupling.Escalation{Level: 1, Strategy: tt.strategy},
			})
			assert.NotEmpty(t, effects)
			tt.check(t, f)
		})
	}
}

func TestImprovingWindowClearsExternalEscalation(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()

	f.engine.escalate(ctx, &coupling.TickReport{Escalation: &coupling.Escalation{Strategy: coupling.StrategyExternalEscalation}})
	require.True(t, f.engine.ExternalEscalation())
	f.evolver.SetExplorationRate(0.5)

	effects := f.engine.escalate(ctx, &coupling.TickReport{Window: coupling.Window{Improved: true}})
	assert.Len(t, effects, 1)
	assert.False(t, f.engine.ExternalEscalation())
	assert.InDelta(t, 0.45, f.evolver.ExplorationRate(), 1e-9)
}

func TestTermSafety(t *testing.T) {
	check := termSafety([]string{"DROP TABLE", " "})
	ctx := context.Background()

	err := check(ctx, patterns.Variant{SolutionTemplate: "then drop table orders to reset"})
	assert.ErrorIs(t, err, faults.ErrSafetyRejected)
	assert.NoError(t, check(ctx, patterns.Variant{SolutionTemplate: "add an index on orders"}))
}

func TestRelevanceTrialRewardsCloserSolutions(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.start(t)
	ctx := context.Background()
	source := f.engine.Patterns()[0]
	problem := "nightly report join scans the whole orders table"

	delta, err := f.engine.relevanceTrial(ctx, patterns.Variant{
		SourceID:         source.ID,
		Problem:          problem,
		SolutionTemplate: problem,
	})
	require.NoError(t, err)
	assert.Greater(t, delta, 0.0)

	_, err = f.engine.relevanceTrial(ctx, patterns.Variant{SourceID: "missing", Problem: problem, SolutionTemplate: "x"})
	assert.Error(t, err)
}

func TestProxyMeasurerNoiseIsDeterministic(t *testing.T) {
	f := newFixture(t, t.TempDir())
	m := &proxyMeasurer{engine: f.engine}
	ctx := context.Background()

	for rep := 0; rep < 5; rep++ {
		a, err := m.Measure(ctx, nil, rep)
		require.NoError(t, err)
		b, err := m.Measure(ctx, nil, rep)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.LessOrEqual(t, a, DefaultConfig().ProxyNoise)
		assert.GreaterOrEqual(t, a, -DefaultConfig().ProxyNoise)
	}
}
