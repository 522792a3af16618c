// Package orchestrator runs the adaptive core: the Awake, Dreaming, Evolving
// and Compiling modes, checkpoints around every transition and the external
// operations of the engine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saaga0h/adaptive-core/internal/checkpoint"
	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
	"github.com/saaga0h/adaptive-core/internal/seed"
	"github.com/saaga0h/adaptive-core/pkg/mqtt"
)

const component = coupling.ComponentOrchestrator

// Mode is one phase of the engine cycle
type Mode string

const (
	ModeAwake     Mode = "awake"
	ModeDreaming  Mode = "dreaming"
	ModeEvolving  Mode = "evolving"
	ModeCompiling Mode = "compiling"
)

var next = map[Mode]Mode{
	ModeAwake:     ModeDreaming,
	ModeDreaming:  ModeEvolving,
	ModeEvolving:  ModeCompiling,
	ModeCompiling: ModeAwake,
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	_, ok := next[m]
	return ok
}

// Config holds the orchestrator's tunables
type Config struct {
	ExplorationStep       float64 // gentle exploration bump
	AggressiveExploration float64 // exploration rate set by aggressive mutation
	ExplorationDecay      float64 // subtracted after an improving window
	ThresholdNudge        float64
	InjectCount           int
	MaxImprovements       int // stuck goals handed to improvement search per Evolving phase
	ProxyGain             float64
	ProxyNoise            float64
	UnsafeTerms           []string
}

// DefaultConfig returns the orchestrator defaults
func DefaultConfig() Config {
	return Config{
		ExplorationStep:       0.1,
		AggressiveExploration: 0.8,
		ExplorationDecay:      0.05,
		ThresholdNudge:        0.05,
		InjectCount:           3,
		MaxImprovements:       3,
		ProxyGain:             0.5,
		ProxyNoise:            0.02,
		UnsafeTerms:           []string{"rm -rf", "drop table", "disable authentication", "delete all"},
	}
}

// Embedder produces vectors for free text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the engine's components. Measurer and Trial are optional; the
// engine installs proxies built from its own state when they are nil.
type Deps struct {
	Store       graph.Store
	Embedder    Embedder
	Library     *patterns.Library
	Reasoner    *reasoner.Reasoner
	Evolver     *evolver.Evolver
	Monitor     *coupling.Monitor
	Checkpoints *checkpoint.Store
	Seed        *seed.Set
	Measurer    evolver.Measurer
	Trial       patterns.TrialFunc
	Events      *events.Emitter
	Logger      *slog.Logger
}

// Engine is the orchestrator
type Engine struct {
	cfg         Config
	store       graph.Store
	embed       Embedder
	library     *patterns.Library
	reasoner    *reasoner.Reasoner
	evolver     *evolver.Evolver
	monitor     *coupling.Monitor
	checkpoints *checkpoint.Store
	seed        *seed.Set
	trial       patterns.TrialFunc
	events      *events.Emitter
	logger      *slog.Logger
	now         func() time.Time

	transMu sync.Mutex // held for every transition, checkpoint and restore

	mu          sync.RWMutex
	mode        Mode
	lastCycle   *CycleReport
	lastTick    *coupling.TickReport
	external    bool  // the ladder reached external escalation
	oracleCalls int64 // reasoner oracle calls already sampled

	sequence atomic.Int64
}

// New wires the components and returns an engine in Awake mode
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("engine requires a graph store")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("engine requires an embedder")
	case deps.Library == nil || deps.Reasoner == nil || deps.Evolver == nil || deps.Monitor == nil:
		return nil, fmt.Errorf("engine requires library, reasoner, evolver and monitor")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("engine requires a checkpoint store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		embed:       deps.Embedder,
		library:     deps.Library,
		reasoner:    deps.Reasoner,
		evolver:     deps.Evolver,
		monitor:     deps.Monitor,
		checkpoints: deps.Checkpoints,
		seed:        deps.Seed,
		trial:       deps.Trial,
		events:      deps.Events,
		logger:      logger,
		now:         time.Now,
		mode:        ModeAwake,
	}

	measurer := deps.Measurer
	if measurer == nil {
		measurer = &proxyMeasurer{engine: e}
	}
	e.evolver.SetMeasurer(measurer)
	if e.trial == nil {
		e.trial = e.relevanceTrial
	}
	e.library.SetSafetyChecker(termSafety(cfg.UnsafeTerms))
	e.reasoner.SetSink(&exchangeSink{library: e.library, logger: logger})
	e.events.AddSink(e.monitor)
	return e, nil
}

// Mode returns the current mode
func (e *Engine) Mode() Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Transition moves to the next mode. A checkpoint is written first; when the
// entry hook fails the checkpoint is restored and the mode is unchanged.
func (e *Engine) Transition(ctx context.Context) (Mode, error) {
	e.transMu.Lock()
	defer e.transMu.Unlock()
	return e.transitionLocked(ctx)
}

func (e *Engine) transitionLocked(ctx context.Context) (Mode, error) {
	from := e.Mode()
	to := next[from]

	cp, _, err := e.checkpointLocked(ctx)
	if err != nil {
		e.transitionFailed(ctx, from, to, err)
		return from, fmt.Errorf("failed to checkpoint before %s: %w", to, err)
	}

	if hookErr := e.enter(ctx, to); hookErr != nil {
		e.transitionFailed(ctx, from, to, hookErr)
		// Rollback must not be cut short by the cancellation that may have caused the failure.
		if err := e.restoreFrom(context.WithoutCancel(ctx), cp); err != nil {
			return from, errors.Join(
				fmt.Errorf("failed to enter %s: %w", to, hookErr),
				fmt.Errorf("failed to roll back: %w", err))
		}
		e.logger.Warn("Transition rolled back", "from", from, "to", to, "checkpoint", cp.Name)
		return from, fmt.Errorf("failed to enter %s: %w", to, hookErr)
	}

	e.mu.Lock()
	e.mode = to
	e.mu.Unlock()

	e.logger.Info("Mode changed", "from", from, "to", to)
	e.events.Emit(ctx, events.Event{
		Kind:      events.ModeChanged,
		Component: component,
		Attrs:     map[string]any{"from": string(from), "to": string(to)},
	})
	e.events.Publish(mqtt.TopicMode, true, map[string]any{"mode": to, "timestamp": e.now().UTC()})
	return to, nil
}

func (e *Engine) transitionFailed(ctx context.Context, from, to Mode, err error) {
	e.logger.Error("Transition failed", "from", from, "to", to, "error", err)
	e.events.Emit(ctx, events.Event{
		Kind:      events.TransitionFailed,
		Component: component,
		Reason:    err.Error(),
		Attrs:     map[string]any{"from": string(from), "to": string(to)},
	})
}

// RunCycle transitions until the engine is back in Awake
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	e.transMu.Lock()
	defer e.transMu.Unlock()

	e.mu.Lock()
	e.lastCycle = &CycleReport{Started: e.now().UTC()}
	e.mu.Unlock()

	for i := 0; i < len(next); i++ {
		mode, err := e.transitionLocked(ctx)
		if err != nil {
			return e.cycleReport(), err
		}
		if mode == ModeAwake {
			break
		}
	}

	e.mu.Lock()
	e.lastCycle.Finished = e.now().UTC()
	e.mu.Unlock()
	return e.cycleReport(), nil
}

func (e *Engine) cycleReport() *CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastCycle == nil {
		return nil
	}
	c := *e.lastCycle
	return &c
}

// Run starts the engine and runs a cycle every interval until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopping", "mode", e.Mode())
			return nil
		case <-ticker.C:
			report, err := e.RunCycle(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Error("Cycle failed", "error", err)
				continue
			}
			e.logger.Info("Cycle complete",
				"generation", report.generationNumber(),
				"capability", report.Capability,
				"hard_kill", report.HardKill)
		}
	}
}

// Start restores the newest valid checkpoint, or bootstraps from the seed
// set when none verifies
func (e *Engine) Start(ctx context.Context) error {
	e.transMu.Lock()
	defer e.transMu.Unlock()

	cp, m, err := e.checkpoints.LoadLatest(ctx, func(cp *checkpoint.Checkpoint, m *checkpoint.Manifest) error {
		return e.applyVerified(ctx, cp, m)
	})
	if err == nil {
		e.logger.Info("Engine restored", "checkpoint", m.Name, "mode", cp.Mode)
		return nil
	}
	if !errors.Is(err, faults.ErrNotFound) {
		return err
	}

	if err := e.bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}
	if _, _, err := e.checkpointLocked(ctx); err != nil {
		return fmt.Errorf("failed to write bootstrap checkpoint: %w", err)
	}
	return nil
}

// bootstrap loads the seed set into an empty engine
func (e *Engine) bootstrap(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return err
	}
	if e.seed == nil {
		e.logger.Info("Engine started without seed set")
		return nil
	}

	added := 0
	for _, sp := range e.seed.Patterns {
		p := &patterns.Pattern{Context: sp.Context, SolutionTemplate: sp.Solution}
		if sp.Domain != "" {
			p.TransferDomains = []string{sp.Domain}
		}
		res, _, err := e.library.Add(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to add seed pattern: %w", err)
		}
		if res == patterns.Accepted {
			added++
		}
	}

	ids := make(map[string]string, len(e.seed.Beliefs))
	for _, b := range e.seed.Beliefs {
		id, err := e.reasoner.AddBelief(ctx, b.Content, b.Confidence)
		if err != nil {
			return fmt.Errorf("failed to add seed belief %s: %w", b.Key, err)
		}
		ids[b.Key] = id
	}
	for _, b := range e.seed.Beliefs {
		for _, k := range b.Contradicts {
			if err := e.reasoner.AddEvidence(ctx, ids[b.Key], ids[k], false, 1); err != nil {
				return fmt.Errorf("failed to link seed beliefs %s and %s: %w", b.Key, k, err)
			}
		}
	}

	for _, g := range e.seed.Goals {
		if _, err := e.evolver.Propose(ctx, g); err != nil {
			return fmt.Errorf("failed to propose seed goal: %w", err)
		}
	}

	e.logger.Info("Engine bootstrapped from seed set",
		"patterns", added,
		"beliefs", len(ids),
		"goals", len(e.seed.Goals))
	return nil
}

// reload rebuilds every derived index from the graph store
func (e *Engine) reload(ctx context.Context) error {
	if err := e.library.Load(ctx); err != nil {
		return err
	}
	if err := e.reasoner.Load(ctx); err != nil {
		return err
	}
	if err := e.evolver.Load(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.oracleCalls = 0
	e.mu.Unlock()
	return nil
}

// Checkpoint writes the current state
func (e *Engine) Checkpoint(ctx context.Context) (*checkpoint.Manifest, error) {
	e.transMu.Lock()
	defer e.transMu.Unlock()
	_, m, err := e.checkpointLocked(ctx)
	return m, err
}

// capture assembles the current state
func (e *Engine) capture(ctx context.Context) (*checkpoint.Checkpoint, checkpoint.Hashes, error) {
	var hashes checkpoint.Hashes
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, hashes, fmt.Errorf("failed to snapshot graph: %w", err)
	}
	if hashes.Graph, err = snap.Hash(); err != nil {
		return nil, hashes, err
	}
	if hashes.Pattern, err = e.library.Hash(); err != nil {
		return nil, hashes, err
	}
	if hashes.Goal, err = e.evolver.Hash(); err != nil {
		return nil, hashes, err
	}

	var metrics json.RawMessage
	if s := e.sequence.Load(); s > 0 {
		metrics, err = json.Marshal(map[string]int64{"sequence": s})
		if err != nil {
			return nil, hashes, fmt.Errorf("failed to marshal metrics sequence: %w", err)
		}
	}

	return &checkpoint.Checkpoint{
		Mode:      string(e.Mode()),
		Timestamp: e.now(),
		Graph:     snap,
		Patterns:  e.library.ExportState(),
		Goals:     e.evolver.ExportState(),
		Monitor:   e.monitor.ExportState(),
		Metrics:   metrics,
	}, hashes, nil
}

// checkpointLocked captures and writes the current state. Caller holds transMu.
func (e *Engine) checkpointLocked(ctx context.Context) (*checkpoint.Checkpoint, *checkpoint.Manifest, error) {
	cp, hashes, err := e.capture(ctx)
	if err != nil {
		return nil, nil, err
	}
	m, err := e.checkpoints.Write(ctx, cp, hashes)
	if err != nil {
		return nil, nil, err
	}
	return cp, m, nil
}

// Restore replaces the engine state with the named checkpoint
func (e *Engine) Restore(ctx context.Context, name string) error {
	e.transMu.Lock()
	defer e.transMu.Unlock()
	return e.restoreNamed(ctx, name)
}

// restoreNamed loads, applies and verifies a checkpoint
func (e *Engine) restoreNamed(ctx context.Context, name string) error {
	cp, m, err := e.checkpoints.Load(name)
	if err != nil {
		return err
	}
	return e.applyVerified(ctx, cp, m)
}

// applyVerified applies cp and checks the pattern and goal hashes against
// m. On any failure the state held before the call is put back, so a
// rejected checkpoint leaves nothing behind.
func (e *Engine) applyVerified(ctx context.Context, cp *checkpoint.Checkpoint, m *checkpoint.Manifest) error {
	prior, _, err := e.capture(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture state before restore: %w", err)
	}

	err = e.restoreFrom(ctx, cp)
	if err == nil {
		err = e.verify(m)
	}
	if err != nil {
		if rbErr := e.restoreFrom(context.WithoutCancel(ctx), prior); rbErr != nil {
			e.logger.Error("Failed to put back state after rejected checkpoint", "name", m.Name, "error", rbErr)
			return fmt.Errorf("failed to roll back restore of %s: %v (restore error: %w)", m.Name, rbErr, err)
		}
		return err
	}
	e.logger.Info("Checkpoint restored", "name", m.Name, "mode", cp.Mode)
	return nil
}

// verify compares the live pattern and goal hashes with the manifest
func (e *Engine) verify(m *checkpoint.Manifest) error {
	pattern, err := e.library.Hash()
	if err != nil {
		return err
	}
	goal, err := e.evolver.Hash()
	if err != nil {
		return err
	}
	if m.Pattern != "" && pattern != m.Pattern {
		return fmt.Errorf("%w: %s: pattern hash %s does not match manifest %s", faults.ErrCheckpointCorrupt, m.Name, pattern, m.Pattern)
	}
	if m.Goal != "" && goal != m.Goal {
		return fmt.Errorf("%w: %s: goal hash %s does not match manifest %s", faults.ErrCheckpointCorrupt, m.Name, goal, m.Goal)
	}
	return nil
}

// restoreFrom applies cp to the store and every component
func (e *Engine) restoreFrom(ctx context.Context, cp *checkpoint.Checkpoint) error {
	mode := Mode(cp.Mode)
	if !mode.Valid() {
		return fmt.Errorf("%w: %s: unknown mode %q", faults.ErrCheckpointCorrupt, cp.Name, cp.Mode)
	}
	if err := e.store.Restore(ctx, cp.Graph); err != nil {
		return fmt.Errorf("failed to restore graph: %w", err)
	}
	if err := e.reload(ctx); err != nil {
		return fmt.Errorf("failed to reload components: %w", err)
	}
	if err := e.library.ImportState(cp.Patterns); err != nil {
		return fmt.Errorf("%w: pattern state: %v", faults.ErrCheckpointCorrupt, err)
	}
	if err := e.evolver.ImportState(cp.Goals); err != nil {
		return fmt.Errorf("%w: goal state: %v", faults.ErrCheckpointCorrupt, err)
	}
	if err := e.monitor.ImportState(cp.Monitor); err != nil {
		return fmt.Errorf("%w: monitor state: %v", faults.ErrCheckpointCorrupt, err)
	}

	var metrics struct {
		Sequence int64 `json:"sequence"`
	}
	if len(cp.Metrics) > 0 {
		if err := json.Unmarshal(cp.Metrics, &metrics); err != nil {
			return fmt.Errorf("%w: metrics: %v", faults.ErrCheckpointCorrupt, err)
		}
	}
	e.sequence.Store(metrics.Sequence)

	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	return nil
}
