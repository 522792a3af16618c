package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
	"github.com/saaga0h/adaptive-core/pkg/mqtt"
)

// CycleReport collects what each entry hook did during one cycle
type CycleReport struct {
	Started      time.Time                 `json:"started"`
	Finished     time.Time                 `json:"finished,omitempty"`
	Settle       *reasoner.SettleReport    `json:"settle,omitempty"`
	Diversity    *patterns.DiversityReport `json:"diversity,omitempty"`
	Generation   *evolver.Generation       `json:"generation,omitempty"`
	Improvements []*patterns.Improvement   `json:"improvements,omitempty"`
	Tick         *coupling.TickReport      `json:"tick,omitempty"`
	Effects      []string                  `json:"effects,omitempty"`
	Capability   float64                   `json:"capability"`
	HardKill     bool                      `json:"hard_kill"`
	Snapshot     *MetricsSnapshot          `json:"snapshot,omitempty"`
}

func (c *CycleReport) generationNumber() int {
	if c == nil || c.Generation == nil {
		return 0
	}
	return c.Generation.Number
}

func (e *Engine) enter(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeDreaming:
		return e.dream(ctx)
	case ModeEvolving:
		return e.evolve(ctx)
	case ModeCompiling:
		return e.compile(ctx)
	case ModeAwake:
		return nil
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// record stores fn's changes on the cycle report when a cycle is running
func (e *Engine) record(fn func(c *CycleReport)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastCycle != nil {
		fn(e.lastCycle)
	}
}

// dream settles belief confidences and enforces pattern diversity
func (e *Engine) dream(ctx context.Context) error {
	settle, err := e.reasoner.Settle(ctx)
	if err != nil {
		return fmt.Errorf("failed to settle beliefs: %w", err)
	}
	diversity, err := e.library.EnforceDiversity(ctx)
	if err != nil {
		return fmt.Errorf("failed to enforce diversity: %w", err)
	}
	e.record(func(c *CycleReport) {
		c.Settle = settle
		c.Diversity = diversity
	})
	e.logger.Info("Dreaming complete",
		"beliefs", settle.Beliefs,
		"iterations", settle.Iterations,
		"energy", settle.FinalEnergy,
		"mean_pattern_distance", diversity.MeanDistance,
		"archived_patterns", len(diversity.Archived))
	return nil
}

// evolve runs one generation and hands stuck goals to improvement search
func (e *Engine) evolve(ctx context.Context) error {
	gen, err := e.evolver.Evolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to evolve goals: %w", err)
	}

	var improvements []*patterns.Improvement
	stuck := e.evolver.Stuck(0)
	if len(stuck) > e.cfg.MaxImprovements {
		stuck = stuck[:e.cfg.MaxImprovements]
	}
	for _, g := range stuck {
		imp, err := e.library.Improve(ctx, g.Fields.Describe(), e.trial)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("Improvement search failed", "goal_id", g.ID, "error", err)
			continue
		}
		improvements = append(improvements, imp)
		if imp.Best != nil {
			e.logger.Info("Improvement found for stuck goal",
				"goal_id", g.ID,
				"pattern_id", imp.PatternID,
				"delta", imp.Best.Delta)
		}
	}

	e.record(func(c *CycleReport) {
		c.Generation = gen
		c.Improvements = improvements
	})
	e.logger.Info("Evolving complete",
		"generation", gen.Number,
		"survivors", len(gen.Survivors),
		"offspring", len(gen.Offspring),
		"stuck", len(stuck))
	return nil
}

// compile samples capability, ticks the monitor, applies the escalation and
// publishes a metrics snapshot
func (e *Engine) compile(ctx context.Context) error {
	now := e.now()
	capability := e.sample(ctx, now)

	report, err := e.monitor.Tick(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to tick monitor: %w", err)
	}
	effects := e.escalate(ctx, report)

	e.mu.Lock()
	e.lastTick = report
	e.mu.Unlock()

	snap, err := e.snapshot(ctx, ModeCompiling)
	if err != nil {
		return err
	}
	e.events.Publish(mqtt.TopicMetrics, true, snap)

	e.record(func(c *CycleReport) {
		c.Tick = report
		c.Effects = effects
		c.Capability = capability
		c.HardKill = report.Kill.Hard
		c.Snapshot = snap
	})
	if report.HardFired() {
		e.logger.Error("Hard kill criteria met", "reasons", report.Kill.Reasons, "window", report.Window.Index)
	}
	return nil
}

// escalate applies the ladder's decision and returns the effects applied
func (e *Engine) escalate(ctx context.Context, report *coupling.TickReport) []string {
	esc := report.Escalation
	if esc == nil {
		if report.Window.Improved {
			e.mu.Lock()
			e.external = false
			e.mu.Unlock()
			rate := e.evolver.SetExplorationRate(e.evolver.ExplorationRate() - e.cfg.ExplorationDecay)
			return []string{fmt.Sprintf("exploration decayed to %.2f", rate)}
		}
		return nil
	}

	var effects []string
	switch esc.Strategy {
	case coupling.StrategyExplorationBump:
		rate := e.evolver.SetExplorationRate(e.evolver.ExplorationRate() + e.cfg.ExplorationStep)
		effects = append(effects, fmt.Sprintf("exploration raised to %.2f", rate))
	case coupling.StrategyDomainSwitch:
		threshold := e.library.Nudge(ctx, -e.cfg.ThresholdNudge)
		effects = append(effects, fmt.Sprintf("pattern threshold lowered to %.2f", threshold))
	case coupling.StrategyHypothesisInject:
		ids, err := e.evolver.InjectRandom(ctx, e.cfg.InjectCount)
		if err != nil {
			e.logger.Warn("Hypothesis injection failed", "error", err)
		}
		effects = append(effects, fmt.Sprintf("injected %d goals", len(ids)))
	case coupling.StrategyAggressiveMutation:
		rate := e.evolver.SetExplorationRate(max(e.evolver.ExplorationRate(), e.cfg.AggressiveExploration))
		effects = append(effects, fmt.Sprintf("exploration raised to %.2f", rate))
	case coupling.StrategyPerturbation:
		threshold := e.library.Nudge(ctx, e.cfg.ThresholdNudge)
		ids, err := e.evolver.InjectRandom(ctx, 1)
		if err != nil {
			e.logger.Warn("Perturbation injection failed", "error", err)
		}
		effects = append(effects, fmt.Sprintf("pattern threshold raised to %.2f", threshold), fmt.Sprintf("injected %d goals", len(ids)))
	case coupling.StrategyExternalEscalation:
		e.mu.Lock()
		e.external = true
		e.mu.Unlock()
		e.logger.Error("Plateau requires external intervention", "level", esc.Level)
		e.events.Publish(mqtt.TopicEscalation, true, esc)
		effects = append(effects, "external escalation requested")
	}

	e.logger.Info("Escalation applied",
		"level", esc.Level,
		"strategy", esc.Strategy,
		"bandit", esc.Bandit,
		"effects", effects)
	return effects
}
