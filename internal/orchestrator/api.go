package orchestrator

import (
	"context"
	"fmt"

	"github.com/saaga0h/adaptive-core/internal/checkpoint"
	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
)

// Reason answers query from memory or the oracle and samples the metrics
// the answer changed
func (e *Engine) Reason(ctx context.Context, query string) (*reasoner.Answer, error) {
	ans, err := e.reasoner.Reason(ctx, query)
	if err != nil {
		return nil, err
	}
	e.sample(ctx, e.now())
	return ans, nil
}

// RecordExperience stores an experience and returns its id
func (e *Engine) RecordExperience(ctx context.Context, content, kind string, metadata map[string]string) (string, error) {
	return e.reasoner.RecordExperience(ctx, content, kind, metadata)
}

// AddBelief stores a belief with an initial confidence
func (e *Engine) AddBelief(ctx context.Context, content string, confidence float64) (string, error) {
	return e.reasoner.AddBelief(ctx, content, confidence)
}

// AddEvidence links fromID to a belief it supports or contradicts
func (e *Engine) AddEvidence(ctx context.Context, fromID, beliefID string, supports bool, strength float64) error {
	return e.reasoner.AddEvidence(ctx, fromID, beliefID, supports, strength)
}

// AddPattern offers a pattern to the library
func (e *Engine) AddPattern(ctx context.Context, p *patterns.Pattern) (patterns.AddResult, *patterns.Pattern, error) {
	return e.library.Add(ctx, p)
}

// FindMatching ranks patterns for text. A threshold at or below zero uses
// the library's adaptive threshold.
func (e *Engine) FindMatching(ctx context.Context, text string, threshold float64) ([]patterns.Match, error) {
	vec, err := e.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if threshold <= 0 {
		return e.library.Match(ctx, vec)
	}
	return e.library.FindMatching(ctx, vec, threshold)
}

// RecordOutcome records an application of a pattern and samples the
// library's success rate
func (e *Engine) RecordOutcome(ctx context.Context, patternID string, app patterns.Application) (*patterns.Pattern, error) {
	p, err := e.library.Record(ctx, patternID, app)
	if err != nil {
		return nil, err
	}
	e.sample(ctx, e.now())
	return p, nil
}

// ProposeGoal adds a goal to the population
func (e *Engine) ProposeGoal(ctx context.Context, fields evolver.Fields) (string, error) {
	return e.evolver.Propose(ctx, fields)
}

// EvaluateGoal measures one goal against the control
func (e *Engine) EvaluateGoal(ctx context.Context, id string) (*evolver.Fitness, error) {
	return e.evolver.Evaluate(ctx, id)
}

// EvolvePopulation runs one generation outside the cycle
func (e *Engine) EvolvePopulation(ctx context.Context) (*evolver.Generation, error) {
	return e.evolver.Evolve(ctx)
}

// Goals returns every goal, archived ones included
func (e *Engine) Goals() []*evolver.Goal {
	return e.evolver.Goals()
}

// Patterns returns every pattern, archived ones included
func (e *Engine) Patterns() []*patterns.Pattern {
	return e.library.List()
}

// LastCycle returns the report of the most recent cycle, or nil
func (e *Engine) LastCycle() *CycleReport {
	return e.cycleReport()
}

// LastTick returns the most recent monitor tick, or nil
func (e *Engine) LastTick() *coupling.TickReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTick
}

// ExternalEscalation reports whether the ladder has asked for intervention
// since the last improving window
func (e *Engine) ExternalEscalation() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.external
}

// Checkpoints lists the readable checkpoints, newest first
func (e *Engine) Checkpoints() ([]checkpoint.Manifest, error) {
	return e.checkpoints.List()
}
