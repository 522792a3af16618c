package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/saaga0h/adaptive-core/internal/coupling"
	"github.com/saaga0h/adaptive-core/internal/evolver"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
)

// MetricsSchemaVersion is the version of MetricsSnapshot
const MetricsSchemaVersion = 1

// Capability weights
const (
	weightPatternSuccess = 0.4
	weightMemoryHitRate  = 0.3
	weightBestCombined   = 0.3
)

// ComponentHealth is one component's health against its rules
type ComponentHealth struct {
	Healthy bool               `json:"healthy"`
	Values  map[string]float64 `json:"values"`
	Floors  map[string]float64 `json:"floors"`
	Missing []string           `json:"missing,omitempty"` // metrics with no value yet
}

// PatternStats summarizes the pattern library
type PatternStats struct {
	Active      int     `json:"active"`
	Threshold   float64 `json:"threshold"`
	SuccessRate float64 `json:"success_rate"`
	Applied     bool    `json:"applied"` // at least one pattern has been applied

	// MeanDistance is the mean pairwise cosine distance between active
	// patterns; diversity enforcement acts below the library's floor
	MeanDistance float64 `json:"mean_distance"`
}

// GoalStats summarizes the goal population
type GoalStats struct {
	Generation   int     `json:"generation"`
	Active       int     `json:"active"`
	Exploration  float64 `json:"exploration_rate"`
	BestCombined float64 `json:"best_combined"`
	Evaluated    bool    `json:"evaluated"`
}

// MetricsSnapshot is the published view of the engine
type MetricsSnapshot struct {
	SchemaVersion      int                        `json:"schema_version"`
	Sequence           int64                      `json:"sequence"`
	Timestamp          time.Time                  `json:"timestamp"`
	Mode               Mode                       `json:"mode"`
	CapabilityScore    float64                    `json:"capability_score"`
	GrowthRate         float64                    `json:"growth_rate"`
	Health             map[string]ComponentHealth `json:"per_component_health"`
	CouplingMatrix     []coupling.Correlation     `json:"coupling_matrix"`
	KillCriteria       coupling.KillStatus        `json:"kill_criteria_status"`
	Escalation         *coupling.Escalation       `json:"escalation,omitempty"`
	ExternalEscalation bool                       `json:"external_escalation"`
	Patterns           PatternStats               `json:"patterns"`
	Reasoner           reasoner.Stats             `json:"reasoner"`
	Goals              GoalStats                  `json:"goals"`
}

// current reads the live component metrics. Metrics without a value yet are
// absent from the map.
func (e *Engine) current() (map[coupling.MetricRef]float64, float64) {
	values := make(map[coupling.MetricRef]float64, 4)

	success, applied := e.library.SuccessRate()
	if applied {
		values[coupling.MetricPatternSuccess] = success
	}
	hit := e.reasoner.Stats().MemoryHitRate()
	values[coupling.MetricMemoryHitRate] = hit

	best, evaluated := e.evolver.BestCombined()
	if evaluated {
		values[coupling.MetricBestCombined] = best
	}

	capability := unit(weightPatternSuccess*success + weightMemoryHitRate*hit + weightBestCombined*unit(best))
	values[coupling.MetricCapability] = capability
	return values, capability
}

func unit(v float64) float64 {
	c, _ := faults.Clamp01(v)
	return c
}

// sample records the live metrics and the oracle calls made since the last
// sample. It returns the capability score.
func (e *Engine) sample(ctx context.Context, now time.Time) float64 {
	values, capability := e.current()

	calls := e.reasoner.Stats().OracleCalls
	e.mu.Lock()
	delta := calls - e.oracleCalls
	e.oracleCalls = calls
	e.mu.Unlock()
	values[coupling.MetricOracleCalls] = float64(delta)

	for ref, v := range values {
		if err := e.monitor.RecordValue(ctx, ref, now, v); err != nil {
			e.logger.Warn("Failed to record metric sample", "metric", ref.String(), "error", err)
		}
	}
	return capability
}

// MetricsSnapshot assembles the current metrics. Every call takes the next
// sequence number.
func (e *Engine) MetricsSnapshot(ctx context.Context) (*MetricsSnapshot, error) {
	return e.snapshot(ctx, e.Mode())
}

func (e *Engine) snapshot(ctx context.Context, mode Mode) (*MetricsSnapshot, error) {
	now := e.now().UTC()
	values, capability := e.current()

	matrix, err := e.monitor.Matrix(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to compute coupling matrix: %w", err)
	}

	health := make(map[string]ComponentHealth)
	for _, rule := range e.monitor.HealthRules() {
		h, ok := health[rule.Ref.Component]
		if !ok {
			h = ComponentHealth{Healthy: true, Values: map[string]float64{}, Floors: map[string]float64{}}
		}
		h.Floors[rule.Ref.Metric] = rule.Floor
		v, known := values[rule.Ref]
		if !known {
			h.Missing = append(h.Missing, rule.Ref.Metric)
			h.Healthy = false
		} else {
			h.Values[rule.Ref.Metric] = v
			h.Healthy = h.Healthy && v >= rule.Floor
		}
		health[rule.Ref.Component] = h
	}

	snap := &MetricsSnapshot{
		SchemaVersion:   MetricsSchemaVersion,
		Timestamp:       now,
		Mode:            mode,
		CapabilityScore: capability,
		Health:          health,
		CouplingMatrix:  matrix,
		KillCriteria:    e.monitor.Kill(),
		Reasoner:        e.reasoner.Stats(),
	}
	if windows := e.monitor.Windows(); len(windows) > 0 {
		snap.GrowthRate = windows[len(windows)-1].Growth
	}

	e.mu.RLock()
	if e.lastTick != nil {
		snap.Escalation = e.lastTick.Escalation
	}
	snap.ExternalEscalation = e.external
	e.mu.RUnlock()

	success, applied := e.library.SuccessRate()
	snap.Patterns = PatternStats{
		Active:       e.library.ActiveCount(),
		Threshold:    e.library.Threshold(),
		SuccessRate:  success,
		Applied:      applied,
		MeanDistance: e.library.MeanPairwiseDistance(),
	}
	best, evaluated := e.evolver.BestCombined()
	snap.Goals = GoalStats{
		Generation:   e.evolver.Generation(),
		Active:       len(e.evolver.Active()),
		Exploration:  e.evolver.ExplorationRate(),
		BestCombined: best,
		Evaluated:    evaluated,
	}

	snap.Sequence = e.sequence.Add(1)
	return snap, nil
}

// proxyMeasurer scores a goal by how well the pattern library supports it,
// scaled by the goal's specificity. The control arm gets noise only.
type proxyMeasurer struct {
	engine *Engine
}

func (p *proxyMeasurer) Measure(ctx context.Context, goal *evolver.Goal, rep int) (float64, error) {
	e := p.engine
	if goal == nil {
		return e.noise("control", rep), nil
	}

	vec, err := e.embed.Embed(ctx, goal.Fields.Describe())
	if err != nil {
		return 0, fmt.Errorf("failed to embed goal: %w", err)
	}
	matches, err := e.library.FindMatching(ctx, vec, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to match goal: %w", err)
	}
	support := 0.0
	if len(matches) > 0 {
		support = unit(matches[0].Score)
	}
	return e.cfg.ProxyGain*goal.Specificity*support + e.noise(goal.ID, rep), nil
}

// noise is deterministic in (key, rep) and uniform in [-ProxyNoise, ProxyNoise)
func (e *Engine) noise(key string, rep int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key + ":" + strconv.Itoa(rep)))
	u := float64(h.Sum64()>>11) / float64(uint64(1)<<53)
	return (2*u - 1) * e.cfg.ProxyNoise
}
