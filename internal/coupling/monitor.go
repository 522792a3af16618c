package coupling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/stats"
)

// HealthRule marks a component healthy while its latest value of Ref is at
// least Floor
type HealthRule struct {
	Ref   MetricRef `json:"ref" yaml:"ref"`
	Floor float64   `json:"floor" yaml:"floor"`
}

// Config controls the monitor
type Config struct {
	BucketWidth       time.Duration
	Window            time.Duration // rolling span for correlations and health lookback
	MinBuckets        int
	Kill              KillConfig
	Health            []HealthRule
	Pairs             [][2]MetricRef
	BanditMinTrials   int
	SignificanceLevel float64
	MinImprovement    float64 // growth fallback when a window has too few samples for a t-test
	MaxWindows        int
}

// DefaultConfig returns monitor defaults
func DefaultConfig() Config {
	return Config{
		BucketWidth:       time.Hour,
		Window:            24 * time.Hour,
		MinBuckets:        3,
		Kill:              DefaultKillConfig(),
		Health:            DefaultHealthRules(),
		Pairs:             DefaultPairs(),
		BanditMinTrials:   5,
		SignificanceLevel: 0.05,
		MinImprovement:    0.01,
		MaxWindows:        64,
	}
}

// DefaultHealthRules returns one rule per learning component
func DefaultHealthRules() []HealthRule {
	return []HealthRule{
		{Ref: MetricPatternSuccess, Floor: 0.5},
		{Ref: MetricMemoryHitRate, Floor: 0.2},
		{Ref: MetricBestCombined, Floor: 0.3},
	}
}

// DefaultPairs returns the coupling matrix pairs
func DefaultPairs() [][2]MetricRef {
	return [][2]MetricRef{
		{MetricPatternSuccess, MetricMemoryHitRate},
		{MetricMemoryHitRate, MetricCapability},
		{MetricBestCombined, MetricCapability},
		{MetricPatternSuccess, MetricCapability},
	}
}

// TickReport is the outcome of one monitor tick
type TickReport struct {
	Window       Window        `json:"window"`
	Kill         KillStatus    `json:"kill"`
	Fired        []Criterion   `json:"fired,omitempty"` // criteria that became active this tick
	Escalation   *Escalation   `json:"escalation,omitempty"`
	Correlations []Correlation `json:"correlations"`
}

// HardFired reports whether a hard criterion became active this tick
func (r *TickReport) HardFired() bool {
	for _, c := range r.Fired {
		if c.IsHard() {
			return true
		}
	}
	return false
}

// State is the persisted monitor state
type State struct {
	Windows []Window    `json:"windows"`
	Kill    KillStatus  `json:"kill"`
	Ladder  LadderState `json:"ladder"`
}

// Monitor turns samples into windows, evaluates the kill criteria and
// drives the escape ladder. It also consumes events as samples.
type Monitor struct {
	cfg    Config
	store  SampleStore
	events *events.Emitter
	logger *slog.Logger

	mu      sync.Mutex
	windows []Window
	kill    KillStatus
	ladder  *ladder
}

// NewMonitor creates a monitor over store
func NewMonitor(cfg Config, store SampleStore, emitter *events.Emitter, logger *slog.Logger) (*Monitor, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor requires a sample store")
	}
	if cfg.BucketWidth <= 0 || cfg.Window < cfg.BucketWidth {
		return nil, fmt.Errorf("invalid monitor windows: bucket %s, window %s", cfg.BucketWidth, cfg.Window)
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		events: emitter,
		logger: logger,
		ladder: newLadder(cfg.BanditMinTrials),
	}, nil
}

// Record appends a sample
func (m *Monitor) Record(ctx context.Context, s Sample) error {
	if err := m.store.Append(ctx, s); err != nil {
		return fmt.Errorf("failed to record sample %s: %w", s.Ref(), err)
	}
	return nil
}

// RecordValue appends value for ref at ts
func (m *Monitor) RecordValue(ctx context.Context, ref MetricRef, ts time.Time, value float64) error {
	return m.Record(ctx, Sample{Timestamp: ts, Component: ref.Component, Metric: ref.Metric, Value: value})
}

// Consume implements events.Sink. Every event becomes a unit sample in the
// series "event.<kind>" of its component.
func (m *Monitor) Consume(ctx context.Context, ev events.Event) {
	component := ev.Component
	if component == "" {
		component = "core"
	}
	s := Sample{Timestamp: ev.Timestamp, Component: component, Metric: "event." + string(ev.Kind), Value: 1}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	if err := m.Record(ctx, s); err != nil {
		m.logger.Warn("Failed to record event sample", "kind", string(ev.Kind), "error", err)
	}
}

// Correlate computes the correlation between two series over the rolling
// window ending at now
func (m *Monitor) Correlate(ctx context.Context, a, b MetricRef, now time.Time) (Correlation, error) {
	from := now.Add(-m.cfg.Window)
	sa, err := m.store.Range(ctx, a, from, now)
	if err != nil {
		return Correlation{}, err
	}
	sb, err := m.store.Range(ctx, b, from, now)
	if err != nil {
		return Correlation{}, err
	}
	return Correlate(a, b, sa, sb, from, now, m.cfg.BucketWidth, m.cfg.MinBuckets), nil
}

// Matrix correlates every configured pair
func (m *Monitor) Matrix(ctx context.Context, now time.Time) ([]Correlation, error) {
	out := make([]Correlation, 0, len(m.cfg.Pairs))
	for _, p := range m.cfg.Pairs {
		c, err := m.Correlate(ctx, p[0], p[1], now)
		if err != nil {
			return nil, fmt.Errorf("failed to correlate %s and %s: %w", p[0], p[1], err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Tick closes the window ending at now
func (m *Monitor) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	m.mu.Lock()

	var prev *Window
	start := now.Add(-m.cfg.BucketWidth)
	from := start
	if n := len(m.windows); n > 0 {
		prev = &m.windows[n-1]
		start = prev.End
		from = start.Add(time.Nanosecond)
	}
	if !now.After(start) {
		m.mu.Unlock()
		return nil, fmt.Errorf("tick at %s does not advance past %s", now.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	report, err := m.buildWindow(ctx, prev, start, from, now)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.windows = append(m.windows, report.Window)
	if len(m.windows) > m.cfg.MaxWindows {
		m.windows = append([]Window(nil), m.windows[len(m.windows)-m.cfg.MaxWindows:]...)
	}

	report.Kill = EvaluateKillCriteria(m.windows, m.cfg.Kill)
	before := m.kill.Active()
	for _, c := range []Criterion{CriterionZeroGrowth, CriterionFallingEfficacy, CriterionSingleHealthy, CriterionWeakCoupling} {
		if report.Kill.Active()[c] && !before[c] {
			report.Fired = append(report.Fired, c)
		}
	}
	m.kill = report.Kill
	report.Escalation = m.ladder.step(report.Window.Improved)
	m.mu.Unlock()

	for _, c := range report.Fired {
		m.events.Emit(ctx, events.Event{
			Kind:      events.KillSignal,
			Component: ComponentOrchestrator,
			Reason:    string(c),
			Attrs:     map[string]any{"criterion": string(c), "hard": c.IsHard(), "window": report.Window.Index},
		})
	}
	if esc := report.Escalation; esc != nil {
		m.events.Emit(ctx, events.Event{
			Kind:      events.Escalation,
			Component: ComponentOrchestrator,
			Reason:    string(esc.Strategy),
			Attrs:     map[string]any{"level": esc.Level, "strategy": string(esc.Strategy), "bandit": esc.Bandit},
		})
	}

	m.logger.Info("Monitor tick",
		"window", report.Window.Index,
		"capability", report.Window.Capability,
		"growth", report.Window.Growth,
		"improved", report.Window.Improved,
		"healthy", report.Window.HealthyCount(),
		"hard_kill", report.Kill.Hard,
		"soft_kill", report.Kill.Soft)
	return report, nil
}

func (m *Monitor) buildWindow(ctx context.Context, prev *Window, start, from, now time.Time) (*TickReport, error) {
	w := Window{Index: 1, Start: start, End: now, Healthy: make(map[string]bool)}
	if prev != nil {
		w.Index = prev.Index + 1
	}

	capSamples, err := m.store.Range(ctx, MetricCapability, from, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability: %w", err)
	}
	switch {
	case len(capSamples) > 0:
		w.Capability = capSamples[len(capSamples)-1].Value
	case prev != nil:
		w.Capability = prev.Capability
	}
	switch {
	case prev != nil:
		w.Growth = w.Capability - prev.Capability
	case len(capSamples) > 0:
		w.Growth = w.Capability - capSamples[0].Value
	}

	calls, err := m.store.Range(ctx, MetricOracleCalls, from, now)
	if err != nil {
		return nil, fmt.Errorf("failed to read oracle calls: %w", err)
	}
	for _, s := range calls {
		w.OracleCalls += s.Value
	}
	w.Efficiency = w.Growth / math.Max(w.OracleCalls, 1)

	lookback := now.Add(-m.cfg.Window)
	for _, rule := range m.cfg.Health {
		samples, err := m.store.Range(ctx, rule.Ref, lookback, now)
		if err != nil {
			return nil, fmt.Errorf("failed to read health metric %s: %w", rule.Ref, err)
		}
		ok := len(samples) > 0 && samples[len(samples)-1].Value >= rule.Floor
		if prevOK, seen := w.Healthy[rule.Ref.Component]; seen {
			ok = ok && prevOK
		}
		w.Healthy[rule.Ref.Component] = ok
	}

	corr, err := m.Matrix(ctx, now)
	if err != nil {
		return nil, err
	}
	var sum float64
	var n int
	for _, c := range corr {
		if !c.LowConfidence {
			sum += math.Abs(c.Value)
			n++
		}
	}
	if n > 0 {
		w.MeanCorrelation = sum / float64(n)
	}

	w.Improved = w.Growth > m.cfg.MinImprovement
	if prev != nil && len(capSamples) >= 2 {
		prevSamples, err := m.store.Range(ctx, MetricCapability, prev.Start, prev.End)
		if err != nil {
			return nil, fmt.Errorf("failed to read previous capability: %w", err)
		}
		if len(prevSamples) >= 2 {
			cur, old := values(capSamples), values(prevSamples)
			if _, p, err := stats.Welch(cur, old); err == nil {
				w.Improved = p < m.cfg.SignificanceLevel && stats.Mean(cur) > stats.Mean(old)
			}
		}
	}

	return &TickReport{Window: w, Correlations: corr}, nil
}

func values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// Windows returns a copy of the retained windows, oldest first
func (m *Monitor) Windows() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Window(nil), m.windows...)
}

// Kill returns the most recent kill evaluation
func (m *Monitor) Kill() KillStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kill
}

// HealthRules returns the configured health rules
func (m *Monitor) HealthRules() []HealthRule {
	return append([]HealthRule(nil), m.cfg.Health...)
}

// ExportState returns the persisted monitor state
func (m *Monitor) ExportState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Windows: append([]Window(nil), m.windows...),
		Kill:    m.kill,
		Ladder:  m.ladder.export(),
	}
}

// ImportState replaces the monitor state
func (m *Monitor) ImportState(s State) error {
	for i := 1; i < len(s.Windows); i++ {
		if s.Windows[i].Index <= s.Windows[i-1].Index {
			return fmt.Errorf("monitor windows out of order at %d", i)
		}
	}
	l := newLadder(m.cfg.BanditMinTrials)
	if err := l.restore(s.Ladder); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append([]Window(nil), s.Windows...)
	m.kill = s.Kill
	m.ladder = l
	return nil
}
