package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/pkg/llm"
)

const component = "patterns"

// Config holds the library's tunables
type Config struct {
	NoveltySimilarity  float64 // reject when max similarity reaches this
	ExceptionalSuccess float64 // admit regardless of redundancy above this
	SmallLibraryFloor  int     // always admit below this many active patterns

	InitialThreshold float64
	MinThreshold     float64
	MaxThreshold     float64
	ThresholdStep    float64
	AdjustEvery      int
	AboveTarget      float64 // raise when success above threshold falls short of this
	BelowCeiling     float64 // lower when success below threshold exceeds this

	LiftDomains int

	DiversityFloor   float64
	ClusterEpsilon   float64 // DBSCAN neighbourhood radius in cosine distance
	ClusterMinPoints int
	ClusterMaxSize   int
	ClusterKeep      int

	HistoryLimit      int
	ImproveCandidates int
	Model             string
}

// DefaultConfig returns the library defaults
func DefaultConfig() Config {
	return Config{
		NoveltySimilarity:  0.8,
		ExceptionalSuccess: 0.9,
		SmallLibraryFloor:  100,
		InitialThreshold:   0.5,
		MinThreshold:       0.3,
		MaxThreshold:       0.9,
		ThresholdStep:      0.05,
		AdjustEvery:        50,
		AboveTarget:        0.6,
		BelowCeiling:       0.5,
		LiftDomains:        3,
		DiversityFloor:     0.3,
		ClusterEpsilon:     0.2,
		ClusterMinPoints:   2,
		ClusterMaxSize:     5,
		ClusterKeep:        3,
		HistoryLimit:       64,
		ImproveCandidates:  3,
	}
}

// Embedder produces context vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the library's collaborators. Oracle, Guard and Events may be nil.
type Deps struct {
	Store    graph.Store
	Embedder Embedder
	Oracle   llm.Client
	Guard    *resilience.Guard
	Events   *events.Emitter
	Logger   *slog.Logger
}

// ThresholdSample is one application logged for threshold adaptation
type ThresholdSample struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Success   bool    `json:"success"`
}

// State is the library state not held in the graph
type State struct {
	Threshold float64           `json:"threshold"`
	Pending   []ThresholdSample `json:"pending,omitempty"`
}

// Library is the pattern library
type Library struct {
	cfg    Config
	store  graph.Store
	embed  Embedder
	oracle llm.Client
	guard  *resilience.Guard
	events *events.Emitter
	logger *slog.Logger
	now    func() time.Time

	addMu sync.Mutex // serializes admission decisions

	safety SafetyChecker

	mu        sync.RWMutex
	patterns  map[string]*Pattern
	threshold float64
	samples   []ThresholdSample
}

// NewLibrary creates an empty library over deps.Store
func NewLibrary(cfg Config, deps Deps) *Library {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		cfg:       cfg,
		store:     deps.Store,
		embed:     deps.Embedder,
		oracle:    deps.Oracle,
		guard:     deps.Guard,
		events:    deps.Events,
		logger:    logger,
		now:       time.Now,
		patterns:  make(map[string]*Pattern),
		threshold: cfg.InitialThreshold,
	}
}

// Load rebuilds the index from the graph store
func (l *Library) Load(ctx context.Context) error {
	nodes, err := l.store.List(ctx, graph.KindPattern)
	if err != nil {
		return fmt.Errorf("failed to list pattern nodes: %w", err)
	}

	index := make(map[string]*Pattern, len(nodes))
	for _, n := range nodes {
		p, err := fromNode(n)
		if err != nil {
			return err
		}
		index[p.ID] = p
	}

	l.mu.Lock()
	l.patterns = index
	l.mu.Unlock()

	l.logger.Info("Pattern library loaded", "patterns", len(index))
	return nil
}

// Add admits p when the library is small, p is novel or p is exceptional.
// Rejection and deferral are results, not errors.
func (l *Library) Add(ctx context.Context, p *Pattern) (AddResult, *Pattern, error) {
	p = p.Clone()
	if p.ApplicationCount == 0 && p.SuccessRate == 0 {
		p.SuccessRate = 0.5
	}
	if p.Prior == 0 {
		p.Prior = p.SuccessRate
	}
	sort.Strings(p.TransferDomains)
	if err := p.Validate(); err != nil {
		return Rejected, nil, err
	}

	if len(p.ContextVector) == 0 {
		text := p.Context
		if text == "" {
			text = p.SolutionTemplate
		}
		vec, err := l.embed.Embed(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return Deferred, nil, ctx.Err()
			}
			l.events.Emit(ctx, events.Event{
				Kind:      events.EmbeddingDeferred,
				Component: component,
				Reason:    err.Error(),
				Attrs:     map[string]any{"context": text},
			})
			return Deferred, nil, nil
		}
		p.ContextVector = vec
	}

	l.addMu.Lock()
	defer l.addMu.Unlock()

	if ok, reason := l.admit(p); !ok {
		l.events.Emit(ctx, events.Event{
			Kind:      events.PatternRejected,
			Component: component,
			Reason:    reason,
			Attrs:     map[string]any{"solution": p.SolutionTemplate},
		})
		return Rejected, nil, nil
	}

	stored, err := l.insert(ctx, p)
	if err != nil {
		return Rejected, nil, err
	}
	l.logger.Info("Pattern added",
		"id", stored.ID,
		"level", stored.AbstractionLevel,
		"success_rate", stored.SuccessRate)
	return Accepted, stored.Clone(), nil
}

func (l *Library) admit(p *Pattern) (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	active := 0
	maxSim := -1.0
	for _, existing := range l.patterns {
		if existing.Archived {
			continue
		}
		active++
		if sim := embedding.Cosine(p.ContextVector, existing.ContextVector); sim > maxSim {
			maxSim = sim
		}
	}

	switch {
	case active < l.cfg.SmallLibraryFloor:
		return true, ""
	case p.SuccessRate > l.cfg.ExceptionalSuccess:
		return true, ""
	case maxSim < l.cfg.NoveltySimilarity:
		return true, ""
	}
	return false, fmt.Sprintf("max similarity %.3f to existing patterns is not novel", maxSim)
}

// insert writes p to the store without an admission check
func (l *Library) insert(ctx context.Context, p *Pattern) (*Pattern, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now().UTC().Truncate(time.Microsecond)
	}
	p.UpdatedAt = p.CreatedAt

	node, err := p.toNode()
	if err != nil {
		return nil, err
	}
	stored, _, err := l.store.Insert(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to store pattern: %w", err)
	}
	out, err := fromNode(stored)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.patterns[out.ID] = out
	l.mu.Unlock()
	return out, nil
}

// Get returns a copy of the pattern with id
func (l *Library) Get(id string) (*Pattern, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.patterns[id]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", id, faults.ErrNotFound)
	}
	return p.Clone(), nil
}

// List returns every pattern sorted by id, archived ones included
func (l *Library) List() []*Pattern {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Pattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of patterns eligible for retrieval
func (l *Library) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, p := range l.patterns {
		if !p.Archived {
			n++
		}
	}
	return n
}

// FindMatching ranks active patterns by the combined score and returns those strictly above threshold
func (l *Library) FindMatching(ctx context.Context, vec []float32, threshold float64) ([]Match, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}

	l.mu.RLock()
	var matches []Match
	for _, p := range l.patterns {
		if p.Archived || len(p.ContextVector) != len(vec) {
			continue
		}
		m := score(p, vec)
		if !faults.Finite(m.Score) {
			l.events.Emit(ctx, events.Event{
				Kind:      events.NumericAnomaly,
				Component: component,
				Reason:    "non-finite match score",
				Attrs:     map[string]any{"pattern_id": p.ID},
			})
			continue
		}
		if m.Score > threshold {
			m.Pattern = p.Clone()
			matches = append(matches, m)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Pattern.ID < matches[j].Pattern.ID
	})
	return matches, nil
}

// Match is FindMatching at the current adaptive threshold
func (l *Library) Match(ctx context.Context, vec []float32) ([]Match, error) {
	return l.FindMatching(ctx, vec, l.Threshold())
}

// score computes 0.5*cos + 0.3*historical success + 0.2*transfer bonus
func score(p *Pattern, vec []float32) Match {
	sim := embedding.Cosine(vec, p.ContextVector)
	hist := historicalSuccess(p, vec)
	bonus := transferBonus(p)
	return Match{
		Score:             0.5*sim + 0.3*hist + 0.2*bonus,
		Similarity:        sim,
		HistoricalSuccess: hist,
		TransferBonus:     bonus,
	}
}

// historicalSuccess is the similarity-weighted success of past applications
// in contexts similar to vec, falling back to the overall success rate
func historicalSuccess(p *Pattern, vec []float32) float64 {
	var weighted, total float64
	for _, o := range p.History {
		w := embedding.Cosine(vec, o.Context)
		if w <= 0 {
			continue
		}
		total += w
		if o.Success {
			weighted += w
		}
	}
	if total == 0 {
		return p.SuccessRate
	}
	return weighted / total
}

// Record reinforces or penalizes a pattern after it was applied
func (l *Library) Record(ctx context.Context, id string, app Application) (*Pattern, error) {
	current, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if current.Archived {
		return nil, fmt.Errorf("pattern %s is archived", id)
	}

	vec := app.Context
	if len(vec) == 0 {
		vec = current.ContextVector
	}
	sample := ThresholdSample{
		Score:     score(current, vec).Score,
		Threshold: l.Threshold(),
		Success:   app.Success,
	}

	outcome := Outcome{
		Context: append([]float32(nil), vec...),
		Domain:  app.Domain,
		Success: app.Success,
		At:      l.now().UTC(),
	}
	updated, err := l.update(ctx, id, func(p *Pattern) error {
		p.reinforce(outcome, l.cfg.HistoryLimit)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if app.ExperienceID != "" {
		if err := l.store.AddEdge(ctx, &graph.Edge{
			From:     id,
			To:       app.ExperienceID,
			Relation: graph.RelAppliedTo,
			Strength: updated.SuccessRate,
		}); err != nil {
			l.logger.Warn("Failed to link pattern application", "pattern_id", id, "experience_id", app.ExperienceID, "error", err)
		}
	}

	l.logSample(ctx, sample)

	if app.Success && l.liftable(updated) {
		if _, err := l.Lift(ctx, id); err != nil {
			l.logger.Warn("Abstraction lifting failed", "pattern_id", id, "error", err)
		}
	}
	return updated, nil
}

// update applies fn to the stored pattern under the store's optimistic write
func (l *Library) update(ctx context.Context, id string, fn func(p *Pattern) error) (*Pattern, error) {
	var result *Pattern
	_, err := l.store.Update(ctx, id, func(n *graph.Node) error {
		p, err := fromNode(n)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		result = p
		return p.apply(n)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update pattern %s: %w", id, err)
	}

	l.mu.Lock()
	l.patterns[id] = result
	l.mu.Unlock()
	return result.Clone(), nil
}

// Threshold returns the current adaptive threshold
func (l *Library) Threshold() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

// Nudge moves the threshold by delta, clamped to its bounds
func (l *Library) Nudge(ctx context.Context, delta float64) float64 {
	l.mu.Lock()
	old := l.threshold
	l.threshold, _ = faults.Clamp(l.threshold+delta, l.cfg.MinThreshold, l.cfg.MaxThreshold)
	current := l.threshold
	l.mu.Unlock()

	if current != old {
		l.emitThreshold(ctx, old, current, "nudged")
	}
	return current
}

func (l *Library) logSample(ctx context.Context, s ThresholdSample) {
	l.mu.Lock()
	l.samples = append(l.samples, s)
	if l.cfg.AdjustEvery <= 0 || len(l.samples) < l.cfg.AdjustEvery {
		l.mu.Unlock()
		return
	}
	old := l.threshold
	l.threshold = adjustThreshold(l.threshold, l.samples, l.cfg)
	l.samples = nil
	current := l.threshold
	l.mu.Unlock()

	if current != old {
		l.emitThreshold(ctx, old, current, "adaptive")
	}
}

// adjustThreshold raises the threshold when matches above it underperform
// and lowers it when matches below it do well. Empty buckets are skipped.
func adjustThreshold(threshold float64, samples []ThresholdSample, cfg Config) float64 {
	var above, aboveOK, below, belowOK int
	for _, s := range samples {
		if s.Score > s.Threshold {
			above++
			if s.Success {
				aboveOK++
			}
		} else {
			below++
			if s.Success {
				belowOK++
			}
		}
	}

	if above > 0 && float64(aboveOK)/float64(above) < cfg.AboveTarget {
		threshold += cfg.ThresholdStep
	}
	if below > 0 && float64(belowOK)/float64(below) > cfg.BelowCeiling {
		threshold -= cfg.ThresholdStep
	}
	threshold, _ = faults.Clamp(threshold, cfg.MinThreshold, cfg.MaxThreshold)
	return threshold
}

func (l *Library) emitThreshold(ctx context.Context, old, current float64, reason string) {
	l.events.Emit(ctx, events.Event{
		Kind:      events.ThresholdAdjusted,
		Component: component,
		Reason:    reason,
		Attrs:     map[string]any{"from": old, "to": current},
	})
}

// ExportState returns the threshold state for a checkpoint
func (l *Library) ExportState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return State{
		Threshold: l.threshold,
		Pending:   append([]ThresholdSample(nil), l.samples...),
	}
}

// ImportState restores threshold state from a checkpoint
func (l *Library) ImportState(s State) error {
	threshold, anomalous := faults.Clamp(s.Threshold, l.cfg.MinThreshold, l.cfg.MaxThreshold)
	if anomalous {
		return fmt.Errorf("%w: threshold %v outside bounds", faults.ErrNumericAnomaly, s.Threshold)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = threshold
	l.samples = append([]ThresholdSample(nil), s.Pending...)
	return nil
}

// Hash returns the sha256 of every pattern and the threshold state
func (l *Library) Hash() (string, error) {
	body := struct {
		Patterns []*Pattern `json:"patterns"`
		State    State      `json:"state"`
	}{l.List(), l.ExportState()}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pattern library: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SuccessRate returns the mean success rate of active patterns that have been applied
func (l *Library) SuccessRate() (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var sum float64
	n := 0
	for _, p := range l.patterns {
		if p.Archived || p.ApplicationCount == 0 {
			continue
		}
		sum += p.SuccessRate
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

var errAlreadyLifted = errors.New("pattern already has a lifted child")
