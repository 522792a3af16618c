// Package reasoner answers queries from the associative graph before falling
// back to the oracle, and keeps belief confidences mutually consistent.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/pkg/llm"
)

const component = "reasoner"

// Experience types recorded by the reasoner
const (
	TypeQuery  = "query"
	TypeAnswer = "answer"
)

// NoAnswerText is the text of a degraded answer when memory holds no match
const NoAnswerText = "No answer available: the oracle is unreachable and no recorded experience matches."

// State is a step of the per-query state machine
type State string

const (
	StateActivated          State = "activated"
	StateMatched            State = "matched"
	StateAnsweredFromMemory State = "answered_from_memory"
	StateOracleFallback     State = "oracle_fallback"
	StateRecorded           State = "recorded"
)

// Config holds the reasoner's tunables
type Config struct {
	Decay               float64
	MaxDepth            int
	ActivationThreshold float64
	SeedSimilarity      float64
	SeedLimit           int
	AnswerConfidence    float64
	DegradedConfidence  float64
	InitialStrength     float64 // strength of edges recorded for a new exchange
	InitialBelief       float64 // confidence of the validity belief of a new exchange
	PromptPatterns      int
	PromptExperiences   int
	Model               string
	SystemPrompt        string

	ConfidentThreshold float64
	LowConfidence      float64
	StrongEvidence     float64
	MaxIterations      int
	Tolerance          float64
	DefaultImportance  float64
}

// DefaultConfig returns the reasoner defaults
func DefaultConfig() Config {
	return Config{
		Decay:               0.7,
		MaxDepth:            5,
		ActivationThreshold: 0.1,
		SeedSimilarity:      0.75,
		SeedLimit:           8,
		AnswerConfidence:    0.7,
		DegradedConfidence:  0.3,
		InitialStrength:     0.9,
		InitialBelief:       0.9,
		PromptPatterns:      3,
		PromptExperiences:   3,
		SystemPrompt:        "You answer engineering questions concisely. Use the supplied patterns and experiences when they apply.",
		ConfidentThreshold:  0.6,
		LowConfidence:       0.3,
		StrongEvidence:      0.5,
		MaxIterations:       100,
		Tolerance:           1e-4,
		DefaultImportance:   0.5,
	}
}

// Embedder produces query vectors
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Exchange is a recorded query/answer pair offered to the pattern library
type Exchange struct {
	Query       string
	Answer      string
	QueryVector []float32
	QueryID     string
	AnswerID    string
}

// ExchangeSink receives successful oracle exchanges
type ExchangeSink interface {
	Offer(ctx context.Context, ex Exchange)
}

// Answer is the result of Reason
type Answer struct {
	Query        string   `json:"query"`
	Text         string   `json:"text"`
	Confidence   float64  `json:"confidence"`
	FromMemory   bool     `json:"from_memory"`
	OracleCalled bool     `json:"oracle_called"`
	Degraded     bool     `json:"degraded"`
	Path         []State  `json:"path"`
	Sources      []string `json:"sources,omitempty"`
}

// Stats counts query outcomes
type Stats struct {
	Queries       int64 `json:"queries"`
	MemoryAnswers int64 `json:"memory_answers"`
	OracleCalls   int64 `json:"oracle_calls"`
	Degraded      int64 `json:"degraded"`
}

// MemoryHitRate is the fraction of queries answered from memory
func (s Stats) MemoryHitRate() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.MemoryAnswers) / float64(s.Queries)
}

// Deps are the reasoner's collaborators. Guard, Events and Sink may be nil.
type Deps struct {
	Store    graph.Store
	Embedder Embedder
	Oracle   llm.Client
	Guard    *resilience.Guard
	Events   *events.Emitter
	Sink     ExchangeSink
	Logger   *slog.Logger
}

// Reasoner is the associative reasoner
type Reasoner struct {
	cfg    Config
	store  graph.Store
	embed  Embedder
	oracle llm.Client
	guard  *resilience.Guard
	events *events.Emitter
	sink   ExchangeSink
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a reasoner
func New(cfg Config, deps Deps) *Reasoner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reasoner{
		cfg:    cfg,
		store:  deps.Store,
		embed:  deps.Embedder,
		oracle: deps.Oracle,
		guard:  deps.Guard,
		events: deps.Events,
		sink:   deps.Sink,
		logger: logger,
	}
}

// SetSink installs the exchange sink
func (r *Reasoner) SetSink(s ExchangeSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Stats returns a copy of the query counters
func (r *Reasoner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Load resets the query counters after the graph was replaced
func (r *Reasoner) Load(ctx context.Context) error {
	nodes, err := r.store.List(ctx, graph.KindExperience)
	if err != nil {
		return fmt.Errorf("failed to list experiences: %w", err)
	}
	queries := 0
	for _, n := range nodes {
		if n.Attrs["type"] == TypeQuery {
			queries++
		}
	}
	r.mu.Lock()
	r.stats = Stats{}
	r.mu.Unlock()
	r.logger.Info("Reasoner loaded", "experiences", len(nodes), "recorded_queries", queries)
	return nil
}

// candidate is one matched context -> action -> success shape
type candidate struct {
	contextID  string
	answer     *graph.Node
	belief     *graph.Node
	confidence float64
}

// Reason answers query from memory when a confident match exists and from
// the oracle otherwise. Oracle failure degrades to a low-confidence memory answer.
func (r *Reasoner) Reason(ctx context.Context, query string) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}
	r.count(func(s *Stats) { s.Queries++ })

	vec, err := r.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	ans := &Answer{Query: query}

	seeds, err := r.seeds(ctx, vec)
	if err != nil {
		return nil, err
	}
	act, err := r.Spread(ctx, seeds)
	if err != nil {
		return nil, err
	}
	ans.Path = append(ans.Path, StateActivated)

	best, err := r.match(ctx, vec, act)
	if err != nil {
		return nil, err
	}
	ans.Path = append(ans.Path, StateMatched)

	if best != nil && best.confidence >= r.cfg.AnswerConfidence {
		ans.Text = best.answer.Content
		ans.Confidence = best.confidence
		ans.FromMemory = true
		ans.Sources = []string{best.contextID, best.answer.ID}
		ans.Path = append(ans.Path, StateAnsweredFromMemory)
		r.count(func(s *Stats) { s.MemoryAnswers++ })
		r.logger.Debug("Answered from memory", "confidence", best.confidence, "answer_id", best.answer.ID)
		return ans, nil
	}

	ans.Path = append(ans.Path, StateOracleFallback)
	ans.OracleCalled = true
	r.count(func(s *Stats) { s.OracleCalls++ })

	text, err := r.ask(ctx, query, act)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.degrade(ctx, ans, best, err), nil
	}

	ans.Text = text
	if best != nil {
		ans.Confidence = best.confidence
	}

	ex, err := r.recordExchange(ctx, query, vec, text)
	if err != nil {
		return nil, err
	}
	ans.Sources = []string{ex.QueryID, ex.AnswerID}
	ans.Path = append(ans.Path, StateRecorded)

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink.Offer(ctx, *ex)
	}
	return ans, nil
}

func (r *Reasoner) count(fn func(s *Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

func (r *Reasoner) degrade(ctx context.Context, ans *Answer, best *candidate, cause error) *Answer {
	ans.Degraded = true
	ans.Text = NoAnswerText
	if best != nil {
		ans.Text = best.answer.Content
		ans.Confidence = min(best.confidence, r.cfg.DegradedConfidence)
		ans.Sources = []string{best.contextID, best.answer.ID}
	}
	r.count(func(s *Stats) { s.Degraded++ })
	r.events.Emit(ctx, events.Event{
		Kind:      events.OracleDegraded,
		Component: component,
		Reason:    cause.Error(),
		Attrs:     map[string]any{"query": ans.Query, "confidence": ans.Confidence},
	})
	return ans
}

// seeds returns nodes similar enough to the query to start activation
func (r *Reasoner) seeds(ctx context.Context, vec []float32) ([]string, error) {
	similar, err := r.store.Similar(ctx, "", vec, r.cfg.SeedLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to find seed nodes: %w", err)
	}
	var ids []string
	for _, s := range similar {
		if s.Similarity >= r.cfg.SeedSimilarity {
			ids = append(ids, s.Node.ID)
		}
	}
	return ids, nil
}

// match finds the most confident context -> action -> success shape among activated query experiences
func (r *Reasoner) match(ctx context.Context, vec []float32, act Activation) (*candidate, error) {
	var best *candidate
	for _, id := range act.Top(0) {
		node, err := r.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if node.Kind != graph.KindExperience || node.Attrs["type"] != TypeQuery {
			continue
		}
		sim := embedding.Cosine(vec, node.Vector)
		if sim <= 0 {
			continue
		}

		out, err := r.store.Edges(ctx, node.ID, graph.Outgoing)
		if err != nil {
			return nil, err
		}
		for _, ctxEdge := range out {
			if ctxEdge.Relation != graph.RelContext {
				continue
			}
			c, err := r.shape(ctx, node.ID, ctxEdge, sim)
			if err != nil {
				return nil, err
			}
			if c == nil {
				continue
			}
			if best == nil || c.confidence > best.confidence ||
				(c.confidence == best.confidence && c.answer.ID < best.answer.ID) {
				best = c
			}
		}
	}
	return best, nil
}

func (r *Reasoner) shape(ctx context.Context, contextID string, ctxEdge *graph.Edge, sim float64) (*candidate, error) {
	answer, err := r.store.Get(ctx, ctxEdge.To)
	if err != nil {
		return nil, err
	}
	out, err := r.store.Edges(ctx, answer.ID, graph.Outgoing)
	if err != nil {
		return nil, err
	}

	var best *candidate
	for _, e := range out {
		if e.Relation != graph.RelSuccess {
			continue
		}
		belief, err := r.store.Get(ctx, e.To)
		if err != nil {
			return nil, err
		}
		if belief.Kind != graph.KindBelief {
			continue
		}
		strength := (ctxEdge.Strength + e.Strength*belief.Confidence) / 2
		if !faults.Finite(sim * strength) {
			continue
		}
		conf, _ := faults.Clamp01(sim * strength)
		if best == nil || conf > best.confidence {
			best = &candidate{contextID: contextID, answer: answer, belief: belief, confidence: conf}
		}
	}
	return best, nil
}

// ask calls the oracle with a prompt augmented by the most activated memory
func (r *Reasoner) ask(ctx context.Context, query string, act Activation) (string, error) {
	if r.oracle == nil {
		return "", fmt.Errorf("%w: no oracle configured", faults.ErrOracleUnavailable)
	}
	prompt, err := r.prompt(ctx, query, act)
	if err != nil {
		return "", err
	}

	var text string
	call := func(ctx context.Context) error {
		resp, err := r.oracle.Generate(ctx, llm.TextRequest(r.cfg.Model, r.cfg.SystemPrompt, prompt))
		if err != nil {
			return fmt.Errorf("%w: %w", faults.ErrOracleUnavailable, err)
		}
		text = strings.TrimSpace(resp.Response)
		if text == "" {
			return fmt.Errorf("%w: empty response", faults.ErrOracleUnavailable)
		}
		return nil
	}

	if r.guard != nil {
		err = r.guard.Call(ctx, resilience.DependencyOracle, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (r *Reasoner) prompt(ctx context.Context, query string, act Activation) (string, error) {
	var patterns, experiences []string
	for _, id := range act.Top(0) {
		if len(patterns) >= r.cfg.PromptPatterns && len(experiences) >= r.cfg.PromptExperiences {
			break
		}
		n, err := r.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				continue
			}
			return "", err
		}
		switch {
		case n.Kind == graph.KindPattern && n.Attrs["archived"] != "true" && len(patterns) < r.cfg.PromptPatterns:
			patterns = append(patterns, n.Content)
		case n.Kind == graph.KindExperience && n.Attrs["type"] == TypeAnswer && len(experiences) < r.cfg.PromptExperiences:
			experiences = append(experiences, n.Content)
		}
	}

	var b strings.Builder
	if len(patterns) > 0 {
		b.WriteString("Relevant solution patterns:\n")
		for _, p := range patterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}
	if len(experiences) > 0 {
		b.WriteString("Related past answers:\n")
		for _, e := range experiences {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Question: %s\n", query)
	return b.String(), nil
}

// recordExchange stores query, answer, validity belief and their edges
func (r *Reasoner) recordExchange(ctx context.Context, query string, vec []float32, text string) (*Exchange, error) {
	q, err := r.insertExperience(ctx, query, TypeQuery, vec, r.cfg.DefaultImportance, nil)
	if err != nil {
		return nil, err
	}

	answerVec, err := r.embed.Embed(ctx, text)
	if err != nil {
		r.logger.Warn("Failed to embed answer, storing without vector", "error", err)
		answerVec = nil
	}
	a, err := r.insertExperience(ctx, text, TypeAnswer, answerVec, r.cfg.DefaultImportance, nil)
	if err != nil {
		return nil, err
	}

	belief, _, err := r.store.Insert(ctx, &graph.Node{
		Kind:       graph.KindBelief,
		Content:    fmt.Sprintf("answer %s resolves query %s", a.ContentHash[:12], q.ContentHash[:12]),
		Confidence: r.cfg.InitialBelief,
		Importance: r.cfg.DefaultImportance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record validity belief: %w", err)
	}

	for _, e := range []*graph.Edge{
		{From: q.ID, To: a.ID, Relation: graph.RelContext, Strength: r.cfg.InitialStrength},
		{From: a.ID, To: belief.ID, Relation: graph.RelSuccess, Strength: r.cfg.InitialStrength},
	} {
		if err := r.store.AddEdge(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to link exchange: %w", err)
		}
	}

	r.logger.Debug("Recorded exchange", "query_id", q.ID, "answer_id", a.ID, "belief_id", belief.ID)
	return &Exchange{Query: query, Answer: text, QueryVector: vec, QueryID: q.ID, AnswerID: a.ID}, nil
}

// ExperienceHash is the idempotency key of an experience of the given type
func ExperienceHash(kind, content string) string {
	return graph.ContentHash(graph.KindExperience, kind+"\x00"+content)
}

func (r *Reasoner) insertExperience(ctx context.Context, content, kind string, vec []float32, importance float64, attrs map[string]string) (*graph.Node, error) {
	all := map[string]string{"type": kind}
	for k, v := range attrs {
		if k != "type" {
			all[k] = v
		}
	}
	n, _, err := r.store.Insert(ctx, &graph.Node{
		Kind:        graph.KindExperience,
		Content:     content,
		ContentHash: ExperienceHash(kind, content),
		Vector:      vec,
		Importance:  importance,
		Attrs:       all,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record %s experience: %w", kind, err)
	}
	return n, nil
}

// RecordExperience appends an experience. Recording identical content of the
// same kind again returns the existing id. A metadata "importance" entry in
// [0,1] sets the evidence weight used by the energy pass.
func (r *Reasoner) RecordExperience(ctx context.Context, content, kind string, metadata map[string]string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("experience content is empty")
	}
	if kind == "" {
		kind = "observation"
	}

	importance := r.cfg.DefaultImportance
	if raw, ok := metadata["importance"]; ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("invalid importance %q: %w", raw, err)
		}
		if err := faults.CheckUnit("importance", v); err != nil {
			return "", err
		}
		importance = v
	}

	if existing, err := r.store.FindByHash(ctx, graph.KindExperience, ExperienceHash(kind, content)); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, faults.ErrNotFound) {
		return "", err
	}

	vec, err := r.embed.Embed(ctx, content)
	if err != nil {
		r.logger.Warn("Failed to embed experience, storing without vector", "error", err)
		vec = nil
	}
	n, err := r.insertExperience(ctx, content, kind, vec, importance, metadata)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// AddBelief inserts a belief with an initial confidence. Identical content returns the existing id.
func (r *Reasoner) AddBelief(ctx context.Context, content string, confidence float64) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("belief content is empty")
	}
	if err := faults.CheckUnit("confidence", confidence); err != nil {
		return "", err
	}
	vec, err := r.embed.Embed(ctx, content)
	if err != nil {
		r.logger.Warn("Failed to embed belief, storing without vector", "error", err)
		vec = nil
	}
	n, _, err := r.store.Insert(ctx, &graph.Node{
		Kind:       graph.KindBelief,
		Content:    content,
		Vector:     vec,
		Confidence: confidence,
		Importance: r.cfg.DefaultImportance,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add belief: %w", err)
	}
	return n.ID, nil
}

// AddEvidence links an experience or belief to a belief it supports or contradicts
func (r *Reasoner) AddEvidence(ctx context.Context, fromID, beliefID string, supports bool, strength float64) error {
	target, err := r.store.Get(ctx, beliefID)
	if err != nil {
		return err
	}
	if target.Kind != graph.KindBelief {
		return fmt.Errorf("evidence target %s is a %s, not a belief", beliefID, target.Kind)
	}
	rel := graph.RelContradicts
	if supports {
		rel = graph.RelSupports
	}
	return r.store.AddEdge(ctx, &graph.Edge{From: fromID, To: beliefID, Relation: rel, Strength: strength})
}
