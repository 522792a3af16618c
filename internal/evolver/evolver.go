package evolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
)

const component = "evolver"

// Config holds the evolver's tunables
type Config struct {
	Survivors            int
	Offspring            int
	Repetitions          int
	MinTrials            int
	SignificanceLevel    float64
	MaxStdDev            float64
	Alpha                float64 // specificity pressure in the combined score
	ArchiveAfter         int
	CrossoverRate        float64
	MutationSpread       float64 // fraction of a vocabulary reachable by one mutation
	StuckGenerations     int
	MaxOffspringAttempts int
	Seed                 int64
	Vocabulary           Vocabulary
}

// DefaultConfig returns the evolver defaults
func DefaultConfig() Config {
	return Config{
		Survivors:            5,
		Offspring:            5,
		Repetitions:          5,
		MinTrials:            3,
		SignificanceLevel:    0.05,
		MaxStdDev:            1.0,
		Alpha:                0.3,
		ArchiveAfter:         2,
		CrossoverRate:        0.3,
		MutationSpread:       0.25,
		StuckGenerations:     3,
		MaxOffspringAttempts: 8,
		Seed:                 1,
		Vocabulary:           DefaultVocabulary(),
	}
}

// Deps are the evolver's collaborators. Guard and Events may be nil.
type Deps struct {
	Store    graph.Store
	Measurer Measurer
	Guard    *resilience.Guard
	Events   *events.Emitter
	Logger   *slog.Logger
}

// Generation reports one Evolve call
type Generation struct {
	Number       int      `json:"number"`
	Evaluated    []string `json:"evaluated,omitempty"`
	Inconclusive []string `json:"inconclusive,omitempty"`
	Survivors    []string `json:"survivors"`
	Offspring    []string `json:"offspring"`
	Archived     []string `json:"archived,omitempty"`
	BestID       string   `json:"best_id,omitempty"`
	BestCombined float64  `json:"best_combined"`
}

// State is the evolver state not carried by goal nodes
type State struct {
	Generation  int     `json:"generation"`
	Exploration float64 `json:"exploration"`
}

// Evolver owns the goal population
type Evolver struct {
	cfg      Config
	store    graph.Store
	measurer Measurer
	guard    *resilience.Guard
	events   *events.Emitter
	logger   *slog.Logger
	now      func() time.Time

	writeMu sync.Mutex // serializes population changes

	mu          sync.Mutex
	goals       map[string]*Goal
	generation  int
	exploration float64
	rng         *rand.Rand
	vocab       Vocabulary
}

// New creates an evolver with an empty population
func New(cfg Config, deps Deps) *Evolver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinTrials < 2 {
		cfg.MinTrials = 2
	}
	return &Evolver{
		cfg:      cfg,
		store:    deps.Store,
		measurer: deps.Measurer,
		guard:    deps.Guard,
		events:   deps.Events,
		logger:   logger,
		now:      time.Now,
		goals:    make(map[string]*Goal),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		vocab:    cfg.Vocabulary,
	}
}

// SetMeasurer replaces the fitness measurer
func (e *Evolver) SetMeasurer(m Measurer) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.measurer = m
}

// Load rebuilds the population from goal nodes and reseeds variation
func (e *Evolver) Load(ctx context.Context) error {
	nodes, err := e.store.List(ctx, graph.KindGoal)
	if err != nil {
		return fmt.Errorf("failed to list goal nodes: %w", err)
	}

	goals := make(map[string]*Goal, len(nodes))
	vocab := e.cfg.Vocabulary
	generation := 0
	for _, n := range nodes {
		g, err := goalFromNode(n)
		if err != nil {
			return err
		}
		goals[g.ID] = g
		vocab = vocab.Merge(g.Fields)
		generation = max(generation, g.Generation)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	e.goals = goals
	e.generation = generation
	e.vocab = vocab
	e.rng = rand.New(rand.NewSource(e.cfg.Seed + int64(generation)))
	e.mu.Unlock()

	e.logger.Info("Goal population loaded", "goals", len(goals), "generation", generation)
	return nil
}

// Propose adds a goal with the given fields. Proposing the fields of an
// active goal returns that goal's id.
func (e *Evolver) Propose(ctx context.Context, fields Fields) (string, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	g, err := e.create(ctx, fields, nil, "")
	if err != nil {
		return "", err
	}
	e.logger.Info("Goal proposed", "goal_id", g.ID, "goal", g.Fields.Describe(), "specificity", g.Specificity)
	return g.ID, nil
}

// create inserts a new goal. Callers hold writeMu.
func (e *Evolver) create(ctx context.Context, fields Fields, parents []string, lineage string) (*Goal, error) {
	fields = fields.Normalize()
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	spec, clamped := Specificity(fields)
	if clamped {
		e.events.Emit(ctx, events.Event{
			Kind:      events.NumericAnomaly,
			Component: component,
			Reason:    "specificity out of range",
			Attrs:     map[string]any{"goal": fields.Describe()},
		})
	}

	e.mu.Lock()
	if existing := e.findActive(fields); existing != nil {
		e.mu.Unlock()
		return existing.Clone(), nil
	}
	id, err := uuid.NewRandomFromReader(e.rng)
	generation := e.generation
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to generate goal id: %w", err)
	}

	g := &Goal{
		ID:          id.String(),
		Fields:      fields,
		Specificity: spec,
		Generation:  generation,
		ParentIDs:   parents,
		Lineage:     lineage,
		Status:      StatusActive,
		CreatedAt:   e.now().UTC().Truncate(time.Microsecond),
	}
	if g.Lineage == "" {
		g.Lineage = g.ID
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	node, err := g.toNode()
	if err != nil {
		return nil, err
	}
	if _, _, err := e.store.Insert(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to store goal: %w", err)
	}

	e.mu.Lock()
	e.goals[g.ID] = g
	e.vocab = e.vocab.Merge(fields)
	e.mu.Unlock()
	return g.Clone(), nil
}

// findActive returns the active goal with fields. Callers hold mu.
func (e *Evolver) findActive(fields Fields) *Goal {
	for _, g := range e.goals {
		if g.Status == StatusActive && g.Fields == fields {
			return g
		}
	}
	return nil
}

// Get returns a copy of goal id
func (e *Evolver) Get(id string) (*Goal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, faults.ErrNotFound)
	}
	return g.Clone(), nil
}

// Goals returns every goal ordered by id
func (e *Evolver) Goals() []*Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked(func(*Goal) bool { return true })
}

// Active returns the active goals ordered by id
func (e *Evolver) Active() []*Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked(func(g *Goal) bool { return g.Status == StatusActive })
}

func (e *Evolver) sortedLocked(keep func(*Goal) bool) []*Goal {
	out := make([]*Goal, 0, len(e.goals))
	for _, g := range e.goals {
		if keep(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation returns the current generation number
func (e *Evolver) Generation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Evaluate measures goal id against the control and records its fitness.
// An inconclusive trial leaves the goal queued for re-evaluation.
func (e *Evolver) Evaluate(ctx context.Context, id string) (*Fitness, error) {
	g, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusActive {
		return nil, fmt.Errorf("goal %s is %s", id, g.Status)
	}

	res, err := e.measure(ctx, g)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.applyFitness(ctx, g.ID, res, err); err != nil {
		return nil, err
	}
	return res, nil
}

// applyFitness records a measurement outcome. Callers hold writeMu.
func (e *Evolver) applyFitness(ctx context.Context, id string, res *Fitness, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, faults.ErrInconclusive):
			e.events.Emit(ctx, events.Event{
				Kind:      events.Inconclusive,
				Component: component,
				Reason:    err.Error(),
				Attrs:     map[string]any{"goal_id": id},
			})
		case errors.Is(err, faults.ErrNumericAnomaly):
			e.events.Emit(ctx, events.Event{
				Kind:      events.NumericAnomaly,
				Component: component,
				Reason:    err.Error(),
				Attrs:     map[string]any{"goal_id": id},
			})
		}
		return err
	}

	e.mu.Lock()
	g, ok := e.goals[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("goal %s: %w", id, faults.ErrNotFound)
	}
	g.Fitness = res.Value
	g.PValue = res.PValue
	g.Significant = res.Significant
	g.Evaluated = true
	snapshot := g.Clone()
	e.mu.Unlock()

	e.logger.Debug("Goal evaluated",
		"goal_id", id,
		"fitness", res.Value,
		"p_value", res.PValue,
		"significant", res.Significant)
	return e.save(ctx, snapshot)
}

func (e *Evolver) save(ctx context.Context, g *Goal) error {
	if _, err := e.store.Update(ctx, g.ID, g.apply); err != nil {
		return fmt.Errorf("failed to update goal %s: %w", g.ID, err)
	}
	return nil
}

type outcome struct {
	res *Fitness
	err error
}

// Evolve evaluates pending goals, selects survivors, archives goals that
// missed selection ArchiveAfter times in a row and breeds offspring.
func (e *Evolver) Evolve(ctx context.Context) (*Generation, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	pending := e.pending()
	results, err := e.measureAll(ctx, pending)
	if err != nil {
		return nil, err
	}

	gen := &Generation{}
	for i, g := range pending {
		err := e.applyFitness(ctx, g.ID, results[i].res, results[i].err)
		switch {
		case err == nil:
			gen.Evaluated = append(gen.Evaluated, g.ID)
		case errors.Is(err, faults.ErrInconclusive), errors.Is(err, faults.ErrNumericAnomaly):
			gen.Inconclusive = append(gen.Inconclusive, g.ID)
		default:
			return nil, err
		}
	}

	e.mu.Lock()
	var candidates []*Goal
	for _, g := range e.goals {
		if g.Status == StatusActive && g.Evaluated {
			candidates = append(candidates, g)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	survivors := Select(candidates, e.cfg.Survivors, e.cfg.Alpha)
	selected := make(map[string]bool, len(survivors))
	for _, g := range survivors {
		selected[g.ID] = true
		gen.Survivors = append(gen.Survivors, g.ID)
	}
	if len(survivors) > 0 {
		gen.BestID = survivors[0].ID
		gen.BestCombined = survivors[0].Combined(e.cfg.Alpha)
	}

	changed := make([]*Goal, 0, len(candidates))
	for _, g := range candidates {
		if selected[g.ID] {
			g.Missed = 0
		} else {
			g.Missed++
			if g.Missed >= e.cfg.ArchiveAfter {
				g.Status = StatusArchived
				gen.Archived = append(gen.Archived, g.ID)
			}
		}
		if g.Significant && g.Fitness > 0 {
			g.Stalled = 0
		} else {
			g.Stalled++
		}
		changed = append(changed, g.Clone())
	}

	e.generation++
	gen.Number = e.generation
	plans := e.planOffspring(survivors)
	e.mu.Unlock()

	for _, g := range changed {
		if err := e.save(ctx, g); err != nil {
			return nil, err
		}
	}
	for _, id := range gen.Archived {
		e.events.Emit(ctx, events.Event{
			Kind:      events.GoalArchived,
			Component: component,
			Reason:    fmt.Sprintf("missed selection %d generations in a row", e.cfg.ArchiveAfter),
			Attrs:     map[string]any{"goal_id": id},
		})
	}

	for _, p := range plans {
		child, err := e.create(ctx, p.fields, p.parents, p.lineage)
		if err != nil {
			return nil, fmt.Errorf("failed to add offspring: %w", err)
		}
		gen.Offspring = append(gen.Offspring, child.ID)
	}

	e.logger.Info("Generation evolved",
		"generation", gen.Number,
		"evaluated", len(gen.Evaluated),
		"inconclusive", len(gen.Inconclusive),
		"survivors", len(gen.Survivors),
		"offspring", len(gen.Offspring),
		"archived", len(gen.Archived),
		"best_combined", gen.BestCombined)
	return gen, nil
}

// pending returns active goals awaiting evaluation ordered by id
func (e *Evolver) pending() []*Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked(func(g *Goal) bool { return g.Status == StatusActive && !g.Evaluated })
}

// measureAll measures goals concurrently; results are indexed like goals
func (e *Evolver) measureAll(ctx context.Context, goals []*Goal) ([]outcome, error) {
	results := make([]outcome, len(goals))
	if e.guard == nil {
		for i, g := range goals {
			res, err := e.measure(ctx, g)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			results[i] = outcome{res, err}
		}
		return results, nil
	}

	eg, gctx := e.guard.Group(ctx)
	for i, g := range goals {
		eg.Go(func() error {
			res, err := e.measure(gctx, g)
			results[i] = outcome{res, err}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Select picks up to n goals: the best combined score first, then repeatedly
// the goal farthest from everything already selected. Ties go to the higher
// combined score, then the lower id.
func Select(goals []*Goal, n int, alpha float64) []*Goal {
	if n <= 0 || len(goals) == 0 {
		return nil
	}
	remaining := append([]*Goal(nil), goals...)
	sort.Slice(remaining, func(i, j int) bool {
		ci, cj := remaining[i].Combined(alpha), remaining[j].Combined(alpha)
		if ci != cj {
			return ci > cj
		}
		return remaining[i].ID < remaining[j].ID
	})

	selected := []*Goal{remaining[0]}
	remaining = remaining[1:]
	for len(selected) < n && len(remaining) > 0 {
		best, bestDist := 0, -1.0
		for i, g := range remaining {
			d := math.Inf(1)
			for _, s := range selected {
				d = min(d, Distance(g.Fields, s.Fields))
			}
			if d > bestDist {
				best, bestDist = i, d
			}
		}
		selected = append(selected, remaining[best])
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return selected
}

type offspringPlan struct {
	fields  Fields
	parents []string
	lineage string
}

// planOffspring draws offspring fields from survivors. Callers hold mu.
func (e *Evolver) planOffspring(survivors []*Goal) []offspringPlan {
	if len(survivors) == 0 {
		return nil
	}
	seen := make(map[Fields]bool)
	for _, g := range e.goals {
		if g.Status == StatusActive {
			seen[g.Fields] = true
		}
	}

	var plans []offspringPlan
	for i := 0; i < e.cfg.Offspring; i++ {
		for attempt := 0; attempt < max(1, e.cfg.MaxOffspringAttempts); attempt++ {
			var plan offspringPlan
			if len(survivors) >= 2 && e.rng.Float64() < e.crossoverRate() {
				a := survivors[e.rng.Intn(len(survivors))]
				b := survivors[e.rng.Intn(len(survivors))]
				for b.ID == a.ID {
					b = survivors[e.rng.Intn(len(survivors))]
				}
				plan = e.crossover(a, b)
			} else {
				parent := survivors[e.rng.Intn(len(survivors))]
				plan = offspringPlan{
					fields:  e.mutate(parent.Fields),
					parents: []string{parent.ID},
					lineage: parent.Lineage,
				}
			}
			if seen[plan.fields] {
				continue
			}
			seen[plan.fields] = true
			plans = append(plans, plan)
			break
		}
	}
	return plans
}

func (e *Evolver) crossoverRate() float64 {
	return min(0.9, e.cfg.CrossoverRate+e.exploration/2)
}

// crossover takes each field from either parent; lineage follows the fitter one
func (e *Evolver) crossover(a, b *Goal) offspringPlan {
	var child Fields
	for f := Field(0); f < fieldCount; f++ {
		src := a
		if e.rng.Intn(2) == 1 {
			src = b
		}
		child = child.With(f, src.Fields.Get(f))
	}
	if child == a.Fields || child == b.Fields {
		child = e.mutate(child)
	}

	fitter := a
	if b.Combined(e.cfg.Alpha) > a.Combined(e.cfg.Alpha) ||
		(b.Combined(e.cfg.Alpha) == a.Combined(e.cfg.Alpha) && b.ID < a.ID) {
		fitter = b
	}
	return offspringPlan{fields: child, parents: []string{a.ID, b.ID}, lineage: fitter.Lineage}
}

// mutate changes exactly one field to another vocabulary value
func (e *Evolver) mutate(fs Fields) Fields {
	start := Field(e.rng.Intn(int(fieldCount)))
	for k := Field(0); k < fieldCount; k++ {
		f := (start + k) % fieldCount
		if v, ok := e.pick(f, fs.Get(f)); ok {
			return fs.With(f, v)
		}
	}
	return fs
}

// pick draws a value of field f other than current. Nearby vocabulary
// entries are preferred; exploration widens the reachable range.
func (e *Evolver) pick(f Field, current string) (string, bool) {
	values := e.vocab.Values(f)
	idx := -1
	alternatives := 0
	for i, v := range values {
		if v == current {
			idx = i
		} else {
			alternatives++
		}
	}
	if alternatives == 0 {
		return "", false
	}
	n := len(values)

	if idx < 0 || e.rng.Float64() < e.exploration {
		for {
			if v := values[e.rng.Intn(n)]; v != current {
				return v, true
			}
		}
	}

	spread := max(1, int(math.Ceil(float64(n)*e.cfg.MutationSpread)))
	offset := 1 + e.rng.Intn(spread)
	if e.rng.Intn(2) == 0 {
		offset = -offset
	}
	j := ((idx+offset)%n + n) % n
	if j == idx {
		j = (idx + 1) % n
	}
	return values[j], true
}

// SetExplorationRate sets how widely variation samples, clamped to [0, 1]
func (e *Evolver) SetExplorationRate(rate float64) float64 {
	rate, _ = faults.Clamp01(rate)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exploration = rate
	return rate
}

// ExplorationRate returns the current exploration rate
func (e *Evolver) ExplorationRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exploration
}

// InjectRandom adds up to n goals drawn uniformly from the vocabulary
func (e *Evolver) InjectRandom(ctx context.Context, n int) ([]string, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var ids []string
	for i := 0; i < n; i++ {
		e.mu.Lock()
		var fields Fields
		found := false
		for attempt := 0; attempt < max(1, e.cfg.MaxOffspringAttempts); attempt++ {
			for f := Field(0); f < fieldCount; f++ {
				values := e.vocab.Values(f)
				if len(values) == 0 {
					break
				}
				fields = fields.With(f, values[e.rng.Intn(len(values))])
			}
			if fields.Validate() == nil && e.findActive(fields) == nil {
				found = true
				break
			}
		}
		e.mu.Unlock()
		if !found {
			break
		}

		g, err := e.create(ctx, fields, nil, "")
		if err != nil {
			return ids, err
		}
		ids = append(ids, g.ID)
	}
	e.logger.Info("Injected random goals", "requested", n, "added", len(ids))
	return ids, nil
}

// Stuck returns active, evaluated goals without a significant positive
// fitness for at least generations consecutive generations. Zero uses
// StuckGenerations.
func (e *Evolver) Stuck(generations int) []*Goal {
	if generations <= 0 {
		generations = e.cfg.StuckGenerations
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedLocked(func(g *Goal) bool {
		return g.Status == StatusActive && g.Evaluated && g.Stalled >= generations
	})
}

// BestCombined returns the highest combined score among evaluated active goals
func (e *Evolver) BestCombined() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	best, ok := 0.0, false
	for _, g := range e.goals {
		if g.Status != StatusActive || !g.Evaluated {
			continue
		}
		if c := g.Combined(e.cfg.Alpha); !ok || c > best {
			best, ok = c, true
		}
	}
	return best, ok
}

// ExportState returns the state not carried by goal nodes
func (e *Evolver) ExportState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{Generation: e.generation, Exploration: e.exploration}
}

// ImportState restores exported state and reseeds variation
func (e *Evolver) ImportState(s State) error {
	if s.Generation < 0 {
		return fmt.Errorf("%w: generation=%d", faults.ErrNumericAnomaly, s.Generation)
	}
	if err := faults.CheckUnit("exploration", s.Exploration); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation = s.Generation
	e.exploration = s.Exploration
	e.rng = rand.New(rand.NewSource(e.cfg.Seed + int64(s.Generation)))
	return nil
}

// Hash returns the sha256 of every goal and the exported state
func (e *Evolver) Hash() (string, error) {
	body := struct {
		Goals []*Goal `json:"goals"`
		State State   `json:"state"`
	}{e.Goals(), e.ExportState()}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal goal population: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
