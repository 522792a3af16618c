package reasoner

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
)

// SettleReport summarizes one energy minimization pass
type SettleReport struct {
	Beliefs       int     `json:"beliefs"`
	Iterations    int     `json:"iterations"`
	InitialEnergy float64 `json:"initial_energy"`
	FinalEnergy   float64 `json:"final_energy"`
	Updated       int     `json:"updated"`
	Converged     bool    `json:"converged"`
}

// evidence is one weighted edge into a belief
type evidence struct {
	from     string
	strength float64
	weight   float64 // source importance, or -1 when the source is a belief
}

// beliefSystem is the in-memory view the energy pass iterates over
type beliefSystem struct {
	ids         []string
	index       map[string]int
	conf        []float64
	supports    [][]evidence
	contradicts [][]evidence
	pairs       [][2]int // contradicting belief pairs, each once
	pairWeight  []float64
}

// Settle runs energy minimization over every belief until both the energy
// and every confidence move less than Tolerance, or MaxIterations is reached.
// It is the only writer of belief confidence.
func (r *Reasoner) Settle(ctx context.Context) (*SettleReport, error) {
	sys, err := r.loadBeliefs(ctx)
	if err != nil {
		return nil, err
	}
	report := &SettleReport{Beliefs: len(sys.ids)}
	if len(sys.ids) == 0 {
		report.Converged = true
		return report, nil
	}

	initial := append([]float64(nil), sys.conf...)
	energy := r.energy(sys, sys.conf)
	report.InitialEnergy = energy

	for report.Iterations < r.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Iterations++

		next := r.step(sys)
		nextEnergy := r.energy(sys, next)
		if !faults.Finite(nextEnergy) {
			r.events.Emit(ctx, events.Event{
				Kind:      events.NumericAnomaly,
				Component: component,
				Reason:    "non-finite belief energy",
				Attrs:     map[string]any{"iteration": report.Iterations},
			})
			break
		}
		var moved float64
		for i := range next {
			moved = max(moved, math.Abs(next[i]-sys.conf[i]))
		}
		sys.conf = next
		delta := math.Abs(nextEnergy - energy)
		energy = nextEnergy
		if delta < r.cfg.Tolerance && moved < r.cfg.Tolerance {
			report.Converged = true
			break
		}
	}
	report.FinalEnergy = energy

	for i, id := range sys.ids {
		if math.Abs(sys.conf[i]-initial[i]) < 1e-12 {
			continue
		}
		c := sys.conf[i]
		if _, err := r.store.Update(ctx, id, func(n *graph.Node) error {
			n.Confidence = c
			return nil
		}); err != nil {
			return report, fmt.Errorf("failed to write belief confidence: %w", err)
		}
		report.Updated++
	}

	r.logger.Info("Belief energy minimized",
		"beliefs", report.Beliefs,
		"iterations", report.Iterations,
		"initial_energy", report.InitialEnergy,
		"final_energy", report.FinalEnergy,
		"updated", report.Updated)
	return report, nil
}

func (r *Reasoner) loadBeliefs(ctx context.Context) (*beliefSystem, error) {
	beliefs, err := r.store.List(ctx, graph.KindBelief)
	if err != nil {
		return nil, fmt.Errorf("failed to list beliefs: %w", err)
	}
	sort.Slice(beliefs, func(i, j int) bool { return beliefs[i].ID < beliefs[j].ID })

	sys := &beliefSystem{index: make(map[string]int, len(beliefs))}
	for i, b := range beliefs {
		sys.ids = append(sys.ids, b.ID)
		sys.index[b.ID] = i
		sys.conf = append(sys.conf, b.Confidence)
	}
	sys.supports = make([][]evidence, len(beliefs))
	sys.contradicts = make([][]evidence, len(beliefs))

	importance := make(map[string]float64)
	sourceWeight := func(id string) (float64, error) {
		if _, ok := sys.index[id]; ok {
			return -1, nil
		}
		if w, ok := importance[id]; ok {
			return w, nil
		}
		n, err := r.store.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		importance[id] = n.Importance
		return n.Importance, nil
	}

	seenPair := make(map[[2]int]bool)
	for i, id := range sys.ids {
		in, err := r.store.Edges(ctx, id, graph.Incoming)
		if err != nil {
			return nil, fmt.Errorf("failed to read evidence of %s: %w", id, err)
		}
		for _, e := range in {
			w, err := sourceWeight(e.From)
			if err != nil {
				return nil, err
			}
			ev := evidence{from: e.From, strength: e.Strength, weight: w}
			switch e.Relation {
			case graph.RelSupports, graph.RelSuccess:
				sys.supports[i] = append(sys.supports[i], ev)
			case graph.RelContradicts:
				j, ok := sys.index[e.From]
				if !ok {
					sys.contradicts[i] = append(sys.contradicts[i], ev)
					continue
				}
				// Belief-to-belief contradiction is mutual and counted once per
				// pair, whichever direction the edges run.
				key := [2]int{min(i, j), max(i, j)}
				if seenPair[key] {
					continue
				}
				seenPair[key] = true
				sys.contradicts[i] = append(sys.contradicts[i], ev)
				sys.contradicts[j] = append(sys.contradicts[j], evidence{from: id, strength: e.Strength, weight: -1})
				sys.pairs = append(sys.pairs, key)
				sys.pairWeight = append(sys.pairWeight, e.Strength)
			}
		}
	}
	return sys, nil
}

// weight returns the evidence weight under confidences conf
func (sys *beliefSystem) weight(ev evidence, conf []float64) float64 {
	if ev.weight < 0 {
		return ev.strength * conf[sys.index[ev.from]]
	}
	return ev.strength * ev.weight
}

// step computes (S + c) / (S + C + 1) for every belief from the current confidences
func (r *Reasoner) step(sys *beliefSystem) []float64 {
	next := make([]float64, len(sys.conf))
	for i, c := range sys.conf {
		var s, k float64
		for _, ev := range sys.supports[i] {
			s += sys.weight(ev, sys.conf)
		}
		for _, ev := range sys.contradicts[i] {
			k += sys.weight(ev, sys.conf)
		}
		v, _ := faults.Clamp01((s + c) / (s + k + 1))
		next[i] = v
	}
	return next
}

// energy sums contradiction, unsupported and ignored-evidence terms
func (r *Reasoner) energy(sys *beliefSystem, conf []float64) float64 {
	var e float64
	for p, pair := range sys.pairs {
		a, b := conf[pair[0]], conf[pair[1]]
		if a > r.cfg.ConfidentThreshold && b > r.cfg.ConfidentThreshold {
			e += a * b * sys.pairWeight[p]
		}
	}
	for i, c := range conf {
		var support float64
		for _, ev := range sys.supports[i] {
			w := sys.weight(ev, conf)
			support += w
			if ev.strength > r.cfg.StrongEvidence && c < r.cfg.LowConfidence {
				e += ev.strength * (1 - c)
			}
		}
		if c > r.cfg.ConfidentThreshold && support == 0 {
			e += c
		}
	}
	return e
}

// Energy returns the current belief energy without changing anything
func (r *Reasoner) Energy(ctx context.Context) (float64, error) {
	sys, err := r.loadBeliefs(ctx)
	if err != nil {
		return 0, err
	}
	return r.energy(sys, sys.conf), nil
}
