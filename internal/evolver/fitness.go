package evolver

import (
	"context"
	"fmt"
	"math"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/stats"
	"gonum.org/v1/gonum/stat"
)

// Measurer runs one bounded pursuit window and reports the capability delta
// it produced. goal is nil for the control arm.
type Measurer interface {
	Measure(ctx context.Context, goal *Goal, repetition int) (float64, error)
}

// MeasureFunc adapts a function to Measurer
type MeasureFunc func(ctx context.Context, goal *Goal, repetition int) (float64, error)

// Measure implements Measurer
func (f MeasureFunc) Measure(ctx context.Context, goal *Goal, repetition int) (float64, error) {
	return f(ctx, goal, repetition)
}

// Fitness is the outcome of one A/B trial
type Fitness struct {
	GoalID      string  `json:"goal_id"`
	Value       float64 `json:"fitness"`
	Significant bool    `json:"significant"`
	PValue      float64 `json:"p_value"`
	TStat       float64 `json:"t_stat"`
	Candidate   int     `json:"candidate_trials"`
	Control     int     `json:"control_trials"`
}

// measure runs Repetitions interleaved candidate/control windows and
// compares them with a Welch t-test. It does not touch evolver state.
func (e *Evolver) measure(ctx context.Context, g *Goal) (*Fitness, error) {
	if e.measurer == nil {
		return nil, faults.Inconclusive("no measurer configured")
	}

	var cand, ctrl []float64
	var dropped int
	for rep := 0; rep < e.cfg.Repetitions; rep++ {
		arms := []*Goal{g, nil}
		if rep%2 == 1 {
			arms = []*Goal{nil, g}
		}
		for _, arm := range arms {
			v, err := e.trial(ctx, arm, rep)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				dropped++
				e.logger.Debug("Dropped fitness trial",
					"goal_id", g.ID,
					"repetition", rep,
					"control", arm == nil,
					"error", err)
				continue
			}
			if arm == nil {
				ctrl = append(ctrl, v)
			} else {
				cand = append(cand, v)
			}
		}
	}

	if len(cand) < e.cfg.MinTrials || len(ctrl) < e.cfg.MinTrials {
		return nil, faults.Inconclusive("goal %s kept %d candidate and %d control trials, need %d (dropped %d)",
			g.ID, len(cand), len(ctrl), e.cfg.MinTrials, dropped)
	}

	meanC, varC := stat.MeanVariance(cand, nil)
	meanK, varK := stat.MeanVariance(ctrl, nil)
	if sd := math.Sqrt((varC + varK) / 2); sd > e.cfg.MaxStdDev {
		return nil, faults.Inconclusive("goal %s pooled standard deviation %.3f exceeds %.3f", g.ID, sd, e.cfg.MaxStdDev)
	}

	t, p, err := stats.Welch(cand, ctrl)
	value := meanC - meanK
	if err != nil || !faults.Finite(value) {
		return nil, fmt.Errorf("%w: fitness of goal %s is %v (p=%v)", faults.ErrNumericAnomaly, g.ID, value, p)
	}
	return &Fitness{
		GoalID:      g.ID,
		Value:       value,
		Significant: p < e.cfg.SignificanceLevel,
		PValue:      p,
		TStat:       t,
		Candidate:   len(cand),
		Control:     len(ctrl),
	}, nil
}

func (e *Evolver) trial(ctx context.Context, arm *Goal, rep int) (float64, error) {
	run := func(ctx context.Context) (float64, error) {
		return e.measurer.Measure(ctx, arm, rep)
	}
	var (
		v   float64
		err error
	)
	if e.guard != nil {
		v, err = e.guard.Trial(ctx, run)
	} else {
		v, err = run(ctx)
	}
	if err != nil {
		return 0, err
	}
	if !faults.Finite(v) {
		return 0, fmt.Errorf("%w: trial returned %v", faults.ErrNumericAnomaly, v)
	}
	return v, nil
}
