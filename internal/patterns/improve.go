package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/pkg/llm"
)

// Variant is a candidate modification derived from an existing pattern
type Variant struct {
	SourceID         string `json:"source_id"`
	Problem          string `json:"problem"`
	SolutionTemplate string `json:"solution_template"`
	Rationale        string `json:"rationale,omitempty"`
}

// TrialFunc measures a variant and returns its improvement; positive is better
type TrialFunc func(ctx context.Context, v Variant) (float64, error)

// SafetyChecker vets a variant before it is measured
type SafetyChecker interface {
	Check(ctx context.Context, v Variant) error
}

// SafetyFunc adapts a function to SafetyChecker
type SafetyFunc func(ctx context.Context, v Variant) error

func (f SafetyFunc) Check(ctx context.Context, v Variant) error { return f(ctx, v) }

// VariantStatus is the outcome of one variant
type VariantStatus string

const (
	VariantMeasured     VariantStatus = "measured"
	VariantUnsafe       VariantStatus = "safety_rejected"
	VariantInconclusive VariantStatus = "inconclusive"
	VariantAnomalous    VariantStatus = "numeric_anomaly"
	VariantFailed       VariantStatus = "failed"
)

// VariantResult is one measured (or rejected) variant
type VariantResult struct {
	Variant Variant       `json:"variant"`
	Status  VariantStatus `json:"status"`
	Delta   float64       `json:"delta"`
	Reason  string        `json:"reason,omitempty"`
}

// Improvement is the result of one improvement search
type Improvement struct {
	Problem   string          `json:"problem"`
	Results   []VariantResult `json:"results"`
	Best      *VariantResult  `json:"best,omitempty"`
	PatternID string          `json:"pattern_id,omitempty"`
	Added     AddResult       `json:"added,omitempty"`
}

// SetSafetyChecker installs the external invariant check for variants
func (l *Library) SetSafetyChecker(c SafetyChecker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.safety = c
}

type variantAnalyzer struct{}

type variantInput struct {
	Problem string
	Source  *Pattern
}

func (variantAnalyzer) BuildPrompt(in variantInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\n\n", in.Problem)
	b.WriteString("A related solution pattern that has worked before:\n")
	fmt.Fprintf(&b, "Context: %s\n", in.Source.Context)
	fmt.Fprintf(&b, "Solution: %s\n", in.Source.SolutionTemplate)
	fmt.Fprintf(&b, "Success rate: %.2f\n\n", in.Source.SuccessRate)
	b.WriteString("Adapt the solution to the problem.\n")
	b.WriteString(`Respond with JSON: {"solution_template": "...", "rationale": "..."}`)
	return b.String()
}

func (variantAnalyzer) ParseResponse(response string) (*Variant, error) {
	return llm.ParseJSONResponse[Variant](&llm.GenerateResponse{Response: response})
}

func (variantAnalyzer) Validate(v *Variant) error {
	if strings.TrimSpace(v.SolutionTemplate) == "" {
		return fmt.Errorf("variant has no solution template")
	}
	return nil
}

// Improve searches for a better solution to problem. One variant is proposed
// per matching pattern, unsafe variants are never measured, and the rest are
// measured concurrently. Only after every measurement has finished is the
// best positive variant stored and its source reinforced.
func (l *Library) Improve(ctx context.Context, problem string, trial TrialFunc) (*Improvement, error) {
	if strings.TrimSpace(problem) == "" {
		return nil, fmt.Errorf("problem is empty")
	}
	vec, err := l.embed.Embed(ctx, problem)
	if err != nil {
		return nil, fmt.Errorf("failed to embed problem: %w", err)
	}

	matches, err := l.Match(ctx, vec)
	if err != nil {
		return nil, err
	}
	if len(matches) > l.cfg.ImproveCandidates {
		matches = matches[:l.cfg.ImproveCandidates]
	}

	result := &Improvement{Problem: problem}
	if len(matches) == 0 {
		l.logger.Debug("No patterns match problem", "problem", problem)
		return result, nil
	}

	var candidates []Variant
	for _, m := range matches {
		v, err := l.propose(ctx, problem, m.Pattern)
		if err != nil {
			l.events.Emit(ctx, events.Event{
				Kind:      events.OracleDegraded,
				Component: component,
				Reason:    err.Error(),
				Attrs:     map[string]any{"pattern_id": m.Pattern.ID, "operation": "improve"},
			})
			continue
		}
		candidates = append(candidates, *v)
	}

	results := make([]VariantResult, len(candidates))
	l.mu.RLock()
	safety := l.safety
	l.mu.RUnlock()

	var measure []int
	for i, v := range candidates {
		results[i] = VariantResult{Variant: v}
		if safety != nil {
			if err := safety.Check(ctx, v); err != nil {
				results[i].Status = VariantUnsafe
				results[i].Reason = err.Error()
				l.events.Emit(ctx, events.Event{
					Kind:      events.SafetyRejected,
					Component: component,
					Reason:    err.Error(),
					Attrs:     map[string]any{"source_id": v.SourceID},
				})
				continue
			}
		}
		measure = append(measure, i)
	}

	l.runTrials(ctx, trial, candidates, measure, results)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.Results = results

	for i := range results {
		r := &results[i]
		if r.Status != VariantMeasured || r.Delta <= 0 {
			continue
		}
		if result.Best == nil || r.Delta > result.Best.Delta ||
			(r.Delta == result.Best.Delta && r.Variant.SourceID < result.Best.Variant.SourceID) {
			result.Best = r
		}
	}
	if result.Best == nil {
		return result, nil
	}

	if err := l.applyImprovement(ctx, vec, result); err != nil {
		return result, err
	}
	return result, nil
}

func (l *Library) runTrials(ctx context.Context, trial TrialFunc, candidates []Variant, measure []int, results []VariantResult) {
	var mu sync.Mutex
	run := func(ctx context.Context, i int) {
		call := func(ctx context.Context) (float64, error) { return trial(ctx, candidates[i]) }
		var delta float64
		var err error
		if l.guard != nil {
			delta, err = l.guard.Trial(ctx, call)
		} else {
			delta, err = call(ctx)
			if err == nil && !faults.Finite(delta) {
				err = fmt.Errorf("%w: trial returned %v", faults.ErrNumericAnomaly, delta)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		r := &results[i]
		switch {
		case err == nil:
			r.Status = VariantMeasured
			r.Delta = delta
		case errors.Is(err, faults.ErrInconclusive):
			r.Status = VariantInconclusive
			r.Reason = err.Error()
		case errors.Is(err, faults.ErrNumericAnomaly):
			r.Status = VariantAnomalous
			r.Reason = err.Error()
		default:
			r.Status = VariantFailed
			r.Reason = err.Error()
		}
	}

	if l.guard == nil {
		for _, i := range measure {
			run(ctx, i)
		}
	} else {
		eg, gctx := l.guard.Group(ctx)
		for _, i := range measure {
			eg.Go(func() error {
				run(gctx, i)
				return nil
			})
		}
		_ = eg.Wait()
	}

	for _, i := range measure {
		r := results[i]
		kind := events.Inconclusive
		switch r.Status {
		case VariantMeasured:
			continue
		case VariantAnomalous:
			kind = events.NumericAnomaly
		}
		l.events.Emit(ctx, events.Event{
			Kind:      kind,
			Component: component,
			Reason:    r.Reason,
			Attrs:     map[string]any{"source_id": r.Variant.SourceID, "status": string(r.Status)},
		})
	}
}

// applyImprovement stores the winning variant and reinforces its source
func (l *Library) applyImprovement(ctx context.Context, vec []float32, result *Improvement) error {
	best := result.Best
	source, err := l.Get(best.Variant.SourceID)
	if err != nil {
		return err
	}

	added, stored, err := l.Add(ctx, &Pattern{
		Context:          result.Problem,
		ContextVector:    vec,
		SolutionTemplate: best.Variant.SolutionTemplate,
		SuccessRate:      source.SuccessRate,
	})
	if err != nil {
		return fmt.Errorf("failed to store improvement: %w", err)
	}
	result.Added = added
	if stored != nil {
		result.PatternID = stored.ID
	}

	if _, err := l.Record(ctx, source.ID, Application{Context: vec, Success: true}); err != nil {
		return fmt.Errorf("failed to reinforce source pattern: %w", err)
	}

	l.events.Emit(ctx, events.Event{
		Kind:      events.ImprovementApplied,
		Component: component,
		Attrs: map[string]any{
			"source_id":  source.ID,
			"pattern_id": result.PatternID,
			"delta":      best.Delta,
			"added":      string(added),
		},
	})
	return nil
}

func (l *Library) propose(ctx context.Context, problem string, source *Pattern) (*Variant, error) {
	if l.oracle == nil {
		return nil, fmt.Errorf("no oracle configured")
	}

	var v *Variant
	call := func(ctx context.Context) error {
		out, err := llm.Analyze[variantInput, *Variant](ctx, l.oracle, variantAnalyzer{}, l.cfg.Model,
			variantInput{Problem: problem, Source: source}, l.logger)
		if err != nil {
			return faults.Transient(resilience.DependencyOracle, err)
		}
		v = out
		return nil
	}

	var err error
	if l.guard != nil {
		err = l.guard.Call(ctx, resilience.DependencyOracle, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to propose variant of %s: %w", source.ID, err)
	}
	v.SourceID = source.ID
	v.Problem = problem
	return v, nil
}
