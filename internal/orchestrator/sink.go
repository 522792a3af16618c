package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/patterns"
	"github.com/saaga0h/adaptive-core/internal/reasoner"
)

// exchangeSink turns successful oracle exchanges into candidate patterns
type exchangeSink struct {
	library *patterns.Library
	logger  *slog.Logger
}

func (s *exchangeSink) Offer(ctx context.Context, ex reasoner.Exchange) {
	res, p, err := s.library.Add(ctx, &patterns.Pattern{
		Context:          ex.Query,
		ContextVector:    ex.QueryVector,
		SolutionTemplate: ex.Answer,
	})
	if err != nil {
		s.logger.Warn("Failed to offer exchange as pattern", "query_id", ex.QueryID, "error", err)
		return
	}
	if res == patterns.Accepted {
		s.logger.Debug("Exchange stored as pattern", "pattern_id", p.ID, "query_id", ex.QueryID)
		return
	}
	s.logger.Debug("Exchange not stored as pattern", "result", res, "query_id", ex.QueryID)
}

// termSafety rejects variants whose solution contains one of terms
func termSafety(terms []string) patterns.SafetyFunc {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	return func(ctx context.Context, v patterns.Variant) error {
		solution := strings.ToLower(v.SolutionTemplate)
		for _, t := range lowered {
			if strings.Contains(solution, t) {
				return faults.SafetyRejected("variant solution contains %q", t)
			}
		}
		return nil
	}
}

// relevanceTrial measures how much closer a variant's solution is to the
// problem than its source pattern's solution
func (e *Engine) relevanceTrial(ctx context.Context, v patterns.Variant) (float64, error) {
	source, err := e.library.Get(v.SourceID)
	if err != nil {
		return 0, err
	}
	problem, err := e.embed.Embed(ctx, v.Problem)
	if err != nil {
		return 0, fmt.Errorf("failed to embed problem: %w", err)
	}
	variant, err := e.embed.Embed(ctx, v.SolutionTemplate)
	if err != nil {
		return 0, fmt.Errorf("failed to embed variant: %w", err)
	}
	original, err := e.embed.Embed(ctx, source.SolutionTemplate)
	if err != nil {
		return 0, fmt.Errorf("failed to embed source solution: %w", err)
	}
	delta := embedding.Cosine(problem, variant) - embedding.Cosine(problem, original)
	if !faults.Finite(delta) {
		return 0, fmt.Errorf("%w: non-finite trial delta", faults.ErrNumericAnomaly)
	}
	return delta, nil
}
