package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/saaga0h/adaptive-core/internal/events"
	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
	"github.com/saaga0h/adaptive-core/internal/resilience"
	"github.com/saaga0h/adaptive-core/pkg/llm"
)

// Generalization is the oracle's answer to a lifting request
type Generalization struct {
	Context          string `json:"context"`
	SolutionTemplate string `json:"solution_template"`
}

// liftAnalyzer asks for a domain-independent version of a pattern
type liftAnalyzer struct{}

func (liftAnalyzer) BuildPrompt(p *Pattern) string {
	var b strings.Builder
	b.WriteString("The following solution pattern worked in several distinct domains.\n")
	fmt.Fprintf(&b, "Context: %s\n", p.Context)
	fmt.Fprintf(&b, "Solution: %s\n", p.SolutionTemplate)
	fmt.Fprintf(&b, "Domains: %s\n\n", strings.Join(p.TransferDomains, ", "))
	b.WriteString("Write a more general version that applies beyond these domains.\n")
	b.WriteString(`Respond with JSON: {"context": "...", "solution_template": "..."}`)
	return b.String()
}

func (liftAnalyzer) ParseResponse(response string) (*Generalization, error) {
	return llm.ParseJSONResponse[Generalization](&llm.GenerateResponse{Response: response})
}

func (liftAnalyzer) Validate(g *Generalization) error {
	if strings.TrimSpace(g.SolutionTemplate) == "" {
		return fmt.Errorf("generalization has no solution template")
	}
	return nil
}

func (l *Library) liftable(p *Pattern) bool {
	return l.oracle != nil &&
		!p.Archived &&
		p.AbstractionLevel < MaxAbstractionLevel &&
		p.LiftedChildID == "" &&
		len(p.TransferDomains) >= l.cfg.LiftDomains
}

// Lift creates the single more general child of the pattern with id.
// It returns nil without error when the pattern is not eligible or was
// lifted concurrently.
func (l *Library) Lift(ctx context.Context, id string) (*Pattern, error) {
	parent, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if !l.liftable(parent) {
		return nil, nil
	}

	gen, err := l.generalize(ctx, parent)
	if err != nil {
		l.events.Emit(ctx, events.Event{
			Kind:      events.OracleDegraded,
			Component: component,
			Reason:    err.Error(),
			Attrs:     map[string]any{"pattern_id": id, "operation": "lift"},
		})
		return nil, err
	}

	text := gen.Context
	if text == "" {
		text = gen.SolutionTemplate
	}
	vec, err := l.embed.Embed(ctx, text)
	if err != nil {
		l.events.Emit(ctx, events.Event{
			Kind:      events.EmbeddingDeferred,
			Component: component,
			Reason:    err.Error(),
			Attrs:     map[string]any{"pattern_id": id, "operation": "lift"},
		})
		return nil, err
	}

	childID := uuid.NewString()
	if _, err := l.update(ctx, id, func(p *Pattern) error {
		if p.LiftedChildID != "" {
			return errAlreadyLifted
		}
		p.LiftedChildID = childID
		return nil
	}); err != nil {
		if errors.Is(err, errAlreadyLifted) {
			return nil, nil
		}
		return nil, err
	}

	child, err := l.insert(ctx, &Pattern{
		ID:               childID,
		Context:          gen.Context,
		ContextVector:    vec,
		SolutionTemplate: gen.SolutionTemplate,
		AbstractionLevel: parent.AbstractionLevel + 1,
		SuccessRate:      parent.SuccessRate,
		Prior:            parent.SuccessRate,
		ParentID:         parent.ID,
	})
	if err != nil {
		if _, rerr := l.update(ctx, id, func(p *Pattern) error {
			p.LiftedChildID = ""
			return nil
		}); rerr != nil {
			l.logger.Error("Failed to release lift claim", "pattern_id", id, "error", rerr)
		}
		return nil, err
	}

	if err := l.store.AddEdge(ctx, &graph.Edge{
		From:     child.ID,
		To:       parent.ID,
		Relation: graph.RelDerivedFrom,
		Strength: 1,
	}); err != nil {
		l.logger.Warn("Failed to link lifted pattern", "child_id", child.ID, "parent_id", parent.ID, "error", err)
	}

	l.events.Emit(ctx, events.Event{
		Kind:      events.PatternLifted,
		Component: component,
		Attrs: map[string]any{
			"parent_id": parent.ID,
			"child_id":  child.ID,
			"level":     child.AbstractionLevel,
			"domains":   len(parent.TransferDomains),
		},
	})
	return child.Clone(), nil
}

func (l *Library) generalize(ctx context.Context, p *Pattern) (*Generalization, error) {
	var gen *Generalization
	call := func(ctx context.Context) error {
		out, err := llm.Analyze[*Pattern, *Generalization](ctx, l.oracle, liftAnalyzer{}, l.cfg.Model, p, l.logger)
		if err != nil {
			return faults.Transient(resilience.DependencyOracle, err)
		}
		gen = out
		return nil
	}

	var err error
	if l.guard != nil {
		err = l.guard.Call(ctx, resilience.DependencyOracle, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generalize pattern %s: %w", p.ID, err)
	}
	return gen, nil
}
