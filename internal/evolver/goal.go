// Package evolver runs population-based search over structured goals.
package evolver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
)

// Status of a goal in the population
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Field names a structured goal field
type Field int

const (
	FieldAction Field = iota
	FieldTarget
	FieldMetric
	FieldAmount
	fieldCount
)

func (f Field) String() string {
	switch f {
	case FieldAction:
		return "action"
	case FieldTarget:
		return "target"
	case FieldMetric:
		return "metric"
	case FieldAmount:
		return "amount"
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Fields are the structured parts of a goal. Goals are never free text.
type Fields struct {
	Action string `json:"action" yaml:"action"`
	Target string `json:"target" yaml:"target"`
	Metric string `json:"metric" yaml:"metric"`
	Amount string `json:"amount" yaml:"amount"`
}

// Get returns field f
func (fs Fields) Get(f Field) string {
	switch f {
	case FieldAction:
		return fs.Action
	case FieldTarget:
		return fs.Target
	case FieldMetric:
		return fs.Metric
	case FieldAmount:
		return fs.Amount
	}
	return ""
}

// With returns a copy with field f set to v
func (fs Fields) With(f Field, v string) Fields {
	switch f {
	case FieldAction:
		fs.Action = v
	case FieldTarget:
		fs.Target = v
	case FieldMetric:
		fs.Metric = v
	case FieldAmount:
		fs.Amount = v
	}
	return fs
}

// Normalize trims and lowercases every field
func (fs Fields) Normalize() Fields {
	for f := Field(0); f < fieldCount; f++ {
		fs = fs.With(f, strings.ToLower(strings.TrimSpace(fs.Get(f))))
	}
	return fs
}

// Validate requires every field to be present
func (fs Fields) Validate() error {
	for f := Field(0); f < fieldCount; f++ {
		if fs.Get(f) == "" {
			return fmt.Errorf("goal field %s is empty", f)
		}
	}
	return nil
}

// Describe renders the goal as a short sentence
func (fs Fields) Describe() string {
	return fmt.Sprintf("%s %s %s by %s", fs.Action, fs.Target, fs.Metric, fs.Amount)
}

// Distance is the Hamming distance over the four fields divided by four
func Distance(a, b Fields) float64 {
	diff := 0
	for f := Field(0); f < fieldCount; f++ {
		if a.Get(f) != b.Get(f) {
			diff++
		}
	}
	return float64(diff) / float64(fieldCount)
}

// Goal is one member of the population
type Goal struct {
	ID          string    `json:"id"`
	Fields      Fields    `json:"fields"`
	Fitness     float64   `json:"fitness"`
	PValue      float64   `json:"p_value"`
	Significant bool      `json:"significant"`
	Evaluated   bool      `json:"evaluated"`
	Specificity float64   `json:"specificity"`
	Generation  int       `json:"generation"`
	ParentIDs   []string  `json:"parent_ids,omitempty"`
	Lineage     string    `json:"lineage"` // id of the seeded or injected ancestor
	Missed      int       `json:"missed"`  // consecutive generations outside the survivor set
	Stalled     int       `json:"stalled"` // consecutive generations without a significant positive fitness
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy
func (g *Goal) Clone() *Goal {
	c := *g
	c.ParentIDs = append([]string(nil), g.ParentIDs...)
	return &c
}

// Combined is (1-alpha)*fitness + alpha*specificity
func (g *Goal) Combined(alpha float64) float64 {
	return (1-alpha)*g.Fitness + alpha*g.Specificity
}

// Validate checks a goal at the ingestion boundary
func (g *Goal) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("goal requires an id")
	}
	if err := g.Fields.Validate(); err != nil {
		return err
	}
	if err := faults.CheckUnit("specificity", g.Specificity); err != nil {
		return err
	}
	if !faults.Finite(g.Fitness) {
		return fmt.Errorf("%w: fitness=%v", faults.ErrNumericAnomaly, g.Fitness)
	}
	switch g.Status {
	case StatusActive, StatusArchived:
	default:
		return fmt.Errorf("invalid goal status %q", g.Status)
	}
	return nil
}

func (g *Goal) toNode() (*graph.Node, error) {
	payload, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal goal: %w", err)
	}
	return &graph.Node{
		ID:         g.ID,
		Kind:       graph.KindGoal,
		Content:    g.Fields.Describe(),
		Confidence: g.Specificity,
		Attrs: map[string]string{
			"status":  string(g.Status),
			"lineage": g.Lineage,
		},
		Payload:   payload,
		CreatedAt: g.CreatedAt,
	}, nil
}

// apply rewrites the mutable parts of n from g
func (g *Goal) apply(n *graph.Node) error {
	fresh, err := g.toNode()
	if err != nil {
		return err
	}
	n.Content = fresh.Content
	n.Confidence = fresh.Confidence
	n.Attrs = fresh.Attrs
	n.Payload = fresh.Payload
	return nil
}

func goalFromNode(n *graph.Node) (*Goal, error) {
	if n.Kind != graph.KindGoal {
		return nil, fmt.Errorf("node %s is a %s, not a goal", n.ID, n.Kind)
	}
	var g Goal
	if err := json.Unmarshal(n.Payload, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal goal %s: %w", n.ID, err)
	}
	g.ID = n.ID
	g.CreatedAt = n.CreatedAt
	return &g, nil
}
