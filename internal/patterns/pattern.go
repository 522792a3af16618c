// Package patterns is the solution pattern library: similarity retrieval
// with an adaptive acceptance threshold, abstraction lifting and diversity
// maintenance. Patterns persist as graph nodes; the library only keeps a
// derived index that Load rebuilds from the store.
package patterns

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/graph"
)

// MaxAbstractionLevel is the most general level a pattern can reach
const MaxAbstractionLevel = 2

// Pattern is a reusable (context, solution) pair with a learned success rate
type Pattern struct {
	ID               string    `json:"id"`
	Context          string    `json:"context"`
	ContextVector    []float32 `json:"context_vector,omitempty"`
	SolutionTemplate string    `json:"solution_template"`
	AbstractionLevel int       `json:"abstraction_level"`
	SuccessRate      float64   `json:"success_rate"`
	ApplicationCount int       `json:"application_count"`
	SuccessCount     int       `json:"success_count"`
	TransferDomains  []string  `json:"transfer_domains,omitempty"`
	ParentID         string    `json:"parent_id,omitempty"`
	LiftedChildID    string    `json:"lifted_child_id,omitempty"`
	Archived         bool      `json:"archived"`
	Prior            float64   `json:"prior"`
	History          []Outcome `json:"history,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Outcome is one recorded application of a pattern
type Outcome struct {
	Context []float32 `json:"context,omitempty"`
	Domain  string    `json:"domain,omitempty"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// Application is the input to Record
type Application struct {
	Context      []float32
	Domain       string
	Success      bool
	ExperienceID string // optional experience node to link with applied_to
}

// Match is one ranked retrieval result
type Match struct {
	Pattern           *Pattern `json:"pattern"`
	Score             float64  `json:"score"`
	Similarity        float64  `json:"similarity"`
	HistoricalSuccess float64  `json:"historical_success"`
	TransferBonus     float64  `json:"transfer_bonus"`
}

// AddResult reports what Add did with a pattern
type AddResult string

const (
	Accepted AddResult = "accepted"
	Rejected AddResult = "rejected"
	Deferred AddResult = "deferred"
)

// Clone returns a deep copy of p
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	c.ContextVector = append([]float32(nil), p.ContextVector...)
	c.TransferDomains = append([]string(nil), p.TransferDomains...)
	c.History = append([]Outcome(nil), p.History...)
	return &c
}

// HasDomain reports whether domain is already a transfer domain
func (p *Pattern) HasDomain(domain string) bool {
	i := sort.SearchStrings(p.TransferDomains, domain)
	return i < len(p.TransferDomains) && p.TransferDomains[i] == domain
}

func (p *Pattern) addDomain(domain string) {
	if domain == "" || p.HasDomain(domain) {
		return
	}
	p.TransferDomains = append(p.TransferDomains, domain)
	sort.Strings(p.TransferDomains)
}

// Validate checks a pattern at the ingestion boundary
func (p *Pattern) Validate() error {
	if p.SolutionTemplate == "" {
		return fmt.Errorf("pattern requires a solution template")
	}
	if p.AbstractionLevel < 0 || p.AbstractionLevel > MaxAbstractionLevel {
		return fmt.Errorf("abstraction level %d outside [0,%d]", p.AbstractionLevel, MaxAbstractionLevel)
	}
	if err := faults.CheckUnit("success_rate", p.SuccessRate); err != nil {
		return err
	}
	if p.ApplicationCount < 0 || p.SuccessCount < 0 || p.SuccessCount > p.ApplicationCount {
		return fmt.Errorf("invalid application counts %d/%d", p.SuccessCount, p.ApplicationCount)
	}
	for _, v := range p.ContextVector {
		if !faults.Finite(float64(v)) {
			return fmt.Errorf("%w: context vector contains non-finite values", faults.ErrNumericAnomaly)
		}
	}
	return nil
}

// reinforce folds one outcome into the counters. The rate is the posterior
// mean of a Beta prior worth two observations centred on Prior.
func (p *Pattern) reinforce(o Outcome, historyLimit int) {
	p.ApplicationCount++
	if o.Success {
		p.SuccessCount++
		p.addDomain(o.Domain)
	}
	rate := (float64(p.SuccessCount) + 2*p.Prior) / (float64(p.ApplicationCount) + 2)
	p.SuccessRate, _ = faults.Clamp01(rate)

	p.History = append(p.History, o)
	if historyLimit > 0 && len(p.History) > historyLimit {
		p.History = p.History[len(p.History)-historyLimit:]
	}
	p.UpdatedAt = o.At
}

// toNode renders p as a graph node; the vector lives on the node, not the payload
func (p *Pattern) toNode() (*graph.Node, error) {
	body := p.Clone()
	body.ContextVector = nil
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pattern: %w", err)
	}
	return &graph.Node{
		ID:         p.ID,
		Kind:       graph.KindPattern,
		Content:    p.SolutionTemplate,
		Vector:     append([]float32(nil), p.ContextVector...),
		Confidence: p.SuccessRate,
		Importance: transferBonus(p),
		Attrs: map[string]string{
			"level":    strconv.Itoa(p.AbstractionLevel),
			"archived": strconv.FormatBool(p.Archived),
		},
		Payload:   payload,
		CreatedAt: p.CreatedAt,
	}, nil
}

// apply copies the mutable state of p onto an existing node
func (p *Pattern) apply(n *graph.Node) error {
	fresh, err := p.toNode()
	if err != nil {
		return err
	}
	n.Content = fresh.Content
	n.Vector = fresh.Vector
	n.Confidence = fresh.Confidence
	n.Importance = fresh.Importance
	n.Attrs = fresh.Attrs
	n.Payload = fresh.Payload
	return nil
}

func fromNode(n *graph.Node) (*Pattern, error) {
	if n.Kind != graph.KindPattern {
		return nil, fmt.Errorf("node %s is a %s, not a pattern", n.ID, n.Kind)
	}
	var p Pattern
	if err := json.Unmarshal(n.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern %s: %w", n.ID, err)
	}
	p.ID = n.ID
	p.ContextVector = append([]float32(nil), n.Vector...)
	p.CreatedAt = n.CreatedAt
	return &p, nil
}

func transferBonus(p *Pattern) float64 {
	return min(float64(len(p.TransferDomains))/10, 1)
}
