// Package graph is the associative memory: an arena of typed nodes joined by
// a directed, weighted edge list, behind a transactional Store interface.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saaga0h/adaptive-core/internal/faults"
)

// NodeKind is the type of a graph node
type NodeKind string

const (
	KindExperience NodeKind = "experience"
	KindBelief     NodeKind = "belief"
	KindPattern    NodeKind = "pattern"
	KindGoal       NodeKind = "goal"
)

// Relation is the type of a directed edge
type Relation string

const (
	RelContext     Relation = "context"      // query experience -> answer experience
	RelSuccess     Relation = "success"      // answer experience -> validity belief
	RelSupports    Relation = "supports"     // evidence -> belief
	RelContradicts Relation = "contradicts"  // evidence or belief -> belief
	RelDerivedFrom Relation = "derived_from" // lifted pattern -> parent pattern
	RelAppliedTo   Relation = "applied_to"   // pattern -> experience
)

// Direction selects outgoing or incoming edges
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// ErrImmutable is returned when an update touches a field that may not change
var ErrImmutable = errors.New("immutable node field")

// Node is one entry of the arena
type Node struct {
	ID          string            `json:"id"`
	Kind        NodeKind          `json:"kind"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Vector      []float32         `json:"vector,omitempty"`
	Confidence  float64           `json:"confidence"`
	Importance  float64           `json:"importance"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Edge is a directed, weighted relation between two nodes
type Edge struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Relation  Relation  `json:"relation"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs a node with its similarity to a query vector
type Scored struct {
	Node       *Node
	Similarity float64
}

// Store is the source of truth for every persisted entity.
//
// Experience and belief nodes are deduplicated by (kind, content hash):
// inserting one that already exists returns the stored node and created=false.
// Experience nodes are immutable. Belief nodes may only change confidence.
// Update is serialized per node with optimistic version checks and returns
// faults.ErrConflict when retries are exhausted.
type Store interface {
	Insert(ctx context.Context, n *Node) (*Node, bool, error)
	Get(ctx context.Context, id string) (*Node, error)
	FindByHash(ctx context.Context, kind NodeKind, hash string) (*Node, error)
	List(ctx context.Context, kind NodeKind) ([]*Node, error)
	Update(ctx context.Context, id string, fn func(*Node) error) (*Node, error)
	AddEdge(ctx context.Context, e *Edge) error
	Edges(ctx context.Context, nodeID string, dir Direction) ([]*Edge, error)
	Similar(ctx context.Context, kind NodeKind, vec []float32, limit int) ([]Scored, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) error
	Close() error
}

// maxUpdateAttempts bounds optimistic retries
const maxUpdateAttempts = 8

// ContentHash returns the idempotency key of content for kind
func ContentHash(kind NodeKind, content string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// Deduplicated reports whether kind is deduplicated by content hash
func Deduplicated(kind NodeKind) bool {
	return kind == KindExperience || kind == KindBelief
}

// Clone returns a deep copy of n
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Vector != nil {
		c.Vector = append([]float32(nil), n.Vector...)
	}
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	if n.Payload != nil {
		c.Payload = append(json.RawMessage(nil), n.Payload...)
	}
	return &c
}

// Validate checks a node at the ingestion boundary
func (n *Node) Validate() error {
	switch n.Kind {
	case KindExperience, KindBelief, KindPattern, KindGoal:
	default:
		return fmt.Errorf("invalid node kind %q", n.Kind)
	}
	if n.Content == "" && n.Kind != KindGoal && n.Kind != KindPattern {
		return fmt.Errorf("%s node requires content", n.Kind)
	}
	if err := faults.CheckUnit("confidence", n.Confidence); err != nil {
		return err
	}
	if err := faults.CheckUnit("importance", n.Importance); err != nil {
		return err
	}
	for _, v := range n.Vector {
		if !faults.Finite(float64(v)) {
			return fmt.Errorf("%w: vector contains non-finite values", faults.ErrNumericAnomaly)
		}
	}
	return nil
}

// Validate checks an edge at the ingestion boundary
func (e *Edge) Validate() error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("edge requires both endpoints")
	}
	if e.From == e.To {
		return fmt.Errorf("self-loop on %s", e.From)
	}
	switch e.Relation {
	case RelContext, RelSuccess, RelSupports, RelContradicts, RelDerivedFrom, RelAppliedTo:
	default:
		return fmt.Errorf("invalid relation %q", e.Relation)
	}
	return faults.CheckUnit("strength", e.Strength)
}

// prepareNode assigns defaults before the first write
func prepareNode(n *Node) *Node {
	c := n.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ContentHash == "" {
		c.ContentHash = ContentHash(c.Kind, c.Content)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = normalizeTime(c.CreatedAt)
	c.Version = 1
	return c
}

func prepareEdge(e *Edge) *Edge {
	c := *e
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = normalizeTime(c.CreatedAt)
	return &c
}

// normalizeTime truncates to the precision every backend preserves
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// checkUpdate enforces per-kind mutability
func checkUpdate(before, after *Node) error {
	if after.ID != before.ID || after.Kind != before.Kind || !after.CreatedAt.Equal(before.CreatedAt) {
		return fmt.Errorf("%w: id, kind and created_at are fixed", ErrImmutable)
	}
	if !Deduplicated(before.Kind) {
		after.ContentHash = ContentHash(after.Kind, after.Content)
	}
	after.Version = before.Version
	switch before.Kind {
	case KindExperience:
		return fmt.Errorf("%w: experiences are append-only", ErrImmutable)
	case KindBelief:
		if after.Content != before.Content || after.ContentHash != before.ContentHash ||
			after.Importance != before.Importance || string(after.Payload) != string(before.Payload) {
			return fmt.Errorf("%w: only belief confidence may change", ErrImmutable)
		}
	}
	if err := after.Validate(); err != nil {
		return err
	}
	return nil
}
