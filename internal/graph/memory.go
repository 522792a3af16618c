package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/faults"
)

// MemoryStore is an in-process arena store
type MemoryStore struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	order  []string
	hashes map[string]string // kind|hash -> id
	edges  map[string]*Edge
	out    map[string][]string
	in     map[string][]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.nodes = make(map[string]*Node)
	s.order = nil
	s.hashes = make(map[string]string)
	s.edges = make(map[string]*Edge)
	s.out = make(map[string][]string)
	s.in = make(map[string][]string)
}

func hashKey(kind NodeKind, hash string) string {
	return string(kind) + "|" + hash
}

// Insert implements Store
func (s *MemoryStore) Insert(ctx context.Context, n *Node) (*Node, bool, error) {
	if err := n.Validate(); err != nil {
		return nil, false, err
	}
	node := prepareNode(n)

	s.mu.Lock()
	defer s.mu.Unlock()

	if Deduplicated(node.Kind) {
		if id, ok := s.hashes[hashKey(node.Kind, node.ContentHash)]; ok {
			return s.nodes[id].Clone(), false, nil
		}
	}
	if _, exists := s.nodes[node.ID]; exists {
		return nil, false, fmt.Errorf("node %s already exists", node.ID)
	}

	s.putLocked(node)
	return node.Clone(), true, nil
}

func (s *MemoryStore) putLocked(node *Node) {
	s.nodes[node.ID] = node
	s.order = append(s.order, node.ID)
	if Deduplicated(node.Kind) {
		s.hashes[hashKey(node.Kind, node.ContentHash)] = node.ID
	}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
	}
	return n.Clone(), nil
}

// FindByHash implements Store
func (s *MemoryStore) FindByHash(ctx context.Context, kind NodeKind, hash string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.hashes[hashKey(kind, hash)]; ok {
		return s.nodes[id].Clone(), nil
	}
	for _, id := range s.order {
		if n := s.nodes[id]; n.Kind == kind && n.ContentHash == hash {
			return n.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s with hash %s: %w", kind, hash, faults.ErrNotFound)
}

// List implements Store. An empty kind lists every node. Nodes are returned in insertion order.
func (s *MemoryStore) List(ctx context.Context, kind NodeKind) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Node
	for _, id := range s.order {
		n := s.nodes[id]
		if kind == "" || n.Kind == kind {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

// Update implements Store
func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Node) error) (*Node, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.RLock()
		current, ok := s.nodes[id]
		if !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("node %s: %w", id, faults.ErrNotFound)
		}
		before := current.Clone()
		s.mu.RUnlock()

		after := before.Clone()
		if err := fn(after); err != nil {
			return nil, err
		}
		if err := checkUpdate(before, after); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.nodes[id].Version != before.Version {
			s.mu.Unlock()
			continue
		}
		after.Version = before.Version + 1
		s.nodes[id] = after
		s.mu.Unlock()
		return after.Clone(), nil
	}
	return nil, fmt.Errorf("node %s: %w", id, faults.ErrConflict)
}

// AddEdge implements Store
func (s *MemoryStore) AddEdge(ctx context.Context, e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	edge := prepareEdge(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[edge.From]; !ok {
		return fmt.Errorf("edge source %s: %w", edge.From, faults.ErrNotFound)
	}
	if _, ok := s.nodes[edge.To]; !ok {
		return fmt.Errorf("edge target %s: %w", edge.To, faults.ErrNotFound)
	}
	if _, ok := s.edges[edge.ID]; ok {
		return fmt.Errorf("edge %s already exists", edge.ID)
	}
	s.putEdgeLocked(edge)
	*e = *edge
	return nil
}

func (s *MemoryStore) putEdgeLocked(edge *Edge) {
	s.edges[edge.ID] = edge
	s.out[edge.From] = append(s.out[edge.From], edge.ID)
	s.in[edge.To] = append(s.in[edge.To], edge.ID)
}

// Edges implements Store
func (s *MemoryStore) Edges(ctx context.Context, nodeID string, dir Direction) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.out[nodeID]
	if dir == Incoming {
		ids = s.in[nodeID]
	}
	out := make([]*Edge, 0, len(ids))
	for _, id := range ids {
		e := *s.edges[id]
		out = append(out, &e)
	}
	return out, nil
}

// Similar implements Store with a linear cosine scan
func (s *MemoryStore) Similar(ctx context.Context, kind NodeKind, vec []float32, limit int) ([]Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Scored
	for _, id := range s.order {
		n := s.nodes[id]
		if (kind != "" && n.Kind != kind) || len(n.Vector) != len(vec) {
			continue
		}
		results = append(results, Scored{Node: n.Clone(), Similarity: embedding.Cosine(vec, n.Vector)})
	}
	return topK(results, limit), nil
}

// topK sorts by similarity descending, id ascending, and truncates
func topK(results []Scored, limit int) []Scored {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Node.ID < results[j].Node.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Snapshot implements Store
func (s *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Nodes: make([]*Node, 0, len(s.nodes)),
		Edges: make([]*Edge, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n.Clone())
	}
	for _, e := range s.edges {
		c := *e
		snap.Edges = append(snap.Edges, &c)
	}
	snap.Sort()
	return snap, nil
}

// Restore implements Store, replacing all contents
func (s *MemoryStore) Restore(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	nodes := make([]*Node, len(snap.Nodes))
	for i, n := range snap.Nodes {
		nodes[i] = n.Clone()
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for _, n := range nodes {
		s.putLocked(n)
	}
	edges := make([]*Edge, len(snap.Edges))
	for i, e := range snap.Edges {
		c := *e
		edges[i] = &c
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return edges[i].ID < edges[j].ID
	})
	for _, e := range edges {
		s.putEdgeLocked(e)
	}
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
