package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is a complete, ordered copy of the graph
type Snapshot struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Sort orders nodes and edges by id so equal graphs serialize identically
func (s *Snapshot) Sort() {
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].ID < s.Nodes[j].ID })
	sort.Slice(s.Edges, func(i, j int) bool { return s.Edges[i].ID < s.Edges[j].ID })
}

// Hash returns the sha256 of the canonical JSON encoding
func (s *Snapshot) Hash() (string, error) {
	c := &Snapshot{
		Nodes: append([]*Node(nil), s.Nodes...),
		Edges: append([]*Edge(nil), s.Edges...),
	}
	c.Sort()
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate checks referential integrity before a restore
func (s *Snapshot) Validate() error {
	ids := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		ids[n.ID] = true
	}
	for _, e := range s.Edges {
		if !ids[e.From] || !ids[e.To] {
			return fmt.Errorf("edge %s references unknown node", e.ID)
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("edge %s: %w", e.ID, err)
		}
	}
	return nil
}
