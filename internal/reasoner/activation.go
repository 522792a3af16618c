package reasoner

import (
	"context"
	"fmt"
	"sort"

	"github.com/saaga0h/adaptive-core/internal/graph"
)

// Activation maps node ids to normalized activation in [0, 1]
type Activation map[string]float64

// Top returns up to n node ids ordered by activation, then id
func (a Activation) Top(n int) []string {
	ids := make([]string, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if a[ids[i]] != a[ids[j]] {
			return a[ids[i]] > a[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Spread propagates activation from seeds along outgoing edges. Each seed
// starts at 1.0 and each hop passes on activation*Decay*strength. Spreads
// below ActivationThreshold are pruned and propagation stops at MaxDepth.
// The result is normalized so its maximum is 1.
func (r *Reasoner) Spread(ctx context.Context, seeds []string) (Activation, error) {
	raw, err := spread(ctx, r.store, seeds, r.cfg.Decay, r.cfg.ActivationThreshold, r.cfg.MaxDepth)
	if err != nil {
		return nil, err
	}
	return normalize(raw), nil
}

// spread returns the raw, unnormalized accumulation
func spread(ctx context.Context, store graph.Store, seeds []string, decay, threshold float64, maxDepth int) (Activation, error) {
	act := make(Activation, len(seeds))
	frontier := make(map[string]float64, len(seeds))
	for _, id := range seeds {
		act[id] = 1
		frontier[id] = 1
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		next := make(map[string]float64)
		for _, id := range ids {
			edges, err := store.Edges(ctx, id, graph.Outgoing)
			if err != nil {
				return nil, fmt.Errorf("failed to read edges of %s: %w", id, err)
			}
			for _, e := range edges {
				amount := frontier[id] * decay * e.Strength
				if amount < threshold {
					continue
				}
				next[e.To] += amount
				act[e.To] += amount
			}
		}
		frontier = next
	}
	return act, nil
}

func normalize(act Activation) Activation {
	var peak float64
	for _, v := range act {
		if v > peak {
			peak = v
		}
	}
	out := make(Activation, len(act))
	if peak == 0 {
		return out
	}
	for id, v := range act {
		out[id] = v / peak
	}
	return out
}
