package patterns

import (
	"context"
	"sort"

	"github.com/saaga0h/adaptive-core/internal/embedding"
	"github.com/saaga0h/adaptive-core/internal/events"
)

// DiversityReport summarizes one diversity enforcement pass
type DiversityReport struct {
	MeanDistance float64  `json:"mean_distance"`
	Clusters     int      `json:"clusters"`
	Archived     []string `json:"archived,omitempty"`
}

// cluster is a DBSCAN group of pattern indices
type cluster struct {
	id      int
	members []int
}

// MeanPairwiseDistance returns the mean cosine distance over active patterns
func (l *Library) MeanPairwiseDistance() float64 {
	return meanPairwiseDistance(l.activeWithVectors())
}

func (l *Library) activeWithVectors() []*Pattern {
	var out []*Pattern
	for _, p := range l.List() {
		if !p.Archived && len(p.ContextVector) > 0 {
			out = append(out, p)
		}
	}
	return out
}

func meanPairwiseDistance(ps []*Pattern) float64 {
	if len(ps) < 2 {
		return 1
	}
	var sum float64
	pairs := 0
	for i := 0; i < len(ps); i++ {
		for j := i + 1; j < len(ps); j++ {
			sum += embedding.Distance(ps[i].ContextVector, ps[j].ContextVector)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// EnforceDiversity archives redundant patterns when the library has
// collapsed: if the mean pairwise distance is below the floor, clusters
// larger than ClusterMaxSize keep only their ClusterKeep best patterns.
func (l *Library) EnforceDiversity(ctx context.Context) (*DiversityReport, error) {
	active := l.activeWithVectors()
	report := &DiversityReport{MeanDistance: meanPairwiseDistance(active)}
	if report.MeanDistance >= l.cfg.DiversityFloor {
		return report, nil
	}

	l.logger.Info("Pattern diversity below floor",
		"mean_distance", report.MeanDistance,
		"floor", l.cfg.DiversityFloor,
		"patterns", len(active))

	clusters := dbscan(active, l.cfg.ClusterEpsilon, l.cfg.ClusterMinPoints)
	report.Clusters = len(clusters)

	for _, c := range clusters {
		if len(c.members) <= l.cfg.ClusterMaxSize {
			continue
		}
		members := make([]*Pattern, len(c.members))
		for i, idx := range c.members {
			members[i] = active[idx]
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].SuccessRate != members[j].SuccessRate {
				return members[i].SuccessRate > members[j].SuccessRate
			}
			return members[i].ID < members[j].ID
		})

		for _, p := range members[l.cfg.ClusterKeep:] {
			if _, err := l.update(ctx, p.ID, func(p *Pattern) error {
				p.Archived = true
				p.UpdatedAt = l.now().UTC()
				return nil
			}); err != nil {
				return report, err
			}
			report.Archived = append(report.Archived, p.ID)
		}
		l.logger.Debug("Cluster pruned", "cluster_id", c.id, "size", len(members), "kept", l.cfg.ClusterKeep)
	}

	if len(report.Archived) > 0 {
		l.events.Emit(ctx, events.Event{
			Kind:      events.PatternsArchived,
			Component: component,
			Reason:    "diversity floor",
			Attrs: map[string]any{
				"archived":      len(report.Archived),
				"clusters":      report.Clusters,
				"mean_distance": report.MeanDistance,
			},
		})
	}
	return report, nil
}

// dbscan clusters patterns with cosine distance. Noise points are dropped.
func dbscan(ps []*Pattern, epsilon float64, minPoints int) []cluster {
	n := len(ps)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := embedding.Distance(ps[i].ContextVector, ps[j].ContextVector)
			dist[i][j], dist[j][i] = d, d
		}
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && dist[i][j] <= epsilon {
				out = append(out, j)
			}
		}
		return out
	}

	const noise = -1
	visited := make([]bool, n)
	assigned := make([]int, n) // 0 unassigned, -1 noise, >0 cluster id

	current := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true

		queue := neighbors(i)
		if len(queue) < minPoints {
			assigned[i] = noise
			continue
		}

		current++
		assigned[i] = current
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if !visited[j] {
				visited[j] = true
				if next := neighbors(j); len(next) >= minPoints {
					queue = append(queue, next...)
				}
			}
			if assigned[j] <= 0 {
				assigned[j] = current
			}
		}
	}

	byID := make(map[int]*cluster)
	for i, cid := range assigned {
		if cid <= 0 {
			continue
		}
		c, ok := byID[cid]
		if !ok {
			c = &cluster{id: cid}
			byID[cid] = c
		}
		c.members = append(c.members, i)
	}

	out := make([]cluster, 0, len(byID))
	for cid := 1; cid <= current; cid++ {
		if c, ok := byID[cid]; ok {
			out = append(out, *c)
		}
	}
	return out
}
