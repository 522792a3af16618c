// Package coupling tracks cross-component metrics, detects plateaus and
// drives the escape ladder.
package coupling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/saaga0h/adaptive-core/internal/faults"
)

// Component names used in metric references
const (
	ComponentPatterns     = "patterns"
	ComponentReasoner     = "reasoner"
	ComponentEvolver      = "evolver"
	ComponentOrchestrator = "orchestrator"
)

// Well-known series
var (
	MetricCapability     = MetricRef{Component: ComponentOrchestrator, Metric: "capability"}
	MetricOracleCalls    = MetricRef{Component: ComponentReasoner, Metric: "oracle_calls"}
	MetricPatternSuccess = MetricRef{Component: ComponentPatterns, Metric: "success_rate"}
	MetricMemoryHitRate  = MetricRef{Component: ComponentReasoner, Metric: "memory_hit_rate"}
	MetricBestCombined   = MetricRef{Component: ComponentEvolver, Metric: "best_combined"}
)

// MetricRef names one time series
type MetricRef struct {
	Component string `json:"component" yaml:"component"`
	Metric    string `json:"metric" yaml:"metric"`
}

func (r MetricRef) String() string {
	return r.Component + "/" + r.Metric
}

// ParseMetricRef parses "component/metric"
func ParseMetricRef(s string) (MetricRef, error) {
	component, metric, ok := strings.Cut(s, "/")
	if !ok || component == "" || metric == "" {
		return MetricRef{}, fmt.Errorf("invalid metric reference %q", s)
	}
	return MetricRef{Component: component, Metric: metric}, nil
}

// Sample is one append-only measurement
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// Ref returns the series the sample belongs to
func (s Sample) Ref() MetricRef {
	return MetricRef{Component: s.Component, Metric: s.Metric}
}

// Validate checks a sample at the ingestion boundary
func (s Sample) Validate() error {
	if s.Component == "" || s.Metric == "" {
		return fmt.Errorf("sample requires component and metric")
	}
	if strings.Contains(s.Component, "/") {
		return fmt.Errorf("component %q must not contain '/'", s.Component)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("sample requires a timestamp")
	}
	if !faults.Finite(s.Value) {
		return fmt.Errorf("%w: sample %s=%v", faults.ErrNumericAnomaly, s.Ref(), s.Value)
	}
	return nil
}

// SampleStore persists samples. Range is inclusive of from and to and
// returns samples ordered by timestamp.
type SampleStore interface {
	Append(ctx context.Context, s Sample) error
	Range(ctx context.Context, ref MetricRef, from, to time.Time) ([]Sample, error)
	Series(ctx context.Context) ([]MetricRef, error)
}

// MemorySampleStore keeps samples in process
type MemorySampleStore struct {
	mu     sync.RWMutex
	series map[MetricRef][]Sample
}

// NewMemorySampleStore creates an empty store
func NewMemorySampleStore() *MemorySampleStore {
	return &MemorySampleStore{series: make(map[MetricRef][]Sample)}
}

// Append implements SampleStore
func (m *MemorySampleStore) Append(ctx context.Context, s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.series[s.Ref()]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(s.Timestamp) })
	list = append(list, Sample{})
	copy(list[i+1:], list[i:])
	list[i] = s
	m.series[s.Ref()] = list
	return nil
}

// Range implements SampleStore
func (m *MemorySampleStore) Range(ctx context.Context, ref MetricRef, from, to time.Time) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.series[ref]
	lo := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })
	var out []Sample
	for _, s := range list[lo:] {
		if s.Timestamp.After(to) {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

// Series implements SampleStore
func (m *MemorySampleStore) Series(ctx context.Context) ([]MetricRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make([]MetricRef, 0, len(m.series))
	for ref := range m.series {
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs, nil
}

func sortRefs(refs []MetricRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}
