// Package events carries structured events for rejected, degraded and
// lifecycle paths to the log, the MQTT bus and the plateau monitor.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/saaga0h/adaptive-core/pkg/mqtt"
)

// Kind identifies an event type
type Kind string

const (
	PatternRejected    Kind = "pattern_rejected"
	EmbeddingDeferred  Kind = "embedding_deferred"
	PatternLifted      Kind = "pattern_lifted"
	PatternsArchived   Kind = "patterns_archived"
	ThresholdAdjusted  Kind = "threshold_adjusted"
	SafetyRejected     Kind = "safety_rejected"
	Inconclusive       Kind = "inconclusive"
	OracleDegraded     Kind = "oracle_degraded"
	NumericAnomaly     Kind = "numeric_anomaly"
	CheckpointCorrupt  Kind = "checkpoint_corrupt"
	CheckpointWritten  Kind = "checkpoint_written"
	ModeChanged        Kind = "mode_changed"
	TransitionFailed   Kind = "transition_failed"
	GoalArchived       Kind = "goal_archived"
	KillSignal         Kind = "kill_signal"
	Escalation         Kind = "escalation"
	ImprovementApplied Kind = "improvement_applied"
)

// lifecycle kinds are logged at info, everything else at warn
var lifecycle = map[Kind]bool{
	PatternLifted:      true,
	PatternsArchived:   true,
	ThresholdAdjusted:  true,
	CheckpointWritten:  true,
	ModeChanged:        true,
	GoalArchived:       true,
	ImprovementApplied: true,
}

// Event is one structured event
type Event struct {
	Kind      Kind           `json:"kind"`
	Component string         `json:"component"`
	Reason    string         `json:"reason,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink consumes events, typically the plateau monitor
type Sink interface {
	Consume(ctx context.Context, ev Event)
}

// Emitter fans events out to the logger, an optional MQTT publisher and sinks.
// A nil *Emitter discards everything.
type Emitter struct {
	logger    *slog.Logger
	publisher mqtt.Client

	mu     sync.Mutex
	sinks  []Sink
	counts map[Kind]int64
	now    func() time.Time
}

// NewEmitter creates an emitter. publisher may be nil.
func NewEmitter(logger *slog.Logger, publisher mqtt.Client) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:    logger,
		publisher: publisher,
		counts:    make(map[Kind]int64),
		now:       time.Now,
	}
}

// AddSink registers a consumer for every subsequent event
func (e *Emitter) AddSink(s Sink) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit records ev
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	e.mu.Lock()
	e.counts[ev.Kind]++
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.Unlock()

	args := []any{"kind", string(ev.Kind), "component", ev.Component}
	if ev.Reason != "" {
		args = append(args, "reason", ev.Reason)
	}
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, ev.Attrs[k])
	}
	if lifecycle[ev.Kind] {
		e.logger.Info("Event", args...)
	} else {
		e.logger.Warn("Event", args...)
	}

	e.publish(mqtt.EventTopic(string(ev.Kind)), false, ev)

	for _, s := range sinks {
		s.Consume(ctx, ev)
	}
}

// Publish sends v as JSON to topic if a connected publisher is configured
func (e *Emitter) Publish(topic string, retained bool, v any) {
	if e == nil {
		return
	}
	e.publish(topic, retained, v)
}

func (e *Emitter) publish(topic string, retained bool, v any) {
	if e.publisher == nil || !e.publisher.IsConnected() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := e.publisher.Publish(topic, 0, retained, payload); err != nil {
		e.logger.Warn("Failed to publish event", "topic", topic, "error", err)
	}
}

// Counts returns how many events of each kind were emitted
func (e *Emitter) Counts() map[Kind]int64 {
	out := make(map[Kind]int64)
	if e == nil {
		return out
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}
