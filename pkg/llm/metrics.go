package llm

import (
	"context"
	"log/slog"
	"sync"
)

// Metrics tracks oracle usage statistics
type Metrics struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalDurationMs  int64   `json:"total_duration_ms"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorCount       int64   `json:"error_count"`
}

// MetricsCollector collects oracle usage metrics
type MetricsCollector struct {
	mu      sync.Mutex
	metrics Metrics
	logger  *slog.Logger
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsCollector{
		logger: logger,
	}
}

// Record records metrics from a response
func (mc *MetricsCollector) Record(resp *GenerateResponse) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.TotalRequests++
	mc.metrics.TotalTokens += int64(resp.EvalCount + resp.PromptEvalCount)
	mc.metrics.TotalDurationMs += resp.TotalDuration / 1_000_000

	if mc.metrics.TotalRequests > 0 {
		mc.metrics.AverageLatencyMs = float64(mc.metrics.TotalDurationMs) / float64(mc.metrics.TotalRequests)
	}
}

// RecordError records an error
func (mc *MetricsCollector) RecordError() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics.ErrorCount++
}

// GetMetrics returns current metrics
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.metrics
}

// LogMetrics logs current metrics
func (mc *MetricsCollector) LogMetrics() {
	m := mc.GetMetrics()
	mc.logger.Info("LLM metrics",
		"total_requests", m.TotalRequests,
		"total_tokens", m.TotalTokens,
		"avg_latency_ms", m.AverageLatencyMs,
		"error_count", m.ErrorCount)
}

// meteredClient records every call on a collector
type meteredClient struct {
	inner     Client
	collector *MetricsCollector
}

// WithMetrics wraps a client so every call is recorded on collector
func WithMetrics(inner Client, collector *MetricsCollector) Client {
	return &meteredClient{inner: inner, collector: collector}
}

func (m *meteredClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	resp, err := m.inner.Generate(ctx, req)
	if err != nil {
		m.collector.RecordError()
		return nil, err
	}
	m.collector.Record(resp)
	return resp, nil
}

func (m *meteredClient) Health(ctx context.Context) error {
	return m.inner.Health(ctx)
}
