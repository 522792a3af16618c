// Package embedding turns text into vectors through a pluggable provider.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/saaga0h/adaptive-core/internal/faults"
	"github.com/saaga0h/adaptive-core/internal/resilience"
)

// Provider produces an embedding for text
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service wraps a provider with retries, rate limiting and a bounded cache
type Service struct {
	provider Provider
	guard    *resilience.Guard
	logger   *slog.Logger

	mu      sync.Mutex
	cache   map[string][]float32
	order   []string
	maxSize int
}

// NewService creates an embedding service. guard may be nil for direct calls.
func NewService(provider Provider, guard *resilience.Guard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		guard:    guard,
		logger:   logger,
		cache:    make(map[string][]float32),
		maxSize:  4096,
	}
}

// Embed returns the embedding of text. Provider failures are retried as
// transient dependency failures; an exhausted budget returns an error
// satisfying errors.Is(err, faults.ErrTransientDependency).
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	if vec, ok := s.cached(text); ok {
		return vec, nil
	}

	var vec []float32
	call := func(ctx context.Context) error {
		v, err := s.provider.Embed(ctx, text)
		if err != nil {
			return faults.Transient(resilience.DependencyEmbedding, err)
		}
		vec = v
		return nil
	}

	var err error
	if s.guard != nil {
		err = s.guard.Call(ctx, resilience.DependencyEmbedding, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: embedding contains non-finite values", faults.ErrNumericAnomaly)
		}
	}

	s.store(text, vec)
	s.logger.Debug("Embedded text", "length", len(text), "dims", len(vec))
	return vec, nil
}

func (s *Service) cached(text string) ([]float32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[text]
	return v, ok
}

func (s *Service) store(text string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[text]; ok {
		return
	}
	if len(s.order) >= s.maxSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
	s.cache[text] = vec
	s.order = append(s.order, text)
}
