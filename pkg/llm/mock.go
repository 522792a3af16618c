package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a mock oracle client for testing
type MockClient struct {
	GenerateFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	HealthFunc   func(ctx context.Context) error

	mu    sync.Mutex
	calls int
}

func (m *MockClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	// Default mock response
	return &GenerateResponse{
		Model:     req.Model,
		Response:  `{"result": "mock"}`,
		Done:      true,
		CreatedAt: time.Now(),
	}, nil
}

func (m *MockClient) Health(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Calls returns how many times Generate was invoked
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// NewMockClient creates a mock client with default behavior
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Respond returns a GenerateFunc that always answers with text
func Respond(text string) func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	return func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
		return &GenerateResponse{
			Model:     req.Model,
			Response:  text,
			Done:      true,
			CreatedAt: time.Now(),
		}, nil
	}
}
