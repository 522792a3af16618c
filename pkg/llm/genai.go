package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// GenAIClient serves both the oracle and embedding roles through the Gemini API
type GenAIClient struct {
	client         *genai.Client
	model          string
	embeddingModel string
	logger         *slog.Logger
}

// NewGenAIClient creates a Gemini-backed client
func NewGenAIClient(ctx context.Context, apiKey, model, embeddingModel string, logger *slog.Logger) (*GenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	return &GenAIClient{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		logger:         logger,
	}, nil
}

// Generate implements Client
func (c *GenAIClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t, ok := req.Options["temperature"].(float64); ok {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if req.Format == "json" {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	out := &GenerateResponse{
		Model:         model,
		CreatedAt:     time.Now(),
		Response:      resp.Text(),
		Done:          true,
		TotalDuration: time.Since(start).Nanoseconds(),
	}
	if resp.UsageMetadata != nil {
		out.PromptEvalCount = int(resp.UsageMetadata.PromptTokenCount)
		out.EvalCount = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	c.logger.Debug("GenAI response received",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"response_length", len(out.Response))

	return out, nil
}

// Health implements Client with a minimal embedding call
func (c *GenAIClient) Health(ctx context.Context) error {
	if _, err := c.Embed(ctx, "health"); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Embed returns the embedding of text
func (c *GenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("GenAI returned no embeddings")
	}
	return resp.Embeddings[0].Values, nil
}
