package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Analyzer is a generic interface for structured oracle requests
type Analyzer[TInput any, TOutput any] interface {
	// BuildPrompt creates the prompt from input data
	BuildPrompt(input TInput) string

	// ParseResponse extracts structured output from the response
	ParseResponse(response string) (TOutput, error)

	// Validate checks if the output meets domain constraints
	Validate(output TOutput) error
}

// Analyze is a generic helper that combines prompt building, the oracle call, and parsing
func Analyze[TInput any, TOutput any](
	ctx context.Context,
	client Client,
	analyzer Analyzer[TInput, TOutput],
	model string,
	input TInput,
	logger *slog.Logger,
) (TOutput, error) {
	var zero TOutput

	prompt := analyzer.BuildPrompt(input)

	logger.Debug("Building LLM prompt", "prompt_length", len(prompt))

	req := DefaultGenerateRequest(model, prompt)

	resp, err := client.Generate(ctx, req)
	if err != nil {
		return zero, fmt.Errorf("LLM generate failed: %w", err)
	}

	output, err := analyzer.ParseResponse(resp.Response)
	if err != nil {
		logger.Error("Failed to parse LLM response",
			"response", resp.Response,
			"error", err)
		return zero, fmt.Errorf("parse response failed: %w", err)
	}

	if err := analyzer.Validate(output); err != nil {
		return zero, fmt.Errorf("validation failed: %w", err)
	}

	logger.Debug("LLM analysis complete",
		"eval_count", resp.EvalCount,
		"duration_ms", resp.TotalDuration/1_000_000)

	return output, nil
}
