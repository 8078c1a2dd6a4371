// Package llm phrases negotiation messages with a language model. Phrasing
// is cosmetic: every helper falls back to a deterministic template when no
// model is configured or the call fails, and negotiation decisions never
// depend on model output.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/dcap-x-project/dcap-commerce/config"
)

// ErrDisabled is returned when no language model is configured
var ErrDisabled = errors.New("llm: disabled (missing api key)")

// Client is the minimal interface the agents use for phrasing
type Client interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// GoogleAIClient implements Client on top of langchaingo's googleai backend
type GoogleAIClient struct {
	model llms.Model
}

// NewFromConfig creates a client from the llm section of the app config.
// Returns ErrDisabled when no API key is set so callers can run without
// phrasing.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrDisabled
	}

	model, err := googleai.New(
		ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: initialize model: %w", err)
	}
	return &GoogleAIClient{model: model}, nil
}

// Chat sends a single prompt and returns the trimmed response text
func (c *GoogleAIClient) Chat(ctx context.Context, system, user string) (string, error) {
	prompt := user
	if strings.TrimSpace(system) != "" {
		prompt = fmt.Sprintf("%s\n\n%s", system, user)
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	return strings.TrimSpace(out), nil
}
