package ai

import (
	"context"
	"errors"
	"strings"
)

// Client embeds text and completes prompts.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	EmbedModel      string
	CompletionModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
	// BaseURL overrides the OpenAI API root.
	BaseURL string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is an offline Client. Embeddings are zero vectors and
// completions restate the context lines of the prompt.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, s.dim), nil
}

// Complete returns the "[LABEL] text" context lines of prompt joined into
// one paragraph.
func (s *StubClient) Complete(_ context.Context, prompt string, _ int, _ float32) (string, error) {
	var parts []string
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		if i := strings.Index(line, "]"); i > 0 && i < len(line)-1 {
			parts = append(parts, strings.TrimSpace(line[i+1:]))
		}
	}
	if len(parts) == 0 {
		return "I don't have details on that yet.", nil
	}
	return strings.Join(parts, " "), nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
