package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harun/ctxlab/pkg/tools"
)

// LLMProvider is the inference backend seen by agents and the loop.
type LLMProvider interface {
	// Call makes a non-streaming call. The response holds either content or
	// tool calls (or both).
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Stream makes a streaming call. The channel is closed after the last
	// chunk; a chunk carrying Err ends the stream early.
	Stream(ctx context.Context, request LLMRequest) (<-chan StreamChunk, error)

	// ValidateModel checks that the backend serves model.
	ValidateModel(ctx context.Context, model string) error

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []tools.Definition
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ProviderOptions selects and configures a backend.
type ProviderOptions struct {
	Provider   string
	BaseURL    string
	APIKey     string
	MaxRetries int
	HTTPClient *http.Client
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider from the backend options.
func (f *ProviderFactory) NewProvider(opts ProviderOptions) (LLMProvider, error) {
	switch opts.Provider {
	case "openai", "":
		return NewOpenAIProvider(opts), nil
	case "anthropic":
		return NewAnthropicProvider(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", opts.Provider)
	}
}

// streamBuffer is the capacity of provider chunk channels.
const streamBuffer = 16

// sendChunk delivers a chunk unless ctx is done first.
func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
