// Package llm adapts model provider SDKs behind a single completion
// interface.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/domain"
)

// Message is one turn of a provider-neutral conversation.
type Message struct {
	Role        domain.Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult carries a tool's outcome back to the model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// ToolDef describes a callable tool in provider-neutral form.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply to a completion request.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Request is a single completion request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
	JSONMode bool
}

// Client is implemented by each provider adapter.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Provider() string
	Model() string
}

// New builds the adapter configured by MODEL_PROVIDER.
func New(ctx context.Context, cfg *config.Config, keys KeySource) (Client, error) {
	switch cfg.Provider {
	case "openai":
		key, err := keys.APIKey(ctx, "openai")
		if err != nil {
			return nil, fmt.Errorf("openai key: %w", err)
		}
		return NewOpenAI(key, cfg.Model), nil
	case "gemini":
		key, err := keys.APIKey(ctx, "gemini")
		if err != nil {
			return nil, fmt.Errorf("gemini key: %w", err)
		}
		return NewGemini(ctx, key, cfg.Model)
	case "claude":
		key, err := keys.APIKey(ctx, "claude")
		if err != nil {
			return nil, fmt.Errorf("claude key: %w", err)
		}
		return NewAnthropic(key, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %q", cfg.Provider)
	}
}

// KeySource resolves provider API keys.
type KeySource interface {
	APIKey(ctx context.Context, provider string) (string, error)
}
