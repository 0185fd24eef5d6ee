// Package ai adapts external language-model backends to one streaming
// interface. Providers convert backend-native iterators into a channel of
// StreamEvents that the agent loop can select on alongside cancellation.
package ai

import (
	"context"
	"encoding/json"
	"strings"
)

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText       StreamEventType = "text"
	EventTypeThinking   StreamEventType = "thinking"
	EventTypeToolCall   StreamEventType = "tool_call"
	EventTypeToolResult StreamEventType = "tool_result"
	EventTypeError      StreamEventType = "error"
	EventTypeDone       StreamEventType = "done"
)

// StreamEvent represents a streaming response event. Text carries content
// for text events, the reasoning trace for thinking events, and the result
// body for tool_result events (ToolCall then identifies the call).
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Error    error           `json:"error,omitempty"`
}

// ToolCall represents a tool invocation from the model
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the outcome of one tool invocation
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one entry of the conversation view handed to a provider.
// Role is one of user, assistant, tool, system.
type Message struct {
	Role        string       `json:"role"`
	Name        string       `json:"name,omitempty"`
	Content     string       `json:"content"`
	Thinking    string       `json:"thinking,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Images      [][]byte     `json:"images,omitempty"`
}

// ToolDefinition describes a tool available to the model
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest represents a request to the provider
type ChatRequest struct {
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	System         string           `json:"system,omitempty"`
	Model          string           `json:"model,omitempty"`
	EnableThinking bool             `json:"enable_thinking,omitempty"`
}

// Provider interface for language-model backends
type Provider interface {
	// ID returns the backend identifier ("ollama", "anthropic", "openai")
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after the terminal done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// Generator is implemented by providers that offer a cheaper single-prompt
// completion path, used for summaries and titles.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Completion is a fully collected, non-streamed response.
type Completion struct {
	Content   string
	Thinking  string
	ToolCalls []ToolCall
}

// Complete drains a provider stream into a single Completion. Used where
// the caller needs the whole response before acting, e.g. routing decisions
// taken without a client to stream to.
func Complete(ctx context.Context, p Provider, req *ChatRequest) (*Completion, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var out Completion
	var content, thinking strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				out.Content = content.String()
				out.Thinking = thinking.String()
				return &out, nil
			}
			switch ev.Type {
			case EventTypeText:
				content.WriteString(ev.Text)
			case EventTypeThinking:
				thinking.WriteString(ev.Text)
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					out.ToolCalls = append(out.ToolCalls, *ev.ToolCall)
				}
			case EventTypeError:
				return nil, ev.Error
			}
		}
	}
}

// GenerateText produces a one-shot completion for a bare prompt, taking the
// provider's Generate fast path when it has one.
func GenerateText(ctx context.Context, p Provider, model, prompt string) (string, error) {
	if g, ok := p.(Generator); ok {
		return g.Generate(ctx, model, prompt)
	}
	res, err := Complete(ctx, p, &ChatRequest{
		Model:    model,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *ProviderError) Error() string {
	return e.Message
}

// IsContextOverflow checks if an error indicates context window overflow
func IsContextOverflow(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Code == "context_length_exceeded" ||
			pe.Type == "invalid_request_error" && containsContextError(pe.Message)
	}
	return false
}

// IsRateLimitOrAuth checks if an error is due to rate limiting or auth issues
func IsRateLimitOrAuth(err error) bool {
	if pe, ok := err.(*ProviderError); ok {
		return pe.Code == "rate_limit_exceeded" ||
			pe.Code == "authentication_error" ||
			pe.Type == "rate_limit_error" ||
			pe.Type == "authentication_error"
	}
	return false
}

func containsContextError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range []string{"context", "token", "length", "exceeded", "too long"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
