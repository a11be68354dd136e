// Package llm is the model contract: an ordered message history and
// the tool catalog definitions go in, and a text reply or tool calls
// come out.
package llm

import "context"

// Client is implemented by every model provider.
type Client interface {
	// Chat sends one completion request. tools are function-calling
	// definitions; nil disables tool use (summarization calls).
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
