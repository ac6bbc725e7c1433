// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
)

// Message roles accepted by the chat API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "gpt-4o-mini").
	Model string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// Client defines the interface for Large Language Model clients.
type Client interface {
	// Chat sends a message list to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Chat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

	// ChatStream sends a message list to the LLM and returns a channel that streams
	// response chunks as they are generated. The channel is closed when generation
	// completes or an error occurs. Callers should check StreamChunk.Error and
	// StreamChunk.Done to detect completion and errors. Chunks arrive on the
	// channel in the order the remote endpoint produced them.
	ChatStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error)
}
