// Package modelclient defines the ModelClient substrate interface: LLM
// chat-completion and an optional embedding endpoint (§6).
package modelclient

import "context"

// Message is one chat turn.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// ChatRequest is the chat-completion request shape shared by every
// provider adapter.
type ChatRequest struct {
	Model          string
	Messages       []Message
	ResponseFormat string // hint only; providers may ignore it
	MaxTokens      int
	Temperature    float64
}

// ChatResponse is the provider-agnostic result.
type ChatResponse struct {
	Content    string
	ModelID    string
	LatencyMS  int64
}

// ModelClient is the substrate LLM dependency: chat completion plus an
// optional embedding endpoint (§4.6 notes the fallback used when this is
// unset).
type ModelClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Embed returns a fixed-dimension vector, or ErrEmbeddingUnavailable if
	// this provider does not support embeddings.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Dimension is the fixed embedding dimension used throughout PatternMemory,
// both for endpoint-produced and hashed-fallback embeddings (§4.6).
const Dimension = 1536
