// Package langchain adapts langchaingo's llms.Model (and, where the
// provider supports it, its embeddings client) to the ModelClient
// interface, so the Classifier and PatternMemory can target any backend
// langchaingo supports through one implementation.
package langchain

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
)

// Client adapts a langchaingo llms.Model (and optional Embedder) to
// ModelClient.
type Client struct {
	model    llms.Model
	embedder embeddings.Embedder
	modelID  string
}

func New(model llms.Model, embedder embeddings.Embedder, modelID string) *Client {
	return &Client{model: model, embedder: embedder, modelID: modelID}
}

var _ modelclient.ModelClient = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req modelclient.ChatRequest) (modelclient.ChatResponse, error) {
	start := time.Now()

	var msgs []llms.MessageContent
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return modelclient.ChatResponse{}, domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "langchaingo generate failed", err)
	}
	if len(resp.Choices) == 0 {
		return modelclient.ChatResponse{}, domainerrors.ErrParseMalformed
	}

	return modelclient.ChatResponse{
		Content:   resp.Choices[0].Content,
		ModelID:   c.modelID,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, modelclient.ErrEmbeddingUnavailable
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "langchaingo embed failed", err)
	}
	if len(vecs) == 0 {
		return nil, domainerrors.ErrParseMalformed
	}
	return vecs[0], nil
}
