// Package anthropic adapts the Anthropic Messages API to the ModelClient
// interface. cmd/ciremediator always wires this client; no config option
// selects between model-client providers.
package anthropic

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
)

// Client is a ModelClient backed by the Anthropic Messages API. It does
// not support embeddings; PatternMemory falls back to the deterministic
// hashed projection when this client is selected (§4.6, §9).
type Client struct {
	sdk    anthropic.Client
	model  string
	logger *zap.Logger
}

func New(apiKey, model string, logger *zap.Logger) *Client {
	return &Client{
		sdk:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

var _ modelclient.ModelClient = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req modelclient.ChatRequest) (modelclient.ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	var system string
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return modelclient.ChatResponse{}, classifyError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return modelclient.ChatResponse{
		Content:   content,
		ModelID:   string(resp.Model),
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) Embed(context.Context, string) ([]float32, error) {
	return nil, modelclient.ErrEmbeddingUnavailable
}
