// Package slack adapts slack-go/slack to the Notifier interface,
// including the interactive approval-request elements of §6.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/ci-remediator/ci-remediator/pkg/notifier"
)

// Client is a Notifier backed by the Slack Web API.
type Client struct {
	api *slack.Client
}

func New(token string) *Client {
	return &Client{api: slack.New(token)}
}

var _ notifier.Notifier = (*Client)(nil)

func (c *Client) Send(ctx context.Context, channel string, kind notifier.Kind, payload notifier.Payload) error {
	blocks := render(kind, payload)

	_, _, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText(kind, payload), false),
	)
	if err != nil {
		return &notifier.RetryableError{Cause: err}
	}
	return nil
}

func fallbackText(kind notifier.Kind, payload notifier.Payload) string {
	return fmt.Sprintf("[%s] %v", kind, payload["summary"])
}

func render(kind notifier.Kind, payload notifier.Payload) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, string(kind), false, false))
	body := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, renderBody(payload), false, false), nil, nil)

	blocks := []slack.Block{header, body}

	if kind == notifier.KindApprovalRequest {
		approve := slack.NewButtonBlockElement("approve", "approve", slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
		reject := slack.NewButtonBlockElement("reject", "reject", slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
		blocks = append(blocks, slack.NewActionBlock("approval_actions", approve, reject))
	}

	return blocks
}

func renderBody(payload notifier.Payload) string {
	var out string
	for k, v := range payload {
		out += fmt.Sprintf("*%s*: %v\n", k, v)
	}
	return out
}
