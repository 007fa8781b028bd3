// Package anthropic adapts the Anthropic Messages API to the model.Client
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/plotpalette/plotpalette/internal/model"
)

// Client invokes Claude models through the official SDK.
type Client struct {
	client anthropic.Client
}

// New creates an Anthropic-backed model client.
func New(apiKey string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Invoke implements model.Client. The prompt is sent as a single user
// message; provider-reported usage is passed through untouched.
func (c *Client) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		MaxTokens: req.MaxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return model.Response{}, model.Transient(fmt.Errorf("empty completion from %s", req.ModelID))
	}

	return model.Response{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// classify maps SDK errors onto the shared error classes.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return model.Quota(err)
		case 408, 500, 502, 503, 504, 529:
			return model.Transient(err)
		default:
			return model.Permanent(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Transient(err)
	}
	// Network-level failures from the SDK arrive unwrapped.
	return model.Transient(err)
}
