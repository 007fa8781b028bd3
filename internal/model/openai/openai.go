// Package openai adapts the OpenAI chat completions API to the
// model.Client interface.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/plotpalette/plotpalette/internal/model"
)

// Client invokes GPT models through the official SDK.
type Client struct {
	client openai.Client
}

// New creates an OpenAI-backed model client.
func New(apiKey string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Invoke implements model.Client.
func (c *Client) Invoke(ctx context.Context, req model.Request) (model.Response, error) {
	if ctx.Err() != nil {
		return model.Response{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.ModelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(req.MaxOutputTokens),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, model.Transient(fmt.Errorf("empty completion from %s", req.ModelID))
	}

	return model.Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps SDK errors onto the shared error classes.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return model.Quota(err)
		case 408, 500, 502, 503, 504:
			return model.Transient(err)
		default:
			return model.Permanent(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.Transient(err)
	}
	return model.Transient(err)
}
