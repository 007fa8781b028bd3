package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassTransient, ClassOf(Transient(errors.New("throttled"))))
	assert.Equal(t, ClassQuota, ClassOf(Quota(errors.New("rate limit"))))
	assert.Equal(t, ClassPermanent, ClassOf(Permanent(errors.New("bad model"))))
	assert.Equal(t, ClassTransient, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ClassPermanent, ClassOf(errors.New("mystery")))
}

func TestClassOfWrapped(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), Transient(errors.New("inner")))
	assert.Equal(t, ClassTransient, ClassOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient(errors.New("x"))))
	assert.True(t, IsRetryable(Quota(errors.New("x"))))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, ClassQuota, classifyHTTPStatus(429))
	assert.Equal(t, ClassTransient, classifyHTTPStatus(503))
	assert.Equal(t, ClassTransient, classifyHTTPStatus(408))
	assert.Equal(t, ClassPermanent, classifyHTTPStatus(400))
	assert.Equal(t, ClassPermanent, classifyHTTPStatus(401))
}

func TestMockScriptedResponses(t *testing.T) {
	m := &Mock{
		Responses: []Response{
			{Text: "first", InputTokens: 10, OutputTokens: 5},
			{Text: "second", InputTokens: 20, OutputTokens: 10},
		},
	}

	ctx := context.Background()
	r1, err := m.Invoke(ctx, Request{Prompt: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "first", r1.Text)

	r2, err := m.Invoke(ctx, Request{Prompt: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "second", r2.Text)

	// Past the script, the last response repeats.
	r3, err := m.Invoke(ctx, Request{Prompt: "p3"})
	require.NoError(t, err)
	assert.Equal(t, "second", r3.Text)

	assert.Equal(t, 3, m.CallCount())
}

func TestMockErrorInjection(t *testing.T) {
	m := &Mock{
		Responses: []Response{{Text: "ok"}},
		Errs:      map[int]error{1: Transient(errors.New("flaky"))},
	}

	ctx := context.Background()
	_, err := m.Invoke(ctx, Request{})
	require.NoError(t, err)

	_, err = m.Invoke(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, ClassTransient, ClassOf(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	mock := &Mock{}
	r.RegisterProvider("mock", mock)
	r.MapTier("tier-1", "test-model")

	client, modelID, err := r.ForTier("tier-1")
	require.NoError(t, err)
	assert.Equal(t, "test-model", modelID)
	assert.Same(t, mock, client.(*Mock))

	_, _, err = r.ForTier("tier-9")
	assert.Error(t, err)
}

func TestProviderFor(t *testing.T) {
	assert.Equal(t, "anthropic", providerFor("claude-sonnet-4-20250514"))
	assert.Equal(t, "openai", providerFor("gpt-4o-mini"))
	assert.Equal(t, "mock", providerFor("test-model"))
}
