// Package model abstracts foundation-model providers behind a single
// invocation interface with classified errors.
package model

import (
	"context"
	"fmt"
	"strings"
)

// Request is one model invocation. MaxInputTokens bounds the prompt the
// caller intends to send; MaxOutputTokens is passed to the provider as the
// generation ceiling. Both feed budget projection.
type Request struct {
	ModelID         string
	Prompt          string
	MaxInputTokens  int64
	MaxOutputTokens int64
}

// Response carries the generated text and the provider-reported token
// usage. Token counts are authoritative for cost accounting.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Client is the provider interface. Implementations classify failures via
// the error constructors in this package so callers can choose retry
// behavior without string matching.
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Registry maps tiers to concrete model ids and model ids to provider
// clients. Concrete adapters are registered at startup, never at call sites.
type Registry struct {
	tierModels map[string]string // tier → model id
	clients    map[string]Client // provider key → client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tierModels: make(map[string]string),
		clients:    make(map[string]Client),
	}
}

// MapTier binds a tier label to a concrete model id.
func (r *Registry) MapTier(tier, modelID string) {
	r.tierModels[tier] = modelID
}

// RegisterProvider binds a provider key to a client. The provider key is
// matched against model id prefixes in providerFor.
func (r *Registry) RegisterProvider(key string, c Client) {
	r.clients[key] = c
}

// ForTier resolves a tier to its model id and provider client.
func (r *Registry) ForTier(tier string) (Client, string, error) {
	modelID, ok := r.tierModels[tier]
	if !ok {
		return nil, "", fmt.Errorf("no model mapped for tier %q", tier)
	}
	client, ok := r.clients[providerFor(modelID)]
	if !ok {
		return nil, "", fmt.Errorf("no provider registered for model %q", modelID)
	}
	return client, modelID, nil
}

// providerFor infers the provider key from a model id.
func providerFor(modelID string) string {
	switch {
	case strings.HasPrefix(modelID, "claude-"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt-") || strings.HasPrefix(modelID, "o1-") || strings.HasPrefix(modelID, "o3-"):
		return "openai"
	default:
		return "mock"
	}
}
