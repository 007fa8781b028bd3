package app

import (
	"github.com/plotpalette/plotpalette/internal/config"
	"github.com/plotpalette/plotpalette/internal/domain"
	"github.com/plotpalette/plotpalette/internal/model"
	"github.com/plotpalette/plotpalette/internal/model/anthropic"
	"github.com/plotpalette/plotpalette/internal/model/openai"
)

// BuildModels creates the provider registry from configuration. Providers
// without an API key stay unregistered; resolving a tier mapped to them
// fails at call time with a permanent error. In local mode, providers
// without a key are backed by the scripted mock instead, so the binaries
// run end to end without network credentials.
func BuildModels(cfg config.Models, local bool) *model.Registry {
	reg := model.NewRegistry()
	if cfg.AnthropicAPIKey != "" {
		reg.RegisterProvider("anthropic", anthropic.New(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		reg.RegisterProvider("openai", openai.New(cfg.OpenAIAPIKey))
	}
	if local {
		stub := &model.Mock{}
		for _, key := range []string{"anthropic", "openai", "mock"} {
			if cfg.AnthropicAPIKey != "" && key == "anthropic" {
				continue
			}
			if cfg.OpenAIAPIKey != "" && key == "openai" {
				continue
			}
			reg.RegisterProvider(key, stub)
		}
	}
	reg.MapTier(domain.TierOne, cfg.Tier1Model)
	reg.MapTier(domain.TierTwo, cfg.Tier2Model)
	reg.MapTier(domain.TierThree, cfg.Tier3Model)
	return reg
}
