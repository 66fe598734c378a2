package openaicompat

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// NewOpenAI builds the default OpenAI adapter.
func NewOpenAI(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "openai",
		Label:        "OpenAI",
		ApiKey:       apiKey,
		BaseURL:      "https://api.openai.com",
		DefaultForFunc: func(model string) bool {
			return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
		},
	}, nil, logger)
}

// NewGroq builds the Groq adapter (OpenAI-compatible endpoint, groq/ prefix).
func NewGroq(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "groq",
		Label:        "Groq",
		ApiKey:       apiKey,
		BaseURL:      "https://api.groq.com/openai",
		ModelPrefix:  "groq/",
	}, nil, logger)
}

// NewMistral builds the Mistral adapter.
func NewMistral(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "mistral",
		Label:        "Mistral",
		ApiKey:       apiKey,
		BaseURL:      "https://api.mistral.ai",
		ModelPrefix:  "mistral/",
	}, nil, logger)
}

// NewTogether builds the Together AI adapter.
func NewTogether(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "together",
		Label:        "Together AI",
		ApiKey:       apiKey,
		BaseURL:      "https://api.together.xyz",
		ModelPrefix:  "together/",
	}, nil, logger)
}

// NewFireworks builds the Fireworks AI adapter.
func NewFireworks(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "fireworks",
		Label:        "Fireworks AI",
		ApiKey:       apiKey,
		BaseURL:      "https://api.fireworks.ai/inference",
		ModelPrefix:  "fireworks/",
	}, nil, logger)
}

// NewDeepInfra builds the DeepInfra adapter.
func NewDeepInfra(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "deepinfra",
		Label:        "DeepInfra",
		ApiKey:       apiKey,
		BaseURL:      "https://api.deepinfra.com/v1/openai",
		ModelPrefix:  "deepinfra/",
	}, nil, logger)
}

// NewAnyscale builds the Anyscale Endpoints adapter.
func NewAnyscale(apiKey string, logger *zap.Logger) *Provider {
	return New(Config{
		ProviderName: "anyscale",
		Label:        "Anyscale Endpoints",
		ApiKey:       apiKey,
		BaseURL:      "https://api.endpoints.anyscale.com",
		ModelPrefix:  "anyscale/",
	}, nil, logger)
}

// CustomConfig describes an operator-declared OpenAI-format provider (spec
// §4.C: "custom providers declared purely via configuration").
type CustomConfig struct {
	Name         string
	Label        string
	BaseURL      string
	ApiKey       string
	ModelPrefix  string
	Headers      map[string]string // extra headers sent with every request
	HeaderName   string            // if set, api key goes in this header instead of Authorization
	HeaderPrefix string            // e.g. "Bearer " — prefixed to the key value in HeaderName
}

// NewCustom builds an adapter for a declarative custom provider.
func NewCustom(cfg CustomConfig, logger *zap.Logger) *Provider {
	c := Config{
		ProviderName: cfg.Name,
		Label:        cfg.Label,
		ApiKey:       cfg.ApiKey,
		BaseURL:      cfg.BaseURL,
		ModelPrefix:  cfg.ModelPrefix,
		ExtraHeaders: cfg.Headers,
	}
	if cfg.HeaderName != "" {
		headerName, headerPrefix := cfg.HeaderName, cfg.HeaderPrefix
		c.BuildHeaders = func(req *http.Request, apiKey string) {
			if apiKey != "" {
				req.Header.Set(headerName, headerPrefix+apiKey)
			}
		}
	}
	return New(c, nil, logger)
}
