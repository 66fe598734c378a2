package proxy

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dimfeld/chronicle-proxy/internal/providers/openaicompat"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
)

// ProxyConfig is a declarative, file-loadable bundle of providers, aliases,
// and API keys (spec §4.H). Grounded on original_source/proxy/src/config.rs's
// ProxyConfig; WithConfig's merge rule is a line-for-line port of
// builder.rs's with_config.
type ProxyConfig struct {
	Providers     []CustomProviderConfig  `toml:"providers"`
	Aliases       []registry.AliasConfig  `toml:"aliases"`
	ApiKeys       []registry.ApiKeyConfig `toml:"api_keys"`
	LogToDatabase *bool                   `toml:"log_to_database"`
	UserAgent     *string                 `toml:"user_agent"`

	// DefaultTimeoutMs is milliseconds rather than original_source's native
	// Duration, since TOML has no duration type and time.Duration doesn't
	// implement TOML (un)marshaling on its own.
	DefaultTimeoutMs *int64 `toml:"default_timeout_ms"`
}

// DefaultTimeout returns the configured default timeout as a time.Duration.
func (c ProxyConfig) DefaultTimeout() *time.Duration {
	if c.DefaultTimeoutMs == nil {
		return nil
	}
	d := time.Duration(*c.DefaultTimeoutMs) * time.Millisecond
	return &d
}

// CustomProviderConfig is the TOML-facing shape of a declarative custom
// provider, mirroring original_source's CustomProviderConfig. It converts
// into openaicompat.CustomConfig at Build time.
type CustomProviderConfig struct {
	Name         string            `toml:"name"`
	Label        string            `toml:"label"`
	URL          string            `toml:"url"`
	ApiKey       string            `toml:"api_key"`
	ApiKeySource string            `toml:"api_key_source"`
	Headers      map[string]string `toml:"headers"`
	Prefix       string            `toml:"prefix"`
	HeaderName   string            `toml:"header_name"`
	HeaderPrefix string            `toml:"header_prefix"`
}

// LoadProxyConfigFile parses a TOML file into a ProxyConfig, grounded on
// builder.rs's with_config_from_path.
func LoadProxyConfigFile(path string) (ProxyConfig, error) {
	var cfg ProxyConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return ProxyConfig{}, proxyerr.New(proxyerr.BadInput, "reading proxy config").WithCause(err)
	}
	return cfg, nil
}

// WithConfig merges cfg into the builder's accumulated configuration.
// Scalars are "first write wins" (an earlier WithConfig or With* call takes
// priority over a later one), matching with_config's `.or()` semantics;
// slices (providers/aliases/api_keys) always append.
func (b *Builder) WithConfig(cfg ProxyConfig) *Builder {
	if d := cfg.DefaultTimeout(); d != nil && b.defaultTimeout == 0 {
		b.defaultTimeout = *d
	}
	if cfg.LogToDatabase != nil && !b.logToDatabaseSet {
		b.logToDatabase = *cfg.LogToDatabase
		b.logToDatabaseSet = true
	}
	if cfg.UserAgent != nil && b.userAgent == "" {
		b.userAgent = *cfg.UserAgent
	}

	for _, p := range cfg.Providers {
		b.customProviders = append(b.customProviders, p)
	}
	b.aliases = append(b.aliases, cfg.Aliases...)
	b.apiKeys = append(b.apiKeys, cfg.ApiKeys...)

	return b
}

// WithConfigFromPath reads path as TOML and merges it via WithConfig.
func (b *Builder) WithConfigFromPath(path string) (*Builder, error) {
	cfg, err := LoadProxyConfigFile(path)
	if err != nil {
		return b, err
	}
	return b.WithConfig(cfg), nil
}

func (c CustomProviderConfig) toOpenAICompat() openaicompat.CustomConfig {
	return openaicompat.CustomConfig{
		Name:         c.Name,
		Label:        c.Label,
		BaseURL:      c.URL,
		ApiKey:       c.ApiKey,
		ModelPrefix:  c.Prefix,
		Headers:      c.Headers,
		HeaderName:   c.HeaderName,
		HeaderPrefix: c.HeaderPrefix,
	}
}

func (c CustomProviderConfig) resolveApiKey() (string, error) {
	if c.ApiKeySource != "env" {
		return c.ApiKey, nil
	}
	value, ok := os.LookupEnv(c.ApiKey)
	if !ok {
		return "", proxyerr.New(proxyerr.MissingApiKey, "missing environment variable for custom provider "+c.Name+": "+c.ApiKey)
	}
	return value, nil
}
