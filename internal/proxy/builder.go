package proxy

import (
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
	"github.com/dimfeld/chronicle-proxy/internal/metrics"
	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/providers/anthropic"
	"github.com/dimfeld/chronicle-proxy/internal/providers/bedrock"
	"github.com/dimfeld/chronicle-proxy/internal/providers/ollama"
	"github.com/dimfeld/chronicle-proxy/internal/providers/openaicompat"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/ratelimit"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
	"github.com/dimfeld/chronicle-proxy/internal/retry"
)

// Builder assembles a Proxy (spec §4.H), grounded on
// original_source/proxy/src/builder.rs's ProxyBuilder. Each With* method
// mutates and returns the same *Builder rather than a fresh value, since
// Go's lack of move semantics makes the Rust original's consuming
// `mut self -> Self` style builder awkward; callers still chain calls the
// same way.
type Builder struct {
	db             *gorm.DB
	logToDatabase  bool
	logConfig      logger.Config
	defaultTimeout time.Duration
	defaultRetry   retry.Options
	httpClient     *http.Client
	zlog           *zap.Logger
	rateLimitCache *ratelimit.Cache
	stormLimiter   *retry.StormLimiter
	collector      *metrics.Collector

	providers       []providers.Provider
	aliases         []registry.AliasConfig
	apiKeys         []registry.ApiKeyConfig
	customProviders []CustomProviderConfig

	userAgent        string
	logToDatabaseSet bool

	// nil means the vendor is disabled; a non-nil pointer (possibly to an
	// empty string) means enabled, using that literal token/URL override.
	openai    *string
	anthropic *string
	groq      *string
	ollama    *string
}

// NewBuilder returns a Builder with OpenAI, Anthropic, Groq, and Ollama
// enabled by default (tokens resolved from their usual environment
// variables at Build time), matching original_source's ProxyBuilder::new.
func NewBuilder() *Builder {
	empty := ""
	return &Builder{
		defaultRetry: retry.DefaultOptions(),
		logConfig:    logger.DefaultConfig(),
		stormLimiter: retry.NewStormLimiter(5, 10),
		openai:       &empty,
		anthropic:    &empty,
		groq:         &empty,
		ollama:       &empty,
	}
}

// WithDatabase sets the gorm connection the logger and admin tables use.
func (b *Builder) WithDatabase(db *gorm.DB) *Builder { b.db = db; return b }

// LogToDatabase enables or disables the batched event logger. Requires
// WithDatabase to have been called.
func (b *Builder) LogToDatabase(enable bool) *Builder {
	b.logToDatabase = enable
	b.logToDatabaseSet = true
	return b
}

// WithLogConfig overrides the logger's batch size/debounce/queue defaults.
func (b *Builder) WithLogConfig(cfg logger.Config) *Builder { b.logConfig = cfg; return b }

// WithDefaultTimeout sets the per-request timeout used when RequestOptions
// doesn't override it.
func (b *Builder) WithDefaultTimeout(d time.Duration) *Builder { b.defaultTimeout = d; return b }

// WithDefaultRetry sets the retry policy used when RequestOptions doesn't
// override it.
func (b *Builder) WithDefaultRetry(opts retry.Options) *Builder { b.defaultRetry = opts; return b }

// WithHTTPClient supplies the *http.Client every built-in vendor adapter
// shares. A nil client (the default) means each adapter builds its own.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder { b.httpClient = c; return b }

// WithLogger sets the zap logger passed to every adapter and the event
// logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder { b.zlog = l; return b }

// WithRateLimitCache attaches a Redis-backed rate-limit reset-time cache
// (spec §4.C). When set, the streaming executor consults it before each
// candidate attempt and populates it after a 429 carrying a Retry-After
// value.
func (b *Builder) WithRateLimitCache(c *ratelimit.Cache) *Builder {
	b.rateLimitCache = c
	return b
}

// WithRetryStormLimiter overrides the default per-provider retry-storm cap
// (5 attempts/sec, burst 10). Pass nil to disable the cap entirely.
func (b *Builder) WithRetryStormLimiter(l *retry.StormLimiter) *Builder {
	b.stormLimiter = l
	return b
}

// WithMetricsCollector attaches the Prometheus collector the retry executor
// records attempt outcomes and rate-limit hits against. Nil is a safe no-op
// default.
func (b *Builder) WithMetricsCollector(c *metrics.Collector) *Builder {
	b.collector = c
	return b
}

// WithAlias registers a named fallback chain.
func (b *Builder) WithAlias(a registry.AliasConfig) *Builder {
	b.aliases = append(b.aliases, a)
	return b
}

// WithApiKey registers a named secret, resolved (if Source == "env") at
// Build time.
func (b *Builder) WithApiKey(k registry.ApiKeyConfig) *Builder {
	b.apiKeys = append(b.apiKeys, k)
	return b
}

// WithProvider registers a precreated provider, for custom adapters that
// need more than CustomConfig's header-injection model (spec §4.C).
func (b *Builder) WithProvider(p providers.Provider) *Builder {
	b.providers = append(b.providers, p)
	return b
}

// WithCustomProvider adds an openaicompat-shaped custom provider declared
// purely via configuration (spec §4.C).
func (b *Builder) WithCustomProvider(cfg openaicompat.CustomConfig) *Builder {
	return b.WithProvider(openaicompat.NewCustom(cfg, b.zlog))
}

// WithOpenAI enables (or re-enables) the OpenAI provider. token == nil uses
// OPENAI_API_KEY at Build time.
func (b *Builder) WithOpenAI(token *string) *Builder { b.openai = orEmpty(token); return b }

// WithAnthropic enables (or re-enables) the Anthropic provider. token ==
// nil uses ANTHROPIC_API_KEY at Build time.
func (b *Builder) WithAnthropic(token *string) *Builder { b.anthropic = orEmpty(token); return b }

// WithGroq enables (or re-enables) the Groq provider. token == nil uses
// GROQ_API_KEY at Build time.
func (b *Builder) WithGroq(token *string) *Builder { b.groq = orEmpty(token); return b }

// WithOllama enables (or re-enables) the Ollama provider. url == nil uses
// OLLAMA_BASE_URL, defaulting to http://localhost:11434.
func (b *Builder) WithOllama(url *string) *Builder { b.ollama = orEmpty(url); return b }

// WithBedrock adds the AWS Bedrock provider. Unlike the other vendors,
// Bedrock has no single-token auth convention, so it's always explicit
// rather than toggled on/off by WithoutDefaultProviders.
func (b *Builder) WithBedrock(cfg bedrock.Config) *Builder {
	return b.WithProvider(bedrock.New(cfg, b.httpClient, b.zlog))
}

// WithMistral, WithTogether, WithFireworks, WithDeepInfra, and WithAnyscale
// add the remaining OpenAI-compatible vendors named in spec §1. They are
// opt-in (unlike OpenAI/Anthropic/Groq/Ollama) since the original proxy has
// no equivalent default-enabled behavior for them.
func (b *Builder) WithMistral(apiKey string) *Builder {
	return b.WithProvider(openaicompat.NewMistral(apiKey, b.zlog))
}

func (b *Builder) WithTogether(apiKey string) *Builder {
	return b.WithProvider(openaicompat.NewTogether(apiKey, b.zlog))
}

func (b *Builder) WithFireworks(apiKey string) *Builder {
	return b.WithProvider(openaicompat.NewFireworks(apiKey, b.zlog))
}

func (b *Builder) WithDeepInfra(apiKey string) *Builder {
	return b.WithProvider(openaicompat.NewDeepInfra(apiKey, b.zlog))
}

func (b *Builder) WithAnyscale(apiKey string) *Builder {
	return b.WithProvider(openaicompat.NewAnyscale(apiKey, b.zlog))
}

// WithoutDefaultProviders disables OpenAI, Anthropic, Groq, and Ollama so
// the caller can build a proxy serving only explicitly-added providers.
func (b *Builder) WithoutDefaultProviders() *Builder {
	b.openai, b.anthropic, b.groq, b.ollama = nil, nil, nil, nil
	return b
}

func orEmpty(s *string) *string {
	if s == nil {
		empty := ""
		return &empty
	}
	return s
}

// Build assembles the Proxy: resolves env-sourced API keys, instantiates
// every enabled vendor adapter, and starts the event logger if configured.
func (b *Builder) Build() (*Proxy, error) {
	reg := registry.New()

	for _, p := range b.providers {
		reg.SetProvider(p)
	}

	if b.anthropic != nil {
		token := resolveOrEnv(*b.anthropic, "ANTHROPIC_API_KEY")
		reg.SetProvider(anthropic.New(anthropic.Config{ApiKey: token}, b.httpClient, b.zlog))
	}
	if b.openai != nil {
		token := resolveOrEnv(*b.openai, "OPENAI_API_KEY")
		reg.SetProvider(openaicompat.NewOpenAI(token, b.zlog))
	}
	if b.groq != nil {
		token := resolveOrEnv(*b.groq, "GROQ_API_KEY")
		reg.SetProvider(openaicompat.NewGroq(token, b.zlog))
	}
	if b.ollama != nil {
		baseURL := *b.ollama
		if baseURL == "" {
			baseURL = os.Getenv("OLLAMA_BASE_URL")
		}
		reg.SetProvider(ollama.New(ollama.Config{BaseURL: baseURL}, b.httpClient, b.zlog))
	}

	for _, cp := range b.customProviders {
		token, err := cp.resolveApiKey()
		if err != nil {
			return nil, err
		}
		c := cp.toOpenAICompat()
		c.ApiKey = token
		reg.SetProvider(openaicompat.NewCustom(c, b.zlog))
	}

	for _, a := range b.aliases {
		reg.SetAlias(a)
	}

	for _, k := range b.apiKeys {
		value := k.Value
		if k.Source == "env" {
			v, ok := os.LookupEnv(k.Value)
			if !ok {
				return nil, proxyerr.New(proxyerr.MissingApiKey, "missing environment variable for api key "+k.Name+": "+k.Value)
			}
			value = v
		}
		reg.SetApiKey(k.Name, value)
	}

	var lg *logger.Logger
	if b.db != nil && b.logToDatabase {
		lg = logger.New(b.db, b.logConfig, b.zlog).WithCollector(b.collector)
	}

	defaultRetry := b.defaultRetry
	defaultRetry.StormLimiter = b.stormLimiter
	defaultRetry.Collector = b.collector

	return &Proxy{
		Registry:       reg,
		Logger:         lg,
		DefaultTimeout: b.defaultTimeout,
		DefaultRetry:   defaultRetry,
		RateLimitCache: b.rateLimitCache,
		UserAgent:      b.userAgent,
	}, nil
}

func resolveOrEnv(literal, envVar string) string {
	if literal != "" {
		return literal
	}
	return os.Getenv(envVar)
}
