// Package routing resolves a request's (options, body) into an ordered list
// of concrete (provider, model, api-key) choices (spec §4.E). Ported from
// original_source/proxy/src/provider_lookup.rs's find_model_and_provider,
// which this implementation follows field-for-field and error-for-error.
package routing

import (
	"github.com/dimfeld/chronicle-proxy/internal/providers"
	"github.com/dimfeld/chronicle-proxy/internal/proxyerr"
	"github.com/dimfeld/chronicle-proxy/internal/registry"
)

// ModelChoice is one explicit (provider, model, key) request the caller may
// supply in RequestOptions.Models, bypassing alias/default resolution.
type ModelChoice struct {
	Model      string `json:"model"`
	Provider   string `json:"provider,omitempty"`
	ApiKey     string `json:"api_key,omitempty"`
	ApiKeyName string `json:"api_key_name,omitempty"`
}

// RequestOptions is the routing-relevant subset of ProxyRequestOptions.
type RequestOptions struct {
	Models       []ModelChoice
	Model        string
	Provider     string
	ApiKey       string
	RandomChoice bool
}

// Choice is one concrete candidate the retry executor will try.
type Choice struct {
	Model    string
	Provider providers.Provider
	ApiKey   string
}

// Result is the ordered (or randomly-started) candidate list for a request.
type Result struct {
	Alias       string
	RandomOrder bool
	Choices     []Choice
}

// FindModelAndProvider implements spec §4.E's precedence rules exactly.
func FindModelAndProvider(reg *registry.Registry, opts RequestOptions, bodyModel string) (Result, error) {
	if len(opts.Models) > 0 {
		choices := make([]Choice, 0, len(opts.Models))
		for _, mc := range opts.Models {
			p, ok := reg.GetProvider(mc.Provider)
			if !ok {
				return Result{}, proxyerr.New(proxyerr.UnknownProvider, "unknown provider: "+mc.Provider)
			}

			var apiKey string
			switch {
			case mc.ApiKey != "":
				apiKey = mc.ApiKey
			case mc.ApiKeyName != "":
				key, ok := reg.LookupApiKey(mc.ApiKeyName)
				if !ok {
					return Result{}, proxyerr.New(proxyerr.NoApiKey, "no api key named: "+mc.ApiKeyName)
				}
				apiKey = key
			}

			choices = append(choices, Choice{Model: mc.Model, Provider: p, ApiKey: apiKey})
		}

		return Result{Alias: "", RandomOrder: opts.RandomChoice, Choices: choices}, nil
	}

	model := opts.Model
	if model == "" {
		model = bodyModel
	}
	if model == "" {
		return Result{}, proxyerr.New(proxyerr.ModelNotSpecified, "no model specified")
	}

	if alias, ok := reg.GetAlias(model); ok {
		choices := make([]Choice, 0, len(alias.Entries))
		for _, entry := range alias.Entries {
			p, ok := reg.GetProvider(entry.Provider)
			if !ok {
				return Result{}, proxyerr.New(proxyerr.NoAliasProvider,
					"alias "+alias.Name+" references unknown provider "+entry.Provider)
			}

			var apiKey string
			if entry.ApiKeyName != "" {
				key, ok := reg.LookupApiKey(entry.ApiKeyName)
				if !ok {
					return Result{}, proxyerr.New(proxyerr.NoAliasApiKey,
						"alias "+alias.Name+" references unknown api key "+entry.ApiKeyName)
				}
				apiKey = key
			}

			choices = append(choices, Choice{Model: entry.Model, Provider: p, ApiKey: apiKey})
		}
		return Result{Alias: alias.Name, RandomOrder: alias.RandomOrder, Choices: choices}, nil
	}

	if opts.Provider != "" {
		p, ok := reg.GetProvider(opts.Provider)
		if !ok {
			return Result{}, proxyerr.New(proxyerr.UnknownProvider, "unknown provider: "+opts.Provider)
		}
		return Result{Choices: []Choice{{Model: model, Provider: p, ApiKey: opts.ApiKey}}}, nil
	}

	p, ok := reg.DefaultProviderForModel(model)
	if !ok {
		return Result{}, proxyerr.New(proxyerr.NoDefault, "no default provider for model: "+model)
	}
	return Result{Choices: []Choice{{Model: model, Provider: p, ApiKey: opts.ApiKey}}}, nil
}

// OrderedIndices returns the attempt order for result.Choices: sequential
// unless RandomOrder is set, in which case the starting index is uniformly
// random but the remaining choices are still tried in order after that
// (spec §4.E).
func OrderedIndices(result Result, randIntn func(n int) int) []int {
	n := len(result.Choices)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if !result.RandomOrder || n <= 1 {
		return indices
	}
	start := randIntn(n)
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, (start+i)%n)
	}
	return out
}
