// Package config defines the provider registry schema and loads it from
// built-in defaults merged with user configuration files.
package config

import (
	"os"

	"github.com/blueberrycongee/llmrelay/internal/keypool"
)

// Config is the root provider registry: provider definitions plus optional
// multi-key pool declarations.
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	KeyPools  map[string]KeyPoolConfig  `yaml:"key_pools"`
}

// ProviderConfig describes how to reach one provider and which quirks its
// API has.
type ProviderConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// APIKeysEnv names additional env variables for multi-key setups.
	APIKeysEnv []string `yaml:"api_keys_env,omitempty"`

	// APIBaseEnv names an env variable that overrides BaseURL when set.
	APIBaseEnv string `yaml:"api_base_env,omitempty"`

	// Models documents the models this provider serves.
	Models []string `yaml:"models,omitempty"`

	// ParamMappings renames request body fields before sending, e.g.
	// max_completion_tokens -> max_tokens.
	ParamMappings map[string]string `yaml:"param_mappings,omitempty"`

	// Headers are static extra headers sent with every request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// RateLimit configures quota and header names for this provider.
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Special holds provider-specific handling flags.
	Special SpecialHandling `yaml:"special_handling,omitempty"`
}

// RateLimitConfig carries declared quotas and the header names the provider
// uses to report rate-limit state.
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   int    `yaml:"tokens_per_minute,omitempty"`
	RetryAfterHeader  string `yaml:"retry_after_header,omitempty"`
	RemainingHeader   string `yaml:"remaining_requests_header,omitempty"`
	ResetHeader       string `yaml:"reset_header,omitempty"`
}

// SpecialHandling flags provider quirks handled by a uniform transform pass
// rather than per-provider code.
type SpecialHandling struct {
	// FlattenContentParts collapses multimodal content arrays to plain
	// strings for providers that reject arrays.
	FlattenContentParts bool `yaml:"convert_content_list_to_string,omitempty"`

	// ToolCallPlaceholder injects placeholder text into assistant turns
	// that carry only tool calls.
	ToolCallPlaceholder bool `yaml:"add_text_to_tool_calls,omitempty"`
}

// KeyPoolConfig declares a multi-key pool for one provider.
type KeyPoolConfig struct {
	// KeysEnv lists env variables each holding one API key.
	KeysEnv []string `yaml:"keys_env,omitempty"`

	// Keys lists literal API keys (discouraged outside tests).
	Keys []string `yaml:"keys,omitempty"`

	// RotationStrategy is round_robin, least_recently_used, or random.
	RotationStrategy string `yaml:"rotation_strategy,omitempty"`
}

// Strategy maps the configured rotation name onto the key pool strategy,
// defaulting to round-robin.
func (k KeyPoolConfig) Strategy() keypool.Strategy {
	switch k.RotationStrategy {
	case string(keypool.StrategyLeastRecentlyUsed):
		return keypool.StrategyLeastRecentlyUsed
	case string(keypool.StrategyRandom):
		return keypool.StrategyRandom
	default:
		return keypool.StrategyRoundRobin
	}
}

// EffectiveBaseURL resolves the base URL, honoring the env override.
func (p ProviderConfig) EffectiveBaseURL() string {
	if p.APIBaseEnv != "" {
		if url := os.Getenv(p.APIBaseEnv); url != "" {
			return url
		}
	}
	return p.BaseURL
}

// APIKeys resolves all keys configured directly on the provider, in order,
// deduplicated.
func (p ProviderConfig) APIKeys() []string {
	var keys []string
	seen := make(map[string]struct{})

	add := func(k string) {
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}

	if p.APIKeyEnv != "" {
		add(os.Getenv(p.APIKeyEnv))
	}
	for _, env := range p.APIKeysEnv {
		add(os.Getenv(env))
	}

	return keys
}

// ResolveKeys resolves the pool's keys: env-sourced first, then literals.
func (k KeyPoolConfig) ResolveKeys() []string {
	var keys []string
	for _, env := range k.KeysEnv {
		if v := os.Getenv(env); v != "" {
			keys = append(keys, v)
		}
	}
	keys = append(keys, k.Keys...)
	return keys
}

// Merge overlays other onto c; later configs win per provider and pool.
func (c *Config) Merge(other Config) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.KeyPools == nil {
		c.KeyPools = make(map[string]KeyPoolConfig)
	}
	for name, p := range other.Providers {
		c.Providers[name] = p
	}
	for name, kp := range other.KeyPools {
		c.KeyPools[name] = kp
	}
}
