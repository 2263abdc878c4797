package llmrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/keypool"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/ratelimit"
	"github.com/blueberrycongee/llmrelay/internal/transform"
	"github.com/blueberrycongee/llmrelay/internal/transport"
	"github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/route"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Client is the dispatch engine: it resolves a model route, selects a
// credential, sends with retry and rate-limit awareness, and returns a
// normalized response or a streaming handle.
//
// Client is safe for concurrent use by multiple goroutines. Key pools and
// rate-limit state are per provider; requests to different providers never
// contend on the same lock. When config watching is enabled, registry and
// pools are swapped as a unit behind mu.
type Client struct {
	cfg     *ClientConfig
	tracker *ratelimit.Tracker
	tr      *transport.Transport
	logger  *slog.Logger

	mu       sync.RWMutex
	registry *config.Config
	pools    map[string]*keypool.Pool

	watchCancel context.CancelFunc
}

// New creates a Client from the merged provider registry and the given
// options.
//
// Example:
//
//	client, err := llmrelay.New(
//	    llmrelay.WithKeyPool("groq", llmrelay.KeyPoolConfig{
//	        KeysEnv:          []string{"GROQ_KEY_1", "GROQ_KEY_2"},
//	        RotationStrategy: "round_robin",
//	    }),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	registry, manager, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	tracker := ratelimit.NewTracker(cfg.TrackerTTL)
	tr := transport.New(httpClientFor(cfg), tracker, transport.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxElapsed:     cfg.MaxElapsed,
	})

	c := &Client{
		cfg:     cfg,
		tracker: tracker,
		tr:      tr,
		logger:  cfg.Logger,
	}

	c.setRegistry(registry)

	if manager != nil {
		manager.OnChange(func(snap *config.Config) {
			merged := mergeExtras(snap, cfg)
			if err := merged.Validate(); err != nil {
				c.logger.Error("registry update rejected, keeping current", "error", err)
				return
			}
			c.setRegistry(merged)
			c.logger.Info("registry updated", "providers", len(merged.Providers))
		})

		watchCtx, cancel := context.WithCancel(context.Background())
		if err := manager.Watch(watchCtx); err != nil {
			cancel()
			return nil, err
		}
		c.watchCancel = cancel
	}

	reg, pools := c.snapshot()
	c.logger.Info("llmrelay client initialized",
		"providers", len(reg.Providers),
		"key_pools", len(pools),
	)

	return c, nil
}

// loadRegistry resolves the initial registry and, when config watching is
// requested, the manager that will feed updates.
func loadRegistry(cfg *ClientConfig) (*config.Config, *config.Manager, error) {
	var base *config.Config
	var manager *config.Manager
	var err error

	switch {
	case cfg.Registry != nil:
		base = cfg.Registry
	case cfg.ConfigWatch != "":
		manager, err = config.NewManager(cfg.ConfigWatch, cfg.Logger)
		if err != nil {
			return nil, nil, err
		}
		base = manager.Get()
	case cfg.ConfigPath != "":
		base, err = config.LoadPath(cfg.ConfigPath)
	default:
		base, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	registry := mergeExtras(base, cfg)
	if err := registry.Validate(); err != nil {
		return nil, nil, err
	}
	return registry, manager, nil
}

// mergeExtras overlays option-supplied providers and pools on a copy, so
// reload snapshots owned by the manager are never mutated.
func mergeExtras(base *config.Config, cfg *ClientConfig) *config.Config {
	merged := &config.Config{}
	merged.Merge(*base)
	merged.Merge(config.Config{
		Providers: cfg.ExtraProviders,
		KeyPools:  cfg.ExtraKeyPools,
	})
	return merged
}

// setRegistry installs a registry snapshot: pools are rebuilt and declared
// quotas re-applied, then both swap in together.
func (c *Client) setRegistry(registry *config.Config) {
	pools := buildKeyPools(registry)

	for name, pcfg := range registry.Providers {
		if pcfg.RateLimit != nil && pcfg.RateLimit.RequestsPerMinute > 0 {
			c.tr.SetRPM(name, pcfg.RateLimit.RequestsPerMinute)
		}
	}

	c.mu.Lock()
	c.registry = registry
	c.pools = pools
	c.mu.Unlock()
}

// snapshot returns the current registry and pools as a consistent pair.
func (c *Client) snapshot() (*config.Config, map[string]*keypool.Pool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry, c.pools
}

func httpClientFor(cfg *ClientConfig) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	if cfg.Timeout > 0 {
		return &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}
	}
	return nil
}

// buildKeyPools constructs one pool per provider that has keys: keys
// declared on the provider itself first, then explicit key pool sections
// for providers without provider-level keys.
func buildKeyPools(registry *config.Config) map[string]*keypool.Pool {
	pools := make(map[string]*keypool.Pool)

	for name, pcfg := range registry.Providers {
		keys := pcfg.APIKeys()
		if len(keys) == 0 {
			continue
		}
		strategy := keypool.StrategyRoundRobin
		if kp, ok := registry.KeyPools[name]; ok {
			strategy = kp.Strategy()
			keys = append(keys, kp.ResolveKeys()...)
		}
		pools[name] = keypool.New(name, dedupe(keys), strategy)
	}

	for name, kp := range registry.KeyPools {
		if _, exists := pools[name]; exists {
			continue
		}
		keys := kp.ResolveKeys()
		if len(keys) == 0 {
			continue
		}
		pools[name] = keypool.New(name, dedupe(keys), kp.Strategy())
	}

	return pools
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// ChatCompletion dispatches a completion request to the provider named by
// the model route, rotating credentials on rate limits.
func (c *Client) ChatCompletion(ctx context.Context, model string, req *types.ChatRequest) (*types.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.NewConfigError("request must carry at least one message")
	}

	r, pcfg, err := c.resolve(model)
	if err != nil {
		return nil, err
	}

	body, err := c.buildBody(req, r.ModelID(), pcfg, false)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	start := time.Now()
	log := c.logger.With("request_id", reqID, "provider", r.Provider, "model", r.ModelID())

	var resp *types.ChatResponse
	err = c.dispatch(ctx, r, pcfg, log, func(key string) error {
		raw, sendErr := c.tr.Post(ctx, completionURL(pcfg), body, key, pcfg.Headers, r.Provider, headerNames(pcfg))
		if sendErr != nil {
			return sendErr
		}
		var parsed types.ChatResponse
		if uerr := json.Unmarshal(raw, &parsed); uerr != nil {
			return errors.NewResponseError(r.Provider,
				fmt.Sprintf("parse response: %v; body: %s", uerr, bodySnippet(raw)))
		}
		resp = &parsed
		return nil
	})

	c.observe(r, start, err)
	if err != nil {
		return nil, err
	}

	log.Debug("completion finished", "latency", time.Since(start))
	return resp, nil
}

// ChatCompletionStream dispatches a streaming completion request and
// returns a reader over the incremental chunks.
//
// Example:
//
//	stream, err := client.ChatCompletionStream(ctx, "openai/gpt-4", req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
func (c *Client) ChatCompletionStream(ctx context.Context, model string, req *types.ChatRequest) (*StreamReader, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.NewConfigError("request must carry at least one message")
	}

	r, pcfg, err := c.resolve(model)
	if err != nil {
		return nil, err
	}

	body, err := c.buildBody(req, r.ModelID(), pcfg, true)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	start := time.Now()
	log := c.logger.With("request_id", reqID, "provider", r.Provider, "model", r.ModelID())

	var stream *StreamReader
	err = c.dispatch(ctx, r, pcfg, log, func(key string) error {
		respBody, sendErr := c.tr.PostStream(ctx, completionURL(pcfg), body, key, pcfg.Headers, r.Provider, headerNames(pcfg))
		if sendErr != nil {
			return sendErr
		}
		stream = newStreamReader(respBody, r.Provider)
		return nil
	})

	c.observe(r, start, err)
	if err != nil {
		return nil, err
	}

	log.Debug("stream opened")
	return stream, nil
}

// dispatch runs the per-request credential loop: acquire a key, run send,
// and on a rate-limited outcome cool the key down and try the next one.
// The attempt budget equals the pool size, or one implicit attempt when no
// pool is configured.
func (c *Client) dispatch(
	ctx context.Context,
	r route.Route,
	pcfg config.ProviderConfig,
	log *slog.Logger,
	send func(key string) error,
) error {
	_, pools := c.snapshot()
	pool := pools[r.Provider]

	attempts := 1
	if pool != nil {
		attempts = pool.Len()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		key, poolKey, err := c.selectKey(r.Provider, pool, pcfg)
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err = send(key)
		if err == nil {
			if poolKey != nil {
				poolKey.RecordUsage()
			}
			return nil
		}

		if errors.IsRateLimit(err) {
			retryAfter := errors.As(err).RetryAfter
			if retryAfter <= 0 {
				retryAfter = ratelimit.DefaultRetryAfter
			}
			if pool != nil {
				pool.MarkRateLimited(key, retryAfter)
				metrics.KeyCooldowns.WithLabelValues(r.Provider).Inc()
			}
			log.Warn("key rate limited, rotating",
				"attempt", attempt+1,
				"attempts", attempts,
				"retry_after", retryAfter,
			)
			lastErr = err
			continue
		}

		return err
	}

	if lastErr != nil {
		return lastErr
	}
	return errors.NewNoKeysError(r.Provider)
}

func (c *Client) resolve(model string) (route.Route, config.ProviderConfig, error) {
	r, err := route.Parse(model)
	if err != nil {
		return route.Route{}, config.ProviderConfig{}, err
	}

	registry, _ := c.snapshot()
	pcfg, ok := registry.Providers[r.Provider]
	if !ok {
		return route.Route{}, config.ProviderConfig{}, errors.NewProviderNotFoundError(r.Provider)
	}
	return r, pcfg, nil
}

// selectKey yields the credential for the next attempt: from the pool when
// one exists, otherwise the provider's single configured key.
func (c *Client) selectKey(provider string, pool *keypool.Pool, pcfg config.ProviderConfig) (string, *keypool.APIKey, error) {
	if pool != nil {
		k := pool.Get()
		if k == nil {
			return "", nil, errors.NewNoKeysError(provider)
		}
		return k.Value(), k, nil
	}

	keys := pcfg.APIKeys()
	if len(keys) == 0 {
		return "", nil, errors.NewNoKeysError(provider)
	}
	return keys[0], nil, nil
}

// buildBody renders the outgoing request: model set to the route's model
// id, message quirks applied, then declarative param renames over the
// final field map.
func (c *Client) buildBody(req *types.ChatRequest, modelID string, pcfg config.ProviderConfig, stream bool) ([]byte, error) {
	r := *req
	r.Model = modelID
	r.Stream = stream
	r.Messages = transform.ApplyMessageQuirks(req.Messages, pcfg.Special)

	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("marshal request: %v", err))
	}

	if len(pcfg.ParamMappings) == 0 {
		return raw, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.NewInternalError(fmt.Sprintf("remap request: %v", err))
	}
	transform.ApplyParamMappings(body, pcfg.ParamMappings)
	return json.Marshal(body)
}

func (c *Client) observe(r route.Route, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if e := errors.As(err); e != nil {
			outcome = e.Type
		}
	}
	metrics.RequestsTotal.WithLabelValues(r.Provider, r.Model, outcome).Inc()
	metrics.RequestLatency.WithLabelValues(r.Provider, r.Model).Observe(time.Since(start).Seconds())
}

func completionURL(pcfg config.ProviderConfig) string {
	return strings.TrimSuffix(pcfg.EffectiveBaseURL(), "/") + "/chat/completions"
}

func headerNames(pcfg config.ProviderConfig) ratelimit.HeaderNames {
	if pcfg.RateLimit == nil {
		return ratelimit.HeaderNames{}
	}
	return ratelimit.HeaderNames{
		RetryAfter: pcfg.RateLimit.RetryAfterHeader,
		Remaining:  pcfg.RateLimit.RemainingHeader,
		Reset:      pcfg.RateLimit.ResetHeader,
	}
}

func bodySnippet(raw []byte) string {
	const limit = 500
	if len(raw) > limit {
		return string(raw[:limit])
	}
	return string(raw)
}

// Providers returns the names of all configured providers.
func (c *Client) Providers() []string {
	registry, _ := c.snapshot()
	names := make([]string, 0, len(registry.Providers))
	for name := range registry.Providers {
		names = append(names, name)
	}
	return names
}

// ProviderInfo summarizes one provider's configuration.
type ProviderInfo struct {
	Name    string
	BaseURL string
	Models  []string
	HasKeys bool
}

// GetProviderInfo returns configuration details for a provider, or false if
// it is unknown.
func (c *Client) GetProviderInfo(name string) (ProviderInfo, bool) {
	registry, pools := c.snapshot()
	pcfg, ok := registry.Providers[name]
	if !ok {
		return ProviderInfo{}, false
	}
	_, pooled := pools[name]
	return ProviderInfo{
		Name:    name,
		BaseURL: pcfg.EffectiveBaseURL(),
		Models:  pcfg.Models,
		HasKeys: pooled || len(pcfg.APIKeys()) > 0,
	}, true
}

// PoolStats returns key pool statistics for a provider, or false when the
// provider has no pool.
func (c *Client) PoolStats(provider string) (keypool.Stats, bool) {
	_, pools := c.snapshot()
	pool, ok := pools[provider]
	if !ok {
		return keypool.Stats{}, false
	}
	return pool.Stats(), true
}

// Close releases resources held by the client, stopping the config watcher
// if one is running.
func (c *Client) Close() error {
	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.logger.Info("llmrelay client closed")
	return nil
}
