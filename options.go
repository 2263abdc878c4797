package llmrelay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/transport"
)

// ClientConfig holds all configuration for the Client.
type ClientConfig struct {
	// ConfigPath points at an explicit registry file; empty means the
	// default discovery paths.
	ConfigPath string

	// ConfigWatch points at a registry file to load and hot-reload on
	// change. Takes precedence over ConfigPath.
	ConfigWatch string

	// Registry is a pre-built provider registry; overrides ConfigPath.
	Registry *config.Config

	// ExtraProviders are merged over the loaded registry.
	ExtraProviders map[string]config.ProviderConfig

	// ExtraKeyPools are merged over the loaded registry.
	ExtraKeyPools map[string]config.KeyPoolConfig

	// MaxRetries bounds per-call transport and rate-limit retries.
	MaxRetries int

	// Backoff timing for the retrying transport.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsed     time.Duration

	// TrackerTTL evicts rate-limit state for providers idle this long.
	TrackerTTL time.Duration

	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client

	// Timeout applies to the default HTTP client only.
	Timeout time.Duration

	// Logger receives structured engine logs.
	Logger *slog.Logger
}

// Option configures the Client.
type Option func(*ClientConfig)

func defaultClientConfig() *ClientConfig {
	tc := transport.DefaultConfig()
	return &ClientConfig{
		ExtraProviders: make(map[string]config.ProviderConfig),
		ExtraKeyPools:  make(map[string]config.KeyPoolConfig),
		MaxRetries:     tc.MaxRetries,
		InitialBackoff: tc.InitialBackoff,
		MaxBackoff:     tc.MaxBackoff,
		MaxElapsed:     tc.MaxElapsed,
		Timeout:        5 * time.Minute,
		Logger:         slog.Default(),
	}
}

// WithConfigPath loads the provider registry from an explicit file instead
// of the default discovery paths.
func WithConfigPath(path string) Option {
	return func(c *ClientConfig) {
		c.ConfigPath = path
	}
}

// WithConfigWatch loads the provider registry from path and watches it for
// changes. Edits to the file swap in a new registry and rebuilt key pools
// without restarting the client; a broken edit keeps the current registry.
func WithConfigWatch(path string) Option {
	return func(c *ClientConfig) {
		c.ConfigWatch = path
	}
}

// WithRegistry supplies a pre-built provider registry, bypassing file
// discovery entirely.
func WithRegistry(cfg *config.Config) Option {
	return func(c *ClientConfig) {
		c.Registry = cfg
	}
}

// WithProvider adds or overrides a provider definition.
//
// Example:
//
//	llmrelay.WithProvider("local", llmrelay.ProviderConfig{
//	    BaseURL:   "http://localhost:8080/v1",
//	    APIKeyEnv: "LOCAL_API_KEY",
//	})
func WithProvider(name string, cfg config.ProviderConfig) Option {
	return func(c *ClientConfig) {
		c.ExtraProviders[name] = cfg
	}
}

// WithKeyPool declares a multi-key pool for a provider.
//
// Example:
//
//	llmrelay.WithKeyPool("groq", llmrelay.KeyPoolConfig{
//	    KeysEnv:          []string{"GROQ_KEY_1", "GROQ_KEY_2"},
//	    RotationStrategy: "round_robin",
//	})
func WithKeyPool(provider string, cfg config.KeyPoolConfig) Option {
	return func(c *ClientConfig) {
		c.ExtraKeyPools[provider] = cfg
	}
}

// WithMaxRetries bounds transport and rate-limit retries per call.
func WithMaxRetries(n int) Option {
	return func(c *ClientConfig) {
		c.MaxRetries = n
	}
}

// WithBackoff configures retry timing: the initial delay (doubled per
// attempt), the per-attempt cap, and the total elapsed ceiling.
func WithBackoff(initial, max, elapsed time.Duration) Option {
	return func(c *ClientConfig) {
		c.InitialBackoff = initial
		c.MaxBackoff = max
		c.MaxElapsed = elapsed
	}
}

// WithTrackerTTL sets how long idle providers keep rate-limit state.
func WithTrackerTTL(ttl time.Duration) Option {
	return func(c *ClientConfig) {
		c.TrackerTTL = ttl
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the overall request timeout on the default HTTP client.
// Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Timeout = d
	}
}

// WithLogger sets the structured logger for engine events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}
