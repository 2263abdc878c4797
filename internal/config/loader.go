package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmrelay/pkg/errors"
)

// EnvConfigPath names the env variable pointing at a custom config file.
const EnvConfigPath = "LLMRELAY_CONFIG_PATH"

// builtinDefaults are the providers llmrelay knows out of the box. A user
// config file overrides any of these per provider.
var builtinDefaults = Config{
	Providers: map[string]ProviderConfig{
		"openai": {
			BaseURL:    "https://api.openai.com/v1",
			APIKeyEnv:  "OPENAI_API_KEY",
			APIBaseEnv: "OPENAI_API_BASE",
		},
		"groq": {
			BaseURL:   "https://api.groq.com/openai/v1",
			APIKeyEnv: "GROQ_API_KEY",
		},
		"mistral": {
			BaseURL:   "https://api.mistral.ai/v1",
			APIKeyEnv: "MISTRAL_API_KEY",
		},
		"deepseek": {
			BaseURL:   "https://api.deepseek.com/v1",
			APIKeyEnv: "DEEPSEEK_API_KEY",
		},
		"together": {
			BaseURL:   "https://api.together.xyz/v1",
			APIKeyEnv: "TOGETHER_API_KEY",
		},
		"openrouter": {
			BaseURL:   "https://openrouter.ai/api/v1",
			APIKeyEnv: "OPENROUTER_API_KEY",
		},
	},
}

// Load builds the effective registry: built-in defaults, then each existing
// default-path file, merged in order. A .env file in the working directory
// is loaded first so env-sourced keys resolve.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Merge(builtinDefaults)

	for _, path := range defaultPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// LoadPath builds the registry from defaults plus one explicit file.
func LoadPath(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.Merge(builtinDefaults)
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultPaths() []string {
	var paths []string

	if custom := os.Getenv(EnvConfigPath); custom != "" {
		paths = append(paths, custom)
	}

	paths = append(paths, "llmrelay.yaml", "llmrelay.yml")

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "llmrelay", "config.yaml"),
			filepath.Join(home, ".llmrelay", "config.yaml"),
		)
	}

	return paths
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the user's own config discovery.
	if err != nil {
		return errors.NewConfigError("read %s: %v", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return errors.NewConfigError("parse %s: %v", path, err)
	}

	cfg.Merge(parsed)
	return nil
}

// Validate checks the registry for obviously broken entries.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return errors.NewConfigError("provider %q has no base_url", name)
		}
	}
	for name := range c.KeyPools {
		if _, ok := c.Providers[name]; !ok {
			return errors.NewConfigError(
				"key pool %q references an unknown provider; %s", name,
				fmt.Sprintf("declare providers.%s first", name))
		}
	}
	return nil
}
