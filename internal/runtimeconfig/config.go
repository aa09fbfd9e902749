// Package runtimeconfig loads this runtime's own process configuration:
// which providers are enabled, where the model catalog/rollout directory
// live, and a compression threshold block. Grounded on the
// teacher's internal/config/config.go layered precedence (environment
// variables > --config flag path > ~/.config/<app>/config.yaml) and its
// atomic-write-free "just re-read the file" simplicity, narrowed to the
// settings this spec's components actually consume (SPEC_FULL.md §2).
package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds the base URL / default model a provider adapter is
// constructed with. Credentials themselves live in the persistence
// gateway (C1), never here.
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// CompressionConfig holds token thresholds read from the config file.
// internal/compression does not read them: it derives its trigger from the
// selected model's context window.
type CompressionConfig struct {
	TriggerTokens int `yaml:"trigger_tokens"`
	TargetTokens  int `yaml:"target_tokens"`
}

// Config is the complete runtime configuration.
type Config struct {
	// EnabledProviders lists which of primary/secondary/router have an
	// adapter constructed at startup (spec.md §4.1's ErrProviderNotEnabled
	// path fires for anything not listed here).
	EnabledProviders []string `yaml:"enabled_providers"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// ModelCatalogPath points at the YAML file internal/model's catalog is
	// loaded from; empty uses the built-in default catalog.
	ModelCatalogPath string `yaml:"model_catalog_path"`

	// RolloutDir is where C3 appends per-session rollout files.
	RolloutDir string `yaml:"rollout_dir"`

	// SelectionPath / SecretsDir locate C1's on-disk state.
	SelectionPath string `yaml:"selection_path"`
	SecretsDir    string `yaml:"secrets_dir"`

	Compression CompressionConfig `yaml:"compression"`

	// StrictProtocol toggles rpc.handshake's version-mismatch rejection
	// (spec.md §4.8).
	StrictProtocol bool `yaml:"strict_protocol"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "apexion-runtime")
	return &Config{
		EnabledProviders: []string{"primary"},
		Providers:        make(map[string]ProviderConfig),
		RolloutDir:       filepath.Join(base, "rollouts"),
		SelectionPath:    filepath.Join(base, "selection.yaml"),
		SecretsDir:       filepath.Join(base, "secrets"),
		Compression: CompressionConfig{
			TriggerTokens: 170_000,
			TargetTokens:  80_000,
		},
		StrictProtocol: false,
	}
}

// Load reads the config file at path (or the default
// ~/.config/apexion-runtime/config.yaml when path is empty), applying
// environment variable overrides on top. Missing files fall back to
// DefaultConfig() rather than erroring, matching the teacher's own
// Load().
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "apexion-runtime", "config.yaml")
		}
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APEXION_RUNTIME_ROLLOUT_DIR"); v != "" {
		cfg.RolloutDir = v
	}
	if v := os.Getenv("APEXION_RUNTIME_SELECTION_PATH"); v != "" {
		cfg.SelectionPath = v
	}
	if v := os.Getenv("APEXION_RUNTIME_SECRETS_DIR"); v != "" {
		cfg.SecretsDir = v
	}
	if v := os.Getenv("APEXION_RUNTIME_STRICT_PROTOCOL"); v == "1" || v == "true" {
		cfg.StrictProtocol = true
	}
}

// IsEnabled reports whether a provider name ("primary"|"secondary"|"router")
// is in EnabledProviders.
func (c *Config) IsEnabled(name string) bool {
	for _, p := range c.EnabledProviders {
		if p == name {
			return true
		}
	}
	return false
}
