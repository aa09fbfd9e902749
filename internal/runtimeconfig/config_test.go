package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.IsEnabled("primary") {
		t.Error("expected primary enabled by default")
	}
	if cfg.Compression.TriggerTokens != 170_000 {
		t.Errorf("expected default trigger_tokens 170000, got %d", cfg.Compression.TriggerTokens)
	}
	if cfg.StrictProtocol {
		t.Error("expected strict_protocol default false")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsEnabled("primary") {
		t.Error("expected fallback to DefaultConfig")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
enabled_providers: [primary, secondary, router]
rollout_dir: /tmp/rollouts
compression:
  trigger_tokens: 1000
  target_tokens: 200
strict_protocol: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsEnabled("router") {
		t.Error("expected router enabled")
	}
	if cfg.RolloutDir != "/tmp/rollouts" {
		t.Errorf("RolloutDir = %q", cfg.RolloutDir)
	}
	if cfg.Compression.TriggerTokens != 1000 || cfg.Compression.TargetTokens != 200 {
		t.Errorf("Compression = %+v", cfg.Compression)
	}
	if !cfg.StrictProtocol {
		t.Error("expected strict_protocol true")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APEXION_RUNTIME_ROLLOUT_DIR", "/env/rollouts")
	t.Setenv("APEXION_RUNTIME_STRICT_PROTOCOL", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RolloutDir != "/env/rollouts" {
		t.Errorf("RolloutDir = %q", cfg.RolloutDir)
	}
	if !cfg.StrictProtocol {
		t.Error("expected env override to set strict_protocol")
	}
}
