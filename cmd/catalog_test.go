package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCatalog_EmptyPathUsesBuiltin(t *testing.T) {
	catalog, err := loadCatalog("")
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if _, ok := catalog.Find("claude-sonnet-4-5"); !ok {
		t.Error("expected builtin catalog to contain claude-sonnet-4-5")
	}
}

func TestLoadCatalog_MissingFileUsesBuiltin(t *testing.T) {
	catalog, err := loadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	if len(catalog.Options()) == 0 {
		t.Error("expected builtin fallback catalog to be non-empty")
	}
}

func TestLoadCatalog_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	data := []byte(`
models:
  - id: test-model
    provider: secondary
    label: Test Model
    context_window_tokens: 50000
    supported_thinking_levels: [off, low]
    default_thinking_level: low
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	catalog, err := loadCatalog(path)
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	opt, ok := catalog.Find("test-model")
	if !ok {
		t.Fatal("expected test-model to be present")
	}
	if opt.ContextWindowTokens != 50000 {
		t.Errorf("ContextWindowTokens = %d", opt.ContextWindowTokens)
	}
}

func TestLoadCatalog_UnknownProviderErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	data := []byte(`
models:
  - id: bad-model
    provider: nonexistent
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCatalog(path); err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
}
