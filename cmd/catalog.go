package cmd

import (
	"fmt"
	"os"

	"github.com/apexion-ai/apexion-runtime/internal/model"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape a model catalog YAML file is parsed
// from. Model catalog discovery itself is out of scope (spec.md §1); this
// is just enough structure for the cmd entry point to bootstrap a
// model.Catalog from a file an operator maintains.
type catalogFile struct {
	Models []catalogEntry `yaml:"models"`
}

type catalogEntry struct {
	ID                  string   `yaml:"id"`
	Provider            string   `yaml:"provider"`
	Label               string   `yaml:"label"`
	Description         string   `yaml:"description"`
	SupportedThinking   []string `yaml:"supported_thinking_levels"`
	DefaultThinking     string   `yaml:"default_thinking_level"`
	ContextWindowTokens int      `yaml:"context_window_tokens"`
	RoutingProviders    []string `yaml:"routing_providers"`
}

func loadCatalog(path string) (*model.Catalog, error) {
	if path == "" {
		return model.NewCatalog(builtinModelOptions()), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return model.NewCatalog(builtinModelOptions()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}

	options := make([]model.ModelOption, 0, len(cf.Models))
	for _, e := range cf.Models {
		p, ok := model.ParseProvider(e.Provider)
		if !ok {
			return nil, fmt.Errorf("model catalog %s: entry %q has unknown provider %q", path, e.ID, e.Provider)
		}
		options = append(options, model.ModelOption{
			ID:                      e.ID,
			Provider:                p,
			Label:                   e.Label,
			Description:             e.Description,
			SupportedThinkingLevels: parseThinkingLevels(e.SupportedThinking),
			DefaultThinkingLevel:    parseThinkingLevelOr(e.DefaultThinking, model.Off),
			ContextWindowTokens:     e.ContextWindowTokens,
			RoutingProviders:        e.RoutingProviders,
		})
	}
	return model.NewCatalog(options), nil
}

func parseThinkingLevels(raw []string) []model.ThinkingLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]model.ThinkingLevel, 0, len(raw))
	for _, r := range raw {
		out = append(out, parseThinkingLevelOr(r, model.Off))
	}
	return out
}

func parseThinkingLevelOr(raw string, fallback model.ThinkingLevel) model.ThinkingLevel {
	for _, lvl := range model.AllThinkingLevels() {
		if lvl.String() == raw {
			return lvl
		}
	}
	return fallback
}

// builtinModelOptions is the fallback catalog used when no catalog file is
// configured, covering one representative model per provider so a fresh
// install has something selectable.
func builtinModelOptions() []model.ModelOption {
	return []model.ModelOption{
		{
			ID:                  "claude-sonnet-4-5",
			Provider:            model.Primary,
			Label:               "Claude Sonnet 4.5",
			Description:         "Primary provider's default model.",
			ContextWindowTokens: 200_000,
		},
		{
			ID:                  "gpt-4o",
			Provider:            model.Secondary,
			Label:               "GPT-4o",
			Description:         "Secondary provider's default model.",
			ContextWindowTokens: 128_000,
		},
		{
			ID:               "router-auto",
			Provider:         model.Router,
			Label:            "Router (auto)",
			Description:      "Routing aggregator, sub-provider chosen automatically.",
			RoutingProviders: []string{"anthropic", "openai"},
		},
	}
}
