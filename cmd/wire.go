package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/apexion-ai/apexion-runtime/internal/mcp"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/persistence"
	"github.com/apexion-ai/apexion-runtime/internal/provider"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
	"github.com/apexion-ai/apexion-runtime/internal/runtimeconfig"
	"github.com/apexion-ai/apexion-runtime/internal/session"
	"github.com/apexion-ai/apexion-runtime/internal/tools"
	"github.com/apexion-ai/apexion-runtime/internal/turn"
	"github.com/apexion-ai/apexion-runtime/internal/usage"
	"golang.org/x/oauth2"
)

// runtime bundles everything a cmd subcommand needs, built once from
// runtimeconfig.Config. Mirrors the teacher's buildProvider/initConfig
// split in cmd/root.go, generalized from one provider to the three-adapter
// map this spec requires.
type runtime struct {
	cfg       *runtimeconfig.Config
	catalog   *model.Catalog
	selection persistence.SelectionStore
	secrets   persistence.SecretStore
	rollouts  *rollout.Store
	adapters  map[model.Provider]provider.Adapter
	toolRT    turn.ToolRuntime
	usageReg  *usage.Registry
}

func buildRuntime() (*runtime, error) {
	cfg, err := runtimeconfig.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	catalog, err := loadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return nil, err
	}

	rolloutStore, err := rollout.Open(cfg.RolloutDir)
	if err != nil {
		return nil, fmt.Errorf("open rollout store: %w", err)
	}

	adapters := make(map[model.Provider]provider.Adapter)
	if cfg.IsEnabled("primary") {
		adapters[model.Primary] = provider.NewPrimaryAdapter()
	}
	if cfg.IsEnabled("secondary") {
		adapters[model.Secondary] = provider.NewSecondaryAdapter(cfg.Providers["secondary"].BaseURL)
	}
	if cfg.IsEnabled("router") {
		adapters[model.Router] = provider.NewRouterAdapter(cfg.Providers["router"].BaseURL)
	}

	registry := tools.NewRegistry()
	if cwd, err := os.Getwd(); err == nil {
		_, _ = connectMCPServers(registry, cwd)
	}
	_ = tools.RegisterCheckpointTools(registry, tools.NewCheckpointManager(0))
	toolRT := tools.NewRuntime(registry)

	return &runtime{
		cfg:       cfg,
		catalog:   catalog,
		selection: persistence.NewFileSelectionStore(cfg.SelectionPath),
		secrets:   persistence.NewFileSecretStore(cfg.SecretsDir),
		rollouts:  rolloutStore,
		adapters:  adapters,
		toolRT:    toolRT,
		usageReg:  usage.NewRegistry(nil),
	}, nil
}

// connectMCPServers is a best-effort enrichment: if an MCP config is
// present in the working directory, its tools are registered alongside
// whatever the caller already put in the registry (spec.md's domain stack:
// "ToolRuntime may proxy to one or more MCP servers").
func connectMCPServers(registry *tools.Registry, dir string) (*mcp.Manager, error) {
	cfg, err := mcp.LoadMCPConfig(dir)
	if err != nil || cfg == nil || len(cfg.MCPServers) == 0 {
		return nil, nil
	}
	mgr := mcp.NewManager(cfg)
	_ = mgr.ConnectAll(context.Background()) // per-server failures don't block startup
	mcp.RegisterTools(mgr, registry)
	return mgr, nil
}

// credentialsResolver builds a session.CredentialsResolver backed by the
// secret store: OAuth-token-shaped secrets for primary/secondary, a plain
// API key for router (auth.go's secret naming, spec.md §1's OAuth
// non-goal — only token persistence, not the exchange, lives here).
func credentialsResolver(secrets persistence.SecretStore) session.CredentialsResolver {
	return func(p model.Provider) (provider.Credentials, bool) {
		switch p {
		case model.Primary:
			return loadTokenCredentials(secrets, "primary_oauth_token")
		case model.Secondary:
			return loadTokenCredentials(secrets, "secondary_oauth_token")
		case model.Router:
			return loadAPIKeyCredentials(secrets, "router_key")
		default:
			return nil, false
		}
	}
}

func loadTokenCredentials(secrets persistence.SecretStore, name string) (provider.Credentials, bool) {
	data, ok, err := secrets.LoadSecret(name)
	if err != nil || !ok {
		return nil, false
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, false
	}
	return provider.Credentials{
		"access_token":  tok.AccessToken,
		"refresh_token": tok.RefreshToken,
		"token_type":    tok.TokenType,
	}, true
}

func loadAPIKeyCredentials(secrets persistence.SecretStore, name string) (provider.Credentials, bool) {
	data, ok, err := secrets.LoadSecret(name)
	if err != nil || !ok || len(data) == 0 {
		return nil, false
	}
	return provider.Credentials{"api_key": string(data)}, true
}

// currentSelectionFunc adapts persistence.SelectionStore into the
// func() session.Selection callback Manager.Deps needs. A load error
// (corrupt/missing file) falls back to the zero Selection rather than
// surfacing through a callback signature that has no error return — a
// session.Send call against a zero Selection fails cleanly with
// ErrProviderNotEnabled instead of panicking.
func currentSelectionFunc(selection persistence.SelectionStore, catalog *model.Catalog) func() session.Selection {
	return func() session.Selection {
		sel, err := selection.Load()
		if err != nil {
			return session.Selection{}
		}
		opt, _ := catalog.Find(model.NormalizeModelID(sel.SelectedModel))
		return session.Selection{
			Model:             opt,
			ThinkingLevel:     sel.SelectedThinking,
			ForcedSubProvider: sel.RouterSubProvider,
		}
	}
}
