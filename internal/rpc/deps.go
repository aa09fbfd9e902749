package rpc

import (
	"sync"

	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/persistence"
	"github.com/apexion-ai/apexion-runtime/internal/rollout"
	"github.com/apexion-ai/apexion-runtime/internal/session"
	"github.com/apexion-ai/apexion-runtime/internal/turn"
	"github.com/apexion-ai/apexion-runtime/internal/usage"
)

// Deps bundles everything the method handlers need. One Deps is built at
// process start and shared by every connection's Router; session.Manager
// and the stores it wraps are already concurrency-safe.
type Deps struct {
	Sessions  *session.Manager
	Catalog   *model.Catalog
	Selection persistence.SelectionStore
	Secrets   persistence.SecretStore
	Rollouts  *rollout.Store
	ToolRT    turn.ToolRuntime
	Usage     *usage.Registry
	Skills    []string // names advertised by skills.list; skill bodies are out of scope

	// Events is replaced per connection by Router.Serve; handlers read it
	// through Router so a handler never holds a stale sink.
	Events session.EventSink

	protocolMu sync.Mutex
	strict     bool

	debugMu      sync.Mutex
	debugEnabled bool
}

// SetStrict toggles whether rpc.handshake rejects a mismatched protocol
// version (spec.md §4.8 "Strict mode rejects mismatched protocol versions
// with InvalidParams").
func (d *Deps) SetStrict(strict bool) {
	d.protocolMu.Lock()
	defer d.protocolMu.Unlock()
	d.strict = strict
}

func (d *Deps) isStrict() bool {
	d.protocolMu.Lock()
	defer d.protocolMu.Unlock()
	return d.strict
}

// currentSelection loads the on-disk Selection record and converts it into
// the session.Selection shape Manager.Deps.CurrentSelection needs.
func (d *Deps) currentSelection() (session.Selection, error) {
	sel, err := d.Selection.Load()
	if err != nil {
		return session.Selection{}, err
	}
	opt, _ := d.Catalog.Find(model.NormalizeModelID(sel.SelectedModel))
	return session.Selection{
		Model:             opt,
		ThinkingLevel:     sel.SelectedThinking,
		ForcedSubProvider: sel.RouterSubProvider,
	}, nil
}
