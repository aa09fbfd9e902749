package rpc

import (
	"context"
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/apexion-ai/apexion-runtime/internal/images"
	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/session"
)

// --- rpc.handshake ---------------------------------------------------

type handshakeParams struct {
	ProtocolVersion string `json:"protocol_version"`
}

type handshakeResult struct {
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
	Methods         []string `json:"methods"`
}

func handleHandshake(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[handshakeParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if r.deps.isStrict() && p.ProtocolVersion != "" && p.ProtocolVersion != ProtocolVersion {
		return nil, domainError(codeUnsupportedProtocolVersion, "unsupported protocol version: "+p.ProtocolVersion)
	}
	return handshakeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities,
		Methods:         r.MethodList(),
	}, nil
}

// --- system.* ----------------------------------------------------------

func handleSystemPing(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	return map[string]bool{"pong": true}, nil
}

func handleSystemShutdown(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	r.deps.Sessions.Shutdown()
	return map[string]bool{"ok": true}, nil
}

// --- state.get -----------------------------------------------------

type sessionSummary struct {
	ID          string `json:"session_id"`
	State       string `json:"state"`
	StatusLabel string `json:"status_label"`
}

func handleStateGet(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	sessions := r.deps.Sessions.List()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, sessionSummary{ID: s.ID, State: string(s.State), StatusLabel: s.StatusLabel})
	}
	return map[string]any{"sessions": summaries}, nil
}

// --- session.* -----------------------------------------------------

type sessionCreateParams struct {
	Title string `json:"title"`
}

func handleSessionCreate(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionCreateParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	s, err := r.deps.Sessions.Create(p.Title)
	if err != nil {
		return nil, internalError(err)
	}
	return sessionView(s), nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func handleSessionGet(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id", "required")
	}
	s, ok := r.deps.Sessions.Get(p.SessionID)
	if !ok {
		return nil, domainError(codeUnknownSession, "unknown session")
	}
	return sessionView(s), nil
}

type sessionSendParams struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"` // paths or data URLs, per internal/images
	Enqueue   bool     `json:"enqueue"`
}

func handleSessionSend(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionSendParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id", "required")
	}

	attachments, err := images.LoadAll(p.Images)
	if err != nil {
		if sink := r.deps.Events; sink != nil {
			sink.SessionError(p.SessionID, err.Error())
		}
		return nil, invalidParams("images", err.Error())
	}

	res, err := r.deps.Sessions.Send(ctx, p.SessionID, p.Text, attachments, p.Enqueue)
	if err != nil {
		return nil, sendErrorToRPC(err)
	}
	return map[string]any{"turn_id": res.TurnID, "accepted": res.Accepted, "queued": res.Queued}, nil
}

func sendErrorToRPC(err error) *jsonrpc2.Error {
	switch err {
	case session.ErrUnknownSession:
		return domainError(codeUnknownSession, err.Error())
	case session.ErrEmptyPrompt:
		return invalidParams("text", err.Error())
	case session.ErrBusy:
		return domainError(codeBusy, err.Error())
	case session.ErrProviderNotEnabled:
		return domainError(codeProviderNotEnabled, err.Error())
	case session.ErrMissingCredential:
		return domainError(codeMissingCredential, err.Error())
	default:
		return internalError(err)
	}
}

type sessionSteerParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func handleSessionSteer(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionSteerParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	accepted := r.deps.Sessions.Steer(p.SessionID, p.Text)
	return map[string]bool{"accepted": accepted}, nil
}

func handleSessionInterrupt(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	interrupted := r.deps.Sessions.Interrupt(p.SessionID)
	return map[string]bool{"interrupted": interrupted}, nil
}

func handleSessionQueueList(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	items, ok := r.deps.Sessions.QueueList(p.SessionID)
	if !ok {
		return nil, domainError(codeUnknownSession, "unknown session")
	}
	return map[string]any{"queued": items}, nil
}

func handleSessionQueueClear(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ok := r.deps.Sessions.QueueClear(p.SessionID)
	if !ok {
		return nil, domainError(codeUnknownSession, "unknown session")
	}
	return map[string]bool{"ok": true}, nil
}

func sessionView(s session.Session) map[string]any {
	return map[string]any{
		"session_id":   s.ID,
		"state":        string(s.State),
		"status_label": s.StatusLabel,
		"history":      s.History,
		"ui_messages":  s.UIMessages,
		"queued":       s.QueuedPrompts,
	}
}

// --- model.* -------------------------------------------------------

func handleModelList(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	options := r.deps.Catalog.Options()
	type entry struct {
		ID                  string   `json:"id"`
		Provider            string   `json:"provider"`
		Label               string   `json:"label"`
		ContextWindowTokens int      `json:"context_window_tokens"`
		ThinkingLevels      []string `json:"thinking_levels"`
	}
	out := make([]entry, 0, len(options))
	for _, o := range options {
		levels := make([]string, 0, len(o.AllowedThinkingLevels()))
		for _, l := range o.AllowedThinkingLevels() {
			levels = append(levels, l.String())
		}
		out = append(out, entry{
			ID:                  o.ID,
			Provider:            o.Provider.String(),
			Label:               o.Label,
			ContextWindowTokens: model.ContextWindowFor(o),
			ThinkingLevels:      levels,
		})
	}
	return map[string]any{"models": out}, nil
}

type modelSelectParams struct {
	ModelID           string `json:"model_id"`
	ThinkingLevel     string `json:"thinking_level"`
	RouterSubProvider string `json:"router_sub_provider"`
}

func handleModelSelect(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[modelSelectParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id := model.NormalizeModelID(p.ModelID)
	opt, ok := r.deps.Catalog.Find(id)
	if !ok {
		return nil, invalidParams("model_id", "unknown model")
	}

	level := model.Off
	if p.ThinkingLevel != "" {
		level, ok = parseThinkingLevel(p.ThinkingLevel)
		if !ok {
			return nil, invalidParams("thinking_level", "unrecognized value")
		}
	}
	if !opt.SupportsThinkingLevel(level) {
		return nil, invalidParams("thinking_level", "not supported by this model")
	}

	sel, err := r.deps.Selection.Load()
	if err != nil {
		return nil, internalError(err)
	}
	sel.SelectedModel = opt.ID
	sel.SelectedThinking = level
	sel.RouterSubProvider = p.RouterSubProvider
	if err := r.deps.Selection.Save(sel); err != nil {
		return nil, internalError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func parseThinkingLevel(s string) (model.ThinkingLevel, bool) {
	for _, l := range model.AllThinkingLevels() {
		if l.String() == s {
			return l, true
		}
	}
	return model.Off, false
}

func handleModelRouterProviders(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	var subProviders []string
	seen := map[string]bool{}
	for _, o := range r.deps.Catalog.ForProvider(model.Router) {
		for _, sp := range o.RoutingProviders {
			if !seen[sp] {
				seen[sp] = true
				subProviders = append(subProviders, sp)
			}
		}
	}
	return map[string]any{"sub_providers": subProviders}, nil
}

// --- limits.get ------------------------------------------------------

func handleLimitsGet(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id", "required")
	}
	total, turns := r.deps.Usage.For(p.SessionID).Totals()
	return map[string]any{"session_cost_usd": total, "turn_count": turns}, nil
}

// --- history.* -----------------------------------------------------

func handleHistoryList(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	ids, err := r.deps.Rollouts.List()
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"rollouts": ids}, nil
}

func handleHistoryGet(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.SessionID == "" {
		return nil, invalidParams("session_id", "required")
	}
	record, err := r.deps.Rollouts.LoadBySessionID(p.SessionID)
	if err != nil {
		return nil, internalError(err)
	}
	return record, nil
}

func handleHistoryClearSession(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[sessionIDParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ok := r.deps.Sessions.ClearHistory(p.SessionID)
	if !ok {
		return nil, domainError(codeUnknownSession, "unknown session")
	}
	r.deps.Usage.Drop(p.SessionID)
	return map[string]bool{"ok": true}, nil
}

// --- skills.list / tools.list ---------------------------------------

func handleSkillsList(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	return map[string]any{"skills": r.deps.Skills}, nil
}

func handleToolsList(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	if r.deps.ToolRT == nil {
		return map[string]any{"tools": []string{}}, nil
	}
	decls := r.deps.ToolRT.Declarations()
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	return map[string]any{"tools": names}, nil
}

// --- debug.set -------------------------------------------------------

type debugSetParams struct {
	Enabled bool `json:"enabled"`
}

func handleDebugSet(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[debugSetParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	r.deps.debugMu.Lock()
	r.deps.debugEnabled = p.Enabled
	r.deps.debugMu.Unlock()
	return map[string]bool{"ok": true}, nil
}
