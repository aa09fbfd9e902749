package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/apexion-ai/apexion-runtime/internal/model"
	"github.com/apexion-ai/apexion-runtime/internal/persistence"
	"github.com/apexion-ai/apexion-runtime/internal/session"
)

func testCatalog() *model.Catalog {
	return model.NewCatalog([]model.ModelOption{
		{ID: "claude-sonnet-4-5", Provider: model.Primary, Label: "Sonnet"},
	})
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	return Deps{
		Sessions:  session.NewManager(session.Deps{}),
		Catalog:   testCatalog(),
		Selection: persistence.NewFileSelectionStore(filepath.Join(dir, "selection.yaml")),
		Secrets:   persistence.NewFileSecretStore(dir),
	}
}

func TestHandleHandshake_NonStrictAcceptsAnyVersion(t *testing.T) {
	r := NewRouter(testDeps(t))
	res, rpcErr := handleHandshake(context.Background(), r, json.RawMessage(`{"protocol_version":"999"}`))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	hr := res.(handshakeResult)
	if hr.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %q, want %q", hr.ProtocolVersion, ProtocolVersion)
	}
}

func TestHandleHandshake_StrictRejectsMismatch(t *testing.T) {
	deps := testDeps(t)
	deps.SetStrict(true)
	r := NewRouter(deps)
	_, rpcErr := handleHandshake(context.Background(), r, json.RawMessage(`{"protocol_version":"999"}`))
	if rpcErr == nil {
		t.Fatal("expected strict mode to reject a mismatched protocol version")
	}
	if rpcErr.Code != codeUnsupportedProtocolVersion {
		t.Errorf("Code = %d, want %d", rpcErr.Code, codeUnsupportedProtocolVersion)
	}
}

func TestHandleHandshake_StrictAcceptsMatchingVersion(t *testing.T) {
	deps := testDeps(t)
	deps.SetStrict(true)
	r := NewRouter(deps)
	_, rpcErr := handleHandshake(context.Background(), r, json.RawMessage(`{"protocol_version":"`+ProtocolVersion+`"}`))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
}

func TestHandleSessionGet_UnknownSession(t *testing.T) {
	r := NewRouter(testDeps(t))
	_, rpcErr := handleSessionGet(context.Background(), r, json.RawMessage(`{"session_id":"nope"}`))
	if rpcErr == nil || rpcErr.Code != codeUnknownSession {
		t.Fatalf("expected codeUnknownSession, got %v", rpcErr)
	}
}

func TestHandleSessionGet_MissingID(t *testing.T) {
	r := NewRouter(testDeps(t))
	_, rpcErr := handleSessionGet(context.Background(), r, json.RawMessage(`{}`))
	if rpcErr == nil || rpcErr.Code != -32602 { // jsonrpc2.CodeInvalidParams
		t.Fatalf("expected InvalidParams, got %v", rpcErr)
	}
}

func TestHandleSessionCreateThenGet(t *testing.T) {
	r := NewRouter(testDeps(t))
	created, rpcErr := handleSessionCreate(context.Background(), r, json.RawMessage(`{"title":"hello"}`))
	if rpcErr != nil {
		t.Fatalf("create: %v", rpcErr)
	}
	view := created.(map[string]any)
	id := view["session_id"].(string)
	if id == "" {
		t.Fatal("expected a non-empty session id")
	}

	got, rpcErr := handleSessionGet(context.Background(), r, json.RawMessage(`{"session_id":"`+id+`"}`))
	if rpcErr != nil {
		t.Fatalf("get: %v", rpcErr)
	}
	if got.(map[string]any)["session_id"] != id {
		t.Fatalf("round-tripped session id mismatch")
	}
}

func TestSendErrorToRPC_MapsKnownSentinels(t *testing.T) {
	cases := []struct {
		err  error
		code int64
	}{
		{session.ErrUnknownSession, codeUnknownSession},
		{session.ErrEmptyPrompt, -32602},
		{session.ErrBusy, codeBusy},
		{session.ErrProviderNotEnabled, codeProviderNotEnabled},
		{session.ErrMissingCredential, codeMissingCredential},
	}
	for _, c := range cases {
		got := sendErrorToRPC(c.err)
		if got.Code != c.code {
			t.Errorf("sendErrorToRPC(%v).Code = %d, want %d", c.err, got.Code, c.code)
		}
	}
}

func TestHandleModelSelect_UnknownModel(t *testing.T) {
	r := NewRouter(testDeps(t))
	_, rpcErr := handleModelSelect(context.Background(), r, json.RawMessage(`{"model_id":"nonexistent"}`))
	if rpcErr == nil || rpcErr.Code != -32602 {
		t.Fatalf("expected InvalidParams for unknown model, got %v", rpcErr)
	}
}

func TestHandleModelSelect_PersistsSelection(t *testing.T) {
	r := NewRouter(testDeps(t))
	_, rpcErr := handleModelSelect(context.Background(), r, json.RawMessage(`{"model_id":"claude-sonnet-4-5"}`))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	sel, err := r.deps.Selection.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sel.SelectedModel != "claude-sonnet-4-5" {
		t.Errorf("SelectedModel = %q", sel.SelectedModel)
	}
}

func TestHandleDebugSet(t *testing.T) {
	r := NewRouter(testDeps(t))
	_, rpcErr := handleDebugSet(context.Background(), r, json.RawMessage(`{"enabled":true}`))
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if !r.deps.debugEnabled {
		t.Error("expected debugEnabled to be set")
	}
}

func TestHandleToolsList_NilRuntime(t *testing.T) {
	r := NewRouter(testDeps(t))
	res, rpcErr := handleToolsList(context.Background(), r, nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	tools := res.(map[string]any)["tools"].([]string)
	if len(tools) != 0 {
		t.Errorf("expected no tools, got %v", tools)
	}
}

func TestRouter_MethodList_Exhaustive(t *testing.T) {
	r := NewRouter(testDeps(t))
	methods := r.MethodList()
	want := []string{
		"rpc.handshake", "system.ping", "system.shutdown", "state.get",
		"session.create", "session.get", "session.send", "session.steer",
		"session.interrupt", "session.queue.list", "session.queue.clear",
		"command.execute", "auth.status", "auth.connect.primary",
		"auth.connect.secondary", "auth.set.router_key", "auth.set.search_key",
		"onboarding.status", "onboarding.complete", "model.list", "model.select",
		"model.router.providers", "limits.get", "history.list", "history.get",
		"history.clear_session", "skills.list", "tools.list", "debug.set",
	}
	if len(methods) != len(want) {
		t.Errorf("MethodList() has %d methods, want %d: %v", len(methods), len(want), methods)
	}
	for _, m := range want {
		found := false
		for _, got := range methods {
			if got == m {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("MethodList() missing %q", m)
		}
	}
}
