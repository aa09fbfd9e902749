package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/oauth2"
)

// Secret file names. Primary/Secondary are OAuth-token-shaped (spec.md §1:
// actual browser/device-code flows are out of scope; this runtime only
// persists whatever token a caller already obtained). Router and the
// search add-on are plain API keys.
const (
	secretPrimaryToken   = "primary_oauth_token"
	secretSecondaryToken = "secondary_oauth_token"
	secretRouterKey      = "router_key"
	secretSearchKey      = "search_key"
)

// --- auth.status -----------------------------------------------------

func handleAuthStatus(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	status := map[string]bool{}
	for label, name := range map[string]string{
		"primary":   secretPrimaryToken,
		"secondary": secretSecondaryToken,
		"router":    secretRouterKey,
		"search":    secretSearchKey,
	} {
		_, ok, err := r.deps.Secrets.LoadSecret(name)
		if err != nil {
			return nil, internalError(err)
		}
		status[label] = ok
	}
	return status, nil
}

// --- auth.connect.primary / auth.connect.secondary --------------------
//
// The actual OAuth browser/device-code exchange is out of scope (spec.md
// §1); these methods persist a token a client already obtained elsewhere,
// matching the oauth2.Token shape named in SPEC_FULL.md's domain stack.

type connectParams struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresInSec int64  `json:"expires_in_sec,omitempty"`
}

func (p connectParams) toToken() (*oauth2.Token, *jsonrpc2.Error) {
	if p.AccessToken == "" {
		return nil, invalidParams("access_token", "required")
	}
	tok := &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
	}
	if p.ExpiresInSec > 0 {
		tok.Expiry = time.Now().Add(time.Duration(p.ExpiresInSec) * time.Second)
	}
	return tok, nil
}

func saveToken(r *Router, name string, p connectParams) *jsonrpc2.Error {
	tok, rpcErr := p.toToken()
	if rpcErr != nil {
		return rpcErr
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return internalError(err)
	}
	if err := r.deps.Secrets.SaveSecret(name, data); err != nil {
		return internalError(err)
	}
	return nil
}

func handleAuthConnectPrimary(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[connectParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := saveToken(r, secretPrimaryToken, p); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]bool{"ok": true}, nil
}

func handleAuthConnectSecondary(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[connectParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if rpcErr := saveToken(r, secretSecondaryToken, p); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]bool{"ok": true}, nil
}

// --- auth.set.router_key / auth.set.search_key ------------------------

type apiKeyParams struct {
	Key string `json:"key"`
}

func setAPIKey(r *Router, name string, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[apiKeyParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Key == "" {
		return nil, invalidParams("key", "required")
	}
	if err := r.deps.Secrets.SaveSecret(name, []byte(p.Key)); err != nil {
		return nil, internalError(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleAuthSetRouterKey(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	return setAPIKey(r, secretRouterKey, raw)
}

func handleAuthSetSearchKey(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	return setAPIKey(r, secretSearchKey, raw)
}

// --- onboarding.* ----------------------------------------------------

func handleOnboardingStatus(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	sel, err := r.deps.Selection.Load()
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]bool{"done": sel.OnboardingDone}, nil
}

func handleOnboardingComplete(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	sel, err := r.deps.Selection.Load()
	if err != nil {
		return nil, internalError(err)
	}
	sel.OnboardingDone = true
	if err := r.deps.Selection.Save(sel); err != nil {
		return nil, internalError(err)
	}
	return map[string]bool{"ok": true}, nil
}
