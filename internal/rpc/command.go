package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sourcegraph/jsonrpc2"
)

// Slash-commands recognized by command.execute (spec.md §6). Unknown
// commands yield a structured error *result*, not an RPC error — a typo'd
// command is a user-facing concern, not a protocol failure.
var recognizedCommands = map[string]bool{
	"/auth": true, "/onboarding": true, "/forgeteverything": true,
	"/model": true, "/limits": true, "/history": true, "/clear": true,
	"/compression": true, "/skills": true, "/tools": true, "/help": true,
	"/quit": true, "/exit": true,
}

type commandExecuteParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// commandResult is the structured command output shape: exactly one of
// Output/Error is set.
type commandResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func handleCommandExecute(ctx context.Context, r *Router, raw json.RawMessage) (any, *jsonrpc2.Error) {
	p, rpcErr := decodeParams[commandExecuteParams](raw)
	if rpcErr != nil {
		return nil, rpcErr
	}
	text := strings.TrimSpace(p.Text)
	if !strings.HasPrefix(text, "/") {
		return nil, invalidParams("text", "command.execute requires a leading '/'")
	}

	fields := strings.Fields(text)
	name, args := fields[0], fields[1:]
	if !recognizedCommands[name] {
		return commandResult{OK: false, Error: "unknown command: " + name}, nil
	}

	return r.dispatchCommand(ctx, name, args, p.SessionID), nil
}

func (r *Router) dispatchCommand(ctx context.Context, name string, args []string, sessionID string) commandResult {
	switch name {
	case "/auth":
		res, rpcErr := handleAuthStatus(ctx, r, nil)
		return fromHandler(res, rpcErr)

	case "/onboarding":
		res, rpcErr := handleOnboardingStatus(ctx, r, nil)
		return fromHandler(res, rpcErr)

	case "/forgeteverything":
		if sessionID == "" {
			return commandResult{OK: false, Error: "session_id required"}
		}
		if !r.deps.Sessions.ClearHistory(sessionID) {
			return commandResult{OK: false, Error: "unknown session"}
		}
		r.deps.Usage.Drop(sessionID)
		return commandResult{OK: true, Output: "history, queues, and usage cleared"}

	case "/model":
		if len(args) == 0 {
			res, rpcErr := handleModelList(ctx, r, nil)
			return fromHandler(res, rpcErr)
		}
		params, _ := json.Marshal(modelSelectParams{ModelID: args[0]})
		res, rpcErr := handleModelSelect(ctx, r, params)
		return fromHandler(res, rpcErr)

	case "/limits":
		if sessionID == "" {
			return commandResult{OK: false, Error: "session_id required"}
		}
		params, _ := json.Marshal(sessionIDParams{SessionID: sessionID})
		res, rpcErr := handleLimitsGet(ctx, r, params)
		return fromHandler(res, rpcErr)

	case "/history":
		return r.dispatchHistoryCommand(ctx, args, sessionID)

	case "/clear":
		if sessionID == "" {
			return commandResult{OK: false, Error: "session_id required"}
		}
		if !r.deps.Sessions.ClearHistory(sessionID) {
			return commandResult{OK: false, Error: "unknown session"}
		}
		return commandResult{OK: true, Output: "history cleared"}

	case "/compression":
		if sessionID == "" {
			return commandResult{OK: false, Error: "session_id required"}
		}
		result, ok := r.deps.Sessions.CompressNow(sessionID)
		if !ok {
			return commandResult{OK: false, Error: "session busy or unknown"}
		}
		return commandResult{OK: true, Output: fmt.Sprintf("compressed %d -> %d estimated tokens", result.BeforeTokens, result.AfterTokens)}

	case "/skills":
		res, rpcErr := handleSkillsList(ctx, r, nil)
		return fromHandler(res, rpcErr)

	case "/tools":
		res, rpcErr := handleToolsList(ctx, r, nil)
		return fromHandler(res, rpcErr)

	case "/help":
		names := make([]string, 0, len(recognizedCommands))
		for n := range recognizedCommands {
			names = append(names, n)
		}
		return commandResult{OK: true, Output: strings.Join(names, " ")}

	case "/quit", "/exit":
		r.deps.Sessions.Shutdown()
		return commandResult{OK: true, Output: "shutting down"}

	default:
		return commandResult{OK: false, Error: "unknown command: " + name}
	}
}

func (r *Router) dispatchHistoryCommand(ctx context.Context, args []string, sessionID string) commandResult {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		res, rpcErr := handleHistoryList(ctx, r, nil)
		return fromHandler(res, rpcErr)
	case "last":
		if sessionID == "" {
			return commandResult{OK: false, Error: "session_id required"}
		}
		params, _ := json.Marshal(sessionIDParams{SessionID: sessionID})
		res, rpcErr := handleHistoryGet(ctx, r, params)
		return fromHandler(res, rpcErr)
	default: // treat as an explicit session id
		params, _ := json.Marshal(sessionIDParams{SessionID: sub})
		res, rpcErr := handleHistoryGet(ctx, r, params)
		return fromHandler(res, rpcErr)
	}
}

func fromHandler(res any, rpcErr *jsonrpc2.Error) commandResult {
	if rpcErr != nil {
		return commandResult{OK: false, Error: rpcErr.Message}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return commandResult{OK: false, Error: err.Error()}
	}
	return commandResult{OK: true, Output: string(data)}
}
