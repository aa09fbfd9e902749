package rpc

import (
	"encoding/json"

	"github.com/sourcegraph/jsonrpc2"
)

// Error codes beyond the standard JSON-RPC range (-32700..-32600) used for
// the domain-specific failures spec.md §7 names. Chosen in the reserved
// "server error" band the spec allows implementations to use freely.
const (
	codeBusy                     = -32000
	codeUnknownSession           = -32001
	codeProviderNotEnabled       = -32002
	codeMissingCredential        = -32003
	codeUnsupportedProtocolVersion = -32004
	codeUpstream                 = -32005
)

// invalidParams builds an InvalidParams error naming the offending field
// and why, per spec.md §4.8 "Strict mode rejects mismatched ... with
// InvalidParams" and the general "name field+reason" param-validation
// contract.
func invalidParams(field, reason string) *jsonrpc2.Error {
	return &jsonrpc2.Error{
		Code:    jsonrpc2.CodeInvalidParams,
		Message: field + ": " + reason,
	}
}

func methodNotFound(method string) *jsonrpc2.Error {
	return &jsonrpc2.Error{
		Code:    jsonrpc2.CodeMethodNotFound,
		Message: "method not found: " + method,
	}
}

func internalError(err error) *jsonrpc2.Error {
	return &jsonrpc2.Error{
		Code:    jsonrpc2.CodeInternalError,
		Message: err.Error(),
	}
}

func domainError(code int64, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: code, Message: message}
}

// dataError attaches a structured payload (e.g. {field, reason}) to an
// error so clients can render it without string-parsing Message.
func dataError(e *jsonrpc2.Error, data any) *jsonrpc2.Error {
	raw, err := json.Marshal(data)
	if err != nil {
		return e
	}
	msg := json.RawMessage(raw)
	e.Data = (*json.RawMessage)(&msg)
	return e
}
