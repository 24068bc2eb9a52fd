// Package jsonrpc implements the bidirectional, cancellation-aware
// JSON-RPC 2.0 channel spec.md §4.1 describes: call/notify/serve over a
// framed message stream, with rpc.cancel propagation and method dispatch
// rules (underscore-prefixed and hidden methods rejected, built-in
// cancel handling).
package jsonrpc

import (
	"encoding/json"
)

// ID is a JSON-RPC request id: a string, a number, or absent (null) for a
// notification. We keep it as raw JSON so equality/round-tripping matches
// whatever the peer sent, without forcing a numeric type.
type ID = json.RawMessage

// Request is a JSON-RPC 2.0 request or notification. Params is kept raw so
// it can be unmarshalled either as a list (positional args) or an object
// (keyword args), per spec.md's ArgsOrKwargs rule.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this Request carries no id (fire-and-forget).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a successful JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// RPCError is the JSON-RPC 2.0 error object carried by ErrorResponse.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// ErrorResponse is a failed JSON-RPC 2.0 reply.
type ErrorResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      ID        `json:"id"`
	Error   *RPCError `json:"error"`
}

// envelope is used only to sniff an inbound message's shape before
// deciding whether it's a Request, Response, or ErrorResponse.
type envelope struct {
	ID      *json.RawMessage `json:"id"`
	Method  *string          `json:"method"`
	Params  json.RawMessage  `json:"params"`
	Result  json.RawMessage  `json:"result"`
	Error   *RPCError        `json:"error"`
	JSONRPC string           `json:"jsonrpc"`
}

const version = "2.0"

// traceback is the payload of ErrorResponse.Error.Data for handler panics
// and returned errors, so the caller can reproduce the failure.
type traceback struct {
	Traceback string `json:"traceback"`
}
