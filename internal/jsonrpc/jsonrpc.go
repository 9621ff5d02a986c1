// Package jsonrpc holds the slice of JSON-RPC 2.0 the bridge itself speaks:
// error codes, error envelopes and a tolerant request id scanner. Request and
// result payloads are never decoded here; they belong to the consumer.
package jsonrpc

import (
	"encoding/json"
)

// Version is the protocol version stamped on every envelope.
const Version = "2.0"

// Code is a JSON-RPC error code.
type Code int

const (
	// CodeParseError signals an unreadable or empty request body.
	CodeParseError Code = -32700
	// CodeInvalidRequest signals a request the bridge refuses to forward.
	CodeInvalidRequest Code = -32600
	// CodeMethodNotFound is reserved for consumers.
	CodeMethodNotFound Code = -32601
	// CodeInvalidParams is reserved for consumers.
	CodeInvalidParams Code = -32602
	// CodeInternalError signals a failure inside the bridge or consumer.
	CodeInternalError Code = -32603
	// CodeServerError is the implementation-defined code used for every
	// availability outcome (timeout, interruption, shutdown).
	CodeServerError Code = -32000
	// CodeUnauthorized accompanies HTTP 401 replies.
	CodeUnauthorized Code = -32001
)

// Error is the error member of a JSON-RPC response.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// ErrorEnvelope renders a complete JSON-RPC error response echoing id. An id
// that is not a valid JSON token is replaced by null.
func ErrorEnvelope(code Code, message string, id ID) []byte {
	raw := id.raw()
	out, err := json.Marshal(errorResponse{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      raw,
	})
	if err != nil {
		// Unreachable: raw is validated and message is a plain string.
		out, _ = json.Marshal(errorResponse{
			JSONRPC: Version,
			Error:   &Error{Code: CodeInternalError, Message: "internal error"},
			ID:      json.RawMessage(NullID),
		})
	}
	return out
}

// Response is a decoded JSON-RPC response, used by clients that want to
// inspect the bridge reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Request is a minimal JSON-RPC request used by clients and the reference
// consumer. Params stay raw.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// ResultEnvelope renders a success response carrying result for id.
func ResultEnvelope(result json.RawMessage, id ID) ([]byte, error) {
	if len(result) == 0 {
		result = json.RawMessage(NullID)
	}
	return json.Marshal(Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id.raw(),
	})
}
