package consumer

import (
	"context"
	"encoding/json"

	"pkt.systems/rpcbridge/internal/jsonrpc"
	"pkt.systems/rpcbridge/internal/jsonutil"
)

// Echo answers every request with its params as the result. Malformed JSON
// gets a parse error envelope; a request without params gets a null result.
func Echo() Handler {
	return HandlerFunc(echo)
}

func echo(_ context.Context, request []byte) ([]byte, error) {
	id := jsonrpc.ScanID(request)
	compact, err := jsonutil.Compact(request, 0)
	if err != nil {
		return jsonrpc.ErrorEnvelope(jsonrpc.CodeParseError, "Parse error", id), nil
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(compact, &req); err != nil {
		return jsonrpc.ErrorEnvelope(jsonrpc.CodeInvalidRequest, "Invalid Request", id), nil
	}
	if len(req.ID) > 0 {
		id = jsonrpc.ID(req.ID)
	}
	if req.Method == "" {
		return jsonrpc.ErrorEnvelope(jsonrpc.CodeInvalidRequest, "Invalid Request: missing method", id), nil
	}
	return jsonrpc.ResultEnvelope(req.Params, id)
}
