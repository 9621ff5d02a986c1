package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/handoff"
	"pkt.systems/rpcbridge/internal/jsonrpc"
	"pkt.systems/rpcbridge/internal/svcfields"
)

// Reply texts. Clients match on some of these, keep them stable.
const (
	msgMethodNotAllowed = "Method Not Allowed. Use POST for JSON-RPC requests."
	msgEmptyBody        = "Parse error: Empty request body."
	msgUnreadableBody   = "Parse error: Unable to read request body."
	msgTooLarge         = "Request too large"
	msgUnauthorized     = "Unauthorized"
	msgInternal         = "Internal error"

	msgBackendUnavailable = "Backend unavailable: request timed out waiting for consumer."
	msgProcessingTimeout  = "Request processing timed out."
	msgInterrupted        = "Request interrupted: consumer became unavailable. Please retry."
	msgShuttingDown       = "Server is shutting down."
)

func (h *Handler) handleBridge(w http.ResponseWriter, r *http.Request) error {
	h.setCORS(w, bridgeMethods)
	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return nil
	case http.MethodPost:
	default:
		h.rejected.Add(1)
		h.metrics.reject(ctx, "method")
		w.Header().Set("Allow", bridgeMethods)
		w.Header().Set("Content-Type", contentTypeText)
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := io.WriteString(w, msgMethodNotAllowed)
		return err
	}

	if !h.authorized(r) {
		h.reportUnauthorized(ctx, r)
		w.Header().Set("WWW-Authenticate", "Bearer")
		return writeEnvelope(w, http.StatusUnauthorized, jsonrpc.ErrorEnvelope(jsonrpc.CodeUnauthorized, msgUnauthorized, jsonrpc.NullID))
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.rejected.Add(1)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, errEmptyBody):
			h.metrics.reject(ctx, "empty")
			return writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorEnvelope(jsonrpc.CodeParseError, msgEmptyBody, jsonrpc.NullID))
		case errors.As(err, &tooLarge), errors.Is(err, errDeclaredTooLarge):
			h.metrics.reject(ctx, "too_large")
			logger.Debug("bridge.request.too_large", "limit", h.maxPayload, "content_length", r.ContentLength)
			return writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorEnvelope(jsonrpc.CodeInvalidRequest, msgTooLarge, jsonrpc.NullID))
		default:
			h.metrics.reject(ctx, "unreadable")
			if werr := writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorEnvelope(jsonrpc.CodeParseError, msgUnreadableBody, jsonrpc.NullID)); werr != nil {
				return werr
			}
			return err
		}
	}

	id := jsonrpc.ScanID(body)
	logger = logger.With(svcfields.RPCIDKey, id.String())
	ctx = pslog.ContextWithLogger(ctx, logger)

	res := h.slot.Exchange(ctx, body, id)
	h.metrics.observe(ctx, res)
	logger.Debug("bridge.request.resolved",
		"outcome", res.Outcome.String(),
		"phase", res.Phase.String(),
		"elapsed", res.Elapsed)

	if res.Outcome == handoff.OutcomeReplied {
		return writeEnvelope(w, http.StatusOK, res.Response)
	}
	return writeEnvelope(w, http.StatusOK, jsonrpc.ErrorEnvelope(jsonrpc.CodeServerError, outcomeMessage(res), id))
}

var (
	errEmptyBody        = errors.New("empty request body")
	errDeclaredTooLarge = errors.New("declared content length exceeds limit")
)

// readBody reads at most maxPayload bytes. A declared Content-Length over
// the limit is refused without reading.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > h.maxPayload {
		return nil, errDeclaredTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxPayload))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}
	return body, nil
}

func outcomeMessage(res handoff.Result) string {
	switch res.Outcome {
	case handoff.OutcomeTimedOut:
		if res.Phase == handoff.PhaseDispatched {
			return msgProcessingTimeout
		}
		return msgBackendUnavailable
	case handoff.OutcomeInterrupted:
		return msgInterrupted
	case handoff.OutcomeShuttingDown:
		return msgShuttingDown
	default:
		return msgInternal
	}
}

func (h *Handler) writeInternalError(w http.ResponseWriter) {
	h.setCORS(w, bridgeMethods)
	_ = writeEnvelope(w, http.StatusOK, jsonrpc.ErrorEnvelope(jsonrpc.CodeInternalError, msgInternal, jsonrpc.NullID))
}

func writeEnvelope(w http.ResponseWriter, status int, body []byte) error {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}
