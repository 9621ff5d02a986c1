// Package httpapi is the bridge transport: it validates inbound HTTP
// requests, runs them through the handoff slot and writes the JSON-RPC
// reply.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/connguard"
	"pkt.systems/rpcbridge/internal/correlation"
	"pkt.systems/rpcbridge/internal/handoff"
	"pkt.systems/rpcbridge/internal/svcfields"
)

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"

	defaultMaxPayload = 256 * 1024
)

// Config wires a Handler.
type Config struct {
	Slot   *handoff.Slot
	Logger pslog.Logger
	// MaxPayloadBytes bounds the request body.
	MaxPayloadBytes int64
	// BearerKey, when set, is required as "Authorization: Bearer <key>".
	BearerKey string
	// StatusPath serves the status document; empty disables it.
	StatusPath string
	// Guard receives unauthorized attempts. May be nil.
	Guard *connguard.Guard
	// HTTPTracing wraps routes with otelhttp and starts request spans.
	HTTPTracing bool
	// Started and Version feed the status document.
	Started time.Time
	Version string
}

// Handler serves the bridge route and the status route.
type Handler struct {
	slot *handoff.Slot
	// logger carries no subsystem; wrap tags it per route.
	logger     pslog.Logger
	maxPayload int64
	bearer     []byte
	statusPath string
	guard      *connguard.Guard
	tracing    bool
	tracer     trace.Tracer
	started    time.Time
	version    string
	metrics    *transportMetrics
	process    *processStats

	rejected atomic.Uint64
}

// New returns a Handler for cfg. cfg.Slot is required.
func New(cfg Config) *Handler {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayload
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{
		slot:       cfg.Slot,
		logger:     logger,
		maxPayload: cfg.MaxPayloadBytes,
		statusPath: strings.TrimSpace(cfg.StatusPath),
		guard:      cfg.Guard,
		tracing:    cfg.HTTPTracing,
		tracer:     otel.Tracer("pkt.systems/rpcbridge/httpapi"),
		started:    cfg.Started,
		version:    cfg.Version,
		process:    newProcessStats(),
	}
	if cfg.BearerKey != "" {
		h.bearer = []byte(cfg.BearerKey)
	}
	h.metrics = newTransportMetrics(svcfields.WithSubsystem(logger, "bridge.transport"), cfg.Slot)
	return h
}

// Register wires the routes. Every path except the status path is bridged.
func (h *Handler) Register(mux *http.ServeMux) {
	if h.statusPath != "" {
		mux.Handle(h.statusPath, h.wrap("status", h.handleStatus))
	}
	mux.Handle("/", h.wrap("bridge", h.handleBridge))
}

// Close releases metric registrations.
func (h *Handler) Close() {
	h.metrics.close()
}

// Rejected counts requests refused before reaching the slot.
func (h *Handler) Rejected() uint64 {
	return h.rejected.Load()
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("bridge.transport", operation)
	spanName := "rpcbridge.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromRequest(r)
		cid := correlation.ID(ctx)

		span := trace.SpanFromContext(ctx)
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("rpcbridge.operation", operation),
					attribute.String("rpcbridge.correlation_id", cid),
				),
			)
			defer span.End()
		}

		logger := svcfields.WithRequest(svcfields.WithSubsystem(h.logger, sys), correlation.Generate(), cid, "").With(
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, cid)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("http.request.panic", "panic", rec)
				if h.tracing {
					span.SetStatus(codes.Error, "panic")
				}
				h.writeInternalError(w)
			}
		}()
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			if h.tracing {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "rpcbridge.http."+operation)
}

// authorized checks the bearer key in constant time. With no key configured
// every request is authorized.
func (h *Handler) authorized(r *http.Request) bool {
	if len(h.bearer) == 0 {
		return true
	}
	const prefix = "bearer "
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), h.bearer) == 1
}

func (h *Handler) reportUnauthorized(ctx context.Context, r *http.Request) {
	h.rejected.Add(1)
	h.metrics.reject(ctx, "unauthorized")
	if h.guard.ReportFailure(r.RemoteAddr, connguard.ReasonUnauthorized) {
		pslog.LoggerFromContext(ctx).Warn("bridge.auth.blocked", "remote_addr", r.RemoteAddr)
	}
}

const (
	bridgeMethods = "POST, OPTIONS"
	statusMethods = "GET, HEAD, OPTIONS"
)

func (h *Handler) setCORS(w http.ResponseWriter, methods string) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", methods)
	if len(h.bearer) > 0 {
		hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	} else {
		hdr.Set("Access-Control-Allow-Headers", "Content-Type")
	}
}
