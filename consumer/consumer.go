// Package consumer is the reference collaborator for an rpcbridge server.
//
// Loop drives the poll adapter from the consumer's side: it claims
// availability while it runs, takes one request at a time, always answers
// it, and withdraws availability before returning. Handlers see the raw
// request body and return the raw response body.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/handoff"
	"pkt.systems/rpcbridge/internal/jsonrpc"
	"pkt.systems/rpcbridge/internal/svcfields"
)

// DefaultPollInterval is how often Loop checks for a dispatched request.
const DefaultPollInterval = 10 * time.Millisecond

// Bridge is the poll adapter surface. *rpcbridge.Server implements it.
type Bridge interface {
	TakePending() ([]byte, bool)
	PutResponse(body []byte) error
	SetAvailability(available bool)
}

// Handler turns one request body into one response body. A returned error
// is answered with a -32603 envelope echoing the request id.
type Handler interface {
	Handle(ctx context.Context, request []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, request []byte) ([]byte, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// Config configures Loop.
type Config struct {
	Handler      Handler
	PollInterval time.Duration
	// HandlerTimeout bounds one Handle call. Zero leaves only ctx.
	HandlerTimeout time.Duration
	Logger         pslog.Logger
}

// Loop serves requests from b until ctx ends. It returns nil when ctx is
// cancelled and an error only for an unusable configuration.
func Loop(ctx context.Context, b Bridge, cfg Config) error {
	if b == nil {
		return fmt.Errorf("consumer: bridge is nil")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("consumer: handler is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "consumer.loop")

	b.SetAvailability(true)
	defer b.SetAvailability(false)
	logger.Info("consumer.loop.start", "poll_interval", cfg.PollInterval)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	var served uint64
	for {
		if body, ok := b.TakePending(); ok {
			serveOne(ctx, b, cfg, logger, body)
			served++
			continue
		}
		select {
		case <-ctx.Done():
			logger.Info("consumer.loop.stop", "served", served)
			return nil
		case <-ticker.C:
		}
	}
}

func serveOne(ctx context.Context, b Bridge, cfg Config, logger pslog.Logger, body []byte) {
	id := jsonrpc.ScanID(body)
	logger = logger.With(svcfields.RPCIDKey, id.String())
	start := time.Now()

	resp, err := invoke(ctx, cfg, body)
	if err != nil {
		logger.Warn("consumer.handler.failed", "error", err)
		resp = jsonrpc.ErrorEnvelope(jsonrpc.CodeInternalError, "Internal error: "+err.Error(), id)
	}
	err = b.PutResponse(resp)
	switch {
	case err == nil:
		logger.Debug("consumer.request.answered", "elapsed", time.Since(start), "bytes", len(resp))
	case errors.Is(err, handoff.ErrResponseTooLarge):
		logger.Warn("consumer.response.too_large", "bytes", len(resp))
		fallback := jsonrpc.ErrorEnvelope(jsonrpc.CodeInternalError, "Internal error: response too large", id)
		if err := b.PutResponse(fallback); err != nil {
			logger.Warn("consumer.response.dropped", "error", err)
		}
	default:
		// Typically ErrNoPendingRequest: the bridge gave up on the request.
		logger.Info("consumer.response.dropped", "error", err, "elapsed", time.Since(start))
	}
}

func invoke(ctx context.Context, cfg Config, body []byte) (resp []byte, err error) {
	if cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	resp, err = cfg.Handler.Handle(ctx, body)
	if err == nil && len(resp) == 0 {
		err = fmt.Errorf("handler returned an empty response")
	}
	return resp, err
}
