package rpcbridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/clock"
	"pkt.systems/rpcbridge/internal/connguard"
	"pkt.systems/rpcbridge/internal/handoff"
	"pkt.systems/rpcbridge/internal/httpapi"
	"pkt.systems/rpcbridge/internal/svcfields"
	"pkt.systems/rpcbridge/internal/version"
	"pkt.systems/rpcbridge/tlsutil"
)

// Server is one bridge: an HTTP listener, the handoff slot behind it and the
// poll adapter the consumer drives. A Server can be started again after Stop
// or Unload.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	slot      *handoff.Slot
	handler   *httpapi.Handler
	mux       *http.ServeMux
	tlsConfig *tls.Config
	guard     *connguard.Guard
	telemetry *telemetry

	mu      sync.Mutex
	run     *runState
	readyCh chan struct{}
	closed  bool
}

// runState belongs to one Start. The watcher goroutine owns teardown.
type runState struct {
	httpSrv *http.Server
	ln      net.Listener
	addr    net.Addr

	signalOnce sync.Once
	signal     chan struct{}
	graceful   bool
	stopCtx    context.Context

	served   chan struct{}
	serveErr error
	done     chan struct{}
}

// raise asks the watcher to tear the run down. Only the first call counts.
func (r *runState) raise(ctx context.Context, graceful bool) {
	r.signalOnce.Do(func() {
		r.stopCtx = ctx
		r.graceful = graceful
		close(r.signal)
	})
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides Config.OTLPEndpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg and prepares a stopped bridge. Telemetry, when
// configured, starts here and lives until Close.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	var tlsConfig *tls.Config
	var err error
	switch {
	case len(cfg.TLSCertPEM) > 0:
		tlsConfig, err = tlsutil.ServerConfig(cfg.TLSCertPEM, cfg.TLSKeyPEM)
	case cfg.TLSCertFile != "":
		tlsConfig, err = tlsutil.LoadServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	if err != nil {
		return nil, err
	}

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "bridge.telemetry"))
	if err != nil {
		return nil, err
	}

	var guard *connguard.Guard
	if cfg.ConnGuardEnabled {
		guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.ConnGuardFailureThreshold,
			FailureWindow:    cfg.ConnGuardFailureWindow,
			BlockDuration:    cfg.ConnGuardBlockDuration,
			ProbeTimeout:     cfg.ConnGuardProbeTimeout,
		}, logger)
	}

	slot := handoff.New(handoff.Config{
		PollInterval: cfg.PollInterval,
		Timeout:      cfg.RequestTimeout,
		MaxPayload:   int(cfg.MaxPayloadBytes),
		Clock:        serverClock,
		Logger:       logger,
	})
	handler := httpapi.New(httpapi.Config{
		Slot:            slot,
		Logger:          logger,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		BearerKey:       cfg.BearerKey,
		StatusPath:      cfg.StatusPath,
		Guard:           guard,
		HTTPTracing:     tel != nil && tel.tracing,
		Started:         time.Now(),
		Version:         version.Current(),
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "bridge.lifecycle"),
		clock:     serverClock,
		slot:      slot,
		handler:   handler,
		mux:       mux,
		tlsConfig: tlsConfig,
		guard:     guard,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Handler returns the bridge routes so the bridge can be mounted inside an
// existing mux. Requests served this way still need a consumer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves on a background goroutine. It returns
// ErrAlreadyRunning, untouched, when a run is in progress, and an error
// matching ErrBind when the address cannot be bound.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if prev := s.run; prev != nil {
		select {
		case <-prev.signal:
		default:
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
		// A stop is in flight; let its watcher finish before rebinding.
		s.mu.Unlock()
		<-prev.done
		s.mu.Lock()
		if s.run != nil || s.closed {
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
	}
	defer s.mu.Unlock()

	s.slot.Reopen()
	lc := net.ListenConfig{Control: reuseAddr}
	raw, err := lc.Listen(context.Background(), "tcp", s.cfg.Listen)
	if err != nil {
		s.logger.Warn("bridge.lifecycle.bind_failed", "listen", s.cfg.Listen, "error", err)
		return fmt.Errorf("%w: listen %s: %w", ErrBind, s.cfg.Listen, err)
	}
	addr := raw.Addr()
	ln := raw
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	switch {
	case s.guard.Enabled():
		ln = s.guard.WrapListener(ln, s.tlsConfig)
	case s.tlsConfig != nil:
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	baseLogger := s.logger
	run := &runState{
		httpSrv: &http.Server{
			Handler:           s.mux,
			ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
			ErrorLog:          newErrorLog(baseLogger.With("svc", "http")),
			BaseContext: func(net.Listener) context.Context {
				return pslog.ContextWithLogger(context.Background(), baseLogger)
			},
		},
		ln:     ln,
		addr:   addr,
		signal: make(chan struct{}),
		served: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.run = run
	go s.serve(run)
	go s.watch(run)
	close(s.readyCh)

	s.logger.Info("bridge.lifecycle.listening",
		"address", addr.String(),
		"tls", s.tlsConfig != nil,
		"bearer", s.cfg.BearerKey != "",
		"connguard", s.guard.Enabled(),
		"max_connections", s.cfg.MaxConnections,
	)
	return nil
}

func (s *Server) serve(run *runState) {
	err := run.httpSrv.Serve(run.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		run.serveErr = fmt.Errorf("http serve: %w", err)
		s.logger.Error("bridge.lifecycle.serve_failed", "error", err)
		s.slot.Shutdown()
		run.raise(context.Background(), false)
	}
	close(run.served)
}

// watch waits for the stop signal and releases everything the run owns. It
// needs no coordination with the caller that raised the signal.
func (s *Server) watch(run *runState) {
	<-run.signal
	if run.graceful {
		if err := run.httpSrv.Shutdown(run.stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("bridge.lifecycle.shutdown_forced", "error", err)
			_ = run.httpSrv.Close()
		}
	} else {
		// Handlers woken by the stop signal still get to write their
		// shutting-down reply before connections are torn down.
		drainCtx, cancel := context.WithTimeout(context.Background(), s.unloadDrain())
		if err := run.httpSrv.Shutdown(drainCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Debug("bridge.lifecycle.unload_forced", "error", err)
			_ = run.httpSrv.Close()
		}
		cancel()
	}
	_ = run.ln.Close()
	<-run.served
	s.slot.Clear()

	s.mu.Lock()
	if s.run == run {
		s.run = nil
		s.readyCh = make(chan struct{})
	}
	s.mu.Unlock()
	s.logger.Info("bridge.lifecycle.stopped", "address", run.addr.String(), "graceful", run.graceful)
	close(run.done)
}

// unloadDrain bounds how long an unload lets in-flight replies drain.
func (s *Server) unloadDrain() time.Duration {
	d := s.cfg.UnloadGrace
	if floor := 4 * s.cfg.PollInterval; d < floor {
		d = floor
	}
	return d
}

// Stop raises the shutdown signal, waits for in-flight requests to be
// answered with a shutting-down error and releases the port. It is a no-op
// when the server is not running. Without a ctx deadline Stop is bounded by
// ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("bridge.lifecycle.stop", "address", run.addr.String())
	s.slot.Shutdown()
	run.raise(ctx, true)
	select {
	case <-run.done:
		return run.serveErr
	case <-ctx.Done():
		return fmt.Errorf("stop: %w", ctx.Err())
	}
}

// Unload raises the shutdown signal and returns after UnloadGrace at most.
// The watcher closes the listener and clears the slot on its own.
func (s *Server) Unload() {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return
	}
	s.logger.Info("bridge.lifecycle.unload", "address", run.addr.String())
	s.slot.Shutdown()
	run.raise(context.Background(), false)
	if s.cfg.UnloadGrace <= 0 {
		return
	}
	select {
	case <-run.done:
	case <-s.clock.After(s.cfg.UnloadGrace):
		s.logger.Debug("bridge.lifecycle.unload_pending", "grace", s.cfg.UnloadGrace)
	}
}

// Wait blocks until the current run ends or ctx is done. It returns
// ErrNotRunning when there is no run, and the serve error if the listener
// failed on its own.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return ErrNotRunning
	}
	select {
	case <-run.done:
		return run.serveErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the server and releases telemetry. A closed server cannot be
// started again.
func (s *Server) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.handler.Close()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), DefaultShutdownTimeout)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsRunning reports whether a run is in progress, including one that is
// stopping.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

// ProcessID returns the PID of the hosting process, so a host can tell
// whether a listener on the port is its own.
func (s *Server) ProcessID() int {
	return os.Getpid()
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.readyCh
	s.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, or nil when not running.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.addr
}

// Status returns the same document the status route serves.
func (s *Server) Status(ctx context.Context) httpapi.StatusDocument {
	doc := s.handler.Status(ctx)
	if !s.IsRunning() {
		doc.Bridge = "stopped"
	}
	return doc
}

// StartServer creates and starts a server. The returned stop function closes
// it once; it also runs when ctx is cancelled. A nil ctx means the caller
// stops the server explicitly.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := srv.Start(); err != nil {
		_ = srv.Close(context.Background())
		return nil, nil, err
	}
	var (
		once    sync.Once
		stopErr error
		closed  = make(chan struct{})
	)
	stop := func(stopCtx context.Context) error {
		once.Do(func() {
			defer close(closed)
			stopErr = srv.Close(stopCtx)
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
			case <-closed:
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
	}
	return srv, stop, nil
}
