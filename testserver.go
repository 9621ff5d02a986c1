package rpcbridge

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/client"
	"pkt.systems/rpcbridge/tlsutil"
)

// TestServer wraps a running bridge with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.logLine(string(line))
	}
	return len(p), nil
}

// logLine swallows the panics testing raises for logs from goroutines that
// outlive their test.
func (w *testingWriter) logLine(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") ||
				strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	if level == pslog.NoLevel {
		level = pslog.DebugLevel
	}
	return pslog.NewWithOptions(writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	}).With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the bridge route URL.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// NewClient returns a new client configured against the test server. Bearer
// and TLS trust follow the server's configuration unless opts override them.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	options := make([]client.Option, 0, len(opts)+2)
	if ts.Config.BearerKey != "" {
		options = append(options, client.WithBearer(ts.Config.BearerKey))
	}
	if len(ts.Config.TLSCertPEM) > 0 {
		pool, err := tlsutil.CertPool(ts.Config.TLSCertPEM)
		if err != nil {
			return nil, err
		}
		options = append(options, client.WithRootCAs(pool))
	}
	if ts.Config.StatusPath != "" {
		options = append(options, client.WithStatusPath(ts.Config.StatusPath))
	}
	options = append(options, opts...)
	return client.New(ts.BaseURL, options...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
	serverOpts    []Option
}

// TestServerOption customises NewTestServer/StartTestServer behaviour.
type TestServerOption func(*testServerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields are
// defaulted during validation; Listen defaults to 127.0.0.1:0.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc applies a mutation to the server configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestTLS generates throwaway TLS material for 127.0.0.1 and localhost.
func WithTestTLS() TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		ca, err := tlsutil.GenerateCA("rpcbridge-test-ca", time.Hour)
		if err != nil {
			panic(fmt.Sprintf("test tls: %v", err))
		}
		issued, err := ca.IssueServer(tlsutil.ServerCertRequest{Validity: time.Hour})
		if err != nil {
			panic(fmt.Sprintf("test tls: %v", err))
		}
		cfg.TLSCertPEM = append(append([]byte(nil), issued.CertPEM...), ca.CertPEM...)
		cfg.TLSKeyPEM = issued.KeyPEM
	})
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestServerOptions forwards options to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientOptions appends options for the auto-created client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating the auto client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a bridge on a loopback port. Call Stop to clean up.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := testServerOptions{
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg := options.cfg
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	serverCtx, cancel := context.WithCancel(context.Background())
	startOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)
	srv, stop, err := StartServer(serverCtx, cfg, startOpts...)
	if err != nil {
		cancel()
		return nil, err
	}
	stopAll := func(stopCtx context.Context) error {
		defer cancel()
		return stop(stopCtx)
	}

	readyCtx := ctx
	if options.startTimeout > 0 {
		var readyCancel context.CancelFunc
		readyCtx, readyCancel = context.WithTimeout(ctx, options.startTimeout)
		defer readyCancel()
	}
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		_ = stopAll(context.Background())
		return nil, fmt.Errorf("test server: %w", err)
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stopAll(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	scheme := "http"
	if srv.Config().TLSEnabled() {
		scheme = "https"
	}

	ts := &TestServer{
		Server:   srv,
		BaseURL:  fmt.Sprintf("%s://%s/", scheme, addr.String()),
		Listener: addr,
		Config:   srv.Config(),
		stop:     stopAll,
	}
	if !options.disableClient {
		cli, err := ts.NewClient(options.clientOpts...)
		if err != nil {
			_ = stopAll(context.Background())
			return nil, err
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer starts a bridge and registers cleanup with t. Logs go
// through t unless a logger option says otherwise.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	all := append([]TestServerOption{WithTestLoggerFromTB(t, pslog.DebugLevel)}, opts...)
	ts, err := NewTestServer(context.Background(), all...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Logf("test server stop: %v", err)
		}
	})
	return ts
}
