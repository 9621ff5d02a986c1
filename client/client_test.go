package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/rpcbridge/internal/correlation"
	"pkt.systems/rpcbridge/internal/handoff"
	"pkt.systems/rpcbridge/internal/httpapi"
	"pkt.systems/rpcbridge/tlsutil"
)

type bridgeFixture struct {
	slot *handoff.Slot
	srv  *httptest.Server
}

func newBridge(t *testing.T, cfg httpapi.Config) *bridgeFixture {
	t.Helper()
	slot := handoff.New(handoff.Config{PollInterval: 5 * time.Millisecond, Timeout: 300 * time.Millisecond})
	cfg.Slot = slot
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}
	h := httpapi.New(cfg)
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		slot.Shutdown()
		srv.Close()
		h.Close()
	})
	return &bridgeFixture{slot: slot, srv: srv}
}

func (b *bridgeFixture) answer(t *testing.T, reply func([]byte) []byte) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	b.slot.SetAvailability(true)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			if req, ok := b.slot.TakePending(); ok {
				_ = b.slot.PutResponse(reply(req.Body))
			}
		}
	}()
}

func TestNewRejectsBadEndpoints(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "   ", "ftp://example.com", "http://"} {
		if _, err := New(endpoint); err == nil {
			t.Fatalf("expected error for %q", endpoint)
		}
	}
	cli, err := New("127.0.0.1:8081")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := cli.Endpoint(); got != "http://127.0.0.1:8081/" {
		t.Fatalf("endpoint = %q", got)
	}
}

func TestCallReturnsConsumerReply(t *testing.T) {
	t.Parallel()

	b := newBridge(t, httpapi.Config{})
	b.answer(t, func(body []byte) []byte {
		return []byte(strings.Replace(string(body), `"method":"ping"`, `"result":"pong"`, 1))
	})
	cli, err := New(b.srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := WithCorrelationID(context.Background(), "call-test-1")
	resp, err := cli.Call(ctx, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Body) != `{"jsonrpc":"2.0","result":"pong","id":1}` {
		t.Fatalf("unexpected body %s", resp.Body)
	}
	if resp.CorrelationID != "call-test-1" {
		t.Fatalf("correlation id = %q", resp.CorrelationID)
	}
	if resp.RPCError() != nil {
		t.Fatalf("unexpected rpc error %v", resp.RPCError())
	}
}

func TestCallSurfacesBridgeErrorEnvelope(t *testing.T) {
	t.Parallel()

	b := newBridge(t, httpapi.Config{})
	cli, err := New(b.srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := cli.Call(context.Background(), []byte(`{"jsonrpc":"2.0","method":"ping","id":"q"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	rpcErr := resp.RPCError()
	if rpcErr == nil || rpcErr.Code != -32000 {
		t.Fatalf("expected -32000 envelope, got %s", resp.Body)
	}
	if _, ok := correlation.Normalize(resp.CorrelationID); !ok {
		t.Fatalf("expected generated correlation id, got %q", resp.CorrelationID)
	}
}

func TestCallBearer(t *testing.T) {
	t.Parallel()

	b := newBridge(t, httpapi.Config{BearerKey: "s3cret"})
	b.answer(t, func(body []byte) []byte { return body })

	anon, err := New(b.srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = anon.Call(context.Background(), []byte(`{"id":1}`))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if _, err := anon.Status(context.Background()); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 from status, got %v", err)
	}

	authed, err := New(b.srv.URL, WithBearer("s3cret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := authed.Call(context.Background(), []byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Body) != `{"id":1}` {
		t.Fatalf("unexpected body %s", resp.Body)
	}
}

func TestCallRetriesTransportFailures(t *testing.T) {
	t.Parallel()

	down := httptest.NewServer(http.NotFoundHandler())
	endpoint := down.URL
	down.Close()

	cli, err := New(endpoint, WithFailureRetries(2), WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start := time.Now()
	if _, err := cli.Call(context.Background(), []byte(`{"id":1}`)); err == nil {
		t.Fatal("expected transport error against a closed listener")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("bounded retries took %s", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	forever, err := New(endpoint, WithFailureRetries(-1), WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := forever.Call(ctx, []byte(`{"id":1}`)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unbounded retries must end with ctx, got %v", err)
	}
}

func TestCallRetriesUnavailableOnlyWhenAsked(t *testing.T) {
	t.Parallel()

	var (
		attempts       atomic.Int32
		mu             sync.Mutex
		correlationIDs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		mu.Lock()
		correlationIDs = append(correlationIDs, r.Header.Get(correlation.Header))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch n {
		case 1:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"Request interrupted: consumer became unavailable. Please retry."},"id":4}`))
		case 2:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"Server is shutting down."},"id":4}`))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"ok","id":4}`))
		}
	}))
	t.Cleanup(srv.Close)

	once, err := New(srv.URL, WithFailureRetries(5), WithRetryBackoff(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := once.Call(context.Background(), []byte(`{"id":4}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.RPCError() == nil || attempts.Load() != 1 {
		t.Fatalf("envelope replies must not be retried without opt-in: attempts=%d body=%s", attempts.Load(), resp.Body)
	}

	attempts.Store(0)
	mu.Lock()
	correlationIDs = nil
	mu.Unlock()
	retrying, err := New(srv.URL, WithFailureRetries(5), WithRetryBackoff(time.Millisecond, time.Millisecond), WithRetryOnUnavailable())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err = retrying.Call(context.Background(), []byte(`{"id":4}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.RPCError() != nil || !strings.Contains(string(resp.Body), `"result":"ok"`) {
		t.Fatalf("expected result after retries, got %s", resp.Body)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(correlationIDs) != 3 || correlationIDs[0] == "" || correlationIDs[0] != correlationIDs[2] {
		t.Fatalf("attempts must share one correlation id, got %v", correlationIDs)
	}
}

func TestCallDoesNotRetryProcessingTimeout(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"Request processing timed out."},"id":1}`))
	}))
	t.Cleanup(srv.Close)

	cli, err := New(srv.URL, WithFailureRetries(3), WithRetryOnUnavailable())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cli.Call(context.Background(), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("a request the consumer already took must not be retried, got %d attempts", got)
	}
}

func TestCallEmptyBodyIsAPIError(t *testing.T) {
	t.Parallel()

	b := newBridge(t, httpapi.Config{})
	cli, err := New(b.srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cli.Call(context.Background(), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if apiErr.RPC == nil || apiErr.RPC.Code != -32700 {
		t.Fatalf("expected parse error envelope, got %+v", apiErr.RPC)
	}
}

func TestWaitAvailable(t *testing.T) {
	t.Parallel()

	b := newBridge(t, httpapi.Config{})
	cli, err := New(b.srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = cli.WaitAvailable(ctx, 5*time.Millisecond)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.slot.SetAvailability(true)
	}()
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := cli.WaitAvailable(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitAvailable: %v", err)
	}
	if !st.Available || st.Availability != "available" || st.Bridge != "running" {
		t.Fatalf("unexpected status %+v", st)
	}

	b.slot.Shutdown()
	if _, err := cli.WaitAvailable(ctx, 5*time.Millisecond); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after shutdown, got %v", err)
	}
}

func TestCallOverTLSWithRootCAs(t *testing.T) {
	t.Parallel()

	ca, err := tlsutil.GenerateCA("", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	issued, err := ca.IssueServer(tlsutil.ServerCertRequest{Validity: time.Hour})
	if err != nil {
		t.Fatalf("IssueServer: %v", err)
	}
	serverTLS, err := tlsutil.ServerConfig(issued.CertPEM, issued.KeyPEM)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	slot := handoff.New(handoff.Config{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	h := httpapi.New(httpapi.Config{Slot: slot, StatusPath: DefaultStatusPath})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewUnstartedServer(mux)
	srv.TLS = serverTLS
	srv.StartTLS()
	t.Cleanup(func() {
		slot.Shutdown()
		srv.Close()
		h.Close()
	})

	pool, err := tlsutil.CertPool(ca.CertPEM)
	if err != nil {
		t.Fatalf("CertPool: %v", err)
	}
	endpoint := srv.URL

	untrusted, err := New(endpoint)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := untrusted.Status(context.Background()); err == nil {
		t.Fatal("expected certificate verification failure")
	}

	cli, err := New(endpoint, WithRootCAs(pool))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	st, err := cli.Status(context.Background())
	if err != nil {
		t.Fatalf("Status over TLS: %v", err)
	}
	if st.Availability != "unavailable" {
		t.Fatalf("unexpected availability %q", st.Availability)
	}
}

func TestCorrelationTransportPreservesExplicitHeader(t *testing.T) {
	t.Parallel()

	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(correlation.Header))
	}))
	t.Cleanup(srv.Close)

	cli := &http.Client{Transport: WithCorrelationTransport(nil)}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(correlation.Header, "explicit")
	resp, err := cli.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got, _ := seen.Load().(string); got != "explicit" {
		t.Fatalf("header = %q", got)
	}
}
