package connguard

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func newTestGuard(threshold int, logger pslog.Logger) (*Guard, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	g := New(Config{
		Enabled:          true,
		FailureThreshold: threshold,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
		ProbeTimeout:     25 * time.Millisecond,
	}, logger)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestGuardBlocksAfterThreshold(t *testing.T) {
	g, now := newTestGuard(3, nil)
	remote := "10.0.0.1:5555"

	for i := 0; i < 2; i++ {
		if g.ReportFailure(remote, ReasonUnauthorized) {
			t.Fatalf("failure %d should not block", i+1)
		}
		*now = now.Add(50 * time.Millisecond)
	}
	if !g.ReportFailure("10.0.0.1:6000", ReasonUnauthorized) {
		t.Fatal("third failure from the same host should block regardless of port")
	}
	if !g.Blocked(remote) {
		t.Fatal("expected host to be blocked")
	}
	if g.Blocked("10.0.0.2:5555") {
		t.Fatal("other hosts must not be affected")
	}

	*now = now.Add(time.Second)
	if g.Blocked(remote) {
		t.Fatal("expected block to expire")
	}
	if g.ReportFailure(remote, ReasonUnauthorized) {
		t.Fatal("first failure after expiry should not block")
	}
}

func TestGuardFailuresOutsideWindowAreForgotten(t *testing.T) {
	g, now := newTestGuard(2, nil)
	remote := "10.0.0.3:1"

	g.ReportFailure(remote, ReasonSilent)
	*now = now.Add(2 * time.Second)
	if g.ReportFailure(remote, ReasonSilent) {
		t.Fatal("stale failure should have aged out")
	}
}

func TestGuardDisabledIsInert(t *testing.T) {
	g := New(Config{FailureThreshold: 1}, nil)
	if g.ReportFailure("10.0.0.4:1", ReasonUnauthorized) {
		t.Fatal("disabled guard must not block")
	}
	ln := &stubListener{}
	if g.WrapListener(ln, nil) != net.Listener(ln) {
		t.Fatal("disabled guard must return the listener unchanged")
	}
	var nilGuard *Guard
	if nilGuard.Blocked("x") || nilGuard.ReportFailure("x", "y") {
		t.Fatal("nil guard must be inert")
	}
}

func TestGuardLogsBlockAndRelease(t *testing.T) {
	logger := newCaptureLogger()
	g, now := newTestGuard(1, logger)

	g.ReportFailure("10.0.0.5:1", ReasonUnauthorized)
	if _, ok := logger.find("bridge.connguard.blocked"); !ok {
		t.Fatalf("expected blocked log; logs=%v", logger.snapshot())
	}
	*now = now.Add(time.Second)
	g.Blocked("10.0.0.5:1")
	if _, ok := logger.find("bridge.connguard.released"); !ok {
		t.Fatalf("expected released log; logs=%v", logger.snapshot())
	}
}

func TestPrefixedConnReplaysProbeByte(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte("bc"))
		_ = client.Close()
	}()

	pc := &prefixedConn{Conn: server, prefix: []byte("a")}
	out, err := io.ReadAll(pc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "abc" {
		t.Fatalf("expected abc, got %q", out)
	}
}

func TestHandshakeTimeoutIsNotCounted(t *testing.T) {
	g, _ := newTestGuard(2, nil)
	l := &listener{guard: g, tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	remote := "127.0.0.1:7777"

	for i := 0; i < 3; i++ {
		conn, err := l.handshake(&failingConn{remote: remote, readErr: timeoutError{}}, remote)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		_ = conn.Close()
	}
	if g.Blocked(remote) {
		t.Fatal("timeouts must not block")
	}
}

func TestHandshakeErrorsAreCounted(t *testing.T) {
	g, _ := newTestGuard(2, nil)
	l := &listener{guard: g, tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	remote := "127.0.0.1:8888"

	for i := 0; i < 2; i++ {
		conn, err := l.handshake(&failingConn{remote: remote, readErr: io.EOF}, remote)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		_ = conn.Close()
	}
	if !g.Blocked(remote) {
		t.Fatal("handshake errors should block after the threshold")
	}
}

func TestSilentConnectIsCounted(t *testing.T) {
	g, _ := newTestGuard(1, nil)
	l := &listener{guard: g}
	remote := "127.0.0.1:9999"

	if _, err := l.probe(&failingConn{remote: remote, readErr: io.EOF}, remote); err == nil {
		t.Fatal("expected probe failure")
	}
	if !g.Blocked(remote) {
		t.Fatal("silent connect should block at threshold 1")
	}
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	mu      *sync.Mutex
	fields  []any
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) snapshot() []captureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]captureEntry(nil), *l.entries...)
}

func (l *captureLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := append(append([]any{}, l.fields...), args...)
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record("log", msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger {
	return &captureLogger{mu: l.mu, fields: append(append([]any{}, l.fields...), args...), entries: l.entries}
}
func (l *captureLogger) WithLogLevel() pslog.Logger          { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type failingConn struct {
	remote  string
	readErr error
}

func (c *failingConn) Read([]byte) (int, error)         { return 0, c.readErr }
func (c *failingConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *failingConn) Close() error                     { return nil }
func (c *failingConn) LocalAddr() net.Addr              { return fakeAddr("127.0.0.1:0") }
func (c *failingConn) RemoteAddr() net.Addr             { return fakeAddr(c.remote) }
func (c *failingConn) SetDeadline(time.Time) error      { return nil }
func (c *failingConn) SetReadDeadline(time.Time) error  { return nil }
func (c *failingConn) SetWriteDeadline(time.Time) error { return nil }

type stubListener struct{}

func (stubListener) Accept() (net.Conn, error) { return nil, io.EOF }
func (stubListener) Close() error              { return nil }
func (stubListener) Addr() net.Addr            { return fakeAddr("127.0.0.1:0") }
