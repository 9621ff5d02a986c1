// Package connguard rejects peers that keep failing before they reach the
// bridge handler: failed TLS handshakes, silent connects and repeated
// bearer-key mismatches.
package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/svcfields"
)

// Failure reasons recorded against a peer.
const (
	ReasonTLSHandshake = "tls_handshake"
	ReasonSilent       = "silent_connect"
	ReasonUnauthorized = "unauthorized"
)

var errBlocked = errors.New("connguard: peer blocked")

// Config controls the guard. A zero FailureThreshold records nothing.
type Config struct {
	Enabled          bool
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
	// ProbeTimeout bounds the TLS handshake, or the first byte on plain TCP.
	ProbeTimeout time.Duration
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
}

// New returns a Guard. A nil logger discards output.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "bridge.connguard"),
		now:    time.Now,
		peers:  make(map[string]*peerState),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// WrapListener returns ln guarded by g. When tlsConfig is set the handshake
// happens inside Accept and the returned connections are already TLS; serve
// them with http.Server.Serve.
func (g *Guard) WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &listener{Listener: ln, guard: g, tlsConfig: tlsConfig}
}

// ReportFailure records a failure observed above the listener, such as a
// rejected bearer key. It reports whether the peer is now blocked.
func (g *Guard) ReportFailure(remote, reason string) bool {
	if !g.Enabled() {
		return false
	}
	return g.record(remote, reason)
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.peers[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("bridge.connguard.released", "remote", host)
	if len(state.failures) == 0 {
		delete(g.peers, host)
	}
	return false
}

func (g *Guard) record(remote, reason string) bool {
	if g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.peers[host]
	if state == nil {
		state = &peerState{}
		g.peers[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("bridge.connguard.failure",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("bridge.connguard.blocked",
		"remote", host,
		"reason", reason,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

func hostOf(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

type listener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config
}

// Accept drops blocked and failing peers and returns the next usable
// connection.
func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		admitted, err := l.admit(conn)
		if err == nil {
			return admitted, nil
		}
		if admitted != nil {
			_ = admitted.Close()
		} else {
			_ = conn.Close()
		}
	}
}

func (l *listener) admit(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("bridge.connguard.rejected", "remote", remote)
		return nil, errBlocked
	}
	if l.tlsConfig != nil {
		return l.handshake(conn, remote)
	}
	return l.probe(conn, remote)
}

func (l *listener) handshake(conn net.Conn, remote string) (net.Conn, error) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if l.guard.cfg.ProbeTimeout > 0 {
		_ = tlsConn.SetDeadline(l.guard.now().Add(l.guard.cfg.ProbeTimeout))
	}
	err := tlsConn.Handshake()
	_ = tlsConn.SetDeadline(time.Time{})
	if err == nil {
		return tlsConn, nil
	}
	// Slow peers are dropped but not counted.
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		l.guard.record(remote, ReasonTLSHandshake)
	}
	return tlsConn, err
}

func (l *listener) probe(conn net.Conn, remote string) (net.Conn, error) {
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(l.guard.now().Add(l.guard.cfg.ProbeTimeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err == nil && n == 0 {
		err = io.EOF
	}
	if err != nil {
		l.guard.record(remote, ReasonSilent)
		return conn, err
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

// prefixedConn replays the probed byte before reading from the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}
