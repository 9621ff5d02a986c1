package rpcbridge

import (
	"bytes"
	"log"

	"pkt.systems/pslog"
)

// errorLogWriter adapts http.Server.ErrorLog to pslog. TLS handshake noise
// from scanners is demoted to debug.
type errorLogWriter struct {
	logger pslog.Logger
}

func newErrorLog(logger pslog.Logger) *log.Logger {
	return log.New(errorLogWriter{logger: logger}, "", 0)
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimSpace(p))
	if bytes.Contains(p, []byte("TLS handshake error")) {
		w.logger.Debug("http.server.tls_handshake", "detail", msg)
	} else {
		w.logger.Error("http.server.error", "detail", msg)
	}
	return len(p), nil
}
