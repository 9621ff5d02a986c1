// Package svcfields keeps log field names consistent across the bridge.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Request-scoped field keys.
const (
	RequestIDKey     = pslog.TrustedString("req_id")
	CorrelationIDKey = pslog.TrustedString("cid")
	RPCIDKey         = pslog.TrustedString("rpc_id")
)

// Subsystem builds a dot-delimited subsystem path from parts, skipping empty
// fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry. A nil logger
// becomes a no-op logger so callers never have to check.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithRequest tags logger with the identifiers of one bridged request. Empty
// values are skipped.
func WithRequest(logger pslog.Logger, reqID, correlationID, rpcID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var kv []any
	if reqID != "" {
		kv = append(kv, RequestIDKey, reqID)
	}
	if correlationID != "" {
		kv = append(kv, CorrelationIDKey, correlationID)
	}
	if rpcID != "" {
		kv = append(kv, RPCIDKey, rpcID)
	}
	if len(kv) == 0 {
		return logger
	}
	return logger.With(kv...)
}
