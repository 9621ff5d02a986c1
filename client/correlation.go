package client

import (
	"context"
	"fmt"
	"net/http"

	"pkt.systems/rpcbridge/internal/correlation"
)

// MaxCorrelationIDLength bounds the length of client-supplied correlation identifiers.
const MaxCorrelationIDLength = correlation.MaxIDLength

// NormalizeCorrelationID trims and validates an identifier.
func NormalizeCorrelationID(id string) (string, bool) {
	return correlation.Normalize(id)
}

// WithCorrelationID annotates ctx with a correlation identifier to be sent with subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new time-ordered correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}

// CorrelationIDFromResponse reads the X-Correlation-Id header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(correlation.Header)
}

type correlationTransport struct {
	base http.RoundTripper
}

// RoundTrip sets X-Correlation-Id from the request context, or a fresh id
// when the context carries none and the header is unset.
func (t *correlationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	id := correlation.ID(req.Context())
	if id == "" && req.Header.Get(correlation.Header) != "" {
		return t.baseTransport().RoundTrip(req)
	}
	if id == "" {
		id = correlation.Generate()
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(correlation.Header, id)
	return t.baseTransport().RoundTrip(clone)
}

func (t *correlationTransport) baseTransport() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// WithCorrelationTransport wraps base with a RoundTripper that ensures every
// request carries X-Correlation-Id.
func WithCorrelationTransport(base http.RoundTripper) http.RoundTripper {
	if _, ok := base.(*correlationTransport); ok {
		return base
	}
	return &correlationTransport{base: base}
}
