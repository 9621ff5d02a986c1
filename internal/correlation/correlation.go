// Package correlation carries the X-Correlation-Id of an HTTP exchange
// through the bridge so transport, handoff and consumer logs line up.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx. Invalid identifiers leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// FromRequest returns a context carrying the request's correlation id, or a
// freshly generated one when the header is missing or invalid.
func FromRequest(r *http.Request) context.Context {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return Set(ctx, id)
	}
	return Set(ctx, Generate())
}

// Normalize validates and canonicalizes an external correlation identifier.
// Only printable ASCII up to MaxIDLength characters is accepted.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
