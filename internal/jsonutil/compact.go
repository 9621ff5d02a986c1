// Package jsonutil compacts JSON payloads before they go on the wire.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// ErrInvalidJSON is returned for input that is not a single JSON value.
var ErrInvalidJSON = errors.New("json: invalid input")

// Compact strips insignificant whitespace from body. Input without
// whitespace is only validated and returned unchanged. maxBytes <= 0
// disables the size bound.
func Compact(body []byte, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("json: payload exceeds %d bytes", maxBytes)
	}
	if bytes.IndexAny(body, " \t\r\n") < 0 {
		if !json.Valid(body) {
			return nil, ErrInvalidJSON
		}
		return body, nil
	}
	out, err := jpact.CompactToBuffer(bytes.NewReader(body), maxBytes)
	if err != nil {
		return nil, fmt.Errorf("json: compact: %w", err)
	}
	return out, nil
}

// CompactReader reads and compacts at most maxBytes of JSON from r.
func CompactReader(r io.Reader, maxBytes int64) ([]byte, error) {
	out, err := jpact.CompactToBuffer(r, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("json: compact: %w", err)
	}
	return out, nil
}
