package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// ID is the raw JSON token of a request id: a quoted string, a number or
// null. It is kept verbatim so error replies echo exactly what the caller
// sent.
type ID string

// NullID is the id used when none could be extracted.
const NullID ID = "null"

// MaxIDLength bounds the extracted token, quotes included.
const MaxIDLength = 255

var idKey = []byte(`"id"`)

// IsNull reports whether id is empty or the null literal.
func (id ID) IsNull() bool {
	return id == "" || id == NullID
}

// String returns the raw token.
func (id ID) String() string {
	if id == "" {
		return string(NullID)
	}
	return string(id)
}

func (id ID) raw() json.RawMessage {
	if id.IsNull() || !json.Valid([]byte(id)) {
		return json.RawMessage(NullID)
	}
	return json.RawMessage(id)
}

// ScanID finds the first `"id"` member followed by a colon and returns its
// value token without parsing the rest of the body. Malformed JSON elsewhere
// is ignored. Anything that is not a string, number or null yields NullID.
func ScanID(body []byte) ID {
	pos := 0
	for pos < len(body) {
		rel := bytes.Index(body[pos:], idKey)
		if rel < 0 {
			return NullID
		}
		pos += rel + len(idKey)
		pos = skipSpace(body, pos)
		if pos >= len(body) || body[pos] != ':' {
			continue
		}
		pos = skipSpace(body, pos+1)
		if pos >= len(body) {
			return NullID
		}
		switch c := body[pos]; {
		case c == '"':
			return scanString(body[pos:])
		case c == '-' || (c >= '0' && c <= '9'):
			end := pos
			for end < len(body) && isNumberByte(body[end]) {
				end++
			}
			if end-pos > MaxIDLength {
				return NullID
			}
			return ID(body[pos:end])
		default:
			return NullID
		}
	}
	return NullID
}

// scanString returns the quoted token at the start of b. Unterminated
// strings yield NullID; over-long ones are cut and re-closed.
func scanString(b []byte) ID {
	end := 1
	for end < len(b) && b[end] != '"' {
		if b[end] == '\\' && end+1 < len(b) {
			end++
		}
		end++
	}
	if end >= len(b) {
		return NullID
	}
	token := b[:end+1]
	if len(token) <= MaxIDLength {
		return ID(token)
	}
	cut := token[:MaxIDLength-1]
	// Do not leave a dangling escape in front of the closing quote.
	trailing := 0
	for i := len(cut) - 1; i > 0 && cut[i] == '\\'; i-- {
		trailing++
	}
	if trailing%2 == 1 {
		cut = cut[:len(cut)-1]
	}
	out := make([]byte, 0, len(cut)+1)
	out = append(out, cut...)
	out = append(out, '"')
	return ID(out)
}

func skipSpace(b []byte, pos int) int {
	for pos < len(b) {
		switch b[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}
