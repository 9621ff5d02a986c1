package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestScanID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want ID
	}{
		{name: "number", body: `{"jsonrpc":"2.0","method":"ping","id":7}`, want: "7"},
		{name: "negative float", body: `{"id": -1.5e3 ,"method":"x"}`, want: "-1.5e3"},
		{name: "string", body: `{"id":"abc"}`, want: `"abc"`},
		{name: "escaped quote", body: `{"id":"a\"b","method":"x"}`, want: `"a\"b"`},
		{name: "null", body: `{"id":null}`, want: NullID},
		{name: "missing", body: `{"jsonrpc":"2.0","method":"ping"}`, want: NullID},
		{name: "object value", body: `{"id":{"x":1}}`, want: NullID},
		{name: "key without colon then real", body: `{"params":["id"],"id":42}`, want: "42"},
		{name: "whitespace", body: "{\"id\"\n\t:\r\n 9}", want: "9"},
		{name: "malformed tail", body: `{"id":3,"params":{{{`, want: "3"},
		{name: "unterminated string", body: `{"id":"abc`, want: NullID},
		{name: "dangling colon", body: `{"id":`, want: NullID},
		{name: "empty", body: ``, want: NullID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ScanID([]byte(tc.body)); got != tc.want {
				t.Fatalf("ScanID(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}

func TestScanIDTruncatesLongStrings(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 400)
	got := ScanID([]byte(`{"id":"` + long + `"}`))
	if len(got) != MaxIDLength {
		t.Fatalf("expected %d byte token, got %d", MaxIDLength, len(got))
	}
	if !json.Valid([]byte(got)) {
		t.Fatalf("truncated token is not valid JSON: %q", got)
	}

	escaped := strings.Repeat("y", MaxIDLength-3) + `\"` + strings.Repeat("z", 10)
	got = ScanID([]byte(`{"id":"` + escaped + `"}`))
	if !json.Valid([]byte(got)) {
		t.Fatalf("truncated escape left invalid token: %q", got)
	}
}

func TestErrorEnvelopeEchoesID(t *testing.T) {
	t.Parallel()

	out := ErrorEnvelope(CodeServerError, "Server is shutting down.", "7")
	want := `{"jsonrpc":"2.0","error":{"code":-32000,"message":"Server is shutting down."},"id":7}`
	if string(out) != want {
		t.Fatalf("unexpected envelope:\n got %s\nwant %s", out, want)
	}

	out = ErrorEnvelope(CodeParseError, "Parse error: Empty request body.", NullID)
	want = `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error: Empty request body."},"id":null}`
	if string(out) != want {
		t.Fatalf("unexpected envelope:\n got %s\nwant %s", out, want)
	}
}

func TestErrorEnvelopeRejectsInvalidIDToken(t *testing.T) {
	t.Parallel()

	out := ErrorEnvelope(CodeServerError, "x", ID("1-2"))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("envelope is not valid JSON: %v (%s)", err, out)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != CodeServerError {
		t.Fatalf("unexpected error member: %+v", resp.Error)
	}
}

func TestResultEnvelope(t *testing.T) {
	t.Parallel()

	out, err := ResultEnvelope(json.RawMessage(`"pong"`), `"a"`)
	if err != nil {
		t.Fatalf("ResultEnvelope: %v", err)
	}
	want := `{"jsonrpc":"2.0","result":"pong","id":"a"}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}
