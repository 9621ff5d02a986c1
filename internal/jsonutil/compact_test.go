package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func compactReference(t *testing.T, input string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(input)); err != nil {
		t.Fatalf("reference compact: %v", err)
	}
	return buf.String()
}

func TestCompactMatchesEncodingJSON(t *testing.T) {
	cases := []string{
		` { "jsonrpc" : "2.0", "method" : "ping", "id" : 1 } `,
		"\n\t{\"params\": {\"a\": [1, 2, 3], \"b\":true}}",
		`{"string":"keep  inner   spaces","escape":"\\tab\n"}`,
		`{"compact":true}`,
	}
	for _, tc := range cases {
		got, err := Compact([]byte(tc), 0)
		if err != nil {
			t.Fatalf("Compact(%q): %v", tc, err)
		}
		if want := compactReference(t, tc); string(got) != want {
			t.Fatalf("unexpected output\n got: %q\nwant: %q", got, want)
		}

		got, err = CompactReader(strings.NewReader(tc), 0)
		if err != nil {
			t.Fatalf("CompactReader(%q): %v", tc, err)
		}
		if want := compactReference(t, tc); string(got) != want {
			t.Fatalf("reader output\n got: %q\nwant: %q", got, want)
		}
	}
}

func TestCompactRejectsInvalidAndOversized(t *testing.T) {
	if _, err := Compact([]byte(`{"a":`), 0); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	if _, err := Compact([]byte(`{ "a": 1 }`), 4); err == nil {
		t.Fatal("expected size error")
	}
}
