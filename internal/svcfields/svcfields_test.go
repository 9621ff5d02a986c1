package svcfields

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemJoinsParts(t *testing.T) {
	t.Parallel()

	if got := Subsystem("bridge", "", ".transport."); got != "bridge.transport" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithRequestAddsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := pslog.NewStructured(&buf)
	WithRequest(WithSubsystem(logger, "bridge.transport"), "r1", "c1", "7").Info("bridge.request.start")
	out := buf.String()
	for _, want := range []string{"bridge.transport", "r1", "c1", "rpc_id"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output %q", want, out)
		}
	}
}

func TestNilLoggerFallsBackToNoop(t *testing.T) {
	t.Parallel()

	WithSubsystem(nil, "x").Info("ignored")
	WithRequest(nil, "", "", "").Info("ignored")
}
