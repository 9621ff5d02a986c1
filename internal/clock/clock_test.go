package clock_test

import (
	"testing"
	"time"

	"pkt.systems/rpcbridge/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	ch := m.After(50 * time.Millisecond)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(49 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(50 * time.Millisecond)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	if m.BlockUntil(1, 10*time.Millisecond) {
		t.Fatal("expected BlockUntil to time out with no timers")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.After(time.Second)
	}()
	if !m.BlockUntil(1, time.Second) {
		t.Fatal("expected BlockUntil to observe the timer")
	}
}

func TestTickClampsToDeadline(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	ch := clock.Tick(m, time.Second, start.Add(10*time.Millisecond))
	m.Advance(10 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("tick should fire at the deadline")
	}
	if got := clock.Remaining(m, start); got != 0 {
		t.Fatalf("expected zero remaining after deadline, got %v", got)
	}
}
