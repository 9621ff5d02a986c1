package handoff

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/rpcbridge/internal/clock"
	"pkt.systems/rpcbridge/internal/jsonrpc"
)

func newTestSlot(t *testing.T, cfg Config) *Slot {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return New(cfg)
}

func exchangeAsync(s *Slot, body string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- s.Exchange(context.Background(), []byte(body), jsonrpc.ScanID([]byte(body)))
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan Result, within time.Duration) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(within):
		t.Fatalf("exchange did not finish within %s", within)
		return Result{}
	}
}

func takeWithin(t *testing.T, s *Slot, within time.Duration) Request {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if req, ok := s.TakePending(); ok {
			return req
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no request dispatched within %s", within)
	return Request{}
}

func TestExchangeReplied(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{})
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"jsonrpc":"2.0","method":"ping","id":7}`)

	req := takeWithin(t, s, time.Second)
	if req.ID != "7" {
		t.Fatalf("expected id 7, got %q", req.ID)
	}
	if req.Ticket.IsNil() {
		t.Fatal("expected a dispatch ticket")
	}
	if _, ok := s.TakePending(); ok {
		t.Fatal("request handed out twice")
	}
	want := []byte(`{"jsonrpc":"2.0","result":"pong","id":7}`)
	if err := s.PutResponse(want); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}
	if err := s.PutResponse(want); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}

	res := waitResult(t, ch, time.Second)
	if res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied, got %s", res.Outcome)
	}
	if !bytes.Equal(res.Response, want) {
		t.Fatalf("unexpected response %s", res.Response)
	}
	if res.Ticket != req.Ticket {
		t.Fatalf("ticket mismatch %s != %s", res.Ticket, req.Ticket)
	}
	if s.Pending() {
		t.Fatal("slot should be empty after reply")
	}
	if got := s.Stats().Replied; got != 1 {
		t.Fatalf("expected one replied, got %d", got)
	}
}

func TestExchangeTimesOutWaitingForAvailability(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := New(Config{PollInterval: 50 * time.Millisecond, Timeout: time.Second, Clock: clk})
	ch := exchangeAsync(s, `{"id":"abc"}`)

	for i := 0; i < 100; i++ {
		select {
		case res := <-ch:
			if res.Outcome != OutcomeTimedOut || res.Phase != PhaseAwaitingConsumer {
				t.Fatalf("expected timeout before dispatch, got %s/%s", res.Outcome, res.Phase)
			}
			if res.Elapsed != time.Second {
				t.Fatalf("expected elapsed 1s on the manual clock, got %s", res.Elapsed)
			}
			if s.Pending() {
				t.Fatal("request must never reach the slot")
			}
			return
		default:
		}
		if clk.BlockUntil(1, 200*time.Millisecond) {
			clk.Advance(50 * time.Millisecond)
		}
	}
	t.Fatal("exchange never timed out")
}

func TestExchangeTimesOutAfterDispatch(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{Timeout: 200 * time.Millisecond})
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"id":1}`)
	takeWithin(t, s, time.Second)

	res := waitResult(t, ch, time.Second)
	if res.Outcome != OutcomeTimedOut || res.Phase != PhaseDispatched {
		t.Fatalf("expected timeout after dispatch, got %s/%s", res.Outcome, res.Phase)
	}
	if err := s.PutResponse([]byte(`{}`)); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("late response should be rejected, got %v", err)
	}
}

func TestExchangeInterrupted(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{})
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"id":"r1"}`)
	takeWithin(t, s, time.Second)
	s.SetAvailability(false)

	res := waitResult(t, ch, time.Second)
	if res.Outcome != OutcomeInterrupted {
		t.Fatalf("expected interrupted, got %s", res.Outcome)
	}
	if err := s.PutResponse([]byte(`{}`)); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
}

func TestResponseBeatsAvailabilityDrop(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{PollInterval: time.Hour})
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"id":2}`)
	takeWithin(t, s, time.Second)
	if err := s.PutResponse([]byte(`{"id":2}`)); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}
	s.SetAvailability(false)

	res := waitResult(t, ch, time.Second)
	if res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied, got %s", res.Outcome)
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{PollInterval: time.Hour, Timeout: time.Hour})
	waiting := exchangeAsync(s, `{"id":1}`)

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	s.Shutdown()
	res := waitResult(t, waiting, time.Second)
	if res.Outcome != OutcomeShuttingDown {
		t.Fatalf("expected shutting down, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took too long to wake waiter: %s", elapsed)
	}
	if s.SetAvailability(true) {
		t.Fatal("availability claims must be ignored while shutting down")
	}
	if got := s.Gate().Load(); got != ShuttingDown {
		t.Fatalf("expected shutting-down gate, got %s", got)
	}

	res = s.Exchange(context.Background(), []byte(`{"id":3}`), "3")
	if res.Outcome != OutcomeShuttingDown {
		t.Fatalf("new exchanges must fail fast after shutdown, got %s", res.Outcome)
	}

	s.Clear()
	if got := s.Gate().Load(); got != Unavailable {
		t.Fatalf("expected unavailable after clear, got %s", got)
	}
	s.Reopen()
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"id":4}`)
	takeWithin(t, s, time.Second)
	if err := s.PutResponse([]byte(`ok`)); err != nil {
		t.Fatalf("PutResponse after reopen: %v", err)
	}
	if res := waitResult(t, ch, time.Second); res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied after reopen, got %s", res.Outcome)
	}
}

func TestShutdownThenClearReleasesWaiters(t *testing.T) {
	t.Parallel()

	gated := newTestSlot(t, Config{PollInterval: time.Hour, Timeout: time.Hour})
	waiting := exchangeAsync(gated, `{"id":1}`)
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	gated.Shutdown()
	gated.Clear()
	if res := waitResult(t, waiting, time.Second); res.Outcome != OutcomeShuttingDown {
		t.Fatalf("gate waiter: expected shutting down, got %s", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("gate waiter released after %s", elapsed)
	}

	dispatched := newTestSlot(t, Config{PollInterval: time.Hour, Timeout: time.Hour})
	dispatched.SetAvailability(true)
	ch := exchangeAsync(dispatched, `{"id":2}`)
	takeWithin(t, dispatched, time.Second)
	dispatched.Shutdown()
	dispatched.Clear()
	if res := waitResult(t, ch, time.Second); res.Outcome != OutcomeShuttingDown {
		t.Fatalf("dispatched waiter: expected shutting down, got %s", res.Outcome)
	}

	dispatched.Reopen()
	dispatched.SetAvailability(true)
	next := exchangeAsync(dispatched, `{"id":3}`)
	takeWithin(t, dispatched, time.Second)
	if err := dispatched.PutResponse([]byte(`ok`)); err != nil {
		t.Fatalf("PutResponse after reopen: %v", err)
	}
	if res := waitResult(t, next, time.Second); res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied after reopen, got %s", res.Outcome)
	}
}

func TestExchangeSerializesRequests(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{})
	s.SetAvailability(true)
	first := exchangeAsync(s, `{"id":"first"}`)
	req1 := takeWithin(t, s, time.Second)

	second := exchangeAsync(s, `{"id":"second"}`)
	deadline := time.Now().Add(time.Second)
	for s.Waiting() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("second request never queued")
		}
		time.Sleep(time.Millisecond)
	}
	if s.Pending() {
		t.Fatal("second request entered the slot while the first occupied it")
	}
	if req1.ID != `"first"` {
		t.Fatalf("unexpected first id %s", req1.ID)
	}
	if err := s.PutResponse([]byte(`one`)); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}
	if res := waitResult(t, first, time.Second); string(res.Response) != "one" {
		t.Fatalf("first got %q", res.Response)
	}

	req2 := takeWithin(t, s, time.Second)
	if req2.ID != `"second"` || string(req2.Body) != `{"id":"second"}` {
		t.Fatalf("unexpected second request %s %s", req2.ID, req2.Body)
	}
	if err := s.PutResponse([]byte(`two`)); err != nil {
		t.Fatalf("PutResponse: %v", err)
	}
	if res := waitResult(t, second, time.Second); string(res.Response) != "two" {
		t.Fatalf("second got %q", res.Response)
	}
}

func TestPutResponseBounds(t *testing.T) {
	t.Parallel()

	s := newTestSlot(t, Config{MaxPayload: 8})
	if err := s.PutResponse([]byte(`{}`)); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest without dispatch, got %v", err)
	}
	s.SetAvailability(true)
	ch := exchangeAsync(s, `{"id":9}`)
	takeWithin(t, s, time.Second)
	if err := s.PutResponse(bytes.Repeat([]byte("x"), 9)); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
	if err := s.PutResponse([]byte(`{"ok":1}`)); err != nil {
		t.Fatalf("request should still accept a bounded response: %v", err)
	}
	if res := waitResult(t, ch, time.Second); res.Outcome != OutcomeReplied {
		t.Fatalf("expected replied, got %s", res.Outcome)
	}
}
