// Package handoff implements the single-capacity mailbox between the HTTP
// transport and an intermittently available consumer.
//
// The transport side calls Exchange and blocks, bounded by the configured
// timeout, until the request has been answered or abandoned. The consumer
// side never blocks: it observes work with TakePending and answers with
// PutResponse on its own schedule.
package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/rpcbridge/internal/clock"
	"pkt.systems/rpcbridge/internal/jsonrpc"
	"pkt.systems/rpcbridge/internal/svcfields"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultTimeout      = 30 * time.Second
	defaultMaxPayload   = 256 * 1024
)

var (
	// ErrNoPendingRequest is returned by PutResponse when no taken request is
	// waiting for an answer.
	ErrNoPendingRequest = errors.New("handoff: no pending request")
	// ErrResponseTooLarge is returned by PutResponse when the body exceeds the
	// payload bound. The request stays pending.
	ErrResponseTooLarge = errors.New("handoff: response exceeds max payload")
	// ErrAlreadyAnswered is returned by PutResponse when the pending request
	// already holds a response.
	ErrAlreadyAnswered = errors.New("handoff: request already answered")
)

// Config tunes a Slot.
type Config struct {
	// PollInterval is the upper bound between availability and response checks.
	PollInterval time.Duration
	// Timeout bounds each of the two waits (before and after dispatch).
	Timeout time.Duration
	// MaxPayload bounds the response body in bytes. The transport bounds requests.
	MaxPayload int
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Request is a dispatched request as seen by the consumer.
type Request struct {
	Body     []byte
	ID       jsonrpc.ID
	Ticket   xid.ID
	Admitted time.Time
}

// Slot is the bridge's mailbox. The zero value is not usable; call New.
type Slot struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
	gate   Gate

	// occupancy token: whoever holds it owns the request half.
	token chan struct{}

	mu       sync.Mutex
	pending  *Request
	taken    bool
	response []byte
	answered bool
	notify   chan struct{}
	stop     chan struct{}
	stopped  bool

	waiting atomic.Int64
	stats   counters
}

// New returns an empty Slot with the gate unavailable.
func New(cfg Config) *Slot {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Slot{
		cfg:    cfg,
		clock:  clk,
		logger: svcfields.WithSubsystem(cfg.Logger, "bridge.handoff"),
		token:  make(chan struct{}, 1),
		notify: make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Gate exposes the availability flag for read-only observers.
func (s *Slot) Gate() *Gate {
	return &s.gate
}

// SetAvailability records the consumer's claim and wakes waiters. It returns
// false when the slot is shutting down and the claim was ignored.
func (s *Slot) SetAvailability(available bool) bool {
	prev := s.gate.Load()
	if !s.gate.Set(available) {
		return false
	}
	if next := s.gate.Load(); next != prev {
		s.logger.Debug("bridge.availability.changed", "from", prev.String(), "to", next.String())
	}
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
	return true
}

// TakePending hands the dispatched request to the consumer. Each dispatch is
// handed out once; the body is a private copy.
func (s *Slot) TakePending() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.taken {
		return Request{}, false
	}
	s.taken = true
	req := *s.pending
	req.Body = append([]byte(nil), s.pending.Body...)
	s.logger.Debug("bridge.request.taken", "ticket", req.Ticket.String(), "rpc_id", req.ID.String())
	return req, true
}

// PutResponse stores the answer for the taken request and wakes the
// transport. The body is copied.
func (s *Slot) PutResponse(body []byte) error {
	if len(body) > s.cfg.MaxPayload {
		return ErrResponseTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || !s.taken {
		return ErrNoPendingRequest
	}
	if s.answered {
		return ErrAlreadyAnswered
	}
	s.response = append([]byte(nil), body...)
	s.answered = true
	s.wakeLocked()
	return nil
}

// Pending reports whether a dispatched request is waiting to be taken.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && !s.taken
}

// Shutdown raises the stop signal: the gate becomes ShuttingDown and every
// wait in Exchange returns promptly with OutcomeShuttingDown.
func (s *Slot) Shutdown() {
	s.gate.shutdown()
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.wakeLocked()
	s.mu.Unlock()
}

// Clear drops any request and response and returns the gate to Unavailable.
// It is called once the transport has been torn down.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.taken = false
	s.response = nil
	s.answered = false
	s.wakeLocked()
	s.mu.Unlock()
	s.gate.reset()
}

// Reopen prepares a stopped slot for a new run.
func (s *Slot) Reopen() {
	s.mu.Lock()
	if s.stopped {
		s.stop = make(chan struct{})
		s.stopped = false
	}
	s.mu.Unlock()
	s.gate.reset()
}

// Waiting returns how many requests are queued for the occupancy token.
func (s *Slot) Waiting() int64 {
	return s.waiting.Load()
}

// Exchange runs one request through the slot and reports how it ended.
// Cancellation of ctx is ignored: only the timeout and Shutdown end a wait,
// so every admitted request produces exactly one Result.
func (s *Slot) Exchange(ctx context.Context, body []byte, id jsonrpc.ID) Result {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	}
	start := s.clock.Now()
	res := Result{Phase: PhaseAwaitingConsumer}
	finish := func(outcome Outcome) Result {
		res.Outcome = outcome
		res.Elapsed = s.clock.Now().Sub(start)
		s.stats.record(outcome)
		return res
	}

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	deadline := start.Add(s.cfg.Timeout)
	if outcome, ok := s.acquire(stop, deadline); !ok {
		logger.Debug("bridge.request.not_admitted", "outcome", outcome.String(), "rpc_id", id.String())
		return finish(outcome)
	}
	defer s.release()

	for {
		if stopped(stop) {
			return finish(OutcomeShuttingDown)
		}
		notify := s.notifier()
		state := s.gate.Load()
		if state == ShuttingDown {
			return finish(OutcomeShuttingDown)
		}
		if state == Available {
			break
		}
		if !s.clock.Now().Before(deadline) {
			logger.Warn("bridge.request.timed_out", "phase", PhaseAwaitingConsumer.String(), "rpc_id", id.String(), "timeout", s.cfg.Timeout)
			return finish(OutcomeTimedOut)
		}
		s.pause(stop, notify, deadline)
	}

	req := &Request{
		Body:     body,
		ID:       id,
		Ticket:   xid.New(),
		Admitted: s.clock.Now(),
	}
	s.mu.Lock()
	s.response = nil
	s.answered = false
	s.pending = req
	s.taken = false
	s.wakeLocked()
	s.mu.Unlock()
	defer s.withdraw(req)

	res.Phase = PhaseDispatched
	res.Ticket = req.Ticket
	res.Dispatched = req.Admitted.Sub(start)
	logger.Debug("bridge.request.dispatched", "ticket", req.Ticket.String(), "rpc_id", id.String(), "bytes", len(body))

	deadline = req.Admitted.Add(s.cfg.Timeout)
	for {
		if stopped(stop) {
			return finish(OutcomeShuttingDown)
		}
		s.mu.Lock()
		notify := s.notify
		if s.pending == req && s.answered {
			res.Response = s.response
			s.mu.Unlock()
			logger.Debug("bridge.request.replied", "ticket", req.Ticket.String(), "bytes", len(res.Response))
			return finish(OutcomeReplied)
		}
		s.mu.Unlock()

		switch s.gate.Load() {
		case ShuttingDown:
			return finish(OutcomeShuttingDown)
		case Unavailable:
			logger.Info("bridge.request.interrupted", "ticket", req.Ticket.String(), "rpc_id", id.String())
			return finish(OutcomeInterrupted)
		}
		if !s.clock.Now().Before(deadline) {
			logger.Warn("bridge.request.timed_out", "phase", PhaseDispatched.String(), "ticket", req.Ticket.String(), "rpc_id", id.String(), "timeout", s.cfg.Timeout)
			return finish(OutcomeTimedOut)
		}
		s.pause(stop, notify, deadline)
	}
}

// acquire takes the occupancy token, waiting behind the current occupant.
func (s *Slot) acquire(stop <-chan struct{}, deadline time.Time) (Outcome, bool) {
	select {
	case <-stop:
		return OutcomeShuttingDown, false
	default:
	}
	select {
	case s.token <- struct{}{}:
		return 0, true
	default:
	}
	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	for {
		select {
		case <-stop:
			return OutcomeShuttingDown, false
		case s.token <- struct{}{}:
			return 0, true
		case <-clock.Tick(s.clock, s.cfg.PollInterval, deadline):
			if !s.clock.Now().Before(deadline) {
				return OutcomeTimedOut, false
			}
		}
	}
}

func (s *Slot) release() {
	<-s.token
}

// withdraw removes req from the slot unless a newer request replaced it.
func (s *Slot) withdraw(req *Request) {
	s.mu.Lock()
	if s.pending == req {
		s.pending = nil
		s.taken = false
		s.response = nil
		s.answered = false
	}
	s.mu.Unlock()
}

func (s *Slot) notifier() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// pause waits one poll interval, or less when woken or stopped. notify must
// be captured before the condition it guards was checked.
func (s *Slot) pause(stop, notify <-chan struct{}, deadline time.Time) {
	select {
	case <-stop:
	case <-notify:
	case <-clock.Tick(s.clock, s.cfg.PollInterval, deadline):
	}
}

// stopped reports whether the run that admitted a request has been stopped.
// The gate alone is not enough: Clear resets it before a waiter may observe
// ShuttingDown.
func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (s *Slot) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
