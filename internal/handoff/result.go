package handoff

import (
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// Outcome is the terminal state of one Exchange.
type Outcome int

const (
	// OutcomeReplied carries the consumer's response verbatim.
	OutcomeReplied Outcome = iota
	// OutcomeTimedOut means a wait budget elapsed.
	OutcomeTimedOut
	// OutcomeInterrupted means availability dropped after dispatch.
	OutcomeInterrupted
	// OutcomeShuttingDown means the stop signal ended the wait.
	OutcomeShuttingDown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplied:
		return "replied"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Phase is where an Exchange was when it ended.
type Phase int

const (
	// PhaseAwaitingConsumer covers queueing for the slot and waiting for availability.
	PhaseAwaitingConsumer Phase = iota
	// PhaseDispatched covers the wait for the consumer's response.
	PhaseDispatched
)

func (p Phase) String() string {
	if p == PhaseDispatched {
		return "dispatched"
	}
	return "awaiting_consumer"
}

// Result describes how an Exchange ended.
type Result struct {
	Outcome  Outcome
	Phase    Phase
	Response []byte
	// Ticket is zero when the request was never dispatched.
	Ticket xid.ID
	// Dispatched is the time spent before dispatch; zero if never dispatched.
	Dispatched time.Duration
	Elapsed    time.Duration
}

// Stats is a snapshot of outcome counters.
type Stats struct {
	Replied      uint64 `json:"replied"`
	TimedOut     uint64 `json:"timed_out"`
	Interrupted  uint64 `json:"interrupted"`
	ShuttingDown uint64 `json:"shutting_down"`
}

type counters struct {
	replied      atomic.Uint64
	timedOut     atomic.Uint64
	interrupted  atomic.Uint64
	shuttingDown atomic.Uint64
}

func (c *counters) record(o Outcome) {
	switch o {
	case OutcomeReplied:
		c.replied.Add(1)
	case OutcomeTimedOut:
		c.timedOut.Add(1)
	case OutcomeInterrupted:
		c.interrupted.Add(1)
	case OutcomeShuttingDown:
		c.shuttingDown.Add(1)
	}
}

// Stats returns the outcome counters accumulated since New.
func (s *Slot) Stats() Stats {
	return Stats{
		Replied:      s.stats.replied.Load(),
		TimedOut:     s.stats.timedOut.Load(),
		Interrupted:  s.stats.interrupted.Load(),
		ShuttingDown: s.stats.shuttingDown.Load(),
	}
}
