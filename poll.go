package rpcbridge

import "pkt.systems/rpcbridge/internal/handoff"

// Availability is the consumer's observable readiness.
type Availability = handoff.Availability

const (
	Unavailable  = handoff.Unavailable
	Available    = handoff.Available
	ShuttingDown = handoff.ShuttingDown
)

// TakePending returns the dispatched request body. Each dispatch is handed
// out once; later calls report false until the next request is dispatched.
// It never blocks.
func (s *Server) TakePending() ([]byte, bool) {
	req, ok := s.slot.TakePending()
	if !ok {
		return nil, false
	}
	return req.Body, true
}

// PutResponse answers the request returned by TakePending. The body is
// passed to the HTTP client verbatim. It never blocks.
func (s *Server) PutResponse(body []byte) error {
	return s.slot.PutResponse(body)
}

// SetAvailability records whether the consumer can process a request end to
// end. Claims made while the server is shutting down are ignored.
func (s *Server) SetAvailability(available bool) {
	if !s.slot.SetAvailability(available) {
		s.logger.Debug("bridge.availability.ignored", "available", available)
	}
}

// Available reports whether the consumer currently claims availability.
func (s *Server) Available() bool {
	return s.slot.Gate().Load() == handoff.Available
}

// Availability returns the gate state, including ShuttingDown.
func (s *Server) Availability() Availability {
	return s.slot.Gate().Load()
}
