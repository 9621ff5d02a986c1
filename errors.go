package rpcbridge

import (
	"errors"

	"pkt.systems/rpcbridge/internal/handoff"
)

var (
	// ErrAlreadyRunning is returned by Start when the server is serving.
	ErrAlreadyRunning = errors.New("rpcbridge: already running")
	// ErrNotRunning is returned by Wait when no run is in progress.
	ErrNotRunning = errors.New("rpcbridge: not running")
	// ErrServerClosed is returned by Start after Close.
	ErrServerClosed = errors.New("rpcbridge: server closed")
	// ErrBind wraps listener failures from Start.
	ErrBind = errors.New("rpcbridge: bind failed")
	// ErrNoPendingRequest is returned by PutResponse when nothing waits for
	// an answer, including a request that already timed out.
	ErrNoPendingRequest = handoff.ErrNoPendingRequest
	// ErrResponseTooLarge is returned by PutResponse for bodies over
	// MaxPayloadBytes. The request stays pending.
	ErrResponseTooLarge = handoff.ErrResponseTooLarge
	// ErrAlreadyAnswered is returned by PutResponse on a second answer.
	ErrAlreadyAnswered = handoff.ErrAlreadyAnswered
)
