// Package server defines the error taxonomy shared by the registry, router,
// acceptor and façade, plus small utility helpers.
package server

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionLimitExceeded is returned by Register when the registry is full.
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")

	// ErrDuplicateUUID is returned by Register when the requested uuid is taken.
	ErrDuplicateUUID = errors.New("client uuid already registered")

	// ErrInvalidIdentity is returned by Register for an unusable name or uuid.
	ErrInvalidIdentity = errors.New("invalid client identity")

	// ErrClientDisconnected is returned when sending to a client whose
	// transport is already closed or that is no longer registered.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrSlowConsumer is returned when a client's send queue is full. The
	// client is disconnected.
	ErrSlowConsumer = fmt.Errorf("%w: send queue full", ErrClientDisconnected)

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrServerStopped is returned by Start after Stop, and by Register once
	// the registry has been closed.
	ErrServerStopped = errors.New("server stopped")

	// ErrShutdown wraps every resource-release failure reported by Stop.
	ErrShutdown = errors.New("shutdown failed")
)

// BindError reports that a listen address could not be bound at Start.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
