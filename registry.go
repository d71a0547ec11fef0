package switchboard

import (
	"github.com/getlantern/errors"
)

// Scope selects how handler instances relate to streams of a protocol.
type Scope int

const (
	// ScopeStream protocols get a fresh handler instance per stream; the
	// handler's lifetime equals the stream's.
	ScopeStream Scope = iota

	// ScopeSession protocols get one long-lived handler instance per
	// session, which sees every stream of that protocol on the session and
	// does its own per-stream bookkeeping.
	ScopeSession
)

// StreamHandler handles a single stream of a ScopeStream protocol.
// HandleStream runs on its own goroutine; the stream is closed when it
// returns, and reset if it panics.
type StreamHandler interface {
	HandleStream(s *Stream)
}

// StreamHandlerFunc adapts a function to the StreamHandler interface.
type StreamHandlerFunc func(s *Stream)

func (f StreamHandlerFunc) HandleStream(s *Stream) { f(s) }

// SessionHandler handles every stream of a ScopeSession protocol on one
// session. Its methods are invoked sequentially from a single goroutine
// draining the handler's event queue, so implementations need no internal
// locking against themselves.
type SessionHandler interface {
	// StreamOpened is invoked after negotiation selects this protocol for a
	// newly accepted stream.
	StreamOpened(s *Stream)

	// StreamClosed is invoked once the identified stream has terminated.
	// err is nil for a clean close and ErrStreamReset (or the session's
	// terminal error) otherwise.
	StreamClosed(id uint32, err error)
}

// Protocol is a registration record mapping a protocol identifier to a
// handler factory. Registrations are immutable once the service starts.
type Protocol struct {
	// ID identifies the protocol on the wire, conventionally name/version,
	// e.g. "echo/1.0.0".
	ID string

	// Scope selects the handler shape; exactly one of the two factories
	// below must be set, matching the scope.
	Scope Scope

	// NewStreamHandler builds a handler for one stream (ScopeStream).
	NewStreamHandler func() StreamHandler

	// NewSessionHandler builds the session's handler instance the first
	// time this protocol is negotiated on it (ScopeSession).
	NewSessionHandler func(s *Session) SessionHandler
}

func (p Protocol) validate() error {
	if p.ID == "" {
		return errors.New("protocol id must not be empty")
	}
	if len(p.ID) > maxProtocolIDLen {
		return errors.New("protocol id %q exceeds %d bytes", p.ID, maxProtocolIDLen)
	}
	switch p.Scope {
	case ScopeStream:
		if p.NewStreamHandler == nil {
			return errors.New("protocol %v: NewStreamHandler is required for ScopeStream", p.ID)
		}
		if p.NewSessionHandler != nil {
			return errors.New("protocol %v: NewSessionHandler must not be set for ScopeStream", p.ID)
		}
	case ScopeSession:
		if p.NewSessionHandler == nil {
			return errors.New("protocol %v: NewSessionHandler is required for ScopeSession", p.ID)
		}
		if p.NewStreamHandler != nil {
			return errors.New("protocol %v: NewStreamHandler must not be set for ScopeSession", p.ID)
		}
	default:
		return errors.New("protocol %v: unknown scope %d", p.ID, p.Scope)
	}
	return nil
}
