package interfaces

import (
	"context"
	"time"

	"tvstream/internal/protocol"
	"tvstream/internal/types"
)

// Conn is a live duplex connection carrying raw protocol frames. Frames()
// is closed when the connection dies; Err() then reports why.
type Conn interface {
	Send(frame []byte) error
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Dialer opens a Conn, honoring the context's deadline as connect timeout.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Sender is the slice of the manager a session uses to issue protocol
// messages. Envelopes sent before the connection authenticates are queued.
type Sender interface {
	Send(method string, params ...any) error

	// RequestTimeout is the default bound for suspending operations.
	RequestTimeout() time.Duration
}

// Session is what the manager routes inbound envelopes to and rehydrates
// after a reconnect.
type Session interface {
	ID() string
	Type() types.SessionType

	// Handle applies one decoded envelope addressed to this session.
	Handle(msg protocol.Inbound)

	// Rehydrate re-issues the envelopes that reproduce the session's
	// last-known upstream state on a fresh connection.
	Rehydrate() error

	// Detach marks the session terminal after a reconnect with rehydration
	// disabled; callers must recreate it.
	Detach()

	// Close sends the upstream teardown envelope (best effort) and releases
	// local state.
	Close() error
}
