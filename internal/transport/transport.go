// internal/transport/transport.go

// Package transport owns the single logical bidirectional connection to the
// coordination server. I/O faults are reported through the Handlers
// callbacks and never returned across the boundary after a successful
// connect; reacting to them is the connection manager's job.
package transport

import (
	"context"
	"errors"
)

// Handlers receives transport events. All fields are optional; nil handlers
// are skipped. Callbacks fire from the transport's read goroutine; the
// connection manager is responsible for marshalling them onto its own
// dispatch loop before any engine state is touched.
type Handlers struct {
	// OnMessage delivers one complete inbound frame.
	OnMessage func(data []byte)
	// OnError reports a non-fatal I/O fault.
	OnError func(err error)
	// OnClosed fires exactly once when the connection is gone, with the
	// cause (nil for a clean local disconnect).
	OnClosed func(err error)
}

// ErrNotConnected is returned by Send when no connection is up.
var ErrNotConnected = errors.New("transport: not connected")

// TokenProvider supplies the session auth token attached to the connection
// headers. May return an empty string for anonymous connects.
type TokenProvider func() (string, error)

// Transport is the logical connection contract. Connect and Disconnect are
// cancellable via their contexts; Send delivers one framed message.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
}
