package mcphost

import (
	"context"
	"iter"
)

// ClientTransport provides the host-side communication layer towards one remote server.
type ClientTransport interface {
	// StartSession opens a new session with the remote server. The returned Session is ready to
	// send messages. Operations are canceled when the context is canceled, and appropriate errors
	// are returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel with a remote server.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party. Send is safe for concurrent use; the
	// implementation serializes writes.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// The iteration ends when the session is stopped or the underlying stream ends.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session and releases its resources. The caller is guaranteed to call
	// this method once.
	Stop()
}

// Dialer opens sessions with remote servers by name. The Bridge calls Dial at most once per
// connection attempt.
type Dialer interface {
	Dial(ctx context.Context, serverName string) (Session, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, serverName string) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, serverName string) (Session, error) {
	return f(ctx, serverName)
}

// TransportDialer is a Dialer backed by a fixed set of named transports.
type TransportDialer map[string]ClientTransport

// Dial implements Dialer by starting a session on the transport registered under serverName.
func (t TransportDialer) Dial(ctx context.Context, serverName string) (Session, error) {
	transport, ok := t[serverName]
	if !ok {
		return nil, &Error{
			Kind:       KindConnection,
			ServerName: serverName,
			Message:    "unknown server",
		}
	}
	return transport.StartSession(ctx)
}
