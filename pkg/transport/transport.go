// Package transport maintains the logical connection to a replicated
// state-machine peer over COMMS and moves framed bytes in both directions.
// It never parses the service envelope: inbound frames are handed to the
// correlator whole.
package transport

import (
	"context"

	"github.com/replistate/client-go/pkg/correlator"
)

// Client is the transport contract consumed by the service client. Command
// and Query block until the single reply frame arrives or ctx is done.
// The stream variants return once the write is accepted; frames and the
// terminal notification are pushed to the sink.
type Client interface {
	// Connect establishes the connection. Idempotent when already connected.
	Connect(ctx context.Context) error
	// Close tears the connection down. Idempotent when already closed.
	Close(ctx context.Context) error
	// Command sends a state-mutating request and returns the reply frame.
	Command(ctx context.Context, req []byte) ([]byte, error)
	// Query sends a read-only request and returns the reply frame.
	Query(ctx context.Context, req []byte) ([]byte, error)
	// CommandStream sends a state-mutating request whose reply is a stream.
	CommandStream(ctx context.Context, req []byte, sink correlator.FrameSink) error
	// QueryStream sends a read-only request whose reply is a stream.
	QueryStream(ctx context.Context, req []byte, sink correlator.FrameSink) error
}

// State is the connection lifecycle state. Closed is terminal.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}
