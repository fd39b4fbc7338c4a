// Package protocol defines the wire-level types and codec for the
// replicated state-machine service protocol.
package protocol

import "fmt"

// ServiceID identifies a named instance of a typed primitive.
type ServiceID struct {
	Name string
	Type string
}

// String returns the canonical "type/name" form of the id.
func (id ServiceID) String() string {
	return fmt.Sprintf("%s/%s", id.Type, id.Name)
}

// OperationKind classifies an operation as state-mutating or read-only.
type OperationKind int32

const (
	// KindUnknown is the zero value; submitting it is a caller bug.
	KindUnknown OperationKind = iota
	// KindCommand mutates replicated state and goes through the consensus path.
	KindCommand
	// KindQuery is read-only and may use a relaxed read path.
	KindQuery
)

// String returns the kind name for logs and errors.
func (k OperationKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return fmt.Sprintf("unknown(%d)", int32(k))
	}
}

// OperationID names a single operation of a primitive service.
type OperationID struct {
	ID   string
	Kind OperationKind
}

// RequestContext carries server-session metadata. The client threads it
// verbatim into the envelope and never synthesizes one; the zero value is a
// valid context.
type RequestContext struct {
	SessionID      uint64
	SequenceNumber uint64
	Index          uint64
}

// ResponseContext carries server-side ordering information returned with
// each unary response.
type ResponseContext struct {
	Index    uint64
	Sequence uint64
}

// StreamContext is the per-frame analog of ResponseContext.
type StreamContext struct {
	Index    uint64
	Sequence uint64
}

// ServerInfo is the connect handshake response.
type ServerInfo struct {
	Version  string
	ServerID string
}
