package client

import "github.com/replistate/client-go/pkg/protocol"

// Sink receives the elements of one streaming operation in transport
// arrival order. A non-nil error from Next terminates the stream; after
// Complete or Error no further calls are made.
type Sink[U any] interface {
	Next(ctx protocol.StreamContext, value U) error
	Complete()
	Error(err error)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are no-ops.
type SinkFuncs[U any] struct {
	OnNext     func(ctx protocol.StreamContext, value U) error
	OnComplete func()
	OnError    func(err error)
}

// Next implements Sink.
func (s *SinkFuncs[U]) Next(ctx protocol.StreamContext, value U) error {
	if s.OnNext == nil {
		return nil
	}
	return s.OnNext(ctx, value)
}

// Complete implements Sink.
func (s *SinkFuncs[U]) Complete() {
	if s.OnComplete != nil {
		s.OnComplete()
	}
}

// Error implements Sink.
func (s *SinkFuncs[U]) Error(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}
