package client

import (
	"context"
	"fmt"

	"github.com/replistate/client-go/pkg/protocol"
)

// Encoder serializes a typed request into operation payload bytes.
type Encoder[T any] func(T) ([]byte, error)

// Decoder deserializes operation output bytes into a typed response.
type Decoder[U any] func([]byte) (U, error)

// Execute runs a unary operation with typed request and response. The
// payload stays opaque to every layer below the supplied encoder and
// decoder.
func Execute[T, U any](ctx context.Context, c *ServiceClient, op protocol.OperationID, rctx protocol.RequestContext, req T, enc Encoder[T], dec Decoder[U]) (protocol.ResponseContext, U, error) {
	var zero U
	payload, err := enc(req)
	if err != nil {
		return protocol.ResponseContext{}, zero, fmt.Errorf("encoding %s request: %w", op.ID, err)
	}
	respCtx, output, err := c.Execute(ctx, op, rctx, payload)
	if err != nil {
		return protocol.ResponseContext{}, zero, err
	}
	value, err := dec(output)
	if err != nil {
		return protocol.ResponseContext{}, zero, protocol.MalformedResponse("operation output", err)
	}
	return respCtx, value, nil
}

// ExecuteStream runs a streaming operation with a typed sink. Each frame's
// output is decoded before delivery; a frame that fails to decode
// terminates the stream with a malformed-response error.
func ExecuteStream[T, U any](ctx context.Context, c *ServiceClient, op protocol.OperationID, rctx protocol.RequestContext, req T, enc Encoder[T], sink Sink[U], dec Decoder[U]) error {
	payload, err := enc(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op.ID, err)
	}
	return c.ExecuteStream(ctx, op, rctx, payload, &decodingSink[U]{dec: dec, sink: sink})
}

// decodingSink applies the caller's decoder to each frame's output bytes.
type decodingSink[U any] struct {
	dec  Decoder[U]
	sink Sink[U]
}

func (s *decodingSink[U]) Next(ctx protocol.StreamContext, output []byte) error {
	value, err := s.dec(output)
	if err != nil {
		return protocol.MalformedResponse("operation output", err)
	}
	return s.sink.Next(ctx, value)
}

func (s *decodingSink[U]) Complete() { s.sink.Complete() }

func (s *decodingSink[U]) Error(err error) { s.sink.Error(err) }
