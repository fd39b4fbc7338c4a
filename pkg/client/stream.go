package client

import (
	"context"
	"fmt"

	"github.com/replistate/client-go/pkg/protocol"
)

// ExecuteStream runs one streaming operation. Frames are decoded and
// pushed to sink as they arrive; the call returns when the stream
// terminates, with nil after Complete or the terminal error after Error.
// Cancelling ctx terminates the sink with a cancellation error and drops
// the pending entry.
func (c *ServiceClient) ExecuteStream(ctx context.Context, op protocol.OperationID, rctx protocol.RequestContext, payload []byte, sink Sink[[]byte]) error {
	fd := &frameDecoder{kind: op.Kind, sink: sink, done: make(chan struct{})}
	if err := c.submitStream(ctx, op, rctx, payload, fd); err != nil {
		return err
	}
	<-fd.done
	return fd.err
}

// frameDecoder adapts the caller's sink to the correlator's frame sink,
// unwrapping each frame: outer envelope, kind-matched body arm, stream
// response. A decode failure terminates only this stream.
type frameDecoder struct {
	kind protocol.OperationKind
	sink Sink[[]byte]
	done chan struct{}
	err  error
}

func (d *frameDecoder) Next(frame []byte) error {
	resp, err := protocol.UnmarshalServiceResponse(frame)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &protocol.ApplicationError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	inner, err := streamBody(resp, d.kind)
	if err != nil {
		return err
	}
	body, err := protocol.UnmarshalStreamResponse(inner)
	if err != nil {
		return err
	}
	return d.sink.Next(body.Context, body.Output)
}

func (d *frameDecoder) Complete() {
	d.sink.Complete()
	close(d.done)
}

func (d *frameDecoder) Error(err error) {
	d.err = err
	d.sink.Error(err)
	close(d.done)
}

// streamBody selects the response arm matching the request kind for a
// stream frame.
func streamBody(resp *protocol.ServiceResponse, kind protocol.OperationKind) ([]byte, error) {
	switch kind {
	case protocol.KindCommand:
		if resp.Command == nil {
			return nil, protocol.MalformedResponse("service response envelope", fmt.Errorf("stream frame does not match command request"))
		}
		return resp.Command, nil
	case protocol.KindQuery:
		if resp.Query == nil {
			return nil, protocol.MalformedResponse("service response envelope", fmt.Errorf("stream frame does not match query request"))
		}
		return resp.Query, nil
	default:
		return nil, protocol.ErrUnsupportedOperation
	}
}
