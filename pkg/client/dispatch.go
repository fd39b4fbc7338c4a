package client

import (
	"context"
	"fmt"

	"github.com/replistate/client-go/pkg/correlator"
	"github.com/replistate/client-go/pkg/protocol"
)

// submit builds the request envelope for op and routes it down the
// transport path matching the operation kind. Commands go through the
// consensus path, queries through the read path; the server enforces
// different consistency guarantees on the two. A kind other than command
// or query is rejected here before any write.
func (c *ServiceClient) submit(ctx context.Context, op protocol.OperationID, rctx protocol.RequestContext, payload []byte) ([]byte, error) {
	switch op.Kind {
	case protocol.KindCommand:
		req := &protocol.ServiceRequest{
			ID:      c.id,
			Command: &protocol.CommandRequest{Name: op.ID, Context: rctx, Payload: payload},
		}
		return c.tc.Command(ctx, protocol.MarshalServiceRequest(req))
	case protocol.KindQuery:
		req := &protocol.ServiceRequest{
			ID:    c.id,
			Query: &protocol.QueryRequest{Name: op.ID, Context: rctx, Payload: payload},
		}
		return c.tc.Query(ctx, protocol.MarshalServiceRequest(req))
	default:
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedOperation, op.Kind)
	}
}

// submitStream is the streaming analog of submit.
func (c *ServiceClient) submitStream(ctx context.Context, op protocol.OperationID, rctx protocol.RequestContext, payload []byte, sink correlator.FrameSink) error {
	switch op.Kind {
	case protocol.KindCommand:
		req := &protocol.ServiceRequest{
			ID:      c.id,
			Command: &protocol.CommandRequest{Name: op.ID, Context: rctx, Payload: payload},
		}
		return c.tc.CommandStream(ctx, protocol.MarshalServiceRequest(req), sink)
	case protocol.KindQuery:
		req := &protocol.ServiceRequest{
			ID:    c.id,
			Query: &protocol.QueryRequest{Name: op.ID, Context: rctx, Payload: payload},
		}
		return c.tc.QueryStream(ctx, protocol.MarshalServiceRequest(req), sink)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnsupportedOperation, op.Kind)
	}
}
