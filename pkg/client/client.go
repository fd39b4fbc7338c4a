// Package client exposes the service-client surface over a single
// replicated state-machine service instance: create, delete, and unary or
// streaming execution of its operations.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/replistate/client-go/pkg/protocol"
	"github.com/replistate/client-go/pkg/transport"
)

const logPrefix = "client:client"

// ServiceClient issues operations against one service instance through a
// shared transport. Payload bytes pass through untouched in both
// directions; encoding and decoding them belongs to the caller.
type ServiceClient struct {
	id ServiceID
	tc transport.Client
}

// ServiceID aliases the protocol type for the public surface.
type ServiceID = protocol.ServiceID

// New creates a service client for the given instance over tc.
func New(id ServiceID, tc transport.Client) *ServiceClient {
	return &ServiceClient{id: id, tc: tc}
}

// Name returns the service instance name.
func (c *ServiceClient) Name() string { return c.id.Name }

// Type returns the service primitive type.
func (c *ServiceClient) Type() string { return c.id.Type }

// Create materializes the service instance on the server. Retrying on
// "already exists" is the owner's policy, not this client's.
func (c *ServiceClient) Create(ctx context.Context) error {
	req := &protocol.ServiceRequest{ID: c.id, Create: &protocol.CreateRequest{}}
	respBytes, err := c.tc.Command(ctx, protocol.MarshalServiceRequest(req))
	if err != nil {
		return err
	}
	resp, err := protocol.UnmarshalServiceResponse(respBytes)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &protocol.ApplicationError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Create == nil {
		return protocol.MalformedResponse("service response envelope", fmt.Errorf("missing create acknowledgement"))
	}
	slog.Debug(fmt.Sprintf("%s - Created service %s", logPrefix, c.id))
	return nil
}

// Delete tears the service instance down on the server.
func (c *ServiceClient) Delete(ctx context.Context) error {
	req := &protocol.ServiceRequest{ID: c.id, Delete: &protocol.DeleteRequest{}}
	respBytes, err := c.tc.Command(ctx, protocol.MarshalServiceRequest(req))
	if err != nil {
		return err
	}
	resp, err := protocol.UnmarshalServiceResponse(respBytes)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &protocol.ApplicationError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Delete == nil {
		return protocol.MalformedResponse("service response envelope", fmt.Errorf("missing delete acknowledgement"))
	}
	slog.Debug(fmt.Sprintf("%s - Deleted service %s", logPrefix, c.id))
	return nil
}

// Execute runs one unary operation. The request context is threaded into
// the envelope verbatim; the returned response context is the one the
// server emitted.
func (c *ServiceClient) Execute(ctx context.Context, op protocol.OperationID, rctx protocol.RequestContext, payload []byte) (protocol.ResponseContext, []byte, error) {
	respBytes, err := c.submit(ctx, op, rctx, payload)
	if err != nil {
		return protocol.ResponseContext{}, nil, err
	}
	return c.decodeUnary(op.Kind, respBytes)
}

// decodeUnary unwraps a unary reply frame stage by stage: outer envelope,
// kind-matched body arm, inner response. Each stage reports its own layer
// on failure.
func (c *ServiceClient) decodeUnary(kind protocol.OperationKind, respBytes []byte) (protocol.ResponseContext, []byte, error) {
	resp, err := protocol.UnmarshalServiceResponse(respBytes)
	if err != nil {
		return protocol.ResponseContext{}, nil, err
	}
	if resp.Error != nil {
		return protocol.ResponseContext{}, nil, &protocol.ApplicationError{Code: resp.Error.Code, Message: resp.Error.Message}
	}

	inner, err := unaryBody(resp, kind)
	if err != nil {
		return protocol.ResponseContext{}, nil, err
	}
	switch kind {
	case protocol.KindCommand:
		body, err := protocol.UnmarshalCommandResponse(inner)
		if err != nil {
			return protocol.ResponseContext{}, nil, err
		}
		return body.Context, body.Output, nil
	default:
		body, err := protocol.UnmarshalQueryResponse(inner)
		if err != nil {
			return protocol.ResponseContext{}, nil, err
		}
		return body.Context, body.Output, nil
	}
}

// unaryBody selects the response arm matching the request kind. Any other
// arm, or none, is a malformed response.
func unaryBody(resp *protocol.ServiceResponse, kind protocol.OperationKind) ([]byte, error) {
	switch kind {
	case protocol.KindCommand:
		if resp.Command == nil {
			return nil, protocol.MalformedResponse("service response envelope", fmt.Errorf("response body does not match command request"))
		}
		return resp.Command, nil
	case protocol.KindQuery:
		if resp.Query == nil {
			return nil, protocol.MalformedResponse("service response envelope", fmt.Errorf("response body does not match query request"))
		}
		return resp.Query, nil
	default:
		return nil, protocol.ErrUnsupportedOperation
	}
}
