package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire encoding is protobuf field-tagged binary, written and read directly
// with protowire. Field numbers are fixed; unknown fields are skipped so
// old clients tolerate new server fields. Encoding never fails; decoding
// failures name the layer that broke.

// ServiceRequest field numbers.
const (
	fieldRequestID      = 1
	fieldRequestCreate  = 2
	fieldRequestDelete  = 3
	fieldRequestCommand = 4
	fieldRequestQuery   = 5
)

// ServiceResponse field numbers.
const (
	fieldResponseCreate  = 1
	fieldResponseDelete  = 2
	fieldResponseCommand = 3
	fieldResponseQuery   = 4
	fieldResponseError   = 5
)

// MarshalServiceRequest encodes the outer request envelope. The operation
// body is serialized first and nested as bytes.
func MarshalServiceRequest(req *ServiceRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestID, protowire.BytesType)
	b = protowire.AppendBytes(b, appendServiceID(nil, req.ID))
	switch {
	case req.Create != nil:
		b = protowire.AppendTag(b, fieldRequestCreate, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case req.Delete != nil:
		b = protowire.AppendTag(b, fieldRequestDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case req.Command != nil:
		b = protowire.AppendTag(b, fieldRequestCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOperationRequest(nil, req.Command.Name, req.Command.Context, req.Command.Payload))
	case req.Query != nil:
		b = protowire.AppendTag(b, fieldRequestQuery, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOperationRequest(nil, req.Query.Name, req.Query.Context, req.Query.Payload))
	}
	return b
}

// UnmarshalServiceRequest decodes the outer request envelope, including the
// nested operation body.
func UnmarshalServiceRequest(data []byte) (*ServiceRequest, error) {
	req := &ServiceRequest{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldRequestID:
			id, err := unmarshalServiceID(v)
			if err != nil {
				return err
			}
			req.ID = id
		case fieldRequestCreate:
			req.Create = &CreateRequest{}
		case fieldRequestDelete:
			req.Delete = &DeleteRequest{}
		case fieldRequestCommand:
			name, rctx, payload, err := unmarshalOperationRequest(v)
			if err != nil {
				return err
			}
			req.Command = &CommandRequest{Name: name, Context: rctx, Payload: payload}
		case fieldRequestQuery:
			name, rctx, payload, err := unmarshalOperationRequest(v)
			if err != nil {
				return err
			}
			req.Query = &QueryRequest{Name: name, Context: rctx, Payload: payload}
		}
		return nil
	})
	if err != nil {
		return nil, MalformedResponse("service request envelope", err)
	}
	return req, nil
}

// MarshalServiceResponse encodes the outer response envelope. The Command
// and Query arms are written as-is: callers nest a marshaled
// CommandResponse, QueryResponse or StreamResponse there.
func MarshalServiceResponse(resp *ServiceResponse) []byte {
	var b []byte
	switch {
	case resp.Create != nil:
		b = protowire.AppendTag(b, fieldResponseCreate, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case resp.Delete != nil:
		b = protowire.AppendTag(b, fieldResponseDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	case resp.Command != nil:
		b = protowire.AppendTag(b, fieldResponseCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Command)
	case resp.Query != nil:
		b = protowire.AppendTag(b, fieldResponseQuery, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Query)
	case resp.Error != nil:
		b = protowire.AppendTag(b, fieldResponseError, protowire.BytesType)
		b = protowire.AppendBytes(b, appendServiceError(nil, resp.Error))
	}
	return b
}

// UnmarshalServiceResponse decodes the outer response envelope. The Command
// and Query arms stay raw; the caller decodes them per its call mode.
func UnmarshalServiceResponse(data []byte) (*ServiceResponse, error) {
	resp := &ServiceResponse{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldResponseCreate:
			resp.Create = &CreateResponse{}
		case fieldResponseDelete:
			resp.Delete = &DeleteResponse{}
		case fieldResponseCommand:
			resp.Command = v
		case fieldResponseQuery:
			resp.Query = v
		case fieldResponseError:
			se, err := unmarshalServiceError(v)
			if err != nil {
				return err
			}
			resp.Error = se
		}
		return nil
	})
	if err != nil {
		return nil, MalformedResponse("service response envelope", err)
	}
	return resp, nil
}

// MarshalCommandResponse encodes a unary command reply body.
func MarshalCommandResponse(resp *CommandResponse) []byte {
	return appendOperationResponse(nil, resp.Context.Index, resp.Context.Sequence, resp.Output)
}

// UnmarshalCommandResponse decodes a unary command reply body.
func UnmarshalCommandResponse(data []byte) (*CommandResponse, error) {
	index, sequence, output, err := unmarshalOperationResponse(data)
	if err != nil {
		return nil, MalformedResponse("command response body", err)
	}
	return &CommandResponse{Context: ResponseContext{Index: index, Sequence: sequence}, Output: output}, nil
}

// MarshalQueryResponse encodes a unary query reply body.
func MarshalQueryResponse(resp *QueryResponse) []byte {
	return appendOperationResponse(nil, resp.Context.Index, resp.Context.Sequence, resp.Output)
}

// UnmarshalQueryResponse decodes a unary query reply body.
func UnmarshalQueryResponse(data []byte) (*QueryResponse, error) {
	index, sequence, output, err := unmarshalOperationResponse(data)
	if err != nil {
		return nil, MalformedResponse("query response body", err)
	}
	return &QueryResponse{Context: ResponseContext{Index: index, Sequence: sequence}, Output: output}, nil
}

// MarshalStreamResponse encodes one frame of a streaming reply.
func MarshalStreamResponse(resp *StreamResponse) []byte {
	return appendOperationResponse(nil, resp.Context.Index, resp.Context.Sequence, resp.Output)
}

// UnmarshalStreamResponse decodes one frame of a streaming reply.
func UnmarshalStreamResponse(data []byte) (*StreamResponse, error) {
	index, sequence, output, err := unmarshalOperationResponse(data)
	if err != nil {
		return nil, MalformedResponse("stream response frame", err)
	}
	return &StreamResponse{Context: StreamContext{Index: index, Sequence: sequence}, Output: output}, nil
}

// MarshalServerInfo encodes the handshake response.
func MarshalServerInfo(info *ServerInfo) []byte {
	var b []byte
	if info.Version != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, info.Version)
	}
	if info.ServerID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, info.ServerID)
	}
	return b
}

// UnmarshalServerInfo decodes the handshake response.
func UnmarshalServerInfo(data []byte) (*ServerInfo, error) {
	info := &ServerInfo{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			info.Version = string(v)
		case 2:
			info.ServerID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, MalformedResponse("server info", err)
	}
	return info, nil
}

// --- nested message encoding ---

func appendServiceID(b []byte, id ServiceID) []byte {
	if id.Name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, id.Name)
	}
	if id.Type != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, id.Type)
	}
	return b
}

func unmarshalServiceID(data []byte) (ServiceID, error) {
	var id ServiceID
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			id.Name = string(v)
		case 2:
			id.Type = string(v)
		}
		return nil
	})
	return id, err
}

// appendOperationRequest encodes the shared shape of CommandRequest and
// QueryRequest: 1=name, 2=context, 3=payload.
func appendOperationRequest(b []byte, name string, rctx RequestContext, payload []byte) []byte {
	if name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, appendRequestContext(nil, rctx))
	if len(payload) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func unmarshalOperationRequest(data []byte) (string, RequestContext, []byte, error) {
	var name string
	var rctx RequestContext
	var payload []byte
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			name = string(v)
		case 2:
			c, err := unmarshalRequestContext(v)
			if err != nil {
				return err
			}
			rctx = c
		case 3:
			payload = v
		}
		return nil
	})
	return name, rctx, payload, err
}

// appendOperationResponse encodes the shared shape of the reply bodies:
// 1=context{1=index,2=sequence}, 2=output.
func appendOperationResponse(b []byte, index, sequence uint64, output []byte) []byte {
	var c []byte
	if index != 0 {
		c = protowire.AppendTag(c, 1, protowire.VarintType)
		c = protowire.AppendVarint(c, index)
	}
	if sequence != 0 {
		c = protowire.AppendTag(c, 2, protowire.VarintType)
		c = protowire.AppendVarint(c, sequence)
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c)
	if len(output) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, output)
	}
	return b
}

func unmarshalOperationResponse(data []byte) (uint64, uint64, []byte, error) {
	var index, sequence uint64
	var output []byte
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return consumeVarintFields(v, func(n protowire.Number, u uint64) {
				switch n {
				case 1:
					index = u
				case 2:
					sequence = u
				}
			})
		case 2:
			output = v
		}
		return nil
	})
	return index, sequence, output, err
}

func appendRequestContext(b []byte, rctx RequestContext) []byte {
	if rctx.SessionID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, rctx.SessionID)
	}
	if rctx.SequenceNumber != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, rctx.SequenceNumber)
	}
	if rctx.Index != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, rctx.Index)
	}
	return b
}

func unmarshalRequestContext(data []byte) (RequestContext, error) {
	var rctx RequestContext
	err := consumeVarintFields(data, func(num protowire.Number, u uint64) {
		switch num {
		case 1:
			rctx.SessionID = u
		case 2:
			rctx.SequenceNumber = u
		case 3:
			rctx.Index = u
		}
	})
	return rctx, err
}

func appendServiceError(b []byte, se *ServiceError) []byte {
	if se.Code != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, se.Code)
	}
	if se.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, se.Message)
	}
	return b
}

func unmarshalServiceError(data []byte) (*ServiceError, error) {
	se := &ServiceError{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			se.Code = string(v)
		case 2:
			se.Message = string(v)
		}
		return nil
	})
	return se, err
}

// --- protowire walking ---

// consumeFields walks the length-delimited fields of data, invoking fn for
// each. Fields of other wire types and unknown numbers are skipped.
func consumeFields(data []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

// consumeVarintFields walks the varint fields of data, skipping the rest.
func consumeVarintFields(data []byte, fn func(num protowire.Number, v uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("field tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		fn(num, v)
	}
	return nil
}
