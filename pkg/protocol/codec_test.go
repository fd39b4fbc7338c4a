package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestMarshalUnmarshalServiceRequest_Command(t *testing.T) {
	req := &ServiceRequest{
		ID: ServiceID{Name: "orders", Type: "map"},
		Command: &CommandRequest{
			Name:    "put",
			Context: RequestContext{SessionID: 7, SequenceNumber: 42, Index: 1001},
			Payload: []byte{0x01, 0x02},
		},
	}

	data := MarshalServiceRequest(req)
	decoded, err := UnmarshalServiceRequest(data)
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}

	if decoded.ID != req.ID {
		t.Errorf("protocol:codec_test - ID = %v, want %v", decoded.ID, req.ID)
	}
	if decoded.Command == nil {
		t.Fatal("protocol:codec_test - expected command arm")
	}
	if decoded.Create != nil || decoded.Delete != nil || decoded.Query != nil {
		t.Error("protocol:codec_test - expected only the command arm to be set")
	}
	if decoded.Command.Name != "put" {
		t.Errorf("protocol:codec_test - Name = %q, want %q", decoded.Command.Name, "put")
	}
	if decoded.Command.Context != req.Command.Context {
		t.Errorf("protocol:codec_test - Context = %+v, want %+v", decoded.Command.Context, req.Command.Context)
	}
	if !bytes.Equal(decoded.Command.Payload, []byte{0x01, 0x02}) {
		t.Errorf("protocol:codec_test - Payload = %x, want 0102", decoded.Command.Payload)
	}
}

func TestMarshalUnmarshalServiceRequest_Query(t *testing.T) {
	req := &ServiceRequest{
		ID: ServiceID{Name: "orders", Type: "map"},
		Query: &QueryRequest{
			Name:    "get",
			Context: RequestContext{SessionID: 7},
			Payload: []byte{0xAA},
		},
	}

	decoded, err := UnmarshalServiceRequest(MarshalServiceRequest(req))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Query == nil {
		t.Fatal("protocol:codec_test - expected query arm")
	}
	if decoded.Query.Name != "get" {
		t.Errorf("protocol:codec_test - Name = %q, want %q", decoded.Query.Name, "get")
	}
	if decoded.Query.Context.SessionID != 7 {
		t.Errorf("protocol:codec_test - SessionID = %d, want 7", decoded.Query.Context.SessionID)
	}
}

func TestMarshalUnmarshalServiceRequest_Lifecycle(t *testing.T) {
	tests := []struct {
		name string
		req  *ServiceRequest
	}{
		{name: "create", req: &ServiceRequest{ID: ServiceID{Name: "a", Type: "lock"}, Create: &CreateRequest{}}},
		{name: "delete", req: &ServiceRequest{ID: ServiceID{Name: "a", Type: "lock"}, Delete: &DeleteRequest{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := UnmarshalServiceRequest(MarshalServiceRequest(tt.req))
			if err != nil {
				t.Fatalf("protocol:codec_test - unexpected error: %v", err)
			}
			if tt.req.Create != nil && decoded.Create == nil {
				t.Error("protocol:codec_test - expected create arm")
			}
			if tt.req.Delete != nil && decoded.Delete == nil {
				t.Error("protocol:codec_test - expected delete arm")
			}
			if decoded.ID != tt.req.ID {
				t.Errorf("protocol:codec_test - ID = %v, want %v", decoded.ID, tt.req.ID)
			}
		})
	}
}

func TestMarshalUnmarshalServiceResponse(t *testing.T) {
	inner := MarshalCommandResponse(&CommandResponse{
		Context: ResponseContext{Index: 9, Sequence: 3},
		Output:  []byte{0x03},
	})
	resp := &ServiceResponse{Command: inner}

	decoded, err := UnmarshalServiceResponse(MarshalServiceResponse(resp))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Command == nil {
		t.Fatal("protocol:codec_test - expected command arm")
	}

	body, err := UnmarshalCommandResponse(decoded.Command)
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if body.Context.Index != 9 || body.Context.Sequence != 3 {
		t.Errorf("protocol:codec_test - Context = %+v, want index=9 sequence=3", body.Context)
	}
	if !bytes.Equal(body.Output, []byte{0x03}) {
		t.Errorf("protocol:codec_test - Output = %x, want 03", body.Output)
	}
}

func TestMarshalUnmarshalServiceResponse_Error(t *testing.T) {
	resp := &ServiceResponse{Error: &ServiceError{Code: "NOT_FOUND", Message: "service map/x does not exist"}}

	decoded, err := UnmarshalServiceResponse(MarshalServiceResponse(resp))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Error == nil {
		t.Fatal("protocol:codec_test - expected error arm")
	}
	if decoded.Error.Code != "NOT_FOUND" {
		t.Errorf("protocol:codec_test - Code = %q, want %q", decoded.Error.Code, "NOT_FOUND")
	}
	if decoded.Error.Message != "service map/x does not exist" {
		t.Errorf("protocol:codec_test - Message = %q, unexpected", decoded.Error.Message)
	}
}

func TestMarshalUnmarshalStreamResponse(t *testing.T) {
	frame := &StreamResponse{
		Context: StreamContext{Index: 100, Sequence: 2},
		Output:  []byte{0x10, 0x11},
	}

	decoded, err := UnmarshalStreamResponse(MarshalStreamResponse(frame))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Context != frame.Context {
		t.Errorf("protocol:codec_test - Context = %+v, want %+v", decoded.Context, frame.Context)
	}
	if !bytes.Equal(decoded.Output, frame.Output) {
		t.Errorf("protocol:codec_test - Output = %x, want %x", decoded.Output, frame.Output)
	}
}

func TestUnmarshal_ZeroContexts(t *testing.T) {
	// A zero RequestContext is valid and must round trip to the zero value.
	req := &ServiceRequest{
		ID:      ServiceID{Name: "n", Type: "t"},
		Command: &CommandRequest{Name: "op"},
	}
	decoded, err := UnmarshalServiceRequest(MarshalServiceRequest(req))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Command.Context != (RequestContext{}) {
		t.Errorf("protocol:codec_test - Context = %+v, want zero", decoded.Command.Context)
	}

	inner := MarshalQueryResponse(&QueryResponse{})
	body, err := UnmarshalQueryResponse(inner)
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if body.Context != (ResponseContext{}) {
		t.Errorf("protocol:codec_test - Context = %+v, want zero", body.Context)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		call func(data []byte) error
	}{
		{
			name: "truncated service response",
			data: []byte{0x1A, 0xFF},
			call: func(data []byte) error { _, err := UnmarshalServiceResponse(data); return err },
		},
		{
			name: "truncated command response",
			data: []byte{0x0A, 0x05, 0x08},
			call: func(data []byte) error { _, err := UnmarshalCommandResponse(data); return err },
		},
		{
			name: "truncated stream response",
			data: []byte{0x12, 0x10, 0x00},
			call: func(data []byte) error { _, err := UnmarshalStreamResponse(data); return err },
		},
		{
			name: "dangling tag in service request",
			data: []byte{0x0A},
			call: func(data []byte) error { _, err := UnmarshalServiceRequest(data); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(tt.data)
			if err == nil {
				t.Fatal("protocol:codec_test - expected error but got nil")
			}
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("protocol:codec_test - error %v is not ErrMalformedResponse", err)
			}
		})
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	// A newer server may append fields this client does not know about.
	data := MarshalServiceResponse(&ServiceResponse{
		Command: MarshalCommandResponse(&CommandResponse{Output: []byte{0x01}}),
	})
	// field 15, varint 5
	data = append(data, 0x78, 0x05)

	decoded, err := UnmarshalServiceResponse(data)
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Command == nil {
		t.Fatal("protocol:codec_test - expected command arm")
	}
}

func TestMarshalServerInfo_RoundTrip(t *testing.T) {
	info := &ServerInfo{Version: "1.2.0", ServerID: "node-1"}
	decoded, err := UnmarshalServerInfo(MarshalServerInfo(info))
	if err != nil {
		t.Fatalf("protocol:codec_test - unexpected error: %v", err)
	}
	if decoded.Version != info.Version || decoded.ServerID != info.ServerID {
		t.Errorf("protocol:codec_test - decoded = %+v, want %+v", decoded, info)
	}
}
