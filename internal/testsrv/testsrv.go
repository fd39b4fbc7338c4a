// Package testsrv hosts an in-process replicated state-machine service
// endpoint over COMMS: it subscribes the peer subjects, decodes request
// envelopes, dispatches to registered handlers, and frames the replies.
// The integration tests run against it.
package testsrv

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	comms "github.com/nats-io/nats.go"

	"github.com/replistate/client-go/pkg/protocol"
	"github.com/replistate/client-go/pkg/transport"
)

const logPrefix = "testsrv:testsrv"

// UnaryHandler produces the output payload of one unary operation.
type UnaryHandler func(rctx protocol.RequestContext, payload []byte) ([]byte, error)

// StreamHandler produces the frames of one streaming operation through
// emit. Returning nil completes the stream; returning an error fails it.
type StreamHandler func(rctx protocol.RequestContext, payload []byte, emit func(output []byte) error) error

// Options configures a Server. Zero values use defaults.
type Options struct {
	SubjectPrefix string
	Target        string
	ServerID      string
	Version       string
}

// Server is the in-process service endpoint.
type Server struct {
	nc   *comms.Conn
	opts Options

	index uint64

	commandCount uint64
	queryCount   uint64

	mu             sync.Mutex
	created        map[string]bool
	commands       map[string]UnaryHandler
	queries        map[string]UnaryHandler
	commandStreams map[string]StreamHandler
	queryStreams   map[string]StreamHandler

	subs []*comms.Subscription
}

// New creates a server over an established COMMS connection.
func New(nc *comms.Conn, opts Options) *Server {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = transport.DefaultSubjectPrefix
	}
	if opts.Target == "" {
		opts.Target = "default"
	}
	if opts.ServerID == "" {
		opts.ServerID = "testsrv"
	}
	if opts.Version == "" {
		opts.Version = protocol.Version
	}
	return &Server{
		nc:             nc,
		opts:           opts,
		created:        make(map[string]bool),
		commands:       make(map[string]UnaryHandler),
		queries:        make(map[string]UnaryHandler),
		commandStreams: make(map[string]StreamHandler),
		queryStreams:   make(map[string]StreamHandler),
	}
}

// HandleCommand registers a unary command handler.
func (s *Server) HandleCommand(name string, h UnaryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = h
}

// HandleQuery registers a unary query handler.
func (s *Server) HandleQuery(name string, h UnaryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name] = h
}

// HandleCommandStream registers a streaming command handler.
func (s *Server) HandleCommandStream(name string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandStreams[name] = h
}

// HandleQueryStream registers a streaming query handler.
func (s *Server) HandleQueryStream(name string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryStreams[name] = h
}

// CommandCount returns the number of requests seen on the command subject.
func (s *Server) CommandCount() uint64 { return atomic.LoadUint64(&s.commandCount) }

// QueryCount returns the number of requests seen on the query subject.
func (s *Server) QueryCount() uint64 { return atomic.LoadUint64(&s.queryCount) }

// Created reports whether the service instance has been created and not
// yet deleted.
func (s *Server) Created(id protocol.ServiceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created[id.String()]
}

// Start subscribes the command, query, and info subjects.
func (s *Server) Start() error {
	prefix, target := s.opts.SubjectPrefix, s.opts.Target

	commandSubject := transport.BuildCommandSubject(prefix, target)
	sub, err := s.nc.Subscribe(commandSubject, func(msg *comms.Msg) {
		atomic.AddUint64(&s.commandCount, 1)
		// Each request runs on its own goroutine so a slow handler cannot
		// stall the subject.
		go s.dispatch(msg)
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, commandSubject, err)
	}
	s.subs = append(s.subs, sub)

	querySubject := transport.BuildQuerySubject(prefix, target)
	sub, err = s.nc.Subscribe(querySubject, func(msg *comms.Msg) {
		atomic.AddUint64(&s.queryCount, 1)
		go s.dispatch(msg)
	})
	if err != nil {
		s.Stop()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, querySubject, err)
	}
	s.subs = append(s.subs, sub)

	infoSubject := transport.BuildInfoSubject(prefix, target)
	sub, err = s.nc.Subscribe(infoSubject, func(msg *comms.Msg) {
		data := protocol.MarshalServerInfo(&protocol.ServerInfo{
			Version:  s.opts.Version,
			ServerID: s.opts.ServerID,
		})
		msg.Respond(data)
	})
	if err != nil {
		s.Stop()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, infoSubject, err)
	}
	s.subs = append(s.subs, sub)

	slog.Info(fmt.Sprintf("%s - Serving target %s on prefix %s", logPrefix, target, prefix))
	return nil
}

// Stop unsubscribes every subject.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// dispatch routes one request envelope by its body arm.
func (s *Server) dispatch(msg *comms.Msg) {
	req, err := protocol.UnmarshalServiceRequest(msg.Data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
		s.respondError(msg, "INVALID_REQUEST", "failed to decode request envelope")
		return
	}

	switch {
	case req.Create != nil:
		s.handleCreate(msg, req)
	case req.Delete != nil:
		s.handleDelete(msg, req)
	case req.Command != nil:
		s.handleOperation(msg, req.ID, req.Command.Name, req.Command.Context, req.Command.Payload, false)
	case req.Query != nil:
		s.handleOperation(msg, req.ID, req.Query.Name, req.Query.Context, req.Query.Payload, true)
	default:
		s.respondError(msg, "INVALID_REQUEST", "request envelope has no body")
	}
}

func (s *Server) handleCreate(msg *comms.Msg, req *protocol.ServiceRequest) {
	key := req.ID.String()
	s.mu.Lock()
	exists := s.created[key]
	s.created[key] = true
	s.mu.Unlock()
	if exists {
		s.respondError(msg, "ALREADY_EXISTS", fmt.Sprintf("service %s already exists", key))
		return
	}
	s.respond(msg, &protocol.ServiceResponse{Create: &protocol.CreateResponse{}})
}

func (s *Server) handleDelete(msg *comms.Msg, req *protocol.ServiceRequest) {
	key := req.ID.String()
	s.mu.Lock()
	exists := s.created[key]
	delete(s.created, key)
	s.mu.Unlock()
	if !exists {
		s.respondError(msg, "NOT_FOUND", fmt.Sprintf("service %s does not exist", key))
		return
	}
	s.respond(msg, &protocol.ServiceResponse{Delete: &protocol.DeleteResponse{}})
}

func (s *Server) handleOperation(msg *comms.Msg, id protocol.ServiceID, name string, rctx protocol.RequestContext, payload []byte, query bool) {
	s.mu.Lock()
	created := s.created[id.String()]
	var unary UnaryHandler
	var stream StreamHandler
	if query {
		unary = s.queries[name]
		stream = s.queryStreams[name]
	} else {
		unary = s.commands[name]
		stream = s.commandStreams[name]
	}
	s.mu.Unlock()

	if !created {
		s.respondError(msg, "NOT_FOUND", fmt.Sprintf("service %s does not exist", id))
		return
	}

	switch {
	case stream != nil:
		s.runStream(msg, rctx, payload, stream, query)
	case unary != nil:
		s.runUnary(msg, rctx, payload, unary, query)
	default:
		s.respondError(msg, "UNKNOWN_OPERATION", fmt.Sprintf("operation %q is not registered", name))
	}
}

func (s *Server) runUnary(msg *comms.Msg, rctx protocol.RequestContext, payload []byte, h UnaryHandler, query bool) {
	output, err := h(rctx, payload)
	if err != nil {
		s.respondError(msg, "APPLICATION_ERROR", err.Error())
		return
	}

	respCtx := protocol.ResponseContext{
		Index:    atomic.AddUint64(&s.index, 1),
		Sequence: rctx.SequenceNumber,
	}
	var inner []byte
	if query {
		inner = protocol.MarshalQueryResponse(&protocol.QueryResponse{Context: respCtx, Output: output})
		s.respond(msg, &protocol.ServiceResponse{Query: inner})
		return
	}
	inner = protocol.MarshalCommandResponse(&protocol.CommandResponse{Context: respCtx, Output: output})
	s.respond(msg, &protocol.ServiceResponse{Command: inner})
}

func (s *Server) runStream(msg *comms.Msg, rctx protocol.RequestContext, payload []byte, h StreamHandler, query bool) {
	var sequence uint64
	emit := func(output []byte) error {
		sequence++
		sctx := protocol.StreamContext{
			Index:    atomic.AddUint64(&s.index, 1),
			Sequence: sequence,
		}
		inner := protocol.MarshalStreamResponse(&protocol.StreamResponse{Context: sctx, Output: output})
		resp := &protocol.ServiceResponse{}
		if query {
			resp.Query = inner
		} else {
			resp.Command = inner
		}
		frame := &comms.Msg{
			Subject: msg.Reply,
			Data:    protocol.MarshalServiceResponse(resp),
			Header:  comms.Header{transport.HeaderFrame: []string{transport.FrameNext}},
		}
		return s.nc.PublishMsg(frame)
	}

	if err := h(rctx, payload, emit); err != nil {
		terminal := &comms.Msg{
			Subject: msg.Reply,
			Header: comms.Header{
				transport.HeaderFrame:        []string{transport.FrameError},
				transport.HeaderErrorCode:    []string{"APPLICATION_ERROR"},
				transport.HeaderErrorMessage: []string{err.Error()},
			},
		}
		s.nc.PublishMsg(terminal)
		return
	}
	terminal := &comms.Msg{
		Subject: msg.Reply,
		Header:  comms.Header{transport.HeaderFrame: []string{transport.FrameComplete}},
	}
	s.nc.PublishMsg(terminal)
}

func (s *Server) respond(msg *comms.Msg, resp *protocol.ServiceResponse) {
	if err := msg.Respond(protocol.MarshalServiceResponse(resp)); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}

func (s *Server) respondError(msg *comms.Msg, code, message string) {
	resp := &protocol.ServiceResponse{Error: &protocol.ServiceError{Code: code, Message: message}}
	if err := msg.Respond(protocol.MarshalServiceResponse(resp)); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}
