package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/replistate/client-go/pkg/correlator"
	"github.com/replistate/client-go/pkg/protocol"
)

const logPrefix = "transport:comms"

var errClosed = errors.New("transport closed")

// Options configures a Comms transport.
type Options struct {
	// URL is the COMMS server URL.
	URL string
	// Name identifies the connection to the COMMS server.
	Name string
	// SubjectPrefix is the protocol subject root (default "rsm").
	SubjectPrefix string
	// Target is the peer (partition) this transport talks to.
	Target string
	// ConnectTimeout bounds the COMMS dial (default 10s).
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the server-info exchange (default 5s).
	HandshakeTimeout time.Duration
	// NoReconnect disables COMMS reconnection. A lost connection closes
	// the transport instead.
	NoReconnect bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SubjectPrefix == "" {
		out.SubjectPrefix = DefaultSubjectPrefix
	}
	if out.Name == "" {
		out.Name = "rsm-client"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 5 * time.Second
	}
	return out
}

// Comms is the COMMS-backed transport client. One Comms owns one logical
// connection, one reply inbox, and one correlator per connection epoch.
// Publishes on the underlying connection preserve submission order.
type Comms struct {
	opts     Options
	clientID string

	mu    sync.Mutex
	state State
	cause error
	nc    *comms.Conn
	sub   *comms.Subscription
	corr  *correlator.Correlator
}

var _ Client = (*Comms)(nil)

// NewComms creates a transport for the peer named in opts. The transport
// starts disconnected; call Connect before use.
func NewComms(opts Options) *Comms {
	return &Comms{
		opts:     opts.withDefaults(),
		clientID: uuid.NewString(),
		state:    StateNew,
	}
}

// Connect dials the COMMS server, subscribes the reply inbox, and performs
// the server-info handshake. Idempotent when already connected; a closed
// transport cannot be reconnected.
func (c *Comms) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnected:
		return nil
	case StateClosed:
		return protocol.ErrNotConnected
	}
	c.state = StateConnecting

	connOpts := []comms.Option{
		comms.Name(c.opts.Name),
		comms.Timeout(c.opts.ConnectTimeout),
		comms.ReconnectWait(2 * time.Second),
		comms.MaxReconnects(60),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			c.handleDisconnect(err)
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			c.handleReconnect(nc)
		}),
		comms.ClosedHandler(func(nc *comms.Conn) {
			c.handleClosed(nc)
		}),
	}
	if c.opts.NoReconnect {
		connOpts = append(connOpts, comms.NoReconnect())
	}

	nc, err := comms.Connect(c.opts.URL, connOpts...)
	if err != nil {
		c.state = StateClosed
		c.cause = err
		return protocol.TransportFailure(fmt.Errorf("connecting to %s: %w", c.opts.URL, err))
	}

	corr := correlator.New()
	wildcard := BuildReplyWildcard(c.opts.SubjectPrefix, c.clientID)
	sub, err := nc.Subscribe(wildcard, func(msg *comms.Msg) {
		c.handleInbound(msg)
	})
	if err != nil {
		nc.Close()
		c.state = StateClosed
		c.cause = err
		return protocol.TransportFailure(fmt.Errorf("subscribing %s: %w", wildcard, err))
	}

	if err := c.handshake(ctx, nc); err != nil {
		sub.Unsubscribe()
		nc.Close()
		c.state = StateClosed
		c.cause = err
		return err
	}

	c.nc = nc
	c.sub = sub
	c.corr = corr
	c.state = StateConnected
	slog.Info(fmt.Sprintf("%s - Connected to %s as %s (target %s)", logPrefix, c.opts.URL, c.clientID, c.opts.Target))
	return nil
}

// handshake requests the peer's ServerInfo and rejects incompatible
// protocol versions.
func (c *Comms) handshake(ctx context.Context, nc *comms.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	subject := BuildInfoSubject(c.opts.SubjectPrefix, c.opts.Target)
	msg, err := nc.RequestWithContext(hsCtx, subject, nil)
	if err != nil {
		return protocol.TransportFailure(fmt.Errorf("handshake on %s: %w", subject, err))
	}
	info, err := protocol.UnmarshalServerInfo(msg.Data)
	if err != nil {
		return err
	}
	if err := protocol.CheckCompatibility(info.Version); err != nil {
		return protocol.TransportFailure(err)
	}
	slog.Debug(fmt.Sprintf("%s - Handshake ok: server %s protocol %s", logPrefix, info.ServerID, info.Version))
	return nil
}

// Close tears the connection down and fails every pending request. The
// second Close returns immediately.
func (c *Comms) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return nil
	case StateNew:
		c.state = StateClosed
		return nil
	}
	c.state = StateClosing

	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.corr != nil {
		c.corr.FailAll(errClosed)
	}
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	c.state = StateClosed
	slog.Info(fmt.Sprintf("%s - Closed transport to target %s", logPrefix, c.opts.Target))
	return nil
}

// Command sends a state-mutating request and blocks for its reply frame.
func (c *Comms) Command(ctx context.Context, req []byte) ([]byte, error) {
	return c.request(ctx, BuildCommandSubject(c.opts.SubjectPrefix, c.opts.Target), req)
}

// Query sends a read-only request and blocks for its reply frame.
func (c *Comms) Query(ctx context.Context, req []byte) ([]byte, error) {
	return c.request(ctx, BuildQuerySubject(c.opts.SubjectPrefix, c.opts.Target), req)
}

// CommandStream sends a state-mutating request whose reply is a stream.
func (c *Comms) CommandStream(ctx context.Context, req []byte, sink correlator.FrameSink) error {
	return c.requestStream(ctx, BuildCommandSubject(c.opts.SubjectPrefix, c.opts.Target), req, sink)
}

// QueryStream sends a read-only request whose reply is a stream.
func (c *Comms) QueryStream(ctx context.Context, req []byte, sink correlator.FrameSink) error {
	return c.requestStream(ctx, BuildQuerySubject(c.opts.SubjectPrefix, c.opts.Target), req, sink)
}

// State returns the connection lifecycle state.
func (c *Comms) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cause returns the recorded reason for an off-happy-path transition to
// the closed state, if any.
func (c *Comms) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// InFlight returns the number of pending requests in the current
// connection epoch.
func (c *Comms) InFlight() int {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return 0
	}
	return corr.Pending()
}

// conn snapshots the live connection state for a write. Writes on a
// transport that is not connected fail immediately; they do not queue.
func (c *Comms) conn() (*comms.Conn, *correlator.Correlator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.nc == nil || c.corr == nil {
		return nil, nil, protocol.ErrNotConnected
	}
	return c.nc, c.corr, nil
}

func (c *Comms) request(ctx context.Context, subject string, req []byte) ([]byte, error) {
	nc, corr, err := c.conn()
	if err != nil {
		return nil, err
	}

	// Register before publishing so a reply can never race the bookkeeping.
	id := corr.NextID()
	ch, err := corr.RegisterReply(id)
	if err != nil {
		return nil, err
	}

	msg := &comms.Msg{
		Subject: subject,
		Reply:   BuildReplySubject(c.opts.SubjectPrefix, c.clientID, id),
		Data:    req,
	}
	if err := nc.PublishMsg(msg); err != nil {
		corr.Cancel(id)
		return nil, protocol.TransportFailure(fmt.Errorf("publishing to %s: %w", subject, err))
	}

	select {
	case res := <-ch:
		return res.Data, res.Err
	case <-ctx.Done():
		corr.Cancel(id)
		return nil, protocol.Cancelled(ctx.Err())
	}
}

// terminalSink closes done exactly once when the stream reaches a terminal
// state. The correlator guarantees at most one terminal call.
type terminalSink struct {
	sink correlator.FrameSink
	done chan struct{}
}

func (s *terminalSink) Next(frame []byte) error { return s.sink.Next(frame) }

func (s *terminalSink) Complete() {
	s.sink.Complete()
	close(s.done)
}

func (s *terminalSink) Error(err error) {
	s.sink.Error(err)
	close(s.done)
}

func (c *Comms) requestStream(ctx context.Context, subject string, req []byte, sink correlator.FrameSink) error {
	nc, corr, err := c.conn()
	if err != nil {
		return err
	}

	id := corr.NextID()
	ts := &terminalSink{sink: sink, done: make(chan struct{})}
	if err := corr.RegisterStream(id, ts); err != nil {
		return err
	}

	msg := &comms.Msg{
		Subject: subject,
		Reply:   BuildReplySubject(c.opts.SubjectPrefix, c.clientID, id),
		Data:    req,
	}
	if err := nc.PublishMsg(msg); err != nil {
		corr.Cancel(id)
		return protocol.TransportFailure(fmt.Errorf("publishing to %s: %w", subject, err))
	}

	// Cancelling the caller's context terminates the sink and removes the
	// entry; frames arriving afterwards are dropped.
	go func() {
		select {
		case <-ts.done:
		case <-ctx.Done():
			corr.FailStream(id, protocol.Cancelled(ctx.Err()))
		}
	}()
	return nil
}

// handleInbound routes one reply frame by its subject token and frame
// header. The payload is never parsed here.
func (c *Comms) handleInbound(msg *comms.Msg) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	if corr == nil {
		return
	}

	id, err := ReplyCorrelationID(msg.Subject)
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - dropping frame: %v", logPrefix, err))
		return
	}

	// A bodiless status message from the COMMS server itself (such as 503
	// "no responders") is not a reply from the peer; the request stays
	// pending until it is answered, cancelled, or the connection fails.
	if status := msg.Header.Get("Status"); status != "" && len(msg.Data) == 0 {
		slog.Debug(fmt.Sprintf("%s - dropping status %s message for id %d", logPrefix, status, id))
		return
	}

	switch msg.Header.Get(HeaderFrame) {
	case "", FrameNext:
		corr.Deliver(id, msg.Data)
	case FrameComplete:
		corr.CompleteStream(id)
	case FrameError:
		corr.FailStream(id, &protocol.ApplicationError{
			Code:    msg.Header.Get(HeaderErrorCode),
			Message: msg.Header.Get(HeaderErrorMessage),
		})
	default:
		slog.Debug(fmt.Sprintf("%s - dropping frame for id %d: unknown frame kind %q", logPrefix, id, msg.Header.Get(HeaderFrame)))
	}
}

func (c *Comms) handleDisconnect(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	c.mu.Lock()
	corr := c.corr
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || corr == nil {
		return
	}
	slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
	corr.FailAll(err)
}

// handleReconnect installs a fresh correlator for the new connection
// epoch; the reply subscription is restored by the COMMS client.
func (c *Comms) handleReconnect(nc *comms.Conn) {
	c.mu.Lock()
	if c.state == StateConnected {
		c.corr = correlator.New()
	}
	c.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
}

// handleClosed records an involuntary close. Deliberate Close has already
// moved the state machine to closed.
func (c *Comms) handleClosed(nc *comms.Conn) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	cause := nc.LastError()
	if cause == nil {
		cause = errors.New("connection closed")
	}
	c.state = StateClosed
	c.cause = cause
	corr := c.corr
	c.mu.Unlock()

	if corr != nil {
		corr.FailAll(cause)
	}
	slog.Warn(fmt.Sprintf("%s - COMMS connection closed: %v", logPrefix, cause))
}
