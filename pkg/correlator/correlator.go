// Package correlator matches inbound response frames to the in-flight
// requests that caused them. One correlator is scoped to one transport
// connection; ids are unique per correlator lifetime.
package correlator

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/replistate/client-go/pkg/protocol"
)

const logPrefix = "correlator:correlator"

// Result is the terminal outcome of a unary request.
type Result struct {
	Data []byte
	Err  error
}

// FrameSink receives the frames of one streaming request. Next returning a
// non-nil error terminates the stream: the entry is removed and Error is
// invoked with that error. After Complete or Error, no further calls are
// made.
type FrameSink interface {
	Next(frame []byte) error
	Complete()
	Error(err error)
}

// streamEntry serializes sink invocations and guarantees a single terminal
// notification. The entry mutex is never held together with the table
// mutex while user code runs.
type streamEntry struct {
	mu   sync.Mutex
	done bool
	sink FrameSink
}

func (e *streamEntry) next(frame []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	if err := e.sink.Next(frame); err != nil {
		e.done = true
		e.sink.Error(err)
		return true
	}
	return false
}

func (e *streamEntry) complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.sink.Complete()
}

func (e *streamEntry) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.sink.Error(err)
}

// Correlator is the pending-request table for a single connection. Deliver
// calls for one subscription arrive on one goroutine, so per-stream frame
// order is the transport arrival order.
type Correlator struct {
	nextID uint64

	mu      sync.Mutex
	open    bool
	replies map[uint64]chan Result
	streams map[uint64]*streamEntry
}

// New creates an open correlator with an empty pending table.
func New() *Correlator {
	return &Correlator{
		open:    true,
		replies: make(map[uint64]chan Result),
		streams: make(map[uint64]*streamEntry),
	}
}

// NextID returns a correlation id unique for this correlator's lifetime.
func (c *Correlator) NextID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

// RegisterReply inserts a one-shot pending entry. The returned channel
// receives exactly one Result, or none if the entry is cancelled. Registering a duplicate id is a programming
// error; registering after FailAll is rejected.
func (c *Correlator) RegisterReply(id uint64) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, protocol.TransportFailure(errDisconnected)
	}
	if c.taken(id) {
		return nil, fmt.Errorf("%s - duplicate correlation id %d", logPrefix, id)
	}
	ch := make(chan Result, 1)
	c.replies[id] = ch
	return ch, nil
}

// RegisterStream inserts a stream pending entry delivering to sink.
func (c *Correlator) RegisterStream(id uint64, sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return protocol.TransportFailure(errDisconnected)
	}
	if c.taken(id) {
		return fmt.Errorf("%s - duplicate correlation id %d", logPrefix, id)
	}
	c.streams[id] = &streamEntry{sink: sink}
	return nil
}

var errDisconnected = fmt.Errorf("correlator disconnected")

func (c *Correlator) taken(id uint64) bool {
	if _, ok := c.replies[id]; ok {
		return true
	}
	_, ok := c.streams[id]
	return ok
}

// Deliver routes one inbound frame. A one-shot entry is completed and
// removed; a stream entry gets the frame as its next element. Frames for
// unknown ids are dropped: the server may legitimately respond after the
// caller cancelled.
func (c *Correlator) Deliver(id uint64, data []byte) {
	c.mu.Lock()
	if ch, ok := c.replies[id]; ok {
		delete(c.replies, id)
		c.mu.Unlock()
		ch <- Result{Data: data}
		return
	}
	s, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		slog.Debug(fmt.Sprintf("%s - dropping frame for unknown id %d", logPrefix, id))
		return
	}
	if terminated := s.next(data); terminated {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
	}
}

// CompleteStream removes the stream entry and signals normal termination.
func (c *Correlator) CompleteStream(id uint64) {
	c.mu.Lock()
	s, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		s.complete()
	}
}

// FailStream removes the stream entry and signals failure.
func (c *Correlator) FailStream(id uint64, err error) {
	c.mu.Lock()
	s, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		s.fail(err)
	}
}

// Fail completes a one-shot entry with an error, if still pending.
func (c *Correlator) Fail(id uint64, err error) {
	c.mu.Lock()
	ch, ok := c.replies[id]
	delete(c.replies, id)
	c.mu.Unlock()
	if ok {
		ch <- Result{Err: err}
	}
}

// Cancel removes a pending entry without invoking it. Frames arriving for
// the id afterwards are dropped.
func (c *Correlator) Cancel(id uint64) {
	c.mu.Lock()
	delete(c.replies, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

// FailAll drains every pending entry with cause wrapped as a transport
// failure and transitions the correlator to disconnected, where Register
// calls are rejected. Idempotent.
func (c *Correlator) FailAll(cause error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	replies := c.replies
	streams := c.streams
	c.replies = make(map[uint64]chan Result)
	c.streams = make(map[uint64]*streamEntry)
	c.mu.Unlock()

	err := protocol.TransportFailure(cause)
	for _, ch := range replies {
		ch <- Result{Err: err}
	}
	for _, s := range streams {
		s.fail(err)
	}
	if n := len(replies) + len(streams); n > 0 {
		slog.Warn(fmt.Sprintf("%s - failed %d pending requests: %v", logPrefix, n, cause))
	}
}

// Pending returns the number of in-flight entries.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies) + len(c.streams)
}
