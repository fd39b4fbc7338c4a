package correlator

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/replistate/client-go/pkg/protocol"
)

// recordingSink records every sink invocation for assertions.
type recordingSink struct {
	frames    [][]byte
	completed int
	errs      []error
	nextErr   error
}

func (s *recordingSink) Next(frame []byte) error {
	s.frames = append(s.frames, frame)
	return s.nextErr
}

func (s *recordingSink) Complete() { s.completed++ }

func (s *recordingSink) Error(err error) { s.errs = append(s.errs, err) }

func TestRegisterReplyDeliver(t *testing.T) {
	c := New()
	id := c.NextID()

	ch, err := c.RegisterReply(id)
	if err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	if c.Pending() != 1 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 1", c.Pending())
	}

	c.Deliver(id, []byte{0x03})
	res := <-ch
	if res.Err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", res.Err)
	}
	if !bytes.Equal(res.Data, []byte{0x03}) {
		t.Errorf("correlator:correlator_test - Data = %x, want 03", res.Data)
	}
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}
}

func TestDeliver_OutOfOrder(t *testing.T) {
	// Responses may arrive in any order; correlation is by id, not order.
	c := New()
	idA := c.NextID()
	idB := c.NextID()

	chA, err := c.RegisterReply(idA)
	if err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	chB, err := c.RegisterReply(idB)
	if err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}

	c.Deliver(idB, []byte("response-b"))
	c.Deliver(idA, []byte("response-a"))

	if got := <-chA; string(got.Data) != "response-a" {
		t.Errorf("correlator:correlator_test - caller A got %q, want %q", got.Data, "response-a")
	}
	if got := <-chB; string(got.Data) != "response-b" {
		t.Errorf("correlator:correlator_test - caller B got %q, want %q", got.Data, "response-b")
	}
}

func TestNextID_Unique(t *testing.T) {
	c := New()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		id := c.NextID()
		if seen[id] {
			t.Fatalf("correlator:correlator_test - duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestRegister_DuplicateID(t *testing.T) {
	c := New()
	id := c.NextID()
	if _, err := c.RegisterReply(id); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	if _, err := c.RegisterReply(id); err == nil {
		t.Fatal("correlator:correlator_test - expected duplicate id error")
	}
	if err := c.RegisterStream(id, &recordingSink{}); err == nil {
		t.Fatal("correlator:correlator_test - expected duplicate id error")
	}
}

func TestDeliver_UnknownID(t *testing.T) {
	// Late responses for cancelled requests must be dropped silently.
	c := New()
	c.Deliver(999, []byte{0x01})
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}
}

func TestStream_FramesInOrderThenComplete(t *testing.T) {
	c := New()
	id := c.NextID()
	sink := &recordingSink{}

	if err := c.RegisterStream(id, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}

	c.Deliver(id, []byte{0x10})
	c.Deliver(id, []byte{0x11})
	c.Deliver(id, []byte{0x12})
	c.CompleteStream(id)

	want := [][]byte{{0x10}, {0x11}, {0x12}}
	if len(sink.frames) != len(want) {
		t.Fatalf("correlator:correlator_test - got %d frames, want %d", len(sink.frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(sink.frames[i], want[i]) {
			t.Errorf("correlator:correlator_test - frame %d = %x, want %x", i, sink.frames[i], want[i])
		}
	}
	if sink.completed != 1 {
		t.Errorf("correlator:correlator_test - completed %d times, want 1", sink.completed)
	}
	if len(sink.errs) != 0 {
		t.Errorf("correlator:correlator_test - unexpected errors: %v", sink.errs)
	}
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}
}

func TestStream_NoFramesAfterTerminal(t *testing.T) {
	c := New()
	id := c.NextID()
	sink := &recordingSink{}

	if err := c.RegisterStream(id, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	c.CompleteStream(id)
	c.Deliver(id, []byte{0x01})
	c.CompleteStream(id)
	c.FailStream(id, errors.New("late"))

	if len(sink.frames) != 0 {
		t.Errorf("correlator:correlator_test - got %d frames after terminal, want 0", len(sink.frames))
	}
	if sink.completed != 1 {
		t.Errorf("correlator:correlator_test - completed %d times, want 1", sink.completed)
	}
	if len(sink.errs) != 0 {
		t.Errorf("correlator:correlator_test - unexpected errors: %v", sink.errs)
	}
}

func TestStream_NextErrorTerminates(t *testing.T) {
	c := New()
	id := c.NextID()
	sinkErr := fmt.Errorf("decode failed")
	sink := &recordingSink{nextErr: sinkErr}

	if err := c.RegisterStream(id, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	c.Deliver(id, []byte{0x01})

	if len(sink.errs) != 1 || !errors.Is(sink.errs[0], sinkErr) {
		t.Fatalf("correlator:correlator_test - errs = %v, want [%v]", sink.errs, sinkErr)
	}
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}

	// Late frames for the failed stream are dropped.
	c.Deliver(id, []byte{0x02})
	if len(sink.frames) != 1 {
		t.Errorf("correlator:correlator_test - got %d frames, want 1", len(sink.frames))
	}
}

func TestCancel_RemovesWithoutInvoking(t *testing.T) {
	c := New()
	replyID := c.NextID()
	streamID := c.NextID()

	ch, err := c.RegisterReply(replyID)
	if err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	sink := &recordingSink{}
	if err := c.RegisterStream(streamID, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}

	c.Cancel(replyID)
	c.Cancel(streamID)

	c.Deliver(replyID, []byte{0x01})
	c.Deliver(streamID, []byte{0x02})

	select {
	case res := <-ch:
		t.Fatalf("correlator:correlator_test - cancelled reply got %+v", res)
	default:
	}
	if len(sink.frames) != 0 || sink.completed != 0 || len(sink.errs) != 0 {
		t.Error("correlator:correlator_test - cancelled sink was invoked")
	}
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}
}

func TestFailAll(t *testing.T) {
	c := New()
	replyID := c.NextID()
	streamID := c.NextID()

	ch, err := c.RegisterReply(replyID)
	if err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}
	sink := &recordingSink{}
	if err := c.RegisterStream(streamID, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}

	cause := errors.New("connection lost")
	c.FailAll(cause)

	res := <-ch
	if !errors.Is(res.Err, protocol.ErrTransportFailure) {
		t.Errorf("correlator:correlator_test - reply error %v is not ErrTransportFailure", res.Err)
	}
	if len(sink.errs) != 1 || !errors.Is(sink.errs[0], protocol.ErrTransportFailure) {
		t.Errorf("correlator:correlator_test - sink errors %v, want one ErrTransportFailure", sink.errs)
	}
	if c.Pending() != 0 {
		t.Errorf("correlator:correlator_test - Pending = %d, want 0", c.Pending())
	}

	// Disconnected correlator rejects registration.
	if _, err := c.RegisterReply(c.NextID()); err == nil {
		t.Fatal("correlator:correlator_test - expected registration to fail after FailAll")
	}
	if err := c.RegisterStream(c.NextID(), &recordingSink{}); err == nil {
		t.Fatal("correlator:correlator_test - expected registration to fail after FailAll")
	}
}

func TestFailAll_Idempotent(t *testing.T) {
	c := New()
	id := c.NextID()
	sink := &recordingSink{}
	if err := c.RegisterStream(id, sink); err != nil {
		t.Fatalf("correlator:correlator_test - unexpected error: %v", err)
	}

	c.FailAll(errors.New("first"))
	c.FailAll(errors.New("second"))

	if len(sink.errs) != 1 {
		t.Errorf("correlator:correlator_test - sink got %d terminal errors, want 1", len(sink.errs))
	}
}
