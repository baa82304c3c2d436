package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("relay: channel closed")

	// ErrNoneAwaiting is returned when a result arrives with no command
	// handed out. It means two logical calls overlapped on the wire, which
	// the capacity-one discipline must make impossible, so callers treat it
	// as fatal.
	ErrNoneAwaiting = errors.New("relay: result delivered with no call awaiting")
)

// Call pairs one serialized command with its single-use reply slot.
type Call struct {
	Request []byte
	done    chan []byte
}

// Await blocks until the agent posts the result for this call. There is no
// timeout; a wedged agent stalls the session until the context is cancelled.
func (c *Call) Await(ctx context.Context) ([]byte, error) {
	select {
	case resp := <-c.done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Channel is a capacity-one conduit carrying calls from the command client
// to the single polling consumer. Exactly one call may be outstanding at a
// time: a second Submit blocks until the first has been both taken and
// fulfilled, which is what makes request/response pairing safe without
// request IDs.
type Channel struct {
	mu       sync.Mutex
	pending  *Call
	awaiting *Call
	slot     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func NewChannel() *Channel {
	return &Channel{
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Submit queues a serialized command and returns the call to await. It
// blocks while another call is outstanding.
func (ch *Channel) Submit(ctx context.Context, request []byte) (*Call, error) {
	select {
	case ch.slot <- struct{}{}:
	case <-ch.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-ch.closed:
		<-ch.slot
		return nil, ErrClosed
	default:
	}
	call := &Call{Request: request, done: make(chan []byte, 1)}
	ch.mu.Lock()
	ch.pending = call
	ch.mu.Unlock()
	return call, nil
}

// TakePending hands the queued call to the consumer, if any. Non-blocking.
func (ch *Channel) TakePending() (*Call, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.pending == nil {
		return nil, false
	}
	call := ch.pending
	ch.pending = nil
	ch.awaiting = call
	return call, true
}

// Fulfill delivers the response for the call most recently handed out by
// TakePending and frees the slot for the next Submit. Returns
// ErrNoneAwaiting if no call is awaiting a result.
func (ch *Channel) Fulfill(response []byte) error {
	ch.mu.Lock()
	call := ch.awaiting
	ch.awaiting = nil
	ch.mu.Unlock()
	if call == nil {
		return ErrNoneAwaiting
	}
	call.done <- response
	<-ch.slot
	return nil
}

// Close rejects all future submissions. Outstanding calls are not
// interrupted; their callers cancel through their own contexts.
func (ch *Channel) Close() {
	ch.once.Do(func() { close(ch.closed) })
}
