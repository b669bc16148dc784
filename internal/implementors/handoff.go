package implementors

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyPublished is returned by Publish when the handoff already received its index.
var ErrAlreadyPublished = errors.New("implementor index already published")

// Consumer receives a published index. It is called at most once.
type Consumer func(Index)

// State is a snapshot of a Handoff's position in its state machine.
type State struct {
	Pending   bool // an index is waiting in the slot
	Attached  bool // a consumer is installed and has not fired
	Published bool // Publish has been called
	Delivered bool // the index reached a consumer (callback or Consume)
}

func (s State) String() string {
	switch {
	case s.Delivered:
		return "delivered"
	case s.Pending:
		return "pending"
	case s.Attached:
		return "awaiting-data"
	default:
		return "empty"
	}
}

// Handoff passes a single Index from a producer to a consumer, whichever
// arrives first. Data published with no consumer waits in the pending slot;
// a consumer attached with no data waits for Publish. Either way the index is
// delivered exactly once.
//
// Consumers run synchronously on the goroutine that completes the handoff
// (Publish or Attach), after the internal lock is released.
type Handoff struct {
	mu        sync.Mutex
	pending   Index
	hasData   bool
	consumer  Consumer
	token     *struct{}
	fired     *struct{} // token of the consumer that received the index
	published bool
	delivered bool
}

// NewHandoff returns an empty handoff.
func NewHandoff() *Handoff {
	return &Handoff{}
}

// Publish hands idx to the attached consumer, or stores it until one arrives.
func (h *Handoff) Publish(idx Index) error {
	h.mu.Lock()
	if h.published {
		h.mu.Unlock()
		return ErrAlreadyPublished
	}
	h.published = true

	c := h.consumer
	if c == nil {
		h.pending = idx
		h.hasData = true
		h.mu.Unlock()
		return nil
	}
	h.fired = h.token
	h.consumer = nil
	h.token = nil
	h.delivered = true
	h.mu.Unlock()

	c(idx)
	return nil
}

// Consume takes the pending index, if any. The slot is cleared, so a second
// call reports false.
func (h *Handoff) Consume() (Index, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasData {
		return nil, false
	}
	idx := h.pending
	h.pending = nil
	h.hasData = false
	h.delivered = true
	return idx, true
}

// Attach installs c as the consumer. Pending data is delivered immediately.
// The returned function detaches c if it has not fired yet; calling it after
// delivery is a no-op. Attaching replaces any previously attached consumer.
func (h *Handoff) Attach(c Consumer) (detach func()) {
	d := h.attach(c)
	return func() { d() }
}

// attach is Attach with a detach func that reports whether c was removed
// before firing.
func (h *Handoff) attach(c Consumer) func() bool {
	h.mu.Lock()
	if h.hasData {
		idx := h.pending
		h.pending = nil
		h.hasData = false
		h.delivered = true
		h.mu.Unlock()

		c(idx)
		return func() bool { return false }
	}

	tok := new(struct{})
	h.consumer = c
	h.token = tok
	h.mu.Unlock()

	return func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.fired == tok {
			return false
		}
		if h.token == tok {
			h.consumer = nil
			h.token = nil
		}
		// Either removed now or superseded by a later Attach.
		return true
	}
}

// Wait attaches a one-shot consumer and blocks until the index is delivered
// or ctx is done.
func (h *Handoff) Wait(ctx context.Context) (Index, error) {
	ch := make(chan Index, 1)
	detach := h.attach(func(idx Index) { ch <- idx })

	select {
	case idx := <-ch:
		return idx, nil
	case <-ctx.Done():
		if detach() {
			return nil, ctx.Err()
		}
		// Publish claimed the consumer before cancellation; the send is imminent.
		return <-ch, nil
	}
}

// State reports the current state of the handoff.
func (h *Handoff) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return State{
		Pending:   h.hasData,
		Attached:  h.consumer != nil,
		Published: h.published,
		Delivered: h.delivered,
	}
}
