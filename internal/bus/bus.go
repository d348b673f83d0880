// Package bus implements the process-internal, typed, point-to-point
// mailbox system every actor communicates over (spec.md §3): send(dest, msg)
// is non-blocking and fails only with ErrQueueFull; messages from one sender
// to one destination are delivered in send order, with no ordering guarantee
// across distinct senders. Grounded on the teacher's internal/eventbus, with
// topic/subscriber pub-sub replaced by direct (actor_id, object_id) mailboxes
// since the spec has no topic fan-out, only one-writer-many-readers wiring.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tevino/abool"
)

// ErrQueueFull is returned by Send when the destination mailbox is at
// capacity. The caller decides how to react (drop, retry, escalate) — the
// bus never blocks a sender.
var ErrQueueFull = errors.New("bus: destination mailbox full")

// ErrClosed is returned by Send after the bus has been shut down.
var ErrClosed = errors.New("bus: closed")

const defaultMailboxSize = 256

type mailbox struct {
	ch chan Envelope
}

// Bus routes envelopes between registered actor mailboxes. One Bus instance
// serves the whole daemon; every actor goroutine owns exactly one mailbox.
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[Dest]*mailbox
	size      int
	closed    *abool.AtomicBool
}

// New creates a Bus whose mailboxes default to the given capacity. A
// capacity of 0 uses defaultMailboxSize.
func New(mailboxSize int) *Bus {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	return &Bus{
		mailboxes: make(map[Dest]*mailbox),
		size:      mailboxSize,
		closed:    abool.New(),
	}
}

// Register creates (or returns, if already present) the mailbox for dest and
// returns the receive-only channel an actor's run loop should drain.
func (b *Bus) Register(dest Dest) (<-chan Envelope, error) {
	if b.closed.IsSet() {
		return nil, ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[dest]
	if !ok {
		mb = &mailbox{ch: make(chan Envelope, b.size)}
		b.mailboxes[dest] = mb
	}
	return mb.ch, nil
}

// Unregister removes and closes dest's mailbox. Call this only after the
// owning actor's run loop has returned.
func (b *Bus) Unregister(dest Dest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[dest]; ok {
		close(mb.ch)
		delete(b.mailboxes, dest)
	}
}

// Send delivers body from `from` to `to`, non-blocking. It returns
// ErrQueueFull if the destination mailbox is saturated, and a wrapped error
// if the destination has never been registered.
func (b *Bus) Send(from, to Dest, body any) error {
	if b.closed.IsSet() {
		return ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.mailboxes[to]
	if !ok {
		return fmt.Errorf("bus: no mailbox registered for %s", to)
	}
	select {
	case mb.ch <- Envelope{From: from, To: to, Body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendCtx behaves like Send but blocks until the message is accepted or ctx
// is cancelled, used by callers that must guarantee delivery of a control
// message (e.g. a Stop) rather than drop it under backpressure.
func (b *Bus) SendCtx(ctx context.Context, from, to Dest, body any) error {
	if b.closed.IsSet() {
		return ErrClosed
	}
	b.mu.RLock()
	mb, ok := b.mailboxes[to]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bus: no mailbox registered for %s", to)
	}
	select {
	case mb.ch <- Envelope{From: from, To: to, Body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the current queued length of dest's mailbox, used by
// metrics and the sampler's backpressure heuristics.
func (b *Bus) Depth(dest Dest) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if mb, ok := b.mailboxes[dest]; ok {
		return len(mb.ch)
	}
	return 0
}

// Close marks the bus closed; further Send/Register calls fail. Existing
// mailboxes are left open so actors can drain in-flight messages before
// exiting.
func (b *Bus) Close() {
	b.closed.Set()
}
