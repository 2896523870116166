package aggregation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// ── Inbound commands ──────────────────────────────────────────────────────────

// Command is a unit of work submitted to the pipeline.
type Command interface{ isCommand() }

// ToProcess asks us to aggregate tickets we issued to Destination.
type ToProcess struct {
	Destination ticket.PeerID
	Tickets     []ticket.AcknowledgedTicket
	RequestID   string
}

// ToReceive carries the counterparty's answer to one of our aggregation requests.
type ToReceive struct {
	Source    ticket.PeerID
	Result    TicketResult
	RequestID string
}

// ToSend asks the pipeline to prepare an outbound aggregation request.
type ToSend struct {
	List      List
	Finalizer *Finalizer
}

func (ToProcess) isCommand() {}
func (ToReceive) isCommand() {}
func (ToSend) isCommand()    {}

// TicketResult is either an aggregated ticket or the reason the counterparty refused.
type TicketResult struct {
	Ticket *ticket.Ticket
	Err    string
}

// OK reports whether the result carries a ticket.
func (r TicketResult) OK() bool { return r.Err == "" && r.Ticket != nil }

// ── Inbound queue ─────────────────────────────────────────────────────────────

// queue is a bounded channel that can be closed while writers still hold it.
type queue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Command
}

func newQueue(capacity int) *queue {
	return &queue{ch: make(chan Command, capacity)}
}

func (q *queue) trySend(cmd Command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrTransportClosed
	}
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrRetry
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// ── Actions ───────────────────────────────────────────────────────────────────

// Actions submits work to the pipeline. All methods are non-blocking: a full queue fails
// with ErrRetry, a closed one with ErrTransportClosed. Safe for concurrent use.
type Actions struct {
	queue *queue
}

// ReceiveTicket enqueues the counterparty's reply to our aggregation request.
func (a *Actions) ReceiveTicket(source ticket.PeerID, result TicketResult, requestID string) error {
	return a.queue.trySend(ToReceive{Source: source, Result: result, RequestID: requestID})
}

// ReceiveAggregationRequest enqueues a counterparty's request to aggregate tickets we issued.
func (a *Actions) ReceiveAggregationRequest(source ticket.PeerID, tickets []ticket.AcknowledgedTicket, requestID string) error {
	return a.queue.trySend(ToProcess{Destination: source, Tickets: tickets, RequestID: requestID})
}

// AggregateTickets enqueues an outbound aggregation request for list. The returned Awaiter
// fires once the request has been handed to the transport.
func (a *Actions) AggregateTickets(list List) (*Awaiter, error) {
	fin, awaiter := NewFinalizerPair()
	if err := a.queue.trySend(ToSend{List: list, Finalizer: fin}); err != nil {
		return nil, err
	}
	return awaiter, nil
}

// ── Finalizer / Awaiter ───────────────────────────────────────────────────────

// Finalizer is the sending half of a one-shot completion signal. Only the first call to
// Finalize or Cancel has an effect.
type Finalizer struct {
	once sync.Once
	done chan bool
}

// Awaiter is the receiving half of a one-shot completion signal.
type Awaiter struct {
	done     <-chan bool
	consumed atomic.Bool
}

// NewFinalizerPair returns a connected Finalizer and Awaiter.
func NewFinalizerPair() (*Finalizer, *Awaiter) {
	done := make(chan bool, 1)
	return &Finalizer{done: done}, &Awaiter{done: done}
}

// Finalize signals success to the Awaiter.
func (f *Finalizer) Finalize() {
	f.once.Do(func() {
		f.done <- true
		close(f.done)
	})
}

// Cancel drops the finalizer without signalling success; the Awaiter gets ErrCanceled.
func (f *Finalizer) Cancel() {
	f.once.Do(func() {
		close(f.done)
	})
}

// ConsumeAndWait blocks until the paired Finalizer fires (nil), is cancelled (ErrCanceled),
// the timeout elapses (ErrTimeout) or ctx ends. The underlying work is not cancelled on
// timeout. It may be called once; later calls return ErrAwaiterConsumed.
func (a *Awaiter) ConsumeAndWait(ctx context.Context, timeout time.Duration) error {
	if !a.consumed.CompareAndSwap(false, true) {
		return ErrAwaiterConsumed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-a.done:
		if ok {
			return nil
		}
		return ErrCanceled
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
