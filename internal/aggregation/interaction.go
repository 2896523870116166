package aggregation

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// ── Outbound events ───────────────────────────────────────────────────────────

// ProcessedEvent is a pipeline result handed to the transport.
type ProcessedEvent interface{ isProcessedEvent() }

// Reply answers a counterparty's aggregation request, with a ticket or an error.
type Reply struct {
	Destination ticket.PeerID
	Result      TicketResult
	RequestID   string
}

// Receive reports an aggregated ticket that was accepted and stored.
type Receive struct {
	Source    ticket.PeerID
	Ticket    *ticket.AcknowledgedTicket
	RequestID string
}

// Send asks the transport to deliver an aggregation request to Destination. The transport
// calls Finalizer.Finalize once the request is handed off, or Finalizer.Cancel if it gives up.
type Send struct {
	Destination ticket.PeerID
	Tickets     []ticket.AcknowledgedTicket
	Finalizer   *Finalizer
}

func (Reply) isProcessedEvent()   {}
func (Receive) isProcessedEvent() {}
func (Send) isProcessedEvent()    {}

// ── Interaction ───────────────────────────────────────────────────────────────

// Interaction is the aggregation pipeline. Commands submitted through Writer are processed
// concurrently, at most capacity at a time, and their events are emitted on Outbound in
// submission order. Commands that produce no event are dropped with a log line.
type Interaction struct {
	proc  *Processor
	queue *queue
	log   *zap.Logger

	outbound  chan ProcessedEvent
	gone      chan struct{}
	closeGone sync.Once
	done      chan struct{}
}

// NewInteraction starts the pipeline. ctx bounds the store operations of every command;
// call Close to stop accepting commands and Wait to drain.
func NewInteraction(ctx context.Context, store Store, key *ecdsa.PrivateKey, capacity int, log *zap.Logger) *Interaction {
	if capacity < 1 {
		capacity = 1
	}
	i := &Interaction{
		proc:     NewProcessor(store, key, log),
		queue:    newQueue(capacity),
		log:      log,
		outbound: make(chan ProcessedEvent, capacity),
		gone:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go i.run(ctx, capacity)
	return i
}

// Writer returns a handle for submitting commands. Any number may be taken.
func (i *Interaction) Writer() *Actions { return &Actions{queue: i.queue} }

// Outbound is closed after the pipeline has drained.
func (i *Interaction) Outbound() <-chan ProcessedEvent { return i.outbound }

// Processor exposes the underlying processor.
func (i *Interaction) Processor() *Processor { return i.proc }

// CloseOutbound signals that nobody reads Outbound any more. Further events are logged and
// discarded; Send events have their finalizer cancelled.
func (i *Interaction) CloseOutbound() {
	i.closeGone.Do(func() { close(i.gone) })
}

// Close stops accepting commands. Commands already queued are still processed.
func (i *Interaction) Close() { i.queue.close() }

// Wait blocks until every accepted command has been processed and Outbound is closed.
func (i *Interaction) Wait() { <-i.done }

func (i *Interaction) run(ctx context.Context, capacity int) {
	defer close(i.done)

	slots := make(chan chan ProcessedEvent, capacity)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		i.forward(slots)
	}()

	var g errgroup.Group
	g.SetLimit(capacity)
	for cmd := range i.queue.ch {
		slot := make(chan ProcessedEvent, 1)
		slots <- slot
		g.Go(func() error {
			slot <- i.process(ctx, cmd)
			return nil
		})
	}
	_ = g.Wait()
	close(slots)
	<-forwarded
	close(i.outbound)
}

// forward emits results in the order their commands were accepted.
func (i *Interaction) forward(slots <-chan chan ProcessedEvent) {
	for slot := range slots {
		ev := <-slot
		if ev == nil {
			continue
		}
		select {
		case <-i.gone:
			i.drop(ev)
			continue
		default:
		}
		select {
		case i.outbound <- ev:
		case <-i.gone:
			i.drop(ev)
		}
	}
}

func (i *Interaction) drop(ev ProcessedEvent) {
	i.log.Warn("outbound receiver closed, dropping event", zap.String("event", eventName(ev)))
	if s, ok := ev.(Send); ok {
		s.Finalizer.Cancel()
	}
}

func (i *Interaction) process(ctx context.Context, cmd Command) ProcessedEvent {
	switch c := cmd.(type) {
	case ToProcess:
		agg, err := i.proc.AggregateTickets(ctx, c.Destination, c.Tickets)
		if err != nil {
			if IsProtocolError(err) {
				i.log.Warn("aggregation request rejected",
					zap.String("peer", string(c.Destination)),
					zap.String("request_id", c.RequestID),
					zap.Error(err),
				)
				return Reply{Destination: c.Destination, Result: TicketResult{Err: err.Error()}, RequestID: c.RequestID}
			}
			i.log.Error("aggregation request failed, dropping",
				zap.String("peer", string(c.Destination)),
				zap.String("request_id", c.RequestID),
				zap.Error(err),
			)
			return nil
		}
		return Reply{Destination: c.Destination, Result: TicketResult{Ticket: agg}, RequestID: c.RequestID}

	case ToReceive:
		if !c.Result.OK() {
			i.log.Warn("counterparty refused aggregation",
				zap.String("peer", string(c.Source)),
				zap.String("request_id", c.RequestID),
				zap.String("reason", c.Result.Err),
			)
			return nil
		}
		acked, err := i.proc.HandleAggregatedTicket(ctx, c.Result.Ticket)
		if err != nil {
			i.log.Error("aggregated ticket rejected",
				zap.String("peer", string(c.Source)),
				zap.String("request_id", c.RequestID),
				zap.Error(err),
			)
			return nil
		}
		return Receive{Source: c.Source, Ticket: acked, RequestID: c.RequestID}

	case ToSend:
		peer, tickets, err := i.proc.ValidateTicketsToAggregate(ctx, c.List)
		if err != nil {
			i.log.Warn("cannot prepare aggregation request",
				zap.Stringer("list", c.List),
				zap.Error(err),
			)
			c.Finalizer.Cancel()
			return nil
		}
		return Send{Destination: peer, Tickets: tickets, Finalizer: c.Finalizer}
	}
	return nil
}

func eventName(ev ProcessedEvent) string {
	switch ev.(type) {
	case Reply:
		return "reply"
	case Receive:
		return "receive"
	case Send:
		return "send"
	}
	return "unknown"
}
