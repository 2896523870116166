package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Sender is satisfied by *Client.
type Sender interface {
	RequestAggregation(ctx context.Context, peer ticket.PeerID, req AggregationRequest) error
	Reply(ctx context.Context, peer ticket.PeerID, reply AggregationReply) error
}

// Dispatcher drains the pipeline's outbound events onto the network.
type Dispatcher struct {
	events  <-chan aggregation.ProcessedEvent
	sender  Sender
	pending *Pending
	log     *zap.Logger
}

func NewDispatcher(events <-chan aggregation.ProcessedEvent, sender Sender, pending *Pending, log *zap.Logger) *Dispatcher {
	return &Dispatcher{events: events, sender: sender, pending: pending, log: log}
}

// Run blocks until ctx is cancelled or the event stream closes.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev aggregation.ProcessedEvent) {
	switch e := ev.(type) {
	case aggregation.Send:
		id := uuid.NewString()
		d.pending.Add(id, e.Destination)
		err := d.sender.RequestAggregation(ctx, e.Destination, AggregationRequest{RequestID: id, Tickets: e.Tickets})
		if err != nil {
			d.pending.Remove(id)
			d.log.Warn("send aggregation request",
				zap.String("peer", string(e.Destination)),
				zap.Int("tickets", len(e.Tickets)),
				zap.Error(err),
			)
			e.Finalizer.Cancel()
			return
		}
		d.log.Info("aggregation request sent",
			zap.String("peer", string(e.Destination)),
			zap.String("request_id", id),
			zap.Int("tickets", len(e.Tickets)),
		)
		e.Finalizer.Finalize()

	case aggregation.Reply:
		reply := AggregationReply{RequestID: e.RequestID, Ticket: e.Result.Ticket, Error: e.Result.Err}
		if err := d.sender.Reply(ctx, e.Destination, reply); err != nil {
			d.log.Warn("send aggregation reply",
				zap.String("peer", string(e.Destination)),
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}

	case aggregation.Receive:
		d.log.Info("aggregated ticket stored",
			zap.String("peer", string(e.Source)),
			zap.String("request_id", e.RequestID),
			zap.String("channel", e.Ticket.Ticket.ChannelID.Hex()),
			zap.Uint64("index", e.Ticket.Ticket.Index),
			zap.Uint32("index_offset", e.Ticket.Ticket.IndexOffset),
			zap.String("amount", e.Ticket.Ticket.Amount.String()),
		)
	}
}
