package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/store"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Store is the part of the ticket store the aggregation core depends on.
// Implemented by store.RedisStore.
type Store interface {
	GetAcknowledgedTicketsRange(ctx context.Context, channelID common.Hash, epoch uint32, start, end uint64) ([]ticket.AcknowledgedTicket, error)
	PrepareAggregatableTickets(ctx context.Context, channelID common.Hash, epoch uint32, start, end uint64) ([]ticket.AcknowledgedTicket, error)
	ReleaseLeasedTicket(ctx context.Context, leased *ticket.AcknowledgedTicket) error
	ReplaceAckedTicketsByAggregatedTicket(ctx context.Context, ack *ticket.AcknowledgedTicket) error
	GetChannelsDomainSeparator(ctx context.Context) (common.Hash, bool, error)
	GetChainKey(ctx context.Context, peer ticket.PeerID) (common.Address, bool, error)
	GetPacketKey(ctx context.Context, addr common.Address) (ticket.PeerID, bool, error)
}

// List selects the stored tickets subject to one aggregation. A List is request-scoped:
// resolve it once with IntoVec and, if the aggregation is abandoned, Rollback it.
type List interface {
	// IntoVec resolves the selector. Store-backed selectors lease the tickets they return.
	IntoVec(ctx context.Context, store Store) ([]ticket.AcknowledgedTicket, error)
	// Rollback returns the selected tickets that are still leased to Untouched. Once IntoVec
	// has run, only the tickets it leased are considered; before that, store-backed
	// selectors re-read their range and release every lease in it. Best effort: a failed
	// revert is logged and does not stop the others.
	Rollback(ctx context.Context, store Store, log *zap.Logger) error
	String() string
}

// WholeChannel selects every aggregatable ticket of the channel's current epoch.
func WholeChannel(entry ticket.ChannelEntry) List {
	return &wholeChannel{entry: entry}
}

// ChannelRange selects the aggregatable tickets with index in [start, end].
func ChannelRange(channelID common.Hash, epoch uint32, start, end uint64) List {
	return &channelRange{channelID: channelID, epoch: epoch, start: start, end: end}
}

// TicketList passes explicit tickets. They must already be leased (BeingAggregated) and
// share one signer and channel.
func TicketList(tickets []ticket.AcknowledgedTicket) List {
	return &ticketList{tickets: tickets}
}

// leaseRecord remembers what a store-backed selector leased, so that rolling it back never
// releases a lease held by another aggregation of the same channel.
type leaseRecord struct {
	mu       sync.Mutex
	resolved bool
	leased   []ticket.AcknowledgedTicket
}

func (r *leaseRecord) record(tickets []ticket.AcknowledgedTicket, err error) ([]ticket.AcknowledgedTicket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = true
	r.leased = nil
	if err == nil {
		r.leased = append(r.leased, tickets...)
	}
	return tickets, err
}

// rollback releases what was leased, or every lease in the range when the selector was
// never resolved.
func (r *leaseRecord) rollback(ctx context.Context, store Store, l List, log *zap.Logger,
	channelID common.Hash, epoch uint32, start, end uint64) error {
	r.mu.Lock()
	resolved, leased := r.resolved, append([]ticket.AcknowledgedTicket(nil), r.leased...)
	r.mu.Unlock()

	if resolved {
		return rollbackTickets(ctx, store, leased, l, log)
	}
	tickets, err := store.GetAcknowledgedTicketsRange(ctx, channelID, epoch, start, end)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", l, err)
	}
	return rollbackTickets(ctx, store, tickets, l, log)
}

type wholeChannel struct {
	entry ticket.ChannelEntry
	lease leaseRecord
}

func (l *wholeChannel) IntoVec(ctx context.Context, store Store) ([]ticket.AcknowledgedTicket, error) {
	return l.lease.record(store.PrepareAggregatableTickets(ctx, l.entry.ID(), l.entry.Epoch, 0, ticket.MaxTicketIndex))
}

func (l *wholeChannel) Rollback(ctx context.Context, store Store, log *zap.Logger) error {
	return l.lease.rollback(ctx, store, l, log, l.entry.ID(), l.entry.Epoch, 0, ticket.MaxTicketIndex)
}

func (l *wholeChannel) String() string {
	return fmt.Sprintf("whole channel %s epoch %d", l.entry.ID().Hex(), l.entry.Epoch)
}

type channelRange struct {
	channelID  common.Hash
	epoch      uint32
	start, end uint64
	lease      leaseRecord
}

func (l *channelRange) IntoVec(ctx context.Context, store Store) ([]ticket.AcknowledgedTicket, error) {
	return l.lease.record(store.PrepareAggregatableTickets(ctx, l.channelID, l.epoch, l.start, l.end))
}

func (l *channelRange) Rollback(ctx context.Context, store Store, log *zap.Logger) error {
	return l.lease.rollback(ctx, store, l, log, l.channelID, l.epoch, l.start, l.end)
}

func (l *channelRange) String() string {
	return fmt.Sprintf("channel %s epoch %d range [%d, %d]", l.channelID.Hex(), l.epoch, l.start, l.end)
}

type ticketList struct {
	tickets []ticket.AcknowledgedTicket
}

func (l *ticketList) IntoVec(_ context.Context, _ Store) ([]ticket.AcknowledgedTicket, error) {
	if len(l.tickets) == 0 {
		return nil, protocolErr(ErrEmptyBatch, "")
	}
	first := l.tickets[0]
	for _, t := range l.tickets {
		if t.Signer != first.Signer || t.Ticket.ChannelID != first.Ticket.ChannelID {
			return nil, protocolErr(ErrMixedBatch, "ticket %d", t.Ticket.Index)
		}
		if t.Status != ticket.StatusBeingAggregated {
			return nil, protocolErr(ErrNotBeingAggregated, "ticket %d is %s", t.Ticket.Index, t.Status)
		}
	}
	return l.tickets, nil
}

func (l *ticketList) Rollback(ctx context.Context, store Store, log *zap.Logger) error {
	return rollbackTickets(ctx, store, l.tickets, l, log)
}

func (l *ticketList) String() string {
	return fmt.Sprintf("list of %d tickets", len(l.tickets))
}

// rollbackTickets releases each ticket that the store still holds unchanged under lease.
// Tickets that were replaced, removed or moved on are skipped.
func rollbackTickets(ctx context.Context, s Store, tickets []ticket.AcknowledgedTicket, l List, log *zap.Logger) error {
	var (
		errs              []error
		reverted, skipped int
	)
	for i := range tickets {
		t := &tickets[i]
		if t.Status != ticket.StatusBeingAggregated {
			continue
		}
		err := s.ReleaseLeasedTicket(ctx, t)
		switch {
		case err == nil:
			reverted++
		case errors.Is(err, store.ErrLeaseReleased), errors.Is(err, store.ErrTicketNotFound):
			skipped++
		default:
			log.Warn("rollback: revert ticket",
				zap.String("channel", t.Ticket.ChannelID.Hex()),
				zap.Uint64("index", t.Ticket.Index),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}

	log.Info("aggregation rolled back",
		zap.Stringer("list", l),
		zap.Int("reverted", reverted),
		zap.Int("skipped", skipped),
		zap.Int("failed", len(errs)),
	)
	if reverted == 0 && len(errs) > 0 {
		return fmt.Errorf("rollback %s: %w", l, errors.Join(errs...))
	}
	return nil
}
