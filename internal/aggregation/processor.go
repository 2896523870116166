package aggregation

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Processor holds the aggregation algorithms. It keeps no mutable state of its own; all
// state lives in the store, so one Processor may serve any number of goroutines.
type Processor struct {
	store   Store
	key     *ecdsa.PrivateKey
	address common.Address
	log     *zap.Logger
}

func NewProcessor(store Store, key *ecdsa.PrivateKey, log *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
	}
}

// Address is the chain address of the local signing key.
func (p *Processor) Address() common.Address { return p.address }

func (p *Processor) domainSeparator(ctx context.Context) (common.Hash, error) {
	sep, ok, err := p.store.GetChannelsDomainSeparator(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get domain separator: %w", err)
	}
	if !ok {
		return common.Hash{}, protocolErr(ErrMissingDomainSeparator, "")
	}
	return sep, nil
}

// AggregateTickets combines tickets we issued to destination into one ticket with win
// probability 1.0 and the summed amount. A single ticket is returned unchanged. Any invalid
// ticket fails the whole batch.
func (p *Processor) AggregateTickets(ctx context.Context, destination ticket.PeerID, tickets []ticket.AcknowledgedTicket) (*ticket.Ticket, error) {
	if len(tickets) == 0 {
		return nil, protocolErr(ErrEmptyBatch, "")
	}
	if len(tickets) == 1 {
		return tickets[0].Ticket.Copy(), nil
	}

	dst, err := p.domainSeparator(ctx)
	if err != nil {
		return nil, err
	}
	destAddr, ok, err := p.store.GetChainKey(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("get chain key of %s: %w", destination, err)
	}
	if !ok {
		return nil, protocolErr(ErrUnknownDestination, "%s", destination)
	}

	sorted := sortDedup(tickets)

	channelID := ticket.ChannelID(p.address, destAddr)
	first, last := &sorted[0], &sorted[len(sorted)-1]
	if last.Ticket.Index-first.Ticket.Index > math.MaxUint32 {
		return nil, protocolErr(ErrIndexRangeTooWide, "[%d, %d]", first.Ticket.Index, last.Ticket.Index)
	}

	total := new(big.Int)
	for i := range sorted {
		t := &sorted[i]
		if t.Ticket.ChannelID != channelID {
			return nil, protocolErr(ErrChannelMismatch, "ticket %d belongs to %s, expected %s",
				t.Ticket.Index, t.Ticket.ChannelID.Hex(), channelID.Hex())
		}
		if t.Ticket.ChannelEpoch != first.Ticket.ChannelEpoch {
			return nil, protocolErr(ErrEpochMismatch, "ticket %d has epoch %d, expected %d",
				t.Ticket.Index, t.Ticket.ChannelEpoch, first.Ticket.ChannelEpoch)
		}
		if i+1 < len(sorted) && t.Ticket.LastIndex() > sorted[i+1].Ticket.Index {
			return nil, protocolErr(ErrOverlappingIndices, "ticket %d covers up to %d, next starts at %d",
				t.Ticket.Index, t.Ticket.LastIndex(), sorted[i+1].Ticket.Index)
		}
		if err := t.Verify(p.address, destAddr, dst); err != nil {
			return nil, protocolErr(ErrInvalidSignature, "ticket %d: %v", t.Ticket.Index, err)
		}
		win, err := t.IsWinning(dst)
		if err != nil || !win {
			return nil, protocolErr(ErrNotWinning, "ticket %d", t.Ticket.Index)
		}
		total.Add(total, t.Ticket.Amount)
	}

	agg := &ticket.Ticket{
		ChannelID:    channelID,
		Amount:       total,
		Index:        first.Ticket.Index,
		IndexOffset:  uint32(last.Ticket.Index - first.Ticket.Index),
		WinProb:      ticket.AlwaysWinning,
		ChannelEpoch: first.Ticket.ChannelEpoch,
		Challenge:    first.Ticket.Challenge,
	}
	if err := ticket.Sign(agg, p.key, dst); err != nil {
		return nil, fmt.Errorf("sign aggregated ticket: %w", err)
	}

	p.log.Info("tickets aggregated",
		zap.String("destination", string(destination)),
		zap.String("channel", channelID.Hex()),
		zap.Int("count", len(sorted)),
		zap.String("amount", total.String()),
	)
	return agg, nil
}

// HandleAggregatedTicket accepts an aggregate returned by the ticket issuer: it must cover
// only tickets we leased for aggregation, be worth at least their sum and always win. On success the covered
// tickets are replaced by the aggregate in the store.
func (p *Processor) HandleAggregatedTicket(ctx context.Context, aggregated *ticket.Ticket) (*ticket.AcknowledgedTicket, error) {
	dst, err := p.domainSeparator(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := p.store.GetAcknowledgedTicketsRange(ctx, aggregated.ChannelID, aggregated.ChannelEpoch,
		aggregated.Index, aggregated.LastIndex())
	if err != nil {
		return nil, fmt.Errorf("get tickets to replace: %w", err)
	}
	if len(stored) == 0 {
		return nil, protocolErr(ErrUnexpectedTicket, "channel %s epoch %d [%d, %d]",
			aggregated.ChannelID.Hex(), aggregated.ChannelEpoch, aggregated.Index, aggregated.LastIndex())
	}

	sum := new(big.Int)
	for i := range stored {
		if stored[i].Status != ticket.StatusBeingAggregated {
			return nil, protocolErr(ErrUnexpectedTicket, "channel %s epoch %d: ticket %d is %s",
				aggregated.ChannelID.Hex(), aggregated.ChannelEpoch, stored[i].Ticket.Index, stored[i].Status)
		}
		if stored[i].Ticket.Amount != nil {
			sum.Add(sum, stored[i].Ticket.Amount)
		}
	}
	if aggregated.Amount == nil || aggregated.Amount.Cmp(sum) < 0 {
		return nil, protocolErr(ErrValueDecrease, "got %v, stored tickets sum to %s", aggregated.Amount, sum)
	}
	if !aggregated.WinProb.IsAlwaysWinning() {
		return nil, protocolErr(ErrInvalidWinProb, "got %v", aggregated.WinProb.Float64())
	}

	first := &stored[0]
	acked := &ticket.AcknowledgedTicket{
		Ticket:   *aggregated.Copy(),
		Response: first.Response,
		Signer:   first.Signer,
		Status:   ticket.StatusUntouched,
	}
	if err := acked.Verify(first.Signer, p.address, dst); err != nil {
		return nil, protocolErr(ErrInvalidAggregatedTicket, "%v", err)
	}

	if err := p.store.ReplaceAckedTicketsByAggregatedTicket(ctx, acked); err != nil {
		return nil, fmt.Errorf("replace tickets by aggregate: %w", err)
	}

	p.log.Info("aggregated ticket accepted",
		zap.String("channel", aggregated.ChannelID.Hex()),
		zap.Int("replaced", len(stored)),
		zap.String("amount", aggregated.Amount.String()),
	)
	return acked, nil
}

// ValidateTicketsToAggregate resolves list and finds the peer that issued its tickets.
// If the issuer cannot be resolved the lease taken by IntoVec is released again.
func (p *Processor) ValidateTicketsToAggregate(ctx context.Context, list List) (ticket.PeerID, []ticket.AcknowledgedTicket, error) {
	tickets, err := list.IntoVec(ctx, p.store)
	if err != nil {
		return "", nil, err
	}
	if len(tickets) == 0 {
		return "", nil, protocolErr(ErrEmptyBatch, "%s", list)
	}

	signer := tickets[0].Signer
	peer, ok, err := p.store.GetPacketKey(ctx, signer)
	if err == nil && !ok {
		err = protocolErr(ErrUnknownSigner, "%s", signer.Hex())
	} else if err != nil {
		err = fmt.Errorf("get packet key of %s: %w", signer.Hex(), err)
	}
	if err != nil {
		if rbErr := list.Rollback(ctx, p.store, p.log); rbErr != nil {
			p.log.Warn("release lease after failed validation", zap.Error(rbErr))
		}
		return "", nil, err
	}
	return peer, tickets, nil
}

// sortDedup returns a copy of tickets ordered by index with identical entries removed.
func sortDedup(tickets []ticket.AcknowledgedTicket) []ticket.AcknowledgedTicket {
	sorted := make([]ticket.AcknowledgedTicket, len(tickets))
	copy(sorted, tickets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Ticket.Index < sorted[j].Ticket.Index
	})

	out := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Equal(&out[len(out)-1]) {
			continue
		}
		out = append(out, sorted[i])
	}
	return out
}
