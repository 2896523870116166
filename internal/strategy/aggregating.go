package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Store is the ticket store as seen by the strategy.
type Store interface {
	aggregation.Store
	Channels(ctx context.Context) ([]ticket.ChannelEntry, error)
	UpsertChannel(ctx context.Context, entry *ticket.ChannelEntry) error
	CountTickets(ctx context.Context, channelID common.Hash, epoch uint32, status ticket.Status) (int, error)
}

// ChannelReader refreshes channel state from chain. Satisfied by *chain.Client.
type ChannelReader interface {
	Channel(ctx context.Context, source, destination common.Address) (*ticket.ChannelEntry, error)
}

// Submitter is satisfied by *aggregation.Actions.
type Submitter interface {
	AggregateTickets(list aggregation.List) (*aggregation.Awaiter, error)
}

// Aggregating asks counterparties to aggregate incoming channels once enough unredeemed
// tickets pile up, and releases leases that were never answered.
type Aggregating struct {
	store   Store
	chain   ChannelReader
	actions Submitter
	self    common.Address
	log     *zap.Logger

	threshold    int
	awaitTimeout time.Duration
	leaseTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	leases map[common.Hash]time.Time // channel id → when its current lease was first seen
}

// NewAggregating builds the strategy for the node with chain address self. chain may be nil,
// in which case the cached channel entries are used as they are.
func NewAggregating(cfg config.AggregationConfig, store Store, chain ChannelReader, actions Submitter, self common.Address, log *zap.Logger) *Aggregating {
	return &Aggregating{
		store:        store,
		chain:        chain,
		actions:      actions,
		self:         self,
		log:          log,
		threshold:    cfg.Threshold,
		awaitTimeout: cfg.AwaitTimeout(),
		leaseTimeout: cfg.LeaseTimeout(),
		now:          time.Now,
		leases:       map[common.Hash]time.Time{},
	}
}

// Run ticks every interval until ctx is cancelled.
func (s *Aggregating) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("aggregation strategy started",
		zap.Duration("interval", interval),
		zap.Int("threshold", s.threshold),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("aggregation strategy stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan over the known incoming channels.
func (s *Aggregating) Tick(ctx context.Context) {
	channels, err := s.store.Channels(ctx)
	if err != nil {
		s.log.Error("strategy: list channels", zap.Error(err))
		return
	}

	for i := range channels {
		entry := channels[i]
		if entry.Destination != s.self {
			continue
		}
		entry = s.refresh(ctx, entry)
		if entry.Status != ticket.ChannelOpen && entry.Status != ticket.ChannelPendingToClose {
			s.forgetLease(entry.ID())
			continue
		}
		if !s.onChannel(ctx, entry) {
			return
		}
	}
}

// refresh re-reads the channel from chain when a reader is configured.
func (s *Aggregating) refresh(ctx context.Context, entry ticket.ChannelEntry) ticket.ChannelEntry {
	if s.chain == nil {
		return entry
	}
	fresh, err := s.chain.Channel(ctx, entry.Source, entry.Destination)
	if err != nil {
		s.log.Warn("strategy: refresh channel", zap.String("channel", entry.ID().Hex()), zap.Error(err))
		return entry
	}
	if err := s.store.UpsertChannel(ctx, fresh); err != nil {
		s.log.Warn("strategy: store channel", zap.String("channel", entry.ID().Hex()), zap.Error(err))
	}
	return *fresh
}

// onChannel handles one channel. It returns false when the pipeline cannot take more work
// this tick.
func (s *Aggregating) onChannel(ctx context.Context, entry ticket.ChannelEntry) bool {
	id := entry.ID()
	log := s.log.With(zap.String("channel", id.Hex()), zap.Uint32("epoch", entry.Epoch))

	leased, err := s.store.CountTickets(ctx, id, entry.Epoch, ticket.StatusBeingAggregated)
	if err != nil {
		log.Error("strategy: count leased tickets", zap.Error(err))
		return true
	}
	if leased > 0 {
		if s.leaseExpired(id) {
			log.Warn("strategy: aggregation lease timed out, rolling back", zap.Int("tickets", leased))
			list := aggregation.ChannelRange(id, entry.Epoch, 0, ticket.MaxTicketIndex)
			if err := list.Rollback(ctx, s.store, log); err != nil {
				log.Error("strategy: rollback stale lease", zap.Error(err))
				return true
			}
			s.forgetLease(id)
		}
		return true
	}
	s.forgetLease(id)

	untouched, err := s.store.CountTickets(ctx, id, entry.Epoch, ticket.StatusUntouched)
	if err != nil {
		log.Error("strategy: count tickets", zap.Error(err))
		return true
	}
	if untouched < s.threshold {
		return true
	}

	list := aggregation.WholeChannel(entry)
	awaiter, err := s.actions.AggregateTickets(list)
	switch {
	case errors.Is(err, aggregation.ErrRetry):
		log.Debug("strategy: pipeline busy, retrying next tick")
		return false
	case errors.Is(err, aggregation.ErrTransportClosed):
		log.Warn("strategy: pipeline closed")
		return false
	case err != nil:
		log.Error("strategy: submit aggregation", zap.Error(err))
		return true
	}
	s.markLease(id)

	switch err := awaiter.ConsumeAndWait(ctx, s.awaitTimeout); {
	case err == nil:
		log.Info("strategy: aggregation requested", zap.Int("tickets", untouched))
	case errors.Is(err, aggregation.ErrCanceled):
		log.Warn("strategy: aggregation request dropped, rolling back")
		if err := list.Rollback(ctx, s.store, log); err != nil {
			log.Error("strategy: rollback", zap.Error(err))
		}
		s.forgetLease(id)
	default:
		// the lease timer recovers the tickets if no answer ever arrives
		log.Warn("strategy: aggregation hand-off not confirmed", zap.Error(err))
	}
	return true
}

// leaseExpired records the first sighting of a lease on id and reports whether it is older
// than the lease timeout.
func (s *Aggregating) leaseExpired(id common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	since, ok := s.leases[id]
	if !ok {
		s.leases[id] = now
		return false
	}
	return now.Sub(since) > s.leaseTimeout
}

func (s *Aggregating) markLease(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[id]; !ok {
		s.leases[id] = s.now()
	}
}

func (s *Aggregating) forgetLease(id common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
}
