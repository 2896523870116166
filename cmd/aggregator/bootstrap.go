package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/strategy"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

type peerKeyStore interface {
	SetPeerKeys(ctx context.Context, peer ticket.PeerID, addr common.Address) error
}

type channelStore interface {
	strategy.Store
	GetChannel(ctx context.Context, channelID common.Hash) (*ticket.ChannelEntry, error)
}

// registerPeers records the packet-key ↔ chain-key mapping of this node and its peers.
func registerPeers(ctx context.Context, s peerKeyStore, self ticket.PeerID, selfAddr common.Address, peers map[string]config.PeerConfig) error {
	if err := s.SetPeerKeys(ctx, self, selfAddr); err != nil {
		return fmt.Errorf("register self: %w", err)
	}
	for id, p := range peers {
		if err := s.SetPeerKeys(ctx, ticket.PeerID(id), common.HexToAddress(p.Address)); err != nil {
			return fmt.Errorf("register peer %s: %w", id, err)
		}
	}
	return nil
}

// syncChannels loads the channel each configured peer has opened towards us. Failures are
// logged; the strategy retries on every tick for channels it already knows.
func syncChannels(ctx context.Context, s channelStore, chain strategy.ChannelReader, self common.Address, peers map[string]config.PeerConfig, log *zap.Logger) {
	for id, p := range peers {
		entry, err := chain.Channel(ctx, common.HexToAddress(p.Address), self)
		if err != nil {
			log.Warn("sync channel", zap.String("peer", id), zap.Error(err))
			continue
		}
		if entry.Status == ticket.ChannelClosed {
			known, err := s.GetChannel(ctx, entry.ID())
			if err != nil || known == nil {
				continue
			}
		}
		if err := s.UpsertChannel(ctx, entry); err != nil {
			log.Warn("store channel", zap.String("peer", id), zap.Error(err))
			continue
		}
		log.Info("channel synced",
			zap.String("peer", id),
			zap.String("channel", entry.ID().Hex()),
			zap.Stringer("status", entry.Status),
			zap.Uint32("epoch", entry.Epoch),
		)
	}
}

// recoverLeases releases tickets that a previous run leased for aggregation. Their requests
// were lost with that process, so no reply will ever complete them.
func recoverLeases(ctx context.Context, s strategy.Store, self common.Address, log *zap.Logger) error {
	channels, err := s.Channels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, entry := range channels {
		if entry.Destination != self {
			continue
		}
		id := entry.ID()
		leased, err := s.CountTickets(ctx, id, entry.Epoch, ticket.StatusBeingAggregated)
		if err != nil {
			return fmt.Errorf("count leased tickets of %s: %w", id.Hex(), err)
		}
		if leased == 0 {
			continue
		}
		list := aggregation.ChannelRange(id, entry.Epoch, 0, ticket.MaxTicketIndex)
		if err := list.Rollback(ctx, s, log); err != nil {
			log.Error("recoverLeases: rollback", zap.String("channel", id.Hex()), zap.Error(err))
			continue
		}
		log.Info("recovered leased tickets", zap.String("channel", id.Hex()), zap.Int("tickets", leased))
	}
	return nil
}
