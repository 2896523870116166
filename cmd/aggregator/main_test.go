package main

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/store"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

var (
	selfAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bobAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carlAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
}

type mockChain struct {
	mu      sync.Mutex
	entries map[common.Address]*ticket.ChannelEntry // keyed by source
	calls   int
}

func (m *mockChain) Channel(_ context.Context, src, dst common.Address) (*ticket.ChannelEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	e, ok := m.entries[src]
	if !ok {
		return nil, errors.New("rpc error")
	}
	cp := *e
	cp.Source, cp.Destination = src, dst
	return &cp, nil
}

func putTickets(t *testing.T, s *store.RedisStore, entry ticket.ChannelEntry, statuses ...ticket.Status) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertChannel(ctx, &entry); err != nil {
		t.Fatal(err)
	}
	for i, st := range statuses {
		ack := &ticket.AcknowledgedTicket{
			Ticket: ticket.Ticket{
				ChannelID:    entry.ID(),
				Amount:       big.NewInt(1),
				Index:        uint64(i + 1),
				IndexOffset:  1,
				WinProb:      ticket.AlwaysWinning,
				ChannelEpoch: entry.Epoch,
			},
			Signer: entry.Source,
			Status: st,
		}
		if err := s.InsertAcknowledgedTicket(ctx, ack); err != nil {
			t.Fatal(err)
		}
	}
}

func countStatus(t *testing.T, s *store.RedisStore, entry ticket.ChannelEntry, st ticket.Status) int {
	t.Helper()
	n, err := s.CountTickets(context.Background(), entry.ID(), entry.Epoch, st)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// ── registerPeers ─────────────────────────────────────────────────────────────

func TestRegisterPeers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	peers := map[string]config.PeerConfig{
		"bob": {URL: "http://bob", Address: bobAddr.Hex()},
	}

	if err := registerPeers(ctx, s, "self", selfAddr, peers); err != nil {
		t.Fatalf("registerPeers: %v", err)
	}

	addr, ok, err := s.GetChainKey(ctx, "bob")
	if err != nil || !ok || addr != bobAddr {
		t.Errorf("bob chain key: %v %v %v", addr, ok, err)
	}
	peer, ok, err := s.GetPacketKey(ctx, selfAddr)
	if err != nil || !ok || peer != "self" {
		t.Errorf("self packet key: %v %v %v", peer, ok, err)
	}
}

// ── syncChannels ──────────────────────────────────────────────────────────────

func TestSyncChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chain := &mockChain{entries: map[common.Address]*ticket.ChannelEntry{
		bobAddr:  {Balance: big.NewInt(100), Status: ticket.ChannelOpen, Epoch: 2},
		carlAddr: {Balance: big.NewInt(0), Status: ticket.ChannelClosed},
	}}
	peers := map[string]config.PeerConfig{
		"bob":  {Address: bobAddr.Hex()},
		"carl": {Address: carlAddr.Hex()},
		"dave": {Address: "0x4444444444444444444444444444444444444444"},
	}

	syncChannels(ctx, s, chain, selfAddr, peers, zap.NewNop())

	if chain.calls != 3 {
		t.Errorf("expected a chain read per peer, got %d", chain.calls)
	}
	bob, err := s.GetChannel(ctx, ticket.ChannelID(bobAddr, selfAddr))
	if err != nil || bob == nil {
		t.Fatalf("bob channel: %v %v", bob, err)
	}
	if bob.Epoch != 2 || bob.Status != ticket.ChannelOpen {
		t.Errorf("bob channel: %+v", bob)
	}
	carl, err := s.GetChannel(ctx, ticket.ChannelID(carlAddr, selfAddr))
	if err != nil || carl != nil {
		t.Errorf("unknown closed channel should not be stored: %+v %v", carl, err)
	}
}

func TestSyncChannels_ClosesKnownChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	known := ticket.ChannelEntry{Source: bobAddr, Destination: selfAddr, Balance: big.NewInt(5), Status: ticket.ChannelOpen, Epoch: 1}
	if err := s.UpsertChannel(ctx, &known); err != nil {
		t.Fatal(err)
	}
	chain := &mockChain{entries: map[common.Address]*ticket.ChannelEntry{
		bobAddr: {Balance: big.NewInt(0), Status: ticket.ChannelClosed, Epoch: 1},
	}}

	syncChannels(ctx, s, chain, selfAddr, map[string]config.PeerConfig{"bob": {Address: bobAddr.Hex()}}, zap.NewNop())

	got, err := s.GetChannel(ctx, known.ID())
	if err != nil || got == nil || got.Status != ticket.ChannelClosed {
		t.Errorf("known channel should be updated to closed: %+v %v", got, err)
	}
}

// ── recoverLeases ─────────────────────────────────────────────────────────────

func TestRecoverLeases(t *testing.T) {
	s := newTestStore(t)
	incoming := ticket.ChannelEntry{Source: bobAddr, Destination: selfAddr, Balance: big.NewInt(10), Status: ticket.ChannelOpen, Epoch: 1}
	outgoing := ticket.ChannelEntry{Source: selfAddr, Destination: carlAddr, Balance: big.NewInt(10), Status: ticket.ChannelOpen, Epoch: 1}
	putTickets(t, s, incoming,
		ticket.StatusBeingAggregated, ticket.StatusBeingAggregated, ticket.StatusBeingRedeemed, ticket.StatusUntouched)
	putTickets(t, s, outgoing, ticket.StatusBeingAggregated)

	if err := recoverLeases(context.Background(), s, selfAddr, zap.NewNop()); err != nil {
		t.Fatalf("recoverLeases: %v", err)
	}

	if n := countStatus(t, s, incoming, ticket.StatusBeingAggregated); n != 0 {
		t.Errorf("incoming leases left: %d", n)
	}
	if n := countStatus(t, s, incoming, ticket.StatusUntouched); n != 3 {
		t.Errorf("untouched: got %d, want 3", n)
	}
	if n := countStatus(t, s, incoming, ticket.StatusBeingRedeemed); n != 1 {
		t.Errorf("tickets being redeemed must be left alone, got %d", n)
	}
	if n := countStatus(t, s, outgoing, ticket.StatusBeingAggregated); n != 1 {
		t.Errorf("outgoing channel is not ours to recover, %d still leased", n)
	}
}

func TestRecoverLeases_Empty(t *testing.T) {
	if err := recoverLeases(context.Background(), newTestStore(t), selfAddr, zap.NewNop()); err != nil {
		t.Fatalf("recoverLeases on empty store: %v", err)
	}
}
