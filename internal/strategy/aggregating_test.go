package strategy

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/aggregation"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/config"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/store"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

var (
	self  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	other = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// ── mocks ─────────────────────────────────────────────────────────────────────

// mockSubmitter records submitted lists and resolves each with resolve, if set.
type mockSubmitter struct {
	mu      sync.Mutex
	lists   []aggregation.List
	err     error
	resolve func(list aggregation.List, fin *aggregation.Finalizer)
}

func (m *mockSubmitter) AggregateTickets(list aggregation.List) (*aggregation.Awaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.lists = append(m.lists, list)
	fin, aw := aggregation.NewFinalizerPair()
	if m.resolve != nil {
		m.resolve(list, fin)
	}
	return aw, nil
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists)
}

type mockChain struct {
	mu      sync.Mutex
	entries map[common.Hash]*ticket.ChannelEntry
	err     error
}

func (m *mockChain) Channel(_ context.Context, src, dst common.Address) (*ticket.ChannelEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.entries[ticket.ChannelID(src, dst)]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *e
	return &cp, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func testAggConfig() config.AggregationConfig {
	return config.AggregationConfig{
		Threshold:       3,
		AwaitTimeoutSec: 1,
		LeaseTimeoutSec: 60,
	}
}

func newTestStore(t *testing.T) *store.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
}

// seed stores an open incoming channel with n tickets in the given status.
func seed(t *testing.T, s *store.RedisStore, src common.Address, n int, status ticket.Status) ticket.ChannelEntry {
	t.Helper()
	ctx := context.Background()
	entry := ticket.ChannelEntry{Source: src, Destination: self, Balance: big.NewInt(1000), Status: ticket.ChannelOpen, Epoch: 1}
	if err := s.UpsertChannel(ctx, &entry); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		ack := &ticket.AcknowledgedTicket{
			Ticket: ticket.Ticket{
				ChannelID:    entry.ID(),
				Amount:       big.NewInt(10),
				Index:        uint64(i),
				IndexOffset:  1,
				WinProb:      ticket.AlwaysWinning,
				ChannelEpoch: 1,
			},
			Signer: src,
			Status: status,
		}
		if err := s.InsertAcknowledgedTicket(ctx, ack); err != nil {
			t.Fatal(err)
		}
	}
	return entry
}

func count(t *testing.T, s *store.RedisStore, entry ticket.ChannelEntry, status ticket.Status) int {
	t.Helper()
	n, err := s.CountTickets(context.Background(), entry.ID(), entry.Epoch, status)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestTick_BelowThreshold(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, other, 2, ticket.StatusUntouched)
	sub := &mockSubmitter{}

	NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop()).Tick(context.Background())

	if sub.count() != 0 {
		t.Errorf("expected no submission below threshold, got %d", sub.count())
	}
}

func TestTick_SubmitsWholeChannel(t *testing.T) {
	s := newTestStore(t)
	entry := seed(t, s, other, 3, ticket.StatusUntouched)
	sub := &mockSubmitter{resolve: func(_ aggregation.List, fin *aggregation.Finalizer) { fin.Finalize() }}

	NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop()).Tick(context.Background())

	if sub.count() != 1 {
		t.Fatalf("expected 1 submission, got %d", sub.count())
	}
	got, err := sub.lists[0].IntoVec(context.Background(), s)
	if err != nil {
		t.Fatalf("IntoVec: %v", err)
	}
	if len(got) != 3 || got[0].Ticket.ChannelID != entry.ID() {
		t.Errorf("submitted list resolved to %d tickets", len(got))
	}
}

func TestTick_SkipsOutgoingAndClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outgoing := ticket.ChannelEntry{Source: self, Destination: other, Status: ticket.ChannelOpen, Epoch: 1}
	if err := s.UpsertChannel(ctx, &outgoing); err != nil {
		t.Fatal(err)
	}
	closed := seed(t, s, common.HexToAddress("0x3333333333333333333333333333333333333333"), 5, ticket.StatusUntouched)
	closed.Status = ticket.ChannelClosed
	if err := s.UpsertChannel(ctx, &closed); err != nil {
		t.Fatal(err)
	}
	sub := &mockSubmitter{}

	NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop()).Tick(ctx)

	if sub.count() != 0 {
		t.Errorf("expected no submission, got %d", sub.count())
	}
}

func TestTick_CanceledRollsBack(t *testing.T) {
	s := newTestStore(t)
	entry := seed(t, s, other, 4, ticket.StatusUntouched)
	sub := &mockSubmitter{resolve: func(list aggregation.List, fin *aggregation.Finalizer) {
		if _, err := list.IntoVec(context.Background(), s); err != nil {
			t.Errorf("IntoVec: %v", err)
		}
		fin.Cancel()
	}}

	NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop()).Tick(context.Background())

	if n := count(t, s, entry, ticket.StatusUntouched); n != 4 {
		t.Errorf("want all 4 tickets released, %d untouched", n)
	}
}

func TestTick_CanceledWithoutLeaseKeepsOtherLease(t *testing.T) {
	s := newTestStore(t)
	entry := seed(t, s, other, 3, ticket.StatusUntouched)
	sub := &mockSubmitter{resolve: func(list aggregation.List, fin *aggregation.Finalizer) {
		// another aggregation takes the channel first
		if _, err := aggregation.WholeChannel(entry).IntoVec(context.Background(), s); err != nil {
			t.Errorf("competing lease: %v", err)
		}
		if _, err := list.IntoVec(context.Background(), s); !errors.Is(err, store.ErrAggregationInProgress) {
			t.Errorf("want ErrAggregationInProgress, got %v", err)
		}
		fin.Cancel()
	}}

	NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop()).Tick(context.Background())

	if n := count(t, s, entry, ticket.StatusBeingAggregated); n != 3 {
		t.Errorf("competing lease released: %d of 3 still leased", n)
	}
}

func TestTick_StaleLeaseRolledBack(t *testing.T) {
	s := newTestStore(t)
	entry := seed(t, s, other, 3, ticket.StatusBeingAggregated)
	sub := &mockSubmitter{}

	strat := NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	strat.now = func() time.Time { return now }

	strat.Tick(context.Background())
	if n := count(t, s, entry, ticket.StatusBeingAggregated); n != 3 {
		t.Fatalf("fresh lease must be left alone, %d leased", n)
	}

	now = now.Add(61 * time.Second)
	strat.Tick(context.Background())
	if n := count(t, s, entry, ticket.StatusUntouched); n != 3 {
		t.Fatalf("stale lease should be rolled back, %d untouched", n)
	}
	if sub.count() != 0 {
		t.Errorf("no new request in the tick that rolled back, got %d", sub.count())
	}

	// next tick aggregates again
	strat.Tick(context.Background())
	if sub.count() != 1 {
		t.Errorf("expected a new request after rollback, got %d", sub.count())
	}
}

func TestTick_RetryStopsTick(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, other, 3, ticket.StatusUntouched)
	sub := &mockSubmitter{err: aggregation.ErrRetry}

	strat := NewAggregating(testAggConfig(), s, nil, sub, self, zap.NewNop())
	strat.Tick(context.Background())

	if len(strat.leases) != 0 {
		t.Errorf("no lease should be tracked when submission failed")
	}
}

func TestTick_RefreshesFromChain(t *testing.T) {
	s := newTestStore(t)
	entry := seed(t, s, other, 3, ticket.StatusUntouched)
	fresh := entry
	fresh.Status = ticket.ChannelPendingToClose
	fresh.Balance = big.NewInt(5)
	chain := &mockChain{entries: map[common.Hash]*ticket.ChannelEntry{entry.ID(): &fresh}}
	sub := &mockSubmitter{resolve: func(_ aggregation.List, fin *aggregation.Finalizer) { fin.Finalize() }}

	NewAggregating(testAggConfig(), s, chain, sub, self, zap.NewNop()).Tick(context.Background())

	got, err := s.GetChannel(context.Background(), entry.ID())
	if err != nil || got == nil {
		t.Fatalf("GetChannel: %v %v", got, err)
	}
	if got.Status != ticket.ChannelPendingToClose || got.Balance.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("stored entry not refreshed: %+v", got)
	}
	if sub.count() != 1 {
		t.Errorf("pending-to-close channels are still aggregated, got %d submissions", sub.count())
	}
}

func TestTick_ChainFailureUsesCachedEntry(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, other, 3, ticket.StatusUntouched)
	chain := &mockChain{err: errors.New("rpc down")}
	sub := &mockSubmitter{resolve: func(_ aggregation.List, fin *aggregation.Finalizer) { fin.Finalize() }}

	NewAggregating(testAggConfig(), s, chain, sub, self, zap.NewNop()).Tick(context.Background())

	if sub.count() != 1 {
		t.Errorf("expected submission from cached entry, got %d", sub.count())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newTestStore(t)
	strat := NewAggregating(testAggConfig(), s, nil, &mockSubmitter{}, self, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		strat.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
