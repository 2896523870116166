package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func startInteraction(t *testing.T, n *node, capacity int) *Interaction {
	t.Helper()
	i := NewInteraction(context.Background(), n.store, n.key, capacity, zap.NewNop())
	t.Cleanup(func() {
		i.CloseOutbound()
		i.Close()
		i.Wait()
	})
	return i
}

func nextEvent(t *testing.T, i *Interaction) ProcessedEvent {
	t.Helper()
	select {
	case ev, ok := <-i.Outbound():
		if !ok {
			t.Fatal("outbound closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound event")
	}
	return nil
}

// ── Round trip ────────────────────────────────────────────────────────────────

func TestInteraction_RoundTripWholeChannel(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	ctx := context.Background()

	redeemed := issue(t, b, a.addr, 1, 1000)
	redeemed.Status = ticket.StatusBeingRedeemed
	storeAll(t, a, redeemed)
	want := new(big.Int)
	for i := uint64(2); i <= 30; i++ {
		tk := issue(t, b, a.addr, i, int64(i))
		want.Add(want, tk.Ticket.Amount)
		storeAll(t, a, tk)
	}

	ia, ib := startInteraction(t, a, 8), startInteraction(t, b, 8)
	entry := ticket.ChannelEntry{Source: b.addr, Destination: a.addr, Epoch: 1}

	// A asks B to aggregate.
	awaiter, err := ia.Writer().AggregateTickets(WholeChannel(entry))
	if err != nil {
		t.Fatalf("AggregateTickets: %v", err)
	}
	send, ok := nextEvent(t, ia).(Send)
	if !ok {
		t.Fatal("want Send event")
	}
	if send.Destination != b.peer || len(send.Tickets) != 29 {
		t.Fatalf("send: destination %q, %d tickets", send.Destination, len(send.Tickets))
	}
	send.Finalizer.Finalize()
	if err := awaiter.ConsumeAndWait(ctx, time.Second); err != nil {
		t.Fatalf("ConsumeAndWait: %v", err)
	}

	// B aggregates and replies.
	if err := ib.Writer().ReceiveAggregationRequest(a.peer, send.Tickets, "req-1"); err != nil {
		t.Fatalf("ReceiveAggregationRequest: %v", err)
	}
	reply, ok := nextEvent(t, ib).(Reply)
	if !ok || !reply.Result.OK() {
		t.Fatalf("want successful Reply, got %+v", reply)
	}
	if reply.Destination != a.peer || reply.RequestID != "req-1" {
		t.Errorf("reply routed to %q / %q", reply.Destination, reply.RequestID)
	}

	// A accepts the aggregate.
	if err := ia.Writer().ReceiveTicket(b.peer, reply.Result, reply.RequestID); err != nil {
		t.Fatalf("ReceiveTicket: %v", err)
	}
	recv, ok := nextEvent(t, ia).(Receive)
	if !ok {
		t.Fatal("want Receive event")
	}
	if recv.Source != b.peer || recv.RequestID != "req-1" {
		t.Errorf("receive: source %q request %q", recv.Source, recv.RequestID)
	}

	all := stored(t, a, entry.ID(), 1)
	if len(all) != 2 {
		t.Fatalf("want 2 stored tickets, got %d", len(all))
	}
	if all[0].Ticket.Index != 1 || all[0].Status != ticket.StatusBeingRedeemed {
		t.Errorf("redeemed ticket changed: index %d status %s", all[0].Ticket.Index, all[0].Status)
	}
	agg := all[1]
	if agg.Ticket.Index != 2 || agg.Ticket.LastIndex() != 30 {
		t.Errorf("aggregate covers [%d, %d], want [2, 30]", agg.Ticket.Index, agg.Ticket.LastIndex())
	}
	if agg.Ticket.Amount.Cmp(want) != 0 {
		t.Errorf("aggregate amount: got %s, want %s", agg.Ticket.Amount, want)
	}
	if agg.Status != ticket.StatusUntouched || !agg.Ticket.WinProb.IsAlwaysWinning() {
		t.Errorf("aggregate: status %s win prob %v", agg.Status, agg.Ticket.WinProb.Float64())
	}
}

// ── Error paths ───────────────────────────────────────────────────────────────

func TestInteraction_ProtocolErrorIsReplied(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	ib := startInteraction(t, b, 4)

	bad := []ticket.AcknowledgedTicket{
		issueWith(t, b, a.addr, 1, 5, 10, ticket.AlwaysWinning, 1),
		issue(t, b, a.addr, 2, 10),
	}
	if err := ib.Writer().ReceiveAggregationRequest(a.peer, bad, "req-bad"); err != nil {
		t.Fatal(err)
	}
	reply, ok := nextEvent(t, ib).(Reply)
	if !ok {
		t.Fatal("want Reply event")
	}
	if reply.Result.OK() || reply.Result.Err == "" {
		t.Fatalf("want error reply, got %+v", reply.Result)
	}
	if reply.RequestID != "req-bad" || reply.Destination != a.peer {
		t.Errorf("reply routed to %q / %q", reply.Destination, reply.RequestID)
	}
}

func TestInteraction_PreservesOrder(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	ib := startInteraction(t, b, 4)
	w := ib.Writer()

	for n := 0; n < 4; n++ {
		batch := []ticket.AcknowledgedTicket{issue(t, b, a.addr, 1, 10), issue(t, b, a.addr, 2, 10)}
		if n%2 == 1 {
			batch = batch[:0]
		}
		if err := w.ReceiveAggregationRequest(a.peer, batch, fmt.Sprintf("req-%d", n)); err != nil {
			t.Fatal(err)
		}
	}
	for n := 0; n < 4; n++ {
		reply, ok := nextEvent(t, ib).(Reply)
		if !ok {
			t.Fatal("want Reply event")
		}
		if want := fmt.Sprintf("req-%d", n); reply.RequestID != want {
			t.Fatalf("event %d: got %s, want %s", n, reply.RequestID, want)
		}
		if reply.Result.OK() != (n%2 == 0) {
			t.Errorf("event %d: ok=%v", n, reply.Result.OK())
		}
	}
}

func TestInteraction_RefusalIsDropped(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	ia := startInteraction(t, a, 4)
	w := ia.Writer()

	if err := w.ReceiveTicket(b.peer, TicketResult{Err: "no"}, "req-1"); err != nil {
		t.Fatal(err)
	}
	if err := w.ReceiveAggregationRequest(b.peer, []ticket.AcknowledgedTicket{issue(t, a, b.addr, 1, 1)}, "req-2"); err != nil {
		t.Fatal(err)
	}
	reply, ok := nextEvent(t, ia).(Reply)
	if !ok || reply.RequestID != "req-2" {
		t.Fatalf("refusal should produce no event; got %+v", reply)
	}
}

func TestInteraction_FailedSendCancelsAwaiter(t *testing.T) {
	a := newNode(t, "A")
	ia := startInteraction(t, a, 4)

	awaiter, err := ia.Writer().AggregateTickets(TicketList(nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := awaiter.ConsumeAndWait(context.Background(), 5*time.Second); !errors.Is(err, ErrCanceled) {
		t.Fatalf("want ErrCanceled, got %v", err)
	}
}

func TestInteraction_ClosedOutboundCancelsSend(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	storeAll(t, a, issue(t, b, a.addr, 1, 10), issue(t, b, a.addr, 2, 10))
	ia := startInteraction(t, a, 4)
	ia.CloseOutbound()

	entry := ticket.ChannelEntry{Source: b.addr, Destination: a.addr, Epoch: 1}
	awaiter, err := ia.Writer().AggregateTickets(WholeChannel(entry))
	if err != nil {
		t.Fatal(err)
	}
	if err := awaiter.ConsumeAndWait(context.Background(), 5*time.Second); !errors.Is(err, ErrCanceled) {
		t.Fatalf("want ErrCanceled, got %v", err)
	}
}

func TestInteraction_CloseDrains(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	i := NewInteraction(context.Background(), b.store, b.key, 4, zap.NewNop())
	w := i.Writer()

	if err := w.ReceiveAggregationRequest(a.peer, []ticket.AcknowledgedTicket{issue(t, b, a.addr, 1, 1)}, "req-1"); err != nil {
		t.Fatal(err)
	}
	i.Close()
	if err := w.ReceiveAggregationRequest(a.peer, nil, "req-2"); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("want ErrTransportClosed after Close, got %v", err)
	}

	var events []ProcessedEvent
	for ev := range i.Outbound() {
		events = append(events, ev)
	}
	i.Wait()
	if len(events) != 1 {
		t.Fatalf("want the queued request to drain, got %d events", len(events))
	}
}
