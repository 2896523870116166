package transport

import (
	"sync"
	"time"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

const (
	PathRequest = "/api/v1/aggregation/request"
	PathReply   = "/api/v1/aggregation/reply"
)

// AggregationRequest asks the ticket issuer to aggregate tickets it issued to the sender.
type AggregationRequest struct {
	RequestID string                      `json:"request_id"`
	Tickets   []ticket.AcknowledgedTicket `json:"tickets"`
}

// AggregationReply answers an AggregationRequest with either a ticket or an error message.
type AggregationReply struct {
	RequestID string         `json:"request_id"`
	Ticket    *ticket.Ticket `json:"ticket,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Pending tracks the aggregation requests we sent and are still waiting on.
type Pending struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]pendingEntry
}

type pendingEntry struct {
	peer    ticket.PeerID
	addedAt time.Time
}

func NewPending(ttl time.Duration) *Pending {
	return &Pending{ttl: ttl, now: time.Now, entries: map[string]pendingEntry{}}
}

// Add records a request sent to peer, dropping entries older than the ttl.
func (p *Pending) Add(requestID string, peer ticket.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for id, e := range p.entries {
		if now.Sub(e.addedAt) > p.ttl {
			delete(p.entries, id)
		}
	}
	p.entries[requestID] = pendingEntry{peer: peer, addedAt: now}
}

// Take removes the request and reports whether it was sent to peer and not yet expired.
func (p *Pending) Take(requestID string, peer ticket.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[requestID]
	if !ok || e.peer != peer {
		return false
	}
	delete(p.entries, requestID)
	return p.now().Sub(e.addedAt) <= p.ttl
}

// Remove forgets a request that was never delivered.
func (p *Pending) Remove(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, requestID)
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
