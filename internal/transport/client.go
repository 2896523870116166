package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/auth"
	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// signatureTTL is how long a signed request stays valid at the receiver.
const signatureTTL = 2 * time.Minute

var (
	ErrUnknownPeer = errors.New("no address configured for peer")
	ErrPeerBusy    = errors.New("peer queue is full")
)

// Client sends signed aggregation messages to other nodes.
type Client struct {
	peers map[ticket.PeerID]string
	key   *ecdsa.PrivateKey
	http  *http.Client
}

// NewClient takes the peer id → base URL table and the local chain key used to sign requests.
func NewClient(peers map[string]string, key *ecdsa.PrivateKey, timeout time.Duration) *Client {
	table := make(map[ticket.PeerID]string, len(peers))
	for id, url := range peers {
		table[ticket.PeerID(id)] = url
	}
	return &Client{
		peers: table,
		key:   key,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, peer ticket.PeerID, path string, body any) error {
	base, ok := c.peers[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := auth.SignRequest(req, b, c.key, signatureTTL); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("POST %s to %s: %w", path, peer, ErrPeerBusy)
	case resp.StatusCode >= 300:
		return fmt.Errorf("POST %s to %s: status %d", path, peer, resp.StatusCode)
	}
	return nil
}

// RequestAggregation delivers an aggregation request to the issuing peer.
func (c *Client) RequestAggregation(ctx context.Context, peer ticket.PeerID, req AggregationRequest) error {
	return c.post(ctx, peer, PathRequest, req)
}

// Reply delivers the answer to a peer's aggregation request.
func (c *Client) Reply(ctx context.Context, peer ticket.PeerID, reply AggregationReply) error {
	return c.post(ctx, peer, PathReply, reply)
}
