package ticket

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxTicketIndex is the largest index representable on-chain (uint48).
const MaxTicketIndex uint64 = 1<<48 - 1

// PeerID identifies a transport peer (its packet key).
type PeerID string

// Status is the local lifecycle state of an acknowledged ticket.
type Status uint8

const (
	StatusUntouched Status = iota
	StatusBeingRedeemed
	StatusBeingAggregated
)

func (s Status) String() string {
	switch s {
	case StatusUntouched:
		return "Untouched"
	case StatusBeingRedeemed:
		return "BeingRedeemed"
	case StatusBeingAggregated:
		return "BeingAggregated"
	default:
		return "Unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s > StatusBeingAggregated {
		return nil, fmt.Errorf("invalid ticket status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Untouched":
		*s = StatusUntouched
	case "BeingRedeemed":
		*s = StatusBeingRedeemed
	case "BeingAggregated":
		*s = StatusBeingAggregated
	default:
		return fmt.Errorf("invalid ticket status %q", string(b))
	}
	return nil
}

// ChannelStatus mirrors the channels contract enum (same ordinal values).
type ChannelStatus uint8

const (
	ChannelClosed ChannelStatus = iota
	ChannelOpen
	ChannelPendingToClose
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelClosed:
		return "Closed"
	case ChannelOpen:
		return "Open"
	case ChannelPendingToClose:
		return "PendingToClose"
	default:
		return "Unknown"
	}
}

// ChannelEntry is a snapshot of an on-chain payment channel.
type ChannelEntry struct {
	Source      common.Address `json:"source"`
	Destination common.Address `json:"destination"`
	Balance     *big.Int       `json:"balance"`
	TicketIndex uint64         `json:"ticket_index"`
	Status      ChannelStatus  `json:"status"`
	Epoch       uint32         `json:"epoch"`
	ClosureTime uint32         `json:"closure_time"`
}

// ID returns the channel id derived from source and destination.
func (c *ChannelEntry) ID() common.Hash {
	return ChannelID(c.Source, c.Destination)
}

// ChannelID derives the deterministic id of the channel source → destination.
func ChannelID(source, destination common.Address) common.Hash {
	return crypto.Keccak256Hash(source.Bytes(), destination.Bytes())
}

// WinProb is a 56-bit big-endian fixed-point winning probability.
// All bits set encodes exactly 1.0.
type WinProb [7]byte

// AlwaysWinning is the encoded probability 1.0.
var AlwaysWinning = WinProb{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

const maxWinProb = uint64(1)<<56 - 1

// WinProbFromFloat encodes p, clamped to [0,1].
func WinProbFromFloat(p float64) WinProb {
	switch {
	case math.IsNaN(p) || p <= 0:
		return WinProb{}
	case p >= 1:
		return AlwaysWinning
	}
	v := uint64(p * float64(maxWinProb))
	if v > maxWinProb {
		v = maxWinProb
	}
	return winProbFromUint(v)
}

func winProbFromUint(v uint64) WinProb {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	var w WinProb
	copy(w[:], buf[1:])
	return w
}

func (w WinProb) uint64() uint64 {
	var buf [8]byte
	copy(buf[1:], w[:])
	return binary.BigEndian.Uint64(buf[:])
}

// Float64 decodes the probability.
func (w WinProb) Float64() float64 {
	if w.IsAlwaysWinning() {
		return 1
	}
	return float64(w.uint64()) / float64(maxWinProb)
}

// IsAlwaysWinning reports whether w encodes exactly 1.0.
func (w WinProb) IsAlwaysWinning() bool {
	return w == AlwaysWinning
}

func (w WinProb) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(w[:])), nil
}

func (w *WinProb) UnmarshalText(b []byte) error {
	return decodeFixedHex(b, w[:], "win_prob")
}

// Response is the secret that opens a ticket's challenge. It is a secp256k1 scalar.
type Response [32]byte

// Challenge commits to a Response: the address of response·G.
type Challenge [20]byte

// NewResponse draws a fresh random response.
func NewResponse() (Response, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Response{}, err
	}
	var r Response
	copy(r[:], crypto.FromECDSA(key))
	return r, nil
}

// ToChallenge computes the challenge this response opens.
func (r Response) ToChallenge() (Challenge, error) {
	key, err := crypto.ToECDSA(r[:])
	if err != nil {
		return Challenge{}, fmt.Errorf("invalid response: %w", err)
	}
	return Challenge(crypto.PubkeyToAddress(key.PublicKey)), nil
}

func (r Response) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(r[:])), nil
}

func (r *Response) UnmarshalText(b []byte) error {
	return decodeFixedHex(b, r[:], "response")
}

func (c Challenge) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(c[:])), nil
}

func (c *Challenge) UnmarshalText(b []byte) error {
	return decodeFixedHex(b, c[:], "challenge")
}

func decodeFixedHex(b []byte, dst []byte, field string) error {
	raw, err := hexutil.Decode(string(b))
	if err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("decode %s: want %d bytes, got %d", field, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

// Ticket is a signed probabilistic payment for one channel. Treat as immutable once
// signed; use Copy before modifying.
type Ticket struct {
	ChannelID    common.Hash `json:"channel_id"`
	Amount       *big.Int    `json:"amount"`
	Index        uint64      `json:"index"`
	IndexOffset  uint32      `json:"index_offset"`
	WinProb      WinProb     `json:"win_prob"`
	ChannelEpoch uint32      `json:"channel_epoch"`
	Challenge    Challenge   `json:"challenge"`
	Signature    []byte      `json:"signature"`
}

// Copy returns a deep copy of t.
func (t *Ticket) Copy() *Ticket {
	cp := *t
	if t.Amount != nil {
		cp.Amount = new(big.Int).Set(t.Amount)
	}
	if t.Signature != nil {
		cp.Signature = append([]byte(nil), t.Signature...)
	}
	return &cp
}

// Equal reports whether both tickets carry identical fields and signature.
func (t *Ticket) Equal(o *Ticket) bool {
	if t.ChannelID != o.ChannelID || t.Index != o.Index || t.IndexOffset != o.IndexOffset ||
		t.WinProb != o.WinProb || t.ChannelEpoch != o.ChannelEpoch || t.Challenge != o.Challenge {
		return false
	}
	if (t.Amount == nil) != (o.Amount == nil) || (t.Amount != nil && t.Amount.Cmp(o.Amount) != 0) {
		return false
	}
	return string(t.Signature) == string(o.Signature)
}

// LastIndex is the highest index covered by t.
func (t *Ticket) LastIndex() uint64 {
	return t.Index + uint64(t.IndexOffset)
}

// AcknowledgedTicket is a received ticket together with the material needed to redeem it.
type AcknowledgedTicket struct {
	Ticket   Ticket         `json:"ticket"`
	Response Response       `json:"response"`
	Signer   common.Address `json:"signer"`
	Status   Status         `json:"status"`
}

// Copy returns a deep copy of a.
func (a *AcknowledgedTicket) Copy() *AcknowledgedTicket {
	cp := *a
	cp.Ticket = *a.Ticket.Copy()
	return &cp
}

// Equal compares every field, status included.
func (a *AcknowledgedTicket) Equal(o *AcknowledgedTicket) bool {
	return a.Response == o.Response && a.Signer == o.Signer && a.Status == o.Status &&
		a.Ticket.Equal(&o.Ticket)
}
