// Package store persists acknowledged tickets, channel snapshots and key mappings in Redis.
//
// Tickets of one channel epoch live in two keys: a hash holding the JSON-encoded ticket per
// index and a sorted set of indices used for range queries. Status transitions that must be
// exclusive (leasing for aggregation, replacing by an aggregate) run as optimistic
// WATCH/MULTI transactions over both keys.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-ticket-aggregator/internal/ticket"
)

// Redis key templates
const (
	ticketsKeyFmt      = "tickets:%s:%d"     // %s = channel id, %d = epoch
	ticketIndexKeyFmt  = "tickets:idx:%s:%d" // sorted set, score = index
	channelKeyFmt      = "channel:%s"
	channelsKey        = "channels"
	domainSeparatorKey = "channels:domain_separator"
	chainKeyFmt        = "keys:chain:%s"  // %s = peer id
	packetKeyFmt       = "keys:packet:%s" // %s = lowercase address
)

const maxTxRetries = 16

var (
	ErrAggregationInProgress = errors.New("tickets in range are already being aggregated")
	ErrTxConflict            = errors.New("ticket store: transaction conflict, retries exhausted")
	ErrTicketExists          = errors.New("ticket already exists")
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrNoTicketsToReplace    = errors.New("no tickets being aggregated in range")
	ErrRangeNotLeased        = errors.New("range holds tickets that are not being aggregated")
	ErrLeaseReleased         = errors.New("ticket is no longer leased for aggregation")
)

// RedisStore is the Redis-backed ticket store. It is safe for concurrent use.
type RedisStore struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

func ticketsKey(channelID common.Hash, epoch uint32) string {
	return fmt.Sprintf(ticketsKeyFmt, channelID.Hex(), epoch)
}

func ticketIndexKey(channelID common.Hash, epoch uint32) string {
	return fmt.Sprintf(ticketIndexKeyFmt, channelID.Hex(), epoch)
}

func packetKey(addr common.Address) string {
	return fmt.Sprintf(packetKeyFmt, strings.ToLower(addr.Hex()))
}

// ── Tickets ───────────────────────────────────────────────────────────────────

// GetAcknowledgedTicketsRange returns the tickets with index in [start, end], ordered by index.
func (s *RedisStore) GetAcknowledgedTicketsRange(ctx context.Context, channelID common.Hash, epoch uint32, start, end uint64) ([]ticket.AcknowledgedTicket, error) {
	return s.readRange(ctx, s.rdb, channelID, epoch, start, end)
}

// PrepareAggregatableTickets leases the aggregatable tickets in [start, end] by marking them
// BeingAggregated and returns them. Tickets at or below the highest index currently being
// redeemed are skipped. Fails with ErrAggregationInProgress when the range already holds a
// lease.
func (s *RedisStore) PrepareAggregatableTickets(ctx context.Context, channelID common.Hash, epoch uint32, start, end uint64) ([]ticket.AcknowledgedTicket, error) {
	var leased []ticket.AcknowledgedTicket
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		leased = nil
		tickets, err := s.readRange(ctx, tx, channelID, epoch, start, end)
		if err != nil {
			return err
		}

		var lastRedeemed uint64
		redeemed := false
		for _, t := range tickets {
			switch t.Status {
			case ticket.StatusBeingAggregated:
				return fmt.Errorf("%w: channel %s epoch %d index %d", ErrAggregationInProgress, channelID.Hex(), epoch, t.Ticket.Index)
			case ticket.StatusBeingRedeemed:
				if !redeemed || t.Ticket.Index > lastRedeemed {
					lastRedeemed = t.Ticket.Index
				}
				redeemed = true
			}
		}

		for _, t := range tickets {
			if t.Status != ticket.StatusUntouched || (redeemed && t.Ticket.Index <= lastRedeemed) {
				continue
			}
			t.Status = ticket.StatusBeingAggregated
			leased = append(leased, t)
		}
		if len(leased) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := range leased {
				if err := writeTicket(ctx, pipe, &leased[i]); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, ticketsKey(channelID, epoch), ticketIndexKey(channelID, epoch))
	if err != nil {
		return nil, err
	}

	s.log.Debug("tickets leased for aggregation",
		zap.String("channel", channelID.Hex()),
		zap.Uint32("epoch", epoch),
		zap.Int("count", len(leased)),
	)
	return leased, nil
}

// InsertAcknowledgedTicket stores a new ticket. Fails with ErrTicketExists on a duplicate index.
func (s *RedisStore) InsertAcknowledgedTicket(ctx context.Context, ack *ticket.AcknowledgedTicket) error {
	return s.putTicket(ctx, ack, false)
}

// UpdateAcknowledgedTicket overwrites an existing ticket. Fails with ErrTicketNotFound.
func (s *RedisStore) UpdateAcknowledgedTicket(ctx context.Context, ack *ticket.AcknowledgedTicket) error {
	return s.putTicket(ctx, ack, true)
}

func (s *RedisStore) putTicket(ctx context.Context, ack *ticket.AcknowledgedTicket, mustExist bool) error {
	key := ticketsKey(ack.Ticket.ChannelID, ack.Ticket.ChannelEpoch)
	field := strconv.FormatUint(ack.Ticket.Index, 10)
	return s.withTx(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, field).Result()
		if err != nil {
			return err
		}
		switch {
		case mustExist && !exists:
			return fmt.Errorf("%w: channel %s index %d", ErrTicketNotFound, ack.Ticket.ChannelID.Hex(), ack.Ticket.Index)
		case !mustExist && exists:
			return fmt.Errorf("%w: channel %s index %d", ErrTicketExists, ack.Ticket.ChannelID.Hex(), ack.Ticket.Index)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return writeTicket(ctx, pipe, ack)
		})
		return err
	}, key, ticketIndexKey(ack.Ticket.ChannelID, ack.Ticket.ChannelEpoch))
}

// ReleaseLeasedTicket returns a leased ticket to Untouched, provided the store still holds
// exactly that ticket under lease. Fails with ErrTicketNotFound when the index is empty and
// with ErrLeaseReleased when the stored ticket differs or is not BeingAggregated.
func (s *RedisStore) ReleaseLeasedTicket(ctx context.Context, leased *ticket.AcknowledgedTicket) error {
	key := ticketsKey(leased.Ticket.ChannelID, leased.Ticket.ChannelEpoch)
	field := strconv.FormatUint(leased.Ticket.Index, 10)
	return s.withTx(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: channel %s index %d", ErrTicketNotFound, leased.Ticket.ChannelID.Hex(), leased.Ticket.Index)
		}
		if err != nil {
			return err
		}
		var cur ticket.AcknowledgedTicket
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("unmarshal ticket %s: %w", field, err)
		}
		want := leased.Copy()
		want.Status = ticket.StatusBeingAggregated
		if !cur.Equal(want) {
			return fmt.Errorf("%w: channel %s index %d is %s", ErrLeaseReleased, leased.Ticket.ChannelID.Hex(), leased.Ticket.Index, cur.Status)
		}
		cur.Status = ticket.StatusUntouched
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return writeTicket(ctx, pipe, &cur)
		})
		return err
	}, key)
}

// ReplaceAckedTicketsByAggregatedTicket atomically removes the tickets covered by the
// aggregate and stores the aggregate as Untouched. Every covered ticket must be
// BeingAggregated; otherwise nothing changes and ErrRangeNotLeased is returned.
func (s *RedisStore) ReplaceAckedTicketsByAggregatedTicket(ctx context.Context, agg *ticket.AcknowledgedTicket) error {
	channelID, epoch := agg.Ticket.ChannelID, agg.Ticket.ChannelEpoch
	hashKey, idxKey := ticketsKey(channelID, epoch), ticketIndexKey(channelID, epoch)

	var replaced int
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		tickets, err := s.readRange(ctx, tx, channelID, epoch, agg.Ticket.Index, agg.Ticket.LastIndex())
		if err != nil {
			return err
		}
		var fields []string
		for _, t := range tickets {
			if t.Status != ticket.StatusBeingAggregated {
				return fmt.Errorf("%w: channel %s index %d is %s", ErrRangeNotLeased, channelID.Hex(), t.Ticket.Index, t.Status)
			}
			fields = append(fields, strconv.FormatUint(t.Ticket.Index, 10))
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: channel %s [%d, %d]", ErrNoTicketsToReplace, channelID.Hex(), agg.Ticket.Index, agg.Ticket.LastIndex())
		}
		replaced = len(fields)

		stored := *agg.Copy()
		stored.Status = ticket.StatusUntouched
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, hashKey, fields...)
			members := make([]any, len(fields))
			for i, f := range fields {
				members[i] = f
			}
			pipe.ZRem(ctx, idxKey, members...)
			return writeTicket(ctx, pipe, &stored)
		})
		return err
	}, hashKey, idxKey)
	if err != nil {
		return err
	}

	s.log.Info("tickets replaced by aggregate",
		zap.String("channel", channelID.Hex()),
		zap.Uint32("epoch", epoch),
		zap.Int("replaced", replaced),
		zap.String("amount", agg.Ticket.Amount.String()),
	)
	return nil
}

// CountTickets counts the tickets of a channel epoch in the given status.
func (s *RedisStore) CountTickets(ctx context.Context, channelID common.Hash, epoch uint32, status ticket.Status) (int, error) {
	tickets, err := s.readRange(ctx, s.rdb, channelID, epoch, 0, ticket.MaxTicketIndex)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tickets {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

// rangeReader is satisfied by both *redis.Client and *redis.Tx.
type rangeReader interface {
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *RedisStore) readRange(ctx context.Context, c rangeReader, channelID common.Hash, epoch uint32, start, end uint64) ([]ticket.AcknowledgedTicket, error) {
	if start > end {
		return nil, nil
	}
	indices, err := c.ZRangeByScore(ctx, ticketIndexKey(channelID, epoch), &redis.ZRangeBy{
		Min: strconv.FormatUint(start, 10),
		Max: strconv.FormatUint(end, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range ticket index: %w", err)
	}
	if len(indices) == 0 {
		return nil, nil
	}

	vals, err := c.HMGet(ctx, ticketsKey(channelID, epoch), indices...).Result()
	if err != nil {
		return nil, fmt.Errorf("get tickets: %w", err)
	}
	out := make([]ticket.AcknowledgedTicket, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Warn("ticket index without body", zap.String("channel", channelID.Hex()), zap.String("index", indices[i]))
			continue
		}
		var ack ticket.AcknowledgedTicket
		if err := json.Unmarshal([]byte(raw), &ack); err != nil {
			return nil, fmt.Errorf("unmarshal ticket %s: %w", indices[i], err)
		}
		out = append(out, ack)
	}
	return out, nil
}

func writeTicket(ctx context.Context, pipe redis.Pipeliner, ack *ticket.AcknowledgedTicket) error {
	raw, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	field := strconv.FormatUint(ack.Ticket.Index, 10)
	pipe.HSet(ctx, ticketsKey(ack.Ticket.ChannelID, ack.Ticket.ChannelEpoch), field, string(raw))
	pipe.ZAdd(ctx, ticketIndexKey(ack.Ticket.ChannelID, ack.Ticket.ChannelEpoch), redis.Z{
		Score:  float64(ack.Ticket.Index),
		Member: field,
	})
	return nil
}

// withTx runs fn as an optimistic transaction over keys, retrying on conflicts.
func (s *RedisStore) withTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// ── Domain separator ─────────────────────────────────────────────────────────

// GetChannelsDomainSeparator returns the cached domain separator, if any.
func (s *RedisStore) GetChannelsDomainSeparator(ctx context.Context) (common.Hash, bool, error) {
	raw, err := s.rdb.Get(ctx, domainSeparatorKey).Result()
	if err == redis.Nil {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		return common.Hash{}, false, fmt.Errorf("malformed domain separator %q", raw)
	}
	return common.BytesToHash(b), true, nil
}

func (s *RedisStore) SetChannelsDomainSeparator(ctx context.Context, sep common.Hash) error {
	return s.rdb.Set(ctx, domainSeparatorKey, sep.Hex(), 0).Err()
}

// ── Keys ──────────────────────────────────────────────────────────────────────

// SetPeerKeys records the mapping between a peer's packet key and its chain address.
func (s *RedisStore) SetPeerKeys(ctx context.Context, peer ticket.PeerID, addr common.Address) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(chainKeyFmt, peer), addr.Hex(), 0)
		pipe.Set(ctx, packetKey(addr), string(peer), 0)
		return nil
	})
	return err
}

// GetChainKey resolves a peer to its chain address.
func (s *RedisStore) GetChainKey(ctx context.Context, peer ticket.PeerID) (common.Address, bool, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(chainKeyFmt, peer)).Result()
	if err == redis.Nil {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, false, fmt.Errorf("malformed chain key for %s: %q", peer, raw)
	}
	return common.HexToAddress(raw), true, nil
}

// GetPacketKey resolves a chain address to its peer.
func (s *RedisStore) GetPacketKey(ctx context.Context, addr common.Address) (ticket.PeerID, bool, error) {
	raw, err := s.rdb.Get(ctx, packetKey(addr)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ticket.PeerID(raw), true, nil
}

// ── Channels ──────────────────────────────────────────────────────────────────

func (s *RedisStore) UpsertChannel(ctx context.Context, entry *ticket.ChannelEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal channel: %w", err)
	}
	id := entry.ID().Hex()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fmt.Sprintf(channelKeyFmt, id), string(raw), 0)
		pipe.SAdd(ctx, channelsKey, id)
		return nil
	})
	return err
}

// GetChannel returns nil when the channel is unknown.
func (s *RedisStore) GetChannel(ctx context.Context, channelID common.Hash) (*ticket.ChannelEntry, error) {
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(channelKeyFmt, channelID.Hex())).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry ticket.ChannelEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal channel %s: %w", channelID.Hex(), err)
	}
	return &entry, nil
}

// Channels returns every known channel snapshot.
func (s *RedisStore) Channels(ctx context.Context) ([]ticket.ChannelEntry, error) {
	ids, err := s.rdb.SMembers(ctx, channelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out := make([]ticket.ChannelEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.GetChannel(ctx, common.HexToHash(id))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			out = append(out, *entry)
		}
	}
	return out, nil
}
