// Package cache fronts the message store with a Redis cache-aside layer for
// room history and message counts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

const countField = "count"

// Stats tracks cache statistics.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Errors        uint64 `json:"errors"`
}

// HistoryStore decorates a MessageStore. Reads are served from a per-room
// Redis hash; every successful Create drops that room's hash.
//
// A miss records the room's generation before reading the wrapped store and
// only writes the result back if no Create in this process bumped it in the
// meantime, so a load that raced a write cannot repopulate stale history.
// Writes from other processes sharing the Redis instance are not tracked;
// for those the TTL is the staleness bound.
// ARCHITECTURAL DISCOVERY: One hash per room makes invalidation a single DEL
// regardless of how many history limits were cached
type HistoryStore struct {
	next   interfaces.MessageStore
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	stats  Stats

	// mu orders invalidations against fills; gens counts Creates per room.
	mu   sync.Mutex
	gens map[string]uint64
}

var _ interfaces.MessageStore = (*HistoryStore)(nil)

// NewHistoryStore wraps next with a Redis cache.
func NewHistoryStore(next interfaces.MessageStore, client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{
		next:   next,
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		gens:   make(map[string]uint64),
	}
}

func (h *HistoryStore) key(room string) string {
	return h.prefix + "history:" + room
}

func recentField(limit int) string {
	return "recent:" + strconv.Itoa(limit)
}

// Create persists through the wrapped store and invalidates the room.
// FUNCTIONAL DISCOVERY: A failed invalidation is logged, never surfaced, since
// the message is already durable and the TTL bounds staleness
func (h *HistoryStore) Create(ctx context.Context, message *types.Message) (*types.Message, error) {
	stored, err := h.next.Create(ctx, message)
	if err != nil {
		return nil, err
	}

	h.invalidate(ctx, stored.Room)
	return stored, nil
}

// CountByRoom returns the cached count or loads it from the wrapped store.
func (h *HistoryStore) CountByRoom(ctx context.Context, room string) (int, error) {
	raw, found := h.lookup(ctx, room, countField)
	if found {
		if count, err := strconv.Atoi(raw); err == nil {
			return count, nil
		}
	}

	gen := h.generation(room)
	count, err := h.next.CountByRoom(ctx, room)
	if err != nil {
		return 0, err
	}
	h.fill(ctx, room, gen, countField, strconv.Itoa(count))
	return count, nil
}

// ListRecent returns cached history or loads it from the wrapped store.
func (h *HistoryStore) ListRecent(ctx context.Context, room string, limit int) ([]*types.Message, error) {
	field := recentField(limit)
	raw, found := h.lookup(ctx, room, field)
	if found {
		var messages []*types.Message
		if err := json.Unmarshal([]byte(raw), &messages); err == nil {
			return messages, nil
		}
		atomic.AddUint64(&h.stats.Errors, 1)
	}

	gen := h.generation(room)
	messages, err := h.next.ListRecent(ctx, room, limit)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("cache marshal error: %w", err)
	}
	h.fill(ctx, room, gen, field, string(data))
	return messages, nil
}

// HealthCheck checks the wrapped store and Redis.
func (h *HistoryStore) HealthCheck(ctx context.Context) error {
	if err := h.next.HealthCheck(ctx); err != nil {
		return err
	}
	if err := h.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the wrapped store and the Redis client.
func (h *HistoryStore) Close() error {
	return errors.Join(h.next.Close(), h.client.Close())
}

// GetStats returns a snapshot of the counters.
func (h *HistoryStore) GetStats() Stats {
	return Stats{
		Hits:          atomic.LoadUint64(&h.stats.Hits),
		Misses:        atomic.LoadUint64(&h.stats.Misses),
		Invalidations: atomic.LoadUint64(&h.stats.Invalidations),
		Errors:        atomic.LoadUint64(&h.stats.Errors),
	}
}

func (h *HistoryStore) lookup(ctx context.Context, room, field string) (string, bool) {
	raw, err := h.client.HGet(ctx, h.key(room), field).Result()
	switch {
	case err == nil:
		atomic.AddUint64(&h.stats.Hits, 1)
		return raw, true
	case errors.Is(err, redis.Nil):
		atomic.AddUint64(&h.stats.Misses, 1)
	default:
		atomic.AddUint64(&h.stats.Errors, 1)
		h.logger.Warn("cache.read_failed", "room", room, "field", field, "error", err)
	}
	return "", false
}

func (h *HistoryStore) generation(room string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gens[room]
}

func (h *HistoryStore) invalidate(ctx context.Context, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gens[room]++

	if err := h.client.Del(ctx, h.key(room)).Err(); err != nil {
		atomic.AddUint64(&h.stats.Errors, 1)
		h.logger.Warn("cache.invalidate_failed", "room", room, "error", err)
		return
	}
	atomic.AddUint64(&h.stats.Invalidations, 1)
}

// fill writes value back unless room was invalidated after gen was read.
func (h *HistoryStore) fill(ctx context.Context, room string, gen uint64, field, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gens[room] != gen {
		h.logger.Debug("cache.fill_skipped", "room", room, "field", field)
		return
	}

	key := h.key(room)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field, value)
		pipe.Expire(ctx, key, h.ttl)
		return nil
	})
	if err != nil {
		atomic.AddUint64(&h.stats.Errors, 1)
		h.logger.Warn("cache.write_failed", "room", room, "field", field, "error", err)
	}
}
