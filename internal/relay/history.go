package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/assistchat/internal/protocol"
)

// DefaultMaxHistory is the number of recent messages the relay retains.
const DefaultMaxHistory = 200

// History stores the most recent chat messages in arrival order.
type History interface {
	// Append stores msg, evicting the oldest message when full.
	Append(ctx context.Context, msg protocol.Message) error
	// Recent returns the retained messages, oldest first. Never nil.
	Recent(ctx context.Context) ([]protocol.Message, error)
}

// MemoryHistory is a goroutine-safe fixed-size ring buffer.
type MemoryHistory struct {
	mu    sync.RWMutex
	items []protocol.Message
	pos   int
	count int
}

// NewMemoryHistory creates an empty ring holding up to capacity messages.
// A non-positive capacity selects DefaultMaxHistory.
func NewMemoryHistory(capacity int) *MemoryHistory {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	return &MemoryHistory{items: make([]protocol.Message, capacity)}
}

// Append overwrites the oldest message once the ring is full.
func (h *MemoryHistory) Append(_ context.Context, msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.items)
	h.items[h.pos] = msg
	h.pos = (h.pos + 1) % n
	if h.count < n {
		h.count++
	}
	return nil
}

// Recent returns the ring contents in chronological order.
func (h *MemoryHistory) Recent(_ context.Context) ([]protocol.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.items)
	result := make([]protocol.Message, h.count)
	// The oldest message is at position (pos - count) mod n.
	start := (h.pos - h.count + n) % n
	for i := 0; i < h.count; i++ {
		result[i] = h.items[(start+i)%n]
	}
	return result, nil
}

// HistoryKey is the Redis list holding relay history.
const HistoryKey = "relay:history"

// RedisHistory keeps history in a capped Redis list so several relay
// instances can share it.
type RedisHistory struct {
	rdb      *redis.Client
	key      string
	capacity int
}

// NewRedisHistory creates a history backed by rdb. A non-positive capacity
// selects DefaultMaxHistory.
func NewRedisHistory(rdb *redis.Client, capacity int) *RedisHistory {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	return &RedisHistory{rdb: rdb, key: HistoryKey, capacity: capacity}
}

// Append pushes msg and trims the list to capacity in one pipeline.
func (h *RedisHistory) Append(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: marshal history entry: %w", err)
	}

	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, h.key, data)
	pipe.LTrim(ctx, h.key, int64(-h.capacity), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("relay: append history: %w", err)
	}
	return nil
}

// Recent reads the whole list. Entries that fail to decode are skipped.
func (h *RedisHistory) Recent(ctx context.Context) ([]protocol.Message, error) {
	raw, err := h.rdb.LRange(ctx, h.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: read history: %w", err)
	}

	out := make([]protocol.Message, 0, len(raw))
	for _, r := range raw {
		var m protocol.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear deletes the stored list.
func (h *RedisHistory) Clear(ctx context.Context) error {
	return h.rdb.Del(ctx, h.key).Err()
}
