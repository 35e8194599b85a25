package anchor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Cursor remembers the next chain position the scheduler should anchor, so
// a restart does not re-anchor hashes that already belong to a confirmed
// batch.
type Cursor interface {
	Load(ctx context.Context) (uint64, error)
	Store(ctx context.Context, position uint64) error
}

// MemoryCursor keeps the position in process memory.
type MemoryCursor struct {
	mu  sync.Mutex
	pos uint64
}

func (c *MemoryCursor) Load(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos, nil
}

func (c *MemoryCursor) Store(ctx context.Context, position uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = position
	return nil
}

// RedisCursor shares the position between pipeline instances via redis.
type RedisCursor struct {
	client *redis.Client
	key    string
}

// NewRedisCursor creates a cursor stored under key.
func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = "attestra:anchor:cursor"
	}
	return &RedisCursor{client: client, key: key}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	val, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load anchor cursor: %w", err)
	}
	pos, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt anchor cursor %q: %w", val, err)
	}
	return pos, nil
}

func (c *RedisCursor) Store(ctx context.Context, position uint64) error {
	if err := c.client.Set(ctx, c.key, strconv.FormatUint(position, 10), 0).Err(); err != nil {
		return fmt.Errorf("failed to store anchor cursor: %w", err)
	}
	return nil
}
