package cache

import (
	"context"
	"encoding/json"
	"time"

	dom "github.com/bandhu-workshop/db-workshop/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPage = "task:page:"

// Page is one cached list result: the items of a page plus the total count
// taken from the same snapshot.
type Page struct {
	Items []dom.Task `json:"items"`
	Total int64      `json:"total"`
}

// TaskCache caches list pages in Redis. It is a read optimization only:
// every miss or Redis error falls through to Postgres, and no correctness
// guarantee (idempotency included) ever depends on it.
type TaskCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTaskCache returns a new TaskCache.
func NewTaskCache(rdb *redis.Client, ttl time.Duration) *TaskCache {
	return &TaskCache{rdb: rdb, ttl: ttl}
}

// GetPage returns the cached page for key, or nil on miss.
func (c *TaskCache) GetPage(ctx context.Context, key string) (*Page, error) {
	b, err := c.rdb.Get(ctx, keyPage+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pg Page
	if err := json.Unmarshal(b, &pg); err != nil {
		return nil, err
	}
	return &pg, nil
}

// SetPage stores the page under key.
func (c *TaskCache) SetPage(ctx context.Context, key string, pg Page) error {
	b, err := json.Marshal(pg)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyPage+key, b, c.ttl).Err()
}

// InvalidateAll removes every cached page (cache invalidation on write).
func (c *TaskCache) InvalidateAll(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, keyPage+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
