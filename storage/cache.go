package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a Store with a Redis-backed read-through cache of FetchTasks.
// Writes and live subscriptions go to the backing store; writes evict.
type Cache struct {
	base  Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache wraps base. A zero ttl disables storing entries.
func NewCache(base Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	if records, ok := c.load(ctx, userID); ok {
		return records, nil
	}

	records, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, userID, records)
	return records, nil
}

// Subscribe reads through to the backing store so live snapshots are never stale.
func (c *Cache) Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot {
	return c.base.Subscribe(ctx, userID)
}

func (c *Cache) AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error) {
	id, err := c.base.AddTask(ctx, userID, task)
	if err != nil {
		return "", err
	}
	c.Evict(ctx, userID)
	return id, nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error {
	if err := c.base.UpdateTask(ctx, userID, taskID, patch); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := c.base.DeleteTask(ctx, userID, taskID); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

// Evict drops the cached task set of userID.
func (c *Cache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
}

func (c *Cache) load(ctx context.Context, userID string) ([]domain.Record, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return records, true
}

func (c *Cache) store(ctx context.Context, userID string, records []domain.Record) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(records)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}
