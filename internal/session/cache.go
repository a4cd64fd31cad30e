package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// RedisCache stores sessions as JSON with a TTL bounded by the session's own expiry.
type RedisCache struct {
	redis  *redis.Client
	prefix string
	maxTTL time.Duration
	now    func() time.Time
}

func NewRedisCache(rdb *redis.Client, maxTTL time.Duration) *RedisCache {
	if maxTTL <= 0 {
		maxTTL = 30 * time.Minute
	}
	return &RedisCache{
		redis:  rdb,
		prefix: "payprompt:session:",
		maxTTL: maxTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

var _ Cache = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context, id string) (Session, error) {
	raw, err := c.redis.Get(ctx, c.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get cached session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode cached session: %w", err)
	}
	return s, nil
}

func (c *RedisCache) Put(ctx context.Context, s Session) error {
	ttl := s.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.redis.Set(ctx, c.prefix+s.ID, b, ttl).Err(); err != nil {
		return fmt.Errorf("cache session: %w", err)
	}
	return nil
}

// LRUCache is an in-process fallback used when Redis is not configured.
type LRUCache struct {
	items *lru.Cache[string, Session]
}

func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, Session](size)
	if err != nil {
		return nil, fmt.Errorf("new lru cache: %w", err)
	}
	return &LRUCache{items: c}, nil
}

var _ Cache = (*LRUCache)(nil)

func (c *LRUCache) Get(_ context.Context, id string) (Session, error) {
	s, ok := c.items.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (c *LRUCache) Put(_ context.Context, s Session) error {
	c.items.Add(s.ID, s)
	return nil
}
