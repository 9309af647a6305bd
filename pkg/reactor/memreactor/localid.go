package memreactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// LocalIDStore keeps durable per-name ids. GetOrCreate returns the stored id, or stores
// and returns newID() when there is none. Concurrent callers agree on one id.
type LocalIDStore interface {
	GetOrCreate(ctx context.Context, name string, newID func() string) (string, error)
}

// MemoryLocalIDStore lives as long as the process.
type MemoryLocalIDStore struct {
	ids *cache.Cache
}

func NewMemoryLocalIDStore() *MemoryLocalIDStore {
	return &MemoryLocalIDStore{ids: cache.New(cache.NoExpiration, 0)}
}

func (s *MemoryLocalIDStore) GetOrCreate(_ context.Context, name string, newID func() string) (string, error) {
	// Add fails when the name is taken, which makes creation race free.
	if err := s.ids.Add(name, newID(), cache.NoExpiration); err == nil {
		v, _ := s.ids.Get(name)
		return v.(string), nil
	}
	v, found := s.ids.Get(name)
	if !found {
		return "", fmt.Errorf("local id %q vanished", name)
	}
	return v.(string), nil
}

// RedisLocalIDStore shares ids between every instance of an app.
type RedisLocalIDStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLocalIDStore(rdb *redis.Client, appID string) *RedisLocalIDStore {
	return &RedisLocalIDStore{rdb: rdb, prefix: "localid:" + appID + ":"}
}

func (s *RedisLocalIDStore) GetOrCreate(ctx context.Context, name string, newID func() string) (string, error) {
	key := s.prefix + name
	id, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read local id %q: %w", name, err)
	}

	if err := s.rdb.SetNX(ctx, key, newID(), 0).Err(); err != nil {
		return "", fmt.Errorf("failed to store local id %q: %w", name, err)
	}
	// Whoever won SetNX owns the id.
	id, err = s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read local id %q: %w", name, err)
	}
	return id, nil
}
