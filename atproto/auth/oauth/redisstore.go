package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// prefix string for all the Redis keys this store uses
var redisStatePrefix string = "oauth/state/"

// Redis-backed [StateStore], for deployments with multiple service instances.
//
// Records are written with SETNX and a key TTL, and consumed with GETDEL, so takes are atomic across instances.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ StateStore = &RedisStore{}

// `redisURL` contains all the redis connection config options.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis state store: %w", err)
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, fmt.Errorf("could not connect to redis state store: %w", err)
	}
	return NewRedisStoreFromClient(rdb, ttl), nil
}

func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStore{
		Client: rdb,
		TTL:    ttl,
	}
}

func (s *RedisStore) SaveAuthRequest(ctx context.Context, info AuthRequestData) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ok, err := s.Client.SetNX(ctx, redisStatePrefix+info.State, b, s.TTL).Result()
	if err != nil {
		return fmt.Errorf("saving auth request: %w", err)
	}
	if !ok {
		return ErrStateConflict
	}
	return nil
}

func (s *RedisStore) TakeAuthRequest(ctx context.Context, state string) (*AuthRequestData, error) {
	b, err := s.Client.GetDel(ctx, redisStatePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking auth request: %w", err)
	}
	var info AuthRequestData
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("corrupt auth request record: %w", err)
	}
	// key TTL has second granularity; check the record timestamp as well
	if info.Expired(time.Now(), s.TTL) {
		return nil, ErrStateNotFound
	}
	return &info, nil
}
