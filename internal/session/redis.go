package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps attempts in Redis so sessions survive a process
// restart. Records are JSON values; a sorted set indexed by last-update
// time backs the idle sweep.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets a hard expiry on session records, as a backstop behind
// the engine's idle sweep.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{Addr: addr, Password: password, DB: db})
	return NewRedisStoreFromClient(client, opts...)
}

func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "calbooker:session:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(userID string) string { return s.prefix + userID }
func (s *RedisStore) indexKey() string         { return s.prefix + "index" }

func (s *RedisStore) Get(ctx context.Context, userID string) (*Attempt, error) {
	val, err := s.client.Get(ctx, s.key(userID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var a Attempt
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &a, nil
}

func (s *RedisStore) Put(ctx context.Context, a *Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(a.UserID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(a.UpdatedAt.Unix()),
		Member: a.UserID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(userID))
	pipe.ZRem(ctx, s.indexKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *RedisStore) IdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix()-1, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis idle scan: %w", err)
	}
	return ids, nil
}
