package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the optional Redis-backed Store for a seller deployment
// spanning more than one process, where an in-process MemStore can't see
// claims made on a sibling instance. SETNX gives the first-writer-wins
// claim; key TTLs stand in for the eviction sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix}
}

type redisRecord struct {
	Status   Status `json:"status"`
	Response []byte `json:"response,omitempty"`
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (Record, bool, error) {
	rk := s.key(key)
	claim := redisRecord{Status: StatusProcessing}
	payload, err := json.Marshal(claim)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal claim: %w", err)
	}

	ok, err := s.client.SetNX(ctx, rk, payload, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return Record{}, true, nil
	}

	raw, err := s.client.Get(ctx, rk).Result()
	if err == redis.Nil {
		// the claim expired between SetNX and Get; claim again
		return s.Claim(ctx, key, ttl)
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var existing redisRecord
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal existing record: %w", err)
	}
	if existing.Status == StatusProcessing {
		return Record{Status: existing.Status}, false, nil
	}
	return Record{Status: existing.Status, Response: existing.Response}, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, status Status, response []byte, ttl time.Duration) error {
	rk := s.key(key)
	payload, err := json.Marshal(redisRecord{Status: status, Response: response})
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	return s.client.Set(ctx, rk, payload, ttl).Err()
}
