package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper records keys that were already processed within a scope.
type Deduper interface {
	AddMany(ctx context.Context, scope string, keys []string) ([]bool, error)
	Remove(ctx context.Context, scope, key string) error
}

// RedisDeduper stores processed keys in Redis so every instance skips work
// another instance already did.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return fmt.Sprintf("dedupe:%s:%s", scope, key)
}

// Remove deletes a previously recorded key so a failed operation can be
// retried.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// AddMany adds keys in a single pipeline and reports which were new. When
// the pipeline fails part way the slice still marks every key whose SETNX
// succeeded, so callers can roll those back.
func (r *RedisDeduper) AddMany(ctx context.Context, scope string, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	results := make([]bool, len(keys))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.SetNX(ctx, r.key(scope, key), 1, r.ttl)
		}
		return nil
	})
	if len(cmds) != len(keys) {
		if err != nil {
			return results, err
		}
		return results, fmt.Errorf("deduper pipeline mismatch: expected %d results, got %d", len(keys), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			if err == nil {
				err = cmdErr
			}
			continue
		}
		results[i] = val
	}
	return results, err
}

// MemoryDeduper is a process-local Deduper without expiry.
type MemoryDeduper struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{keys: map[string]struct{}{}}
}

func (m *MemoryDeduper) AddMany(_ context.Context, scope string, keys []string) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]bool, len(keys))
	for i, key := range keys {
		k := scope + ":" + key
		if _, ok := m.keys[k]; ok {
			continue
		}
		m.keys[k] = struct{}{}
		results[i] = true
	}
	return results, nil
}

func (m *MemoryDeduper) Remove(_ context.Context, scope, key string) error {
	m.mu.Lock()
	delete(m.keys, scope+":"+key)
	m.mu.Unlock()
	return nil
}
