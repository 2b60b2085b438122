package callstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "call:result:"

// RedisMirror persists finalized call results in Redis with a TTL matching
// the retention window, so results survive restarts and remain queryable
// from any instance until retention elapses.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMirror creates a result mirror backed by Redis.
func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultRetention
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func resultKey(callControlID string) string {
	return resultKeyPrefix + callControlID
}

// Save writes a finalized result with the retention TTL.
func (m *RedisMirror) Save(ctx context.Context, result Result) error {
	if result.CallControlID == "" {
		return fmt.Errorf("callstate: call_control_id required")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("callstate: marshal result: %w", err)
	}
	return m.rdb.Set(ctx, resultKey(result.CallControlID), data, m.ttl).Err()
}

// Get retrieves a mirrored result, returning nil on a miss.
func (m *RedisMirror) Get(ctx context.Context, callControlID string) (*Result, error) {
	data, err := m.rdb.Get(ctx, resultKey(callControlID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("callstate: mirror get: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("callstate: unmarshal result: %w", err)
	}
	return &result, nil
}
