package breaker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// casScript performs the version check and write in a single atomic eval.
// KEYS[1] breaker key, ARGV[1] expected version, ARGV[2] new record JSON.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local ver = 0
if cur then
  ver = cjson.decode(cur)['version']
end
if ver ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// RedisStore persists breaker records in Redis so every worker shares one
// live record per (tenant, service) key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a RedisStore over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("breaker redis store: get %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("breaker redis store: decode %s: %w", key, err)
	}
	return rec, nil
}

// CompareAndSwap implements Store via a Lua script, so the version check and
// the write cannot interleave with another worker's.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, rec Record) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("breaker redis store: encode %s: %w", key, err)
	}

	res, err := casScript.Run(ctx, s.client, []string{key}, expectedVersion, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("breaker redis store: cas %s: %w", key, err)
	}
	return res == 1, nil
}

// Keys returns every stored breaker key, used by the sweep job. SCAN is used
// so large keyspaces are not blocked.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, "breaker:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("breaker redis store: scan: %w", err)
	}
	return keys, nil
}
