package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup is a DedupCache shared by every relay instance.
// Entries are plain string keys with a PX expiry, so eviction is Redis' own.
type RedisDedup struct {
	rdb    redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisDedup constructs a Redis-backed dedup cache.
func NewRedisDedup(rdb redis.UniversalClient, prefix string, window time.Duration) (*RedisDedup, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if prefix == "" {
		prefix = "marketchat:dedup:"
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisDedup{rdb: rdb, prefix: prefix, window: window}, nil
}

// KEYS[1] key; ARGV[1] message id, ARGV[2] window ms
var dedupCheckAndInsertScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  return v
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return false
`)

// Lookup returns the message id stored under key.
func (d *RedisDedup) Lookup(ctx context.Context, key string) (int64, bool, error) {
	v, err := d.rdb.Get(ctx, d.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("dedup get: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("dedup get: bad message id %q: %w", v, err)
	}
	return id, true, nil
}

// CheckAndInsert stores key -> messageID unless an entry exists.
func (d *RedisDedup) CheckAndInsert(ctx context.Context, key string, messageID int64) (int64, bool, error) {
	v, err := dedupCheckAndInsertScript.Run(ctx, d.rdb,
		[]string{d.prefix + key},
		messageID, d.window.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("dedup check-and-insert: %w", err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("dedup check-and-insert: bad message id %q: %w", v, err)
	}
	return id, true, nil
}

var _ DedupCache = (*RedisDedup)(nil)
