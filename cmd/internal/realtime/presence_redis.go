package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPresence is a PresenceRegistry shared by every relay instance.
//
// Layout (prefix defaults to "marketchat:presence:"):
//   - <prefix>user:<id>   hash {conn, role, since}
//   - <prefix>conn:<id>   string user id
//
// Upsert and compare-and-delete run as Lua scripts so they are atomic across instances.
// Both keys expire after the TTL unless Refresh is called, so a crashed instance cannot
// leave its users online forever.
type RedisPresence struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisPresenceOption configures a RedisPresence.
type RedisPresenceOption func(*RedisPresence)

// WithPresenceTTL sets the entry lifetime. It must exceed the gateway heartbeat interval.
func WithPresenceTTL(ttl time.Duration) RedisPresenceOption {
	return func(p *RedisPresence) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewRedisPresence constructs a Redis-backed registry.
func NewRedisPresence(rdb redis.UniversalClient, prefix string, opts ...RedisPresenceOption) (*RedisPresence, error) {
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if prefix == "" {
		prefix = "marketchat:presence:"
	}
	p := &RedisPresence{
		rdb:    rdb,
		prefix: prefix,
		ttl:    DefaultPresenceTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// TTL returns the entry lifetime.
func (p *RedisPresence) TTL() time.Duration { return p.ttl }

// KEYS[1] user key, KEYS[2] conn key
// ARGV[1] conn id, ARGV[2] role, ARGV[3] since, ARGV[4] conn key prefix, ARGV[5] user id, ARGV[6] user key prefix,
// ARGV[7] ttl ms
var presenceRegisterScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'conn')
local prevRole = redis.call('HGET', KEYS[1], 'role')
local prevSince = redis.call('HGET', KEYS[1], 'since')
local other = redis.call('GET', KEYS[2])
if other and other ~= ARGV[5] then
  local okey = ARGV[6] .. other
  if redis.call('HGET', okey, 'conn') == ARGV[1] then
    redis.call('DEL', okey)
  end
end
if prev and prev ~= ARGV[1] then
  redis.call('DEL', ARGV[4] .. prev)
end
redis.call('HSET', KEYS[1], 'conn', ARGV[1], 'role', ARGV[2], 'since', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('SET', KEYS[2], ARGV[5], 'PX', ARGV[7])
if prev then
  return {prev, prevRole or '', prevSince or '0'}
end
return false
`)

// KEYS[1] conn key; ARGV[1] user key prefix, ARGV[2] conn id
var presenceUnregisterScript = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
  return false
end
redis.call('DEL', KEYS[1])
local ukey = ARGV[1] .. uid
if redis.call('HGET', ukey, 'conn') ~= ARGV[2] then
  return false
end
local role = redis.call('HGET', ukey, 'role') or ''
local since = redis.call('HGET', ukey, 'since') or '0'
redis.call('DEL', ukey)
return {uid, role, since}
`)

// KEYS[1] conn key; ARGV[1] user key prefix, ARGV[2] conn id, ARGV[3] ttl ms
var presenceRefreshScript = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local ukey = ARGV[1] .. uid
if redis.call('HGET', ukey, 'conn') ~= ARGV[2] then
  return 0
end
redis.call('PEXPIRE', ukey, ARGV[3])
return 1
`)

func (p *RedisPresence) userPrefix() string { return p.prefix + "user:" }
func (p *RedisPresence) connPrefix() string { return p.prefix + "conn:" }

func (p *RedisPresence) userKey(userID int64) string {
	return p.userPrefix() + strconv.FormatInt(userID, 10)
}

func (p *RedisPresence) connKey(connectionID string) string {
	return p.connPrefix() + connectionID
}

// Register upserts userID -> connectionID.
func (p *RedisPresence) Register(ctx context.Context, userID int64, connectionID string, role Role) (PresenceEntry, bool, error) {
	if userID == 0 || connectionID == "" {
		return PresenceEntry{}, false, ErrInvalidInput
	}

	uid := strconv.FormatInt(userID, 10)
	res, err := presenceRegisterScript.Run(ctx, p.rdb,
		[]string{p.userKey(userID), p.connKey(connectionID)},
		connectionID, string(role), p.now().UnixMilli(), p.connPrefix(), uid, p.userPrefix(), p.ttl.Milliseconds(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return PresenceEntry{}, false, nil
	}
	if err != nil {
		return PresenceEntry{}, false, fmt.Errorf("presence register: %w", err)
	}

	prev, err := presenceEntryFromReply(uid, res, 0)
	if err != nil {
		return PresenceEntry{}, false, err
	}
	return prev, true, nil
}

// Unregister removes the entry owned by connectionID.
func (p *RedisPresence) Unregister(ctx context.Context, connectionID string) (PresenceEntry, bool, error) {
	if connectionID == "" {
		return PresenceEntry{}, false, nil
	}

	res, err := presenceUnregisterScript.Run(ctx, p.rdb,
		[]string{p.connKey(connectionID)},
		p.userPrefix(), connectionID,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return PresenceEntry{}, false, nil
	}
	if err != nil {
		return PresenceEntry{}, false, fmt.Errorf("presence unregister: %w", err)
	}
	if len(res) != 3 {
		return PresenceEntry{}, false, fmt.Errorf("presence unregister: unexpected reply %v", res)
	}

	uid, _ := res[0].(string)
	e, err := presenceEntryFromReply(uid, []any{connectionID, res[1], res[2]}, 0)
	if err != nil {
		return PresenceEntry{}, false, err
	}
	return e, true, nil
}

// Refresh extends the lifetime of the entry owned by connectionID. owner is false when the
// connection no longer represents its user (superseded or expired).
func (p *RedisPresence) Refresh(ctx context.Context, connectionID string) (bool, error) {
	if connectionID == "" {
		return false, nil
	}
	n, err := presenceRefreshScript.Run(ctx, p.rdb,
		[]string{p.connKey(connectionID)},
		p.userPrefix(), connectionID, p.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence refresh: %w", err)
	}
	return n == 1, nil
}

// IsOnline reports whether userID has a live entry.
func (p *RedisPresence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := p.rdb.Exists(ctx, p.userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("presence exists: %w", err)
	}
	return n > 0, nil
}

// Lookup returns the entry for userID.
func (p *RedisPresence) Lookup(ctx context.Context, userID int64) (PresenceEntry, bool, error) {
	m, err := p.rdb.HGetAll(ctx, p.userKey(userID)).Result()
	if err != nil {
		return PresenceEntry{}, false, fmt.Errorf("presence lookup: %w", err)
	}
	if len(m) == 0 {
		return PresenceEntry{}, false, nil
	}
	e, err := presenceEntryFromReply(strconv.FormatInt(userID, 10), []any{m["conn"], m["role"], m["since"]}, 0)
	if err != nil {
		return PresenceEntry{}, false, err
	}
	return e, true, nil
}

// OnlineCount counts user keys. It scans, so it is meant for metrics, not the hot path.
func (p *RedisPresence) OnlineCount(ctx context.Context) (int, error) {
	n := 0
	iter := p.rdb.Scan(ctx, 0, p.userPrefix()+"*", 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return n, nil
}

func presenceEntryFromReply(uid string, res []any, off int) (PresenceEntry, error) {
	if len(res) < off+3 {
		return PresenceEntry{}, fmt.Errorf("presence: unexpected reply %v", res)
	}
	userID, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return PresenceEntry{}, fmt.Errorf("presence: bad user id %q: %w", uid, err)
	}
	conn, _ := res[off].(string)
	role, _ := res[off+1].(string)
	sinceRaw, _ := res[off+2].(string)
	ms, _ := strconv.ParseInt(sinceRaw, 10, 64)

	return PresenceEntry{
		UserID:       userID,
		ConnectionID: conn,
		Role:         Role(role),
		Since:        time.UnixMilli(ms).UTC(),
	}, nil
}

var (
	_ PresenceRegistry  = (*RedisPresence)(nil)
	_ PresenceRefresher = (*RedisPresence)(nil)
)
