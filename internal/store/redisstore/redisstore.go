// Package redisstore keeps short-lived security state in Redis: login
// lockout counters and revoked session tokens.
package redisstore

import (
	"context"
	"fmt"
	"time"

	redis_v9 "github.com/redis/go-redis/v9"

	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/store"
)

const (
	lockoutPrefix    = "corpusguard:lockout:"
	revocationPrefix = "corpusguard:revoked:"
)

var (
	_ auth.LockoutStore = (*Store)(nil)
	_ auth.Revocations  = (*Store)(nil)
)

// registerFailure applies the lockout state transition atomically. Times are
// unix milliseconds; locked_until is 0 when the key is not locked.
var registerFailure = redis_v9.NewScript(`
local f = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
local ws = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
local lu = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0')
local now = tonumber(ARGV[1])
if f == 0 or (lu > 0 and lu <= now) or ws <= tonumber(ARGV[2]) then
  f = 1
  ws = now
else
  f = f + 1
end
if f >= tonumber(ARGV[3]) then
  lu = tonumber(ARGV[4])
else
  lu = 0
end
redis.call('HSET', KEYS[1], 'failures', f, 'window_start', ws, 'locked_until', lu)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {f, ws, lu}
`)

type Store struct {
	client *redis_v9.Client
}

// Options mirror the connection settings in config.
type Options struct {
	Addr     string
	Password string
	DB       int
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis_v9.NewClient(&redis_v9.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, store.Unavailable("redis ping", err)
	}
	return &Store{client: client}, nil
}

// New wraps an existing client.
func New(client *redis_v9.Client) *Store { return &Store{client: client} }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable("redis ping", err)
	}
	return nil
}

func (s *Store) Lockout(ctx context.Context, key string) (auth.LockoutState, error) {
	vals, err := s.client.HMGet(ctx, lockoutPrefix+key, "failures", "window_start", "locked_until").Result()
	if err != nil {
		return auth.LockoutState{}, store.Unavailable("redis read lockout", err)
	}
	st := auth.LockoutState{Key: key}
	if vals[0] == nil {
		return st, nil
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		str, _ := v.(string)
		if _, err := fmt.Sscan(str, &nums[i]); err != nil {
			return auth.LockoutState{}, fmt.Errorf("redisstore: corrupt lockout %s: %w", key, err)
		}
	}
	return decodeState(key, nums), nil
}

func (s *Store) RegisterFailure(ctx context.Context, key string, now time.Time, p auth.LockoutPolicy) (auth.LockoutState, error) {
	ttl := p.Window + p.Duration
	res, err := registerFailure.Run(ctx, s.client, []string{lockoutPrefix + key},
		now.UnixMilli(), now.Add(-p.Window).UnixMilli(), p.Threshold, now.Add(p.Duration).UnixMilli(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return auth.LockoutState{}, store.Unavailable("redis register failure", err)
	}
	if len(res) != 3 {
		return auth.LockoutState{}, fmt.Errorf("redisstore: unexpected script result %v", res)
	}
	return decodeState(key, res), nil
}

func (s *Store) ResetLockout(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, lockoutPrefix+key).Err(); err != nil {
		return store.Unavailable("redis reset lockout", err)
	}
	return nil
}

// Revoke marks jti revoked until the token would have expired anyway.
func (s *Store) Revoke(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revocationPrefix+jti, 1, ttl).Err(); err != nil {
		return store.Unavailable("redis revoke", err)
	}
	return nil
}

func (s *Store) Revoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revocationPrefix+jti).Result()
	if err != nil {
		return false, store.Unavailable("redis revoked", err)
	}
	return n > 0, nil
}

// decodeState converts [failures, window_start_ms, locked_until_ms].
func decodeState(key string, v []int64) auth.LockoutState {
	st := auth.LockoutState{
		Key:         key,
		Failures:    int(v[0]),
		WindowStart: time.UnixMilli(v[1]).UTC(),
	}
	if v[2] > 0 {
		until := time.UnixMilli(v[2]).UTC()
		st.LockedUntil = &until
	}
	return st
}
