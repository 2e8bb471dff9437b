// Package redisstore provides a Redis-based implementation of the
// registry.Store interface. Each session is a Redis list of connection ids
// whose key expiry is the session deadline. Conditional writes run as Lua
// scripts so they are atomic across every relay process sharing the server.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/syncrelay/registry"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every key when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "syncrelay:"

// Config contains configuration options for the Redis store. Defaults can be
// loaded via envdecode.
type Config struct {
	// Client is the Redis client instance. If nil, one is created for RedisAddr.
	Client redis.UniversalClient

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all keys. ENV: SYNCRELAY_KEY_PREFIX
	KeyPrefix string `env:"SYNCRELAY_KEY_PREFIX,default=syncrelay:"`
}

// Store implements registry.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed store. When no client is supplied one is dialed
// and pinged.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) sessionKey(sessionID string) string { return s.keyPrefix + "session:" + sessionID }

// Get reads the membership list and its remaining lifetime in one round trip.
func (s *Store) Get(ctx context.Context, sessionID string) (*registry.Row, error) {
	key := s.sessionKey(sessionID)

	var (
		members *redis.StringSliceCmd
		ttl     *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		members = p.LRange(ctx, key, 0, -1)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	conns := members.Val()
	if len(conns) == 0 {
		return nil, nil
	}

	row := &registry.Row{SessionID: sessionID, Connections: conns}
	if d := ttl.Val(); d > 0 {
		row.ExpiresAt = time.Now().Add(d)
	}

	return row, nil
}

var createScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 1 then
  return 0
end
for i = 2, #ARGV do
  redis.call('RPUSH', key, ARGV[i])
end
if #ARGV > 1 then
  redis.call('PEXPIRE', key, ttl)
end
return 1
`)

// CreateIfAbsent writes conns as a new list only if the key does not exist.
func (s *Store) CreateIfAbsent(ctx context.Context, sessionID string, conns []string, ttl time.Duration) (registry.CreateResult, error) {
	key := s.sessionKey(sessionID)

	args := make([]any, 0, len(conns)+1)
	args = append(args, ttl.Milliseconds())
	for _, c := range dedupe(conns) {
		args = append(args, c)
	}

	res, err := createScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to create key %s: %w", key, err)
	}

	if res == 0 {
		return registry.AlreadyExists, nil
	}
	return registry.Created, nil
}

var appendScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local conn = ARGV[2]
local present = false
for _, m in ipairs(redis.call('LRANGE', key, 0, -1)) do
  if m == conn then
    present = true
    break
  end
end
if not present then
  redis.call('RPUSH', key, conn)
end
if redis.call('PTTL', key) < ttl then
  redis.call('PEXPIRE', key, ttl)
end
return 1
`)

// Append adds connID to the list unless it is already a member.
func (s *Store) Append(ctx context.Context, sessionID string, connID string, ttl time.Duration) error {
	key := s.sessionKey(sessionID)

	if err := appendScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds(), connID).Err(); err != nil {
		return fmt.Errorf("failed to append to key %s: %w", key, err)
	}

	return nil
}

var replaceScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local expected = tonumber(ARGV[2])
if redis.call('LLEN', key) ~= expected then
  return 0
end
local remaining = redis.call('PTTL', key)
if remaining > ttl then
  ttl = remaining
end
redis.call('DEL', key)
for i = 3, #ARGV do
  redis.call('RPUSH', key, ARGV[i])
end
if #ARGV > 2 then
  redis.call('PEXPIRE', key, ttl)
end
return 1
`)

// ReplaceIfUnchanged rewrites the list when its length still equals
// expectedLen. An empty replacement removes the key, which readers see as a
// session with no members.
func (s *Store) ReplaceIfUnchanged(ctx context.Context, sessionID string, conns []string, expectedLen int, ttl time.Duration) (registry.ReplaceResult, error) {
	key := s.sessionKey(sessionID)

	args := make([]any, 0, len(conns)+2)
	args = append(args, ttl.Milliseconds(), expectedLen)
	for _, c := range dedupe(conns) {
		args = append(args, c)
	}

	res, err := replaceScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to replace key %s: %w", key, err)
	}

	if res == 0 {
		return registry.Conflict, nil
	}
	return registry.Replaced, nil
}

func dedupe(conns []string) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Compile-time interface check
var _ registry.Store = (*Store)(nil)
