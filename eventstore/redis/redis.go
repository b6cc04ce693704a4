package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-session-go/eventstore"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxRecords retained per stream; 0 disables the bound. ENV: EVENTS_MAX_RECORDS
	MaxRecords int `env:"EVENTS_MAX_RECORDS,default=0"`
	// MaxAge of retained records; 0 disables the bound. ENV: EVENTS_MAX_AGE
	MaxAge time.Duration `env:"EVENTS_MAX_AGE,default=0s"`
	// StreamTTL expires the records of idle streams; 0 keeps them forever.
	// Sequence counters outlive it until Delete. ENV: EVENTS_STREAM_TTL
	StreamTTL time.Duration `env:"EVENTS_STREAM_TTL,default=24h"`
}

// Store implements eventstore.Store on top of Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	retention eventstore.Retention
	ttl       time.Duration
	clock     clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp records.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New connects to Redis and verifies connectivity.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg, opts...), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return New(cfg, opts...)
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle unless Close is called.
func NewWithClient(cl redis.UniversalClient, cfg Config, opts ...Option) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	s := &Store{
		client:    cl,
		keyPrefix: prefix,
		retention: eventstore.Retention{MaxRecords: cfg.MaxRecords, MaxAge: cfg.MaxAge},
		ttl:       cfg.StreamTTL,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

var _ eventstore.Store = (*Store)(nil)

// --- Key helpers ---

func (s *Store) seqKey(streamID string) string   { return s.keyPrefix + "{" + streamID + "}:seq" }
func (s *Store) logKey(streamID string) string   { return s.keyPrefix + "{" + streamID + "}:log" }
func (s *Store) floorKey(streamID string) string { return s.keyPrefix + "{" + streamID + "}:floor" }

func (s *Store) keys(streamID string) []string {
	return []string{s.seqKey(streamID), s.logKey(streamID), s.floorKey(streamID)}
}

// --- Scripts ---

// The sequence key never expires so positions are not reused. A log that
// expired or was fully pruned moves the floor up to the new record.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
if seq > 1 and redis.call('EXISTS', KEYS[2]) == 0 then
  local floor = tonumber(redis.call('GET', KEYS[3]) or '0')
  if seq - 1 > floor then
    redis.call('SET', KEYS[3], seq - 1)
  end
end
redis.call('ZADD', KEYS[2], seq, seq .. ':' .. ARGV[2] .. ':' .. ARGV[1])
local max = tonumber(ARGV[3])
if max > 0 then
  local floor = tonumber(redis.call('GET', KEYS[3]) or '0')
  if seq - floor > max then
    redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', seq - max)
    redis.call('SET', KEYS[3], seq - max)
  end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[2], ttl)
  redis.call('EXPIRE', KEYS[3], ttl)
end
return seq
`)

var replayScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(redis.call('GET', KEYS[3]) or '0')
if redis.call('EXISTS', KEYS[2]) == 0 then
  floor = last
end
local after = tonumber(ARGV[1])
if after > last or after < floor then
  return {'stale'}
end
local out = redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. ARGV[1], '+inf')
table.insert(out, 1, 'ok')
return out
`)

var pruneScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local upto = tonumber(ARGV[1])
if upto > last then
  upto = last
end
local floor = tonumber(redis.call('GET', KEYS[3]) or '0')
if upto <= floor then
  return floor
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', upto)
redis.call('SET', KEYS[3], upto)
return upto
`)

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, payload []byte) (uint64, error) {
	now := s.clock.Now()
	args := []interface{}{
		payload,
		now.UnixMilli(),
		s.retention.MaxRecords,
		int64(s.ttl / time.Second),
	}
	seq, err := appendScript.Run(ctx, s.client, s.keys(streamID), args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("append to stream %q: %w", streamID, err)
	}

	if age := s.retention.MaxAge; age > 0 {
		if err := s.pruneOlderThan(ctx, streamID, now.Add(-age)); err != nil {
			return 0, err
		}
	}
	return uint64(seq), nil
}

// pruneOlderThan scans the head of the log and prunes every record
// appended before cutoff.
func (s *Store) pruneOlderThan(ctx context.Context, streamID string, cutoff time.Time) error {
	members, err := s.client.ZRange(ctx, s.logKey(streamID), 0, 127).Result()
	if err != nil {
		return fmt.Errorf("scan stream %q: %w", streamID, err)
	}
	var upto uint64
	for _, m := range members {
		rec, err := decodeMember(streamID, m)
		if err != nil {
			return err
		}
		if !rec.Timestamp.Before(cutoff) {
			break
		}
		upto = rec.Seq
	}
	if upto == 0 {
		return nil
	}
	return s.prune(ctx, streamID, upto)
}

func (s *Store) prune(ctx context.Context, streamID string, upto uint64) error {
	if err := pruneScript.Run(ctx, s.client, s.keys(streamID), upto).Err(); err != nil {
		return fmt.Errorf("prune stream %q: %w", streamID, err)
	}
	return nil
}

// ReplayFrom implements eventstore.Store.
func (s *Store) ReplayFrom(ctx context.Context, streamID string, after uint64) ([]eventstore.Record, error) {
	res, err := replayScript.Run(ctx, s.client, s.keys(streamID), after).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("replay stream %q: %w", streamID, err)
	}
	if len(res) == 0 || res[0] != "ok" {
		return nil, fmt.Errorf("%w: position %d of stream %q is not retained", eventstore.ErrStaleCursor, after, streamID)
	}

	out := make([]eventstore.Record, 0, len(res)-1)
	for _, m := range res[1:] {
		rec, err := decodeMember(streamID, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ack implements eventstore.Store.
func (s *Store) Ack(ctx context.Context, streamID string, seq uint64) error {
	return s.prune(ctx, streamID, seq)
}

// Delete implements eventstore.Store.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, s.keys(streamID)...).Err(); err != nil {
		return fmt.Errorf("delete stream %q: %w", streamID, err)
	}
	return nil
}

func decodeMember(streamID, m string) (eventstore.Record, error) {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return eventstore.Record{}, fmt.Errorf("corrupt record in stream %q", streamID)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return eventstore.Record{}, fmt.Errorf("corrupt record sequence in stream %q: %w", streamID, err)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return eventstore.Record{}, fmt.Errorf("corrupt record timestamp in stream %q: %w", streamID, err)
	}
	return eventstore.Record{
		StreamID:  streamID,
		Seq:       seq,
		Payload:   []byte(parts[2]),
		Timestamp: time.UnixMilli(ms),
	}, nil
}
