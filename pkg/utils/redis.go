package utils

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var slotAcquireScript = redis.NewScript(`
-- KEYS[1] = owner slot set (member = call id, score = expiry in ms)
-- ARGV[1] = call id
-- ARGV[2] = limit (int)
-- ARGV[3] = now_ms
-- ARGV[4] = pending_ttl_ms
-- ARGV[5] = key_ttl_ms
--
-- Returns 1 if the call holds a slot (new or already held), 0 if the limit was reached.
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 1
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]) + tonumber(ARGV[4]), ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

var slotConfirmScript = redis.NewScript(`
-- KEYS[1] = owner slot set
-- ARGV[1] = call id
-- ARGV[2] = expiry_ms
-- ARGV[3] = key_ttl_ms
--
-- Extends a held slot. Returns 0 when the call holds no slot.
local n = redis.call('ZADD', KEYS[1], 'XX', 'CH', ARGV[2], ARGV[1])
if n == 0 and not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// CallSlots caps concurrent screened calls per owner. Each slot belongs to one
// call id, so a webhook retried for the same call never takes a second slot.
//
// A slot starts pending and expires after pendingTTL unless Confirm is called
// when the media stream actually starts; a confirmed slot lives for heldTTL.
// Expiry is per call, so one leaked call never blocks the owner's other slots.
type CallSlots struct {
	rdb        *redis.Client
	prefix     string
	limit      int
	pendingTTL time.Duration
	heldTTL    time.Duration
	now        func() time.Time
}

// NewCallSlots returns nil when limit <= 0, which disables capping.
func NewCallSlots(rdb *redis.Client, prefix string, limit int, pendingTTL, heldTTL time.Duration) (*CallSlots, error) {
	if limit <= 0 {
		return nil, nil
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if pendingTTL <= 0 || heldTTL < pendingTTL {
		return nil, fmt.Errorf("slot ttls must satisfy 0 < pending <= held")
	}
	if prefix == "" {
		prefix = "screening:slots:"
	}
	return &CallSlots{rdb: rdb, prefix: prefix, limit: limit, pendingTTL: pendingTTL, heldTTL: heldTTL, now: time.Now}, nil
}

func (s *CallSlots) key(ownerID string) string { return s.prefix + ownerID }

func (s *CallSlots) nowMs() int64 { return s.now().UnixMilli() }

// Acquire takes a pending slot for callID under ownerID. Acquiring again for a
// call that already holds a slot succeeds without taking another. A nil
// *CallSlots always admits.
func (s *CallSlots) Acquire(ctx context.Context, ownerID, callID string) (bool, error) {
	if s == nil {
		return true, nil
	}
	if ownerID == "" || callID == "" {
		return false, fmt.Errorf("owner and call id are required")
	}
	res, err := slotAcquireScript.Run(ctx, s.rdb, []string{s.key(ownerID)},
		callID, s.limit, s.nowMs(), s.pendingTTL.Milliseconds(), s.heldTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// Confirm marks callID's slot as in use for heldTTL. It reports false when the
// call holds no slot, e.g. because the pending slot already expired.
func (s *CallSlots) Confirm(ctx context.Context, ownerID, callID string) (bool, error) {
	if s == nil {
		return true, nil
	}
	if ownerID == "" || callID == "" {
		return false, fmt.Errorf("owner and call id are required")
	}
	res, err := slotConfirmScript.Run(ctx, s.rdb, []string{s.key(ownerID)},
		callID, s.nowMs()+s.heldTTL.Milliseconds(), s.heldTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// Release frees callID's slot. Releasing a call without a slot is a no-op.
func (s *CallSlots) Release(ctx context.Context, ownerID, callID string) error {
	if s == nil {
		return nil
	}
	if ownerID == "" || callID == "" {
		return fmt.Errorf("owner and call id are required")
	}
	return s.rdb.ZRem(ctx, s.key(ownerID), callID).Err()
}

// InUse reports how many unexpired slots ownerID holds.
func (s *CallSlots) InUse(ctx context.Context, ownerID string) (int, error) {
	if s == nil {
		return 0, nil
	}
	n, err := s.rdb.ZCount(ctx, s.key(ownerID), strconv.FormatInt(s.nowMs()+1, 10), "+inf").Result()
	return int(n), err
}
