package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter budgets.
type Config struct {
	// MaxAttempts failures inside Window block the identifier for
	// LockDuration, doubling on each consecutive block up to
	// MaxLockDuration. A zero LockDuration blocks for Window.
	MaxAttempts     int
	Window          time.Duration
	LockDuration    time.Duration
	MaxLockDuration time.Duration
	// EnableIPThrottle adds a per-IP budget of IPMaxAttempts.
	EnableIPThrottle bool
	IPMaxAttempts    int
}

// Limiter is safe for concurrent use across processes.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// failIdentifierScript counts one failure. Reaching the budget bumps the
// strike counter, sets a block of base*2^(strikes-1) capped at max, and
// restarts the failure count, mirroring the per-account lockout.
const failIdentifierScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if count < tonumber(ARGV[2]) then
  return 0
end

local strikes = redis.call("INCR", KEYS[3])
local d = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
for i = 2, strikes do
  d = d * 2
  if d >= cap then
    break
  end
end
if d > cap then
  d = cap
end
redis.call("SET", KEYS[2], strikes, "PX", d)
redis.call("PEXPIRE", KEYS[3], d + cap)
redis.call("DEL", KEYS[1])
return d
`

var failIdentifierLua = redis.NewScript(failIdentifierScript)

func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = cfg.Window
	}
	if cfg.MaxLockDuration < cfg.LockDuration {
		cfg.MaxLockDuration = cfg.LockDuration
	}
	return &Limiter{redis: redisClient, config: cfg}
}

// CheckIdentifier returns ErrRateLimited while identifier is blocked.
func (l *Limiter) CheckIdentifier(ctx context.Context, identifier string) error {
	n, err := l.redis.Exists(ctx, identifierKeys(identifier)[1]).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if n > 0 {
		return ErrRateLimited
	}
	return nil
}

// FailIdentifier records one failure and reports ErrRateLimited when this
// failure exhausted the budget.
func (l *Limiter) FailIdentifier(ctx context.Context, identifier string) error {
	blockedMs, err := failIdentifierLua.Run(ctx, l.redis, identifierKeys(identifier),
		l.config.Window.Milliseconds(),
		l.config.MaxAttempts,
		l.config.LockDuration.Milliseconds(),
		l.config.MaxLockDuration.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if blockedMs > 0 {
		return ErrRateLimited
	}
	return nil
}

// ResetIdentifier clears the identifier counter, block and strikes.
func (l *Limiter) ResetIdentifier(ctx context.Context, identifier string) error {
	if err := l.redis.Del(ctx, identifierKeys(identifier)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IdentifierAttempts returns the failure count of the current window.
func (l *Limiter) IdentifierAttempts(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, identifierKeys(identifier)[0]).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(max(count, 0)), nil
}

// CheckIP applies the per-IP budget. It is a no-op when disabled or ip is empty.
func (l *Limiter) CheckIP(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" {
		return nil
	}
	return l.check(ctx, ipKey(ip), l.config.IPMaxAttempts)
}

// FailIP records a failed login from ip.
func (l *Limiter) FailIP(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, ipKey(ip), l.config.Window)
	return err
}

func (l *Limiter) check(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count >= int64(maxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}

// identifierKeys returns the failure counter, block and strike keys. The
// identifier is hashed so raw emails never appear in Redis, and the hash tag
// keeps all three in one cluster slot.
func identifierKeys(identifier string) []string {
	sum := sha256.Sum256([]byte(identifier))
	tag := "{" + hex.EncodeToString(sum[:16]) + "}"
	return []string{"alu:" + tag, "all:" + tag, "als:" + tag}
}

func ipKey(ip string) string {
	return "ali:" + ip
}
