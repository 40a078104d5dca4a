package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRefreshNotFound is returned when the family does not exist or has expired.
	ErrRefreshNotFound = errors.New("refresh family not found")

	// ErrRefreshReused is returned when a superseded refresh hash is presented.
	// The family has already been deleted when this is returned.
	ErrRefreshReused = errors.New("refresh token reused")

	ErrRedisUnavailable = errors.New("redis unavailable")
)

const (
	DefaultFamilyPrefix = "arf"
	DefaultUserPrefix   = "aru"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

const rotateRefreshScript = `
local fields = redis.call("HMGET", KEYS[1], "uid", "amr", "rh", "exp")
local uid = fields[1]
if not uid then
  return {0}
end

local user_key = ARGV[1] .. uid
local exp = tonumber(fields[4])

if not exp or exp <= tonumber(ARGV[4]) then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", user_key, ARGV[5])
  return {1}
end

if fields[3] ~= ARGV[2] then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", user_key, ARGV[5])
  return {2, uid}
end

redis.call("HSET", KEYS[1], "rh", ARGV[3])
return {3, uid, fields[2] or "", fields[4]}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteFamilyScript = `
local uid = redis.call("HGET", KEYS[1], "uid")
if not uid then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[1] .. uid, ARGV[2])
return 1
`

var deleteFamilyLua = redis.NewScript(deleteFamilyScript)

// Store is the Redis-backed refresh family store.
type Store struct {
	redis        redis.UniversalClient
	familyPrefix string
	userPrefix   string
	now          func() time.Time
}

// NewStore creates a family [Store]. Empty prefixes fall back to the defaults.
func NewStore(rdb redis.UniversalClient, familyPrefix, userPrefix string) *Store {
	if familyPrefix == "" {
		familyPrefix = DefaultFamilyPrefix
	}
	if userPrefix == "" {
		userPrefix = DefaultUserPrefix
	}
	return &Store{
		redis:        rdb,
		familyPrefix: familyPrefix,
		userPrefix:   userPrefix,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for expiry checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) key(familyID string) string {
	return s.familyPrefix + ":" + familyID
}

func (s *Store) userKey(userID string) string {
	return s.userPrefix + ":" + userID
}

// Create stores a new family and indexes it under its user. The Redis TTL
// matches the family's absolute expiry, so rotation never extends it.
func (s *Store) Create(ctx context.Context, f *Family) error {
	if f == nil || f.ID == "" || f.UserID == "" || f.RefreshHash == "" {
		return errors.New("session: incomplete family")
	}
	ttl := f.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("session: family already expired")
	}

	key := s.key(f.ID)
	userKey := s.userKey(f.UserID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", f.UserID,
			"amr", strings.Join(f.AMR, ","),
			"rh", f.RefreshHash,
			"exp", strconv.FormatInt(f.ExpiresAt.Unix(), 10),
			"created", strconv.FormatInt(f.CreatedAt.Unix(), 10),
		)
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, userKey, f.ID)
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns a live family. Expired or missing families yield ErrRefreshNotFound.
func (s *Store) Get(ctx context.Context, familyID string) (*Family, error) {
	vals, err := s.redis.HGetAll(ctx, s.key(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(vals) == 0 || vals["uid"] == "" {
		return nil, ErrRefreshNotFound
	}

	exp, err := strconv.ParseInt(vals["exp"], 10, 64)
	if err != nil {
		return nil, ErrRefreshNotFound
	}
	created, _ := strconv.ParseInt(vals["created"], 10, 64)
	f := &Family{
		ID:          familyID,
		UserID:      vals["uid"],
		AMR:         splitAMR(vals["amr"]),
		RefreshHash: vals["rh"],
		CreatedAt:   time.Unix(created, 0),
		ExpiresAt:   time.Unix(exp, 0),
	}
	if !s.now().Before(f.ExpiresAt) {
		return nil, ErrRefreshNotFound
	}
	return f, nil
}

// Exists reports whether the family is still live.
func (s *Store) Exists(ctx context.Context, familyID string) (bool, error) {
	_, err := s.Get(ctx, familyID)
	if errors.Is(err, ErrRefreshNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Rotate replaces providedHash with nextHash when providedHash is current.
// A mismatch deletes the family and returns ErrRefreshReused together with
// the owning user id so the caller can audit the event.
func (s *Store) Rotate(ctx context.Context, familyID, providedHash, nextHash string) (*Rotation, error) {
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.key(familyID)},
		s.userPrefix+":",
		providedHash,
		nextHash,
		s.now().Unix(),
		familyID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid refresh script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid refresh script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound, rotateStatusExpired:
		return nil, ErrRefreshNotFound
	case rotateStatusMismatch:
		rot := &Rotation{}
		if len(parts) > 1 {
			rot.UserID = scriptString(parts[1])
		}
		return rot, ErrRefreshReused
	case rotateStatusRotated:
		if len(parts) < 4 {
			return nil, fmt.Errorf("%w: short refresh script response", ErrRedisUnavailable)
		}
		exp, err := strconv.ParseInt(scriptString(parts[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid family expiry", ErrRedisUnavailable)
		}
		return &Rotation{
			UserID:    scriptString(parts[1]),
			AMR:       splitAMR(scriptString(parts[2])),
			ExpiresAt: time.Unix(exp, 0),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown refresh script status", ErrRedisUnavailable)
	}
}

// Delete removes one family. Deleting a missing family is not an error.
func (s *Store) Delete(ctx context.Context, familyID string) error {
	err := deleteFamilyLua.Run(ctx, s.redis, []string{s.key(familyID)}, s.userPrefix+":", familyID).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DeleteAllForUser removes every family of the user and returns how many
// were live. A family created between the read and the delete survives; the
// engine only calls this after the state change that motivates it has been
// persisted, so such a family was minted under the new state.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}

	var del *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			del = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if del == nil {
		return 0, nil
	}
	return int(del.Val()), nil
}

// ActiveFamilyIDs returns the ids indexed for a user. Entries may lag behind
// expiry by up to one family lifetime.
func (s *Store) ActiveFamilyIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// ListForUser returns the user's live families, oldest first. Index entries
// whose family has expired are pruned on the way.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Family, error) {
	ids, err := s.ActiveFamilyIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*Family, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		f, err := s.Get(ctx, id)
		if errors.Is(err, ErrRefreshNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.userKey(userID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func splitAMR(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func scriptString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
