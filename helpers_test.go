package authcore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/store/memory"
)

const (
	testEmail    = "user@example.com"
	testPassword = "Secret123!"
)

// testClock starts on a TOTP step boundary so step arithmetic in tests is exact.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_010, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	engine *Engine
	cfg    Config
	store  *memory.Store
	clock  *testClock
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	sink   *recordingSink
}

func testConfig(t *testing.T) Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	encKey := make([]byte, 32)
	if _, err := rand.Read(encKey); err != nil {
		t.Fatalf("generate encryption key: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.TOTP.EncryptionKey = encKey
	// Minimum accepted Argon2 cost keeps the suite fast.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := &testEnv{
		cfg:   cfg,
		store: memory.New(),
		clock: newTestClock(),
		mr:    mr,
		rdb:   rdb,
		sink:  &recordingSink{},
	}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(env.store).
		WithClock(env.clock.Now).
		WithAuditSink(env.sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	env.engine = engine

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return env
}

func (env *testEnv) register(t *testing.T) string {
	t.Helper()
	id, err := env.engine.Register(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return id
}

// engineOver builds a second engine sharing env's config, Redis and clock
// but reading users through s.
func (env *testEnv) engineOver(t *testing.T, s store.Store) *Engine {
	t.Helper()
	e, err := New().
		WithConfig(env.cfg).
		WithRedis(env.rdb).
		WithStore(s).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func (env *testEnv) user(t *testing.T, id string) store.User {
	t.Helper()
	u, err := env.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	return u
}

func (env *testEnv) code(t *testing.T, secret string) string {
	t.Helper()
	return env.codeAt(t, secret, env.clock.Now())
}

func (env *testEnv) codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := env.engine.totp.Code(secret, at)
	if err != nil {
		t.Fatalf("Code failed: %v", err)
	}
	return code
}

// enableTOTP registers nothing; it enrolls userID and returns the shared secret.
func (env *testEnv) enableTOTP(t *testing.T, userID string) string {
	t.Helper()
	ctx := context.Background()
	enr, err := env.engine.BeginEnableTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, enr.Secret)); err != nil {
		t.Fatalf("ConfirmEnableTOTP failed: %v", err)
	}
	// Move past the confirmed step so the next login code is fresh.
	env.clock.Advance(30 * time.Second)
	return enr.Secret
}

func (env *testEnv) login(t *testing.T) *TokenPair {
	t.Helper()
	res, err := env.engine.Login(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.Tokens == nil {
		t.Fatal("expected tokens from password-only login")
	}
	return res.Tokens
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, e AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}
