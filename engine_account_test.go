package authcore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	userID := env.register(t)
	u := env.user(t, userID)
	if u.Email != testEmail {
		t.Fatalf("expected normalized email, got %q", u.Email)
	}
	if u.PasswordHash == testPassword || !strings.HasPrefix(u.PasswordHash, "$argon2id$") {
		t.Fatalf("expected argon2id hash, got %q", u.PasswordHash)
	}

	if _, err := env.engine.Register(ctx, " USER@example.com", "Another-pass-42"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"empty email", "", testPassword, ErrInvalidEmail},
		{"no at", "user.example.com", testPassword, ErrInvalidEmail},
		{"display name", "Bob <bob@example.com>", testPassword, ErrInvalidEmail},
		{"dotless domain", "bob@localhost", testPassword, ErrInvalidEmail},
		{"too long", strings.Repeat("a", 250) + "@example.com", testPassword, ErrInvalidEmail},
		{"short password", "bob@example.com", "Ab1!", ErrWeakPassword},
		{"no digit", "bob@example.com", "NoDigitsHere!", ErrWeakPassword},
		{"contains local part", "bobby@example.com", "bobby-12345678", ErrWeakPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.Register(ctx, tc.email, tc.password); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricRegisterFailure]; got != uint64(len(cases)) {
		t.Fatalf("expected %d register failures, got %d", len(cases), got)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	pair := env.login(t)

	if err := env.engine.ChangePassword(ctx, userID, "Wrong-password-1", "Brand-new-pass-9"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if got := env.user(t, userID).FailedAttempts; got != 1 {
		t.Fatalf("expected failure recorded, got %d", got)
	}
	if err := env.engine.ChangePassword(ctx, userID, testPassword, "short1"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if err := env.engine.ChangePassword(ctx, userID, testPassword, "Brand-new-pass-9"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected sessions revoked, got %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, "Brand-new-pass-9"); err != nil {
		t.Fatalf("expected new password accepted, got %v", err)
	}

	if err := env.engine.ChangePassword(ctx, "missing", testPassword, "Brand-new-pass-9"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestLoginUpgradesWeakHash(t *testing.T) {
	env := newTestEnv(t)
	userID := env.register(t)
	before := env.user(t, userID).PasswordHash

	cfg := testConfig(t)
	cfg.Password.Time = 2
	stronger, err := New().WithConfig(cfg).WithRedis(env.rdb).WithStore(env.store).WithClock(env.clock.Now).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer stronger.Close()

	if _, err := stronger.Login(context.Background(), testEmail, testPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	after := env.user(t, userID).PasswordHash
	if after == before || !strings.Contains(after, "t=2") {
		t.Fatalf("expected rehash with t=2, got %q", after)
	}
	// The old engine still verifies the upgraded hash.
	env.login(t)
}
