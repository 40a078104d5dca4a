package authcore

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serplantas/authcore/store"
)

func TestBeginEnableTOTPStoresSealedSecret(t *testing.T) {
	env := newTestEnv(t)
	userID := env.register(t)

	enr, err := env.engine.BeginEnableTOTP(context.Background(), userID)
	if err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	if !strings.HasPrefix(enr.URI, "otpauth://totp/") {
		t.Fatalf("expected otpauth uri, got %s", enr.URI)
	}
	if !enr.ExpiresAt.Equal(env.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected enrollment expiry %v", enr.ExpiresAt)
	}

	u := env.user(t, userID)
	if u.TOTPState != store.TOTPPendingVerification {
		t.Fatalf("expected pending, got %s", u.TOTPState)
	}
	if len(u.TOTPSecret) == 0 || bytes.Contains(u.TOTPSecret, []byte(enr.Secret)) {
		t.Fatal("expected secret stored sealed")
	}

	// Login is not gated while pending.
	env.login(t)
}

func TestBeginEnableTOTPTwiceReplacesSecret(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	first, err := env.engine.BeginEnableTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	second, err := env.engine.BeginEnableTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("second BeginEnableTOTP failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("expected a fresh secret")
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, first.Secret)); !errors.Is(err, ErrInvalidTOTPCode) {
		t.Fatalf("expected superseded secret rejected, got %v", err)
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, second.Secret)); err != nil {
		t.Fatalf("ConfirmEnableTOTP failed: %v", err)
	}
}

func TestConfirmEnableTOTPStateErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	if err := env.engine.ConfirmEnableTOTP(ctx, userID, "123456"); !errors.Is(err, ErrNoPendingEnrollment) {
		t.Fatalf("expected ErrNoPendingEnrollment without begin, got %v", err)
	}

	enr, err := env.engine.BeginEnableTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, wrongCode(env.code(t, enr.Secret))); !errors.Is(err, ErrInvalidTOTPCode) {
		t.Fatalf("expected ErrInvalidTOTPCode, got %v", err)
	}
	if env.user(t, userID).TOTPState != store.TOTPPendingVerification {
		t.Fatal("expected enrollment kept after a wrong code")
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, enr.Secret)); err != nil {
		t.Fatalf("ConfirmEnableTOTP failed: %v", err)
	}

	if _, err := env.engine.BeginEnableTOTP(ctx, userID); !errors.Is(err, ErrTOTPAlreadyEnabled) {
		t.Fatalf("expected ErrTOTPAlreadyEnabled from begin, got %v", err)
	}
	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, enr.Secret)); !errors.Is(err, ErrTOTPAlreadyEnabled) {
		t.Fatalf("expected ErrTOTPAlreadyEnabled from confirm, got %v", err)
	}
}

func TestConfirmEnableTOTPExpiredEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	enr, err := env.engine.BeginEnableTOTP(ctx, userID)
	if err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	env.clock.Advance(11 * time.Minute)

	if err := env.engine.ConfirmEnableTOTP(ctx, userID, env.code(t, enr.Secret)); !errors.Is(err, ErrNoPendingEnrollment) {
		t.Fatalf("expected ErrNoPendingEnrollment, got %v", err)
	}
	u := env.user(t, userID)
	if u.TOTPState != store.TOTPDisabled || len(u.TOTPSecret) != 0 {
		t.Fatalf("expected stale enrollment discarded, got state=%s secret=%d bytes", u.TOTPState, len(u.TOTPSecret))
	}
}

func TestPruneExpiredEnrollments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	if _, err := env.engine.BeginEnableTOTP(ctx, userID); err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	if n, err := env.engine.PruneExpiredEnrollments(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing pruned yet, got %d err=%v", n, err)
	}
	env.clock.Advance(11 * time.Minute)
	if n, err := env.engine.PruneExpiredEnrollments(ctx); err != nil || n != 1 {
		t.Fatalf("expected one pruned, got %d err=%v", n, err)
	}
	if env.user(t, userID).TOTPState != store.TOTPDisabled {
		t.Fatal("expected disabled after prune")
	}
}

func TestCancelTOTPEnrollment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	if err := env.engine.CancelTOTPEnrollment(ctx, userID); !errors.Is(err, ErrNoPendingEnrollment) {
		t.Fatalf("expected ErrNoPendingEnrollment, got %v", err)
	}
	if _, err := env.engine.BeginEnableTOTP(ctx, userID); err != nil {
		t.Fatalf("BeginEnableTOTP failed: %v", err)
	}
	if err := env.engine.CancelTOTPEnrollment(ctx, userID); err != nil {
		t.Fatalf("CancelTOTPEnrollment failed: %v", err)
	}
	u := env.user(t, userID)
	if u.TOTPState != store.TOTPDisabled || len(u.TOTPSecret) != 0 {
		t.Fatal("expected enrollment discarded")
	}
}

func TestTOTPCodeReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)
	code := env.code(t, secret)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code); err != nil {
		t.Fatalf("VerifySecondFactor failed: %v", err)
	}

	res, err = env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code); !errors.Is(err, ErrInvalidTOTPCode) {
		t.Fatalf("expected replayed code rejected, got %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricTOTPReplayRejected]; got != 1 {
		t.Fatalf("expected replay metric 1, got %d", got)
	}

	// The challenge survives one wrong code; the next step's code completes it.
	env.clock.Advance(30 * time.Second)
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, env.code(t, secret)); err != nil {
		t.Fatalf("expected next step accepted, got %v", err)
	}
}

func TestTOTPClockDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	// One step behind is accepted.
	code := env.code(t, secret)
	env.clock.Advance(30 * time.Second)
	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code); err != nil {
		t.Fatalf("expected code from previous step accepted, got %v", err)
	}

	// Ninety seconds late is outside the window.
	env.clock.Advance(30 * time.Second)
	code = env.code(t, secret)
	env.clock.Advance(90 * time.Second)
	res, err = env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code); !errors.Is(err, ErrInvalidTOTPCode) {
		t.Fatalf("expected code 90s old rejected, got %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	env.clock.Advance(5*time.Minute + time.Second)
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, env.code(t, secret)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
	if _, err := env.engine.VerifySecondFactor(ctx, "not-a-challenge", "123456"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired for garbage id, got %v", err)
	}
}

func TestChallengeExhaustedAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Lockout.Threshold = 50
		c.TOTP.ChallengeMaxAttempts = 3
	})
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	code := env.code(t, secret)
	for i := 0; i < 3; i++ {
		if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, "abc"); !errors.Is(err, ErrInvalidTOTPCode) {
			t.Fatalf("attempt %d: expected ErrInvalidTOTPCode, got %v", i+1, err)
		}
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected exhausted challenge, got %v", err)
	}
}

func TestWrongCodesLockAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	bad := wrongCode(env.code(t, secret))
	for i := 0; i < 5; i++ {
		if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, bad); !errors.Is(err, ErrInvalidTOTPCode) {
			t.Fatalf("attempt %d: expected ErrInvalidTOTPCode, got %v", i+1, err)
		}
	}
	if _, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, env.code(t, secret)); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected challenge dropped on lock, got %v", err)
	}
	if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestConcurrentChallengeUseIssuesOnePair(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Lockout.Threshold = 50 })
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	code := env.code(t, secret)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, code)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && pair != nil {
				success++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one pair, got %d", success)
	}
	for _, err := range errs {
		// Losers either see the challenge gone or the step already used. A
		// loser whose failure-counter update keeps losing CAS rounds surfaces
		// as unavailable.
		if !errors.Is(err, ErrChallengeExpired) && !errors.Is(err, ErrInvalidTOTPCode) && !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("unexpected loser error %v", err)
		}
	}
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	if err := env.engine.DisableTOTP(ctx, userID, testPassword, "123456"); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Fatalf("expected ErrTOTPNotEnabled, got %v", err)
	}

	secret := env.enableTOTP(t, userID)
	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	pair, err := env.engine.VerifySecondFactor(ctx, res.ChallengeID, env.code(t, secret))
	if err != nil {
		t.Fatalf("VerifySecondFactor failed: %v", err)
	}
	env.clock.Advance(30 * time.Second)

	if err := env.engine.DisableTOTP(ctx, userID, "Wrong-password-1", env.code(t, secret)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := env.engine.DisableTOTP(ctx, userID, testPassword, wrongCode(env.code(t, secret))); !errors.Is(err, ErrInvalidTOTPCode) {
		t.Fatalf("expected ErrInvalidTOTPCode, got %v", err)
	}
	if got := env.user(t, userID).FailedAttempts; got != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", got)
	}

	if err := env.engine.DisableTOTP(ctx, userID, testPassword, env.code(t, secret)); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}
	u := env.user(t, userID)
	if u.TOTPState != store.TOTPDisabled || len(u.TOTPSecret) != 0 {
		t.Fatal("expected totp disabled and secret cleared")
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected sessions revoked, got %v", err)
	}
	env.login(t)
}
