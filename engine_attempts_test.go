package authcore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/store/memory"
)

// gateStore holds every FindByEmail until n callers arrived, so they all
// start from the same snapshot of the user.
type gateStore struct {
	*memory.Store
	n       int32
	arrived atomic.Int32
	open    chan struct{}
}

func newGateStore(s *memory.Store, n int) *gateStore {
	return &gateStore{Store: s, n: int32(n), open: make(chan struct{})}
}

func (g *gateStore) FindByEmail(ctx context.Context, email string) (store.User, error) {
	u, err := g.Store.FindByEmail(ctx, email)
	if g.arrived.Add(1) == g.n {
		close(g.open)
	}
	select {
	case <-g.open:
	case <-time.After(5 * time.Second):
	}
	return u, err
}

// lockingStore lets its first failure-counter write through and then locks
// the account, as if other attempts had crossed the threshold meanwhile.
type lockingStore struct {
	*memory.Store
	now   func() time.Time
	armed atomic.Bool
}

func (l *lockingStore) AtomicIncrementFailure(ctx context.Context, id string, v uint64, f store.FailureState) (store.User, error) {
	u, err := l.Store.AtomicIncrementFailure(ctx, id, v, f)
	if err != nil || !l.armed.CompareAndSwap(true, false) {
		return u, err
	}
	if _, lerr := l.Store.AtomicIncrementFailure(ctx, id, u.Version, store.FailureState{
		LockedUntil: l.now().Add(15 * time.Minute),
		Lockouts:    1,
	}); lerr != nil {
		return store.User{}, lerr
	}
	return u, nil
}

func TestParallelWrongPasswordsBoundedByThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	const workers = 10
	e := env.engineOver(t, newGateStore(env.store, workers))

	var (
		wg       sync.WaitGroup
		verdicts atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Login(ctx, testEmail, "Wrong-password-1")
			switch {
			case errors.Is(err, ErrInvalidCredentials):
				verdicts.Add(1)
			case errors.Is(err, ErrAccountLocked), errors.Is(err, ErrStoreUnavailable):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	threshold := int32(env.cfg.Lockout.Threshold)
	if got := verdicts.Load(); got > threshold {
		t.Fatalf("%d password verdicts with threshold %d", got, threshold)
	}
	u := env.user(t, userID)
	locked := env.clock.Now().Before(u.LockedUntil)
	switch {
	case locked && verdicts.Load() != threshold:
		t.Fatalf("locked after %d verdicts", verdicts.Load())
	case !locked && int32(u.FailedAttempts) != verdicts.Load():
		t.Fatalf("counter %d does not match %d verdicts", u.FailedAttempts, verdicts.Load())
	}
	if locked {
		if _, err := env.engine.Login(ctx, testEmail, testPassword); !errors.Is(err, ErrAccountLocked) {
			t.Fatalf("expected ErrAccountLocked with correct password, got %v", err)
		}
	}
}

func TestCorrectPasswordRefusedWhenLockLandsDuringCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)

	ls := &lockingStore{Store: env.store, now: env.clock.Now}
	ls.armed.Store(true)
	e := env.engineOver(t, ls)

	res, err := e.Login(ctx, testEmail, testPassword)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if locked, _ := env.engine.IsLocked(ctx, userID); !locked {
		t.Fatal("a correct password must not clear a concurrent lock")
	}
	if got := e.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 0 {
		t.Fatalf("expected no successful login, got %d", got)
	}
}

func TestSecondFactorRefusedWhenLockLandsDuringCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	res, err := env.engine.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ls := &lockingStore{Store: env.store, now: env.clock.Now}
	ls.armed.Store(true)
	e := env.engineOver(t, ls)

	pair, err := e.VerifySecondFactor(ctx, res.ChallengeID, env.code(t, secret))
	if !errors.Is(err, ErrAccountLocked) || pair != nil {
		t.Fatalf("expected ErrAccountLocked and no tokens, got %v", err)
	}
	if locked, _ := env.engine.IsLocked(ctx, userID); !locked {
		t.Fatal("expected lock to persist")
	}
}

func TestChangePasswordRefusedWhenLockLandsDuringCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	before := env.user(t, userID).PasswordHash

	ls := &lockingStore{Store: env.store, now: env.clock.Now}
	ls.armed.Store(true)
	e := env.engineOver(t, ls)

	if err := e.ChangePassword(ctx, userID, testPassword, "Brand-new-pass-9"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if env.user(t, userID).PasswordHash != before {
		t.Fatal("password changed under a lock")
	}
}

func TestDisableTOTPRefusedWhenLockLandsDuringCheck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	secret := env.enableTOTP(t, userID)

	ls := &lockingStore{Store: env.store, now: env.clock.Now}
	ls.armed.Store(true)
	e := env.engineOver(t, ls)

	if err := e.DisableTOTP(ctx, userID, testPassword, env.code(t, secret)); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if env.user(t, userID).TOTPState != store.TOTPEnabled {
		t.Fatal("totp disabled under a lock")
	}
}

func TestCorrectPasswordWithPendingSecondFactorKeepsCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.register(t)
	env.enableTOTP(t, userID)

	_, _ = env.engine.Login(ctx, testEmail, "Wrong-password-1")
	if _, err := env.engine.Login(ctx, testEmail, testPassword); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	// The password step alone is not a completed login.
	if got := env.user(t, userID).FailedAttempts; got != 1 {
		t.Fatalf("expected earlier failure kept, got %d", got)
	}
}
