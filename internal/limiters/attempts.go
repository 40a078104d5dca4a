package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serplantas/authcore/store"
)

// maxCASRetries bounds optimistic-concurrency retries when reserving an
// attempt.
const maxCASRetries = 3

// maxSettleRetries bounds retries when settling a reservation. Every lost
// round means another attempt committed, so the bound only needs to exceed
// the number of requests expected to race on one account.
const maxSettleRetries = 8

var (
	// ErrContention is returned when every CAS attempt lost to a concurrent writer.
	ErrContention = errors.New("failure counter contention")
	// ErrLocked means the account is locked: either before a reservation
	// was taken, or by another attempt before this one settled.
	ErrLocked = errors.New("account locked")
)

// AttemptPolicy is the lockout policy: Threshold failures inside Window lock
// the account for BaseDuration, doubling on each consecutive lockout up to
// MaxDuration.
type AttemptPolicy struct {
	Threshold    int
	Window       time.Duration
	BaseDuration time.Duration
	MaxDuration  time.Duration
}

// Validate rejects policies that could never lock or never unlock.
func (p AttemptPolicy) Validate() error {
	switch {
	case p.Threshold < 1:
		return errors.New("lockout threshold must be >= 1")
	case p.Window <= 0:
		return errors.New("lockout window must be > 0")
	case p.BaseDuration <= 0:
		return errors.New("lockout base duration must be > 0")
	case p.MaxDuration < p.BaseDuration:
		return errors.New("lockout max duration must be >= base duration")
	}
	return nil
}

// AttemptLimiter keeps failure counters inside the user record and mutates
// them only through the store's conditional update. It holds no per-user
// state, so any number of instances can share one store.
type AttemptLimiter struct {
	store  store.Store
	policy AttemptPolicy
	now    func() time.Time
}

func NewAttemptLimiter(s store.Store, policy AttemptPolicy, now func() time.Time) *AttemptLimiter {
	if now == nil {
		now = time.Now
	}
	return &AttemptLimiter{store: s, policy: policy, now: now}
}

// Locked reports whether u is locked at the limiter's current time.
func (l *AttemptLimiter) Locked(u store.User) bool {
	return l.now().Before(u.LockedUntil)
}

// IsLocked loads the user and reports its lock state.
func (l *AttemptLimiter) IsLocked(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return l.Locked(u), nil
}

// Reset clears every counter and lock of the user unconditionally.
func (l *AttemptLimiter) Reset(ctx context.Context, userID string) error {
	return l.store.AtomicResetFailure(ctx, userID)
}

// Reservation is one attempt that has already been counted as a failure.
// The caller verifies credentials only after holding it, so concurrent
// attempts can never observe more verdicts than the policy allows.
type Reservation struct {
	UserID string
	// Before and After are the failure states around the reservation's own
	// write, as read back from the store.
	Before store.FailureState
	After  store.FailureState
	// User is the record as written by the reservation.
	User store.User
}

// LockedNow reports whether the reservation itself tripped the lock.
func (r *Reservation) LockedNow(now time.Time) bool {
	return now.Before(r.After.LockedUntil)
}

// Reserve counts one attempt against u before any credential is checked.
// A locked account yields ErrLocked without a write. u is used for the first
// CAS round; later rounds reload it.
func (l *AttemptLimiter) Reserve(ctx context.Context, u store.User) (*Reservation, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if attempt > 0 {
			var err error
			if u, err = l.store.FindByID(ctx, u.ID); err != nil {
				return nil, err
			}
		}
		if l.Locked(u) {
			return nil, ErrLocked
		}

		next := l.policy.next(u.FailureState(), l.now())
		updated, err := l.store.AtomicIncrementFailure(ctx, u.ID, u.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Reservation{
			UserID: u.ID,
			Before: u.FailureState(),
			After:  updated.FailureState(),
			User:   updated,
		}, nil
	}
	return nil, fmt.Errorf("%w: user %s", ErrContention, u.ID)
}

// Succeed settles r as a full authentication and clears every counter and
// lock. It returns ErrLocked when another attempt locked the account after
// r was taken; the failure then stays counted.
func (l *AttemptLimiter) Succeed(ctx context.Context, r *Reservation) (store.User, error) {
	return l.settle(ctx, r, func(store.User) (store.FailureState, bool) {
		return store.FailureState{}, true
	})
}

// Release hands r's attempt back without clearing failures recorded by
// others. It is used when the credential was right but the flow is not a
// completed login. When other attempts already moved the counter past r,
// only the count is decremented; once a newer window or lock replaced it,
// r stays counted.
func (l *AttemptLimiter) Release(ctx context.Context, r *Reservation) (store.User, error) {
	return l.settle(ctx, r, func(u store.User) (store.FailureState, bool) {
		cur := u.FailureState()
		switch {
		case sameFailureState(cur, r.After):
			return r.Before, true
		case !l.Locked(u) && cur.FailedAttempts > 0 && cur.FailureWindowStart.Equal(r.After.FailureWindowStart):
			cur.FailedAttempts--
			return cur, true
		default:
			return cur, false
		}
	})
}

func (l *AttemptLimiter) settle(ctx context.Context, r *Reservation, apply func(store.User) (store.FailureState, bool)) (store.User, error) {
	for attempt := 0; attempt < maxSettleRetries; attempt++ {
		u, err := l.store.FindByID(ctx, r.UserID)
		if err != nil {
			return store.User{}, err
		}
		if l.Locked(u) && !u.LockedUntil.Equal(r.After.LockedUntil) {
			return u, ErrLocked
		}

		next, write := apply(u)
		if !write {
			return u, nil
		}
		updated, err := l.store.AtomicIncrementFailure(ctx, u.ID, u.Version, next)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return store.User{}, err
		}
		return updated, nil
	}
	return store.User{}, fmt.Errorf("%w: user %s", ErrContention, r.UserID)
}

func sameFailureState(a, b store.FailureState) bool {
	return a.FailedAttempts == b.FailedAttempts &&
		a.Lockouts == b.Lockouts &&
		a.FailureWindowStart.Equal(b.FailureWindowStart) &&
		a.LockedUntil.Equal(b.LockedUntil)
}

// LockDuration returns the lock length applied on the n-th consecutive
// lockout (n starts at 1).
func (p AttemptPolicy) LockDuration(n int) time.Duration {
	d := p.BaseDuration
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDuration || d <= 0 {
			return p.MaxDuration
		}
	}
	if d > p.MaxDuration {
		return p.MaxDuration
	}
	return d
}

func (p AttemptPolicy) next(cur store.FailureState, now time.Time) store.FailureState {
	next := cur

	// Failures while locked extend nothing; the lock already bounds them.
	if now.Before(cur.LockedUntil) {
		return next
	}

	if cur.FailureWindowStart.IsZero() || now.Sub(cur.FailureWindowStart) >= p.Window {
		next.FailedAttempts = 1
		next.FailureWindowStart = now
	} else {
		next.FailedAttempts++
	}

	if next.FailedAttempts >= p.Threshold {
		next.Lockouts++
		next.LockedUntil = now.Add(p.LockDuration(next.Lockouts))
		next.FailedAttempts = 0
		next.FailureWindowStart = time.Time{}
	}
	return next
}
