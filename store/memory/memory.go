// Package memory is an in-process implementation of store.Store.
//
// It serializes every operation behind a single mutex, which gives the same
// compare-and-set semantics as the postgres store for one process. Use it in
// tests and single-instance deployments only.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serplantas/authcore/store"
)

// Store keeps users in maps keyed by id and normalized email.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]store.User
	byEmail map[string]string
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		byID:    make(map[string]store.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[store.NormalizeEmail(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return copyUser(s.byID[id]), nil
}

func (s *Store) FindByID(ctx context.Context, id string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Store) Create(ctx context.Context, nu store.NewUser) (store.User, error) {
	email := store.NormalizeEmail(nu.Email)
	if nu.PasswordHash == "" {
		return store.User{}, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return store.User{}, store.ErrDuplicateEmail
	}

	created := nu.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	u := store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: nu.PasswordHash,
		TOTPState:    store.TOTPDisabled,
		Version:      1,
		CreatedAt:    created.UTC(),
		UpdatedAt:    created.UTC(),
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return copyUser(u), nil
}

func (s *Store) UpdateAuthFields(ctx context.Context, id string, expectedVersion uint64, f store.AuthFields) (store.User, error) {
	if err := f.Validate(); err != nil {
		return store.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	if u.Version != expectedVersion {
		return store.User{}, store.ErrVersionConflict
	}

	u.PasswordHash = f.PasswordHash
	u.TOTPSecret = append([]byte(nil), f.TOTPSecret...)
	if len(u.TOTPSecret) == 0 {
		u.TOTPSecret = nil
	}
	u.TOTPState = f.TOTPState
	u.TOTPLastStep = f.TOTPLastStep
	u.EnrollmentStartedAt = f.EnrollmentStartedAt
	s.touch(&u)
	s.byID[id] = u
	return copyUser(u), nil
}

func (s *Store) AtomicIncrementFailure(ctx context.Context, id string, expectedVersion uint64, f store.FailureState) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	if u.Version != expectedVersion {
		return store.User{}, store.ErrVersionConflict
	}

	u.FailedAttempts = f.FailedAttempts
	u.FailureWindowStart = f.FailureWindowStart
	u.LockedUntil = f.LockedUntil
	u.Lockouts = f.Lockouts
	s.touch(&u)
	s.byID[id] = u
	return copyUser(u), nil
}

func (s *Store) AtomicResetFailure(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	u.FailedAttempts = 0
	u.FailureWindowStart = time.Time{}
	u.LockedUntil = time.Time{}
	u.Lockouts = 0
	s.touch(&u)
	s.byID[id] = u
	return nil
}

func (s *Store) PruneStaleEnrollments(ctx context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, u := range s.byID {
		if u.TOTPState != store.TOTPPendingVerification || !u.EnrollmentStartedAt.Before(startedBefore) {
			continue
		}
		u.TOTPState = store.TOTPDisabled
		u.TOTPSecret = nil
		u.EnrollmentStartedAt = time.Time{}
		s.touch(&u)
		s.byID[id] = u
		pruned++
	}
	return pruned, nil
}

// Len reports the number of stored users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func (s *Store) touch(u *store.User) {
	u.Version++
	u.UpdatedAt = s.now().UTC()
}

func copyUser(u store.User) store.User {
	if u.TOTPSecret != nil {
		u.TOTPSecret = append([]byte(nil), u.TOTPSecret...)
	}
	return u
}
