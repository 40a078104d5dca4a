package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no user matches the lookup key.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned by Create when the normalized email is taken.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrVersionConflict is returned when a conditional update observes a newer version.
	ErrVersionConflict = errors.New("user version conflict")
	// ErrUnavailable marks transient backend failures. Callers may retry.
	ErrUnavailable = errors.New("credential store unavailable")
	// ErrInvalidRecord is returned when a write would break the TOTP secret/state invariant.
	ErrInvalidRecord = errors.New("invalid credential record")
)

// TOTPState is the enrollment state of a user's second factor.
type TOTPState uint8

const (
	TOTPDisabled TOTPState = iota
	TOTPPendingVerification
	TOTPEnabled
)

func (s TOTPState) String() string {
	switch s {
	case TOTPDisabled:
		return "disabled"
	case TOTPPendingVerification:
		return "pending_verification"
	case TOTPEnabled:
		return "enabled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseTOTPState is the inverse of TOTPState.String.
func ParseTOTPState(v string) (TOTPState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "disabled":
		return TOTPDisabled, nil
	case "pending_verification":
		return TOTPPendingVerification, nil
	case "enabled":
		return TOTPEnabled, nil
	default:
		return TOTPDisabled, fmt.Errorf("%w: unknown totp state %q", ErrInvalidRecord, v)
	}
}

// User is the persisted identity record.
//
// PasswordHash and TOTPSecret never leave the process: both are excluded from
// JSON encoding. TOTPSecret holds ciphertext, never the raw shared secret.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`

	TOTPSecret          []byte    `json:"-"`
	TOTPState           TOTPState `json:"totp_state"`
	TOTPLastStep        int64     `json:"-"`
	EnrollmentStartedAt time.Time `json:"-"`

	FailedAttempts     int       `json:"-"`
	FailureWindowStart time.Time `json:"-"`
	LockedUntil        time.Time `json:"-"`
	Lockouts           int       `json:"-"`

	Version   uint64    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthFields returns the credential subset replaced by UpdateAuthFields.
func (u User) AuthFields() AuthFields {
	return AuthFields{
		PasswordHash:        u.PasswordHash,
		TOTPSecret:          cloneBytes(u.TOTPSecret),
		TOTPState:           u.TOTPState,
		TOTPLastStep:        u.TOTPLastStep,
		EnrollmentStartedAt: u.EnrollmentStartedAt,
	}
}

// FailureState returns the attempt limiter subset of the record.
func (u User) FailureState() FailureState {
	return FailureState{
		FailedAttempts:     u.FailedAttempts,
		FailureWindowStart: u.FailureWindowStart,
		LockedUntil:        u.LockedUntil,
		Lockouts:           u.Lockouts,
	}
}

// NewUser carries the fields required to create an account.
type NewUser struct {
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// AuthFields is the credential state written as a unit.
type AuthFields struct {
	PasswordHash        string
	TOTPSecret          []byte
	TOTPState           TOTPState
	TOTPLastStep        int64
	EnrollmentStartedAt time.Time
}

// Validate enforces that a secret is present exactly when the state needs one.
func (f AuthFields) Validate() error {
	if f.PasswordHash == "" {
		return fmt.Errorf("%w: empty password hash", ErrInvalidRecord)
	}
	switch f.TOTPState {
	case TOTPDisabled:
		if len(f.TOTPSecret) != 0 {
			return fmt.Errorf("%w: secret present while totp disabled", ErrInvalidRecord)
		}
	case TOTPPendingVerification, TOTPEnabled:
		if len(f.TOTPSecret) == 0 {
			return fmt.Errorf("%w: secret missing for state %s", ErrInvalidRecord, f.TOTPState)
		}
	default:
		return fmt.Errorf("%w: unknown totp state %d", ErrInvalidRecord, f.TOTPState)
	}
	return nil
}

// FailureState is the attempt limiter's view of a user.
type FailureState struct {
	FailedAttempts     int
	FailureWindowStart time.Time
	LockedUntil        time.Time
	Lockouts           int
}

// Store is the repository capability set consumed by the engine.
//
// Lookups return ErrNotFound when the key does not match. Conditional writes
// return ErrVersionConflict when expectedVersion is stale. Every successful
// write increments Version. Transport failures wrap ErrUnavailable.
type Store interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	Create(ctx context.Context, u NewUser) (User, error)
	UpdateAuthFields(ctx context.Context, id string, expectedVersion uint64, f AuthFields) (User, error)
	AtomicIncrementFailure(ctx context.Context, id string, expectedVersion uint64, f FailureState) (User, error)
	AtomicResetFailure(ctx context.Context, id string) error
	// PruneStaleEnrollments moves pending enrollments started before the
	// cutoff back to the disabled state. It is advisory and idempotent.
	PruneStaleEnrollments(ctx context.Context, startedBefore time.Time) (int64, error)
}

// NormalizeEmail is the canonical form used as the uniqueness key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
