package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/serplantas/authcore/store"
)

// BeginEnableTOTP generates a new secret, stores it sealed, and moves the
// user to pending verification. Login is not gated until ConfirmEnableTOTP
// succeeds. Calling it again while pending replaces the secret.
func (e *Engine) BeginEnableTOTP(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	var (
		uri       string
		secret    string
		expiresAt time.Time
	)
	_, err := e.updateAuthFields(ctx, userID, func(u store.User) (store.AuthFields, error) {
		if u.TOTPState == store.TOTPEnabled {
			return store.AuthFields{}, ErrTOTPAlreadyEnabled
		}
		key, err := e.totp.GenerateSecret(u.Email)
		if err != nil {
			return store.AuthFields{}, err
		}
		sealed, err := e.sealSecret(u.ID, key.Secret)
		if err != nil {
			return store.AuthFields{}, err
		}

		now := e.now()
		secret, uri, expiresAt = key.Secret, key.URI, now.Add(e.config.TOTP.EnrollmentTTL)

		f := u.AuthFields()
		f.TOTPSecret = sealed
		f.TOTPState = store.TOTPPendingVerification
		f.TOTPLastStep = 0
		f.EnrollmentStartedAt = now
		return f, nil
	})
	if err != nil {
		e.emitAudit(ctx, auditEventTOTPEnrollmentStarted, false, userID, "", err, nil)
		return nil, err
	}

	e.metricInc(MetricTOTPEnrollmentStarted)
	e.emitAudit(ctx, auditEventTOTPEnrollmentStarted, true, userID, "", nil, nil)
	return &TOTPEnrollment{Secret: secret, URI: uri, ExpiresAt: expiresAt}, nil
}

// ConfirmEnableTOTP proves possession of the pending secret and enables 2FA.
// An enrollment older than TOTP.EnrollmentTTL is treated as absent. Every
// refresh family of the user is revoked on success.
func (e *Engine) ConfirmEnableTOTP(ctx context.Context, userID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}

	_, err := e.updateAuthFields(ctx, userID, func(u store.User) (store.AuthFields, error) {
		switch u.TOTPState {
		case store.TOTPEnabled:
			return store.AuthFields{}, ErrTOTPAlreadyEnabled
		case store.TOTPPendingVerification:
		default:
			return store.AuthFields{}, ErrNoPendingEnrollment
		}

		now := e.now()
		if e.enrollmentExpired(u, now) {
			return store.AuthFields{}, ErrNoPendingEnrollment
		}

		secret, err := e.openSecret(u)
		if err != nil {
			return store.AuthFields{}, err
		}
		step, ok, err := e.totp.Verify(secret, code, now, u.TOTPLastStep)
		if err != nil {
			return store.AuthFields{}, err
		}
		if !ok {
			return store.AuthFields{}, ErrInvalidTOTPCode
		}

		f := u.AuthFields()
		f.TOTPState = store.TOTPEnabled
		f.TOTPLastStep = step
		f.EnrollmentStartedAt = time.Time{}
		return f, nil
	})
	if err != nil {
		if errors.Is(err, ErrNoPendingEnrollment) {
			e.discardStaleEnrollment(ctx, userID)
		}
		e.emitAudit(ctx, auditEventTOTPEnrollmentConfirmed, false, userID, "", err, nil)
		return err
	}

	e.revokeAll(ctx, userID, "totp_enabled")
	e.metricInc(MetricTOTPEnabled)
	e.emitAudit(ctx, auditEventTOTPEnrollmentConfirmed, true, userID, "", nil, nil)
	return nil
}

// CancelTOTPEnrollment abandons a pending enrollment and discards its secret.
func (e *Engine) CancelTOTPEnrollment(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	_, err := e.updateAuthFields(ctx, userID, func(u store.User) (store.AuthFields, error) {
		if u.TOTPState != store.TOTPPendingVerification {
			return store.AuthFields{}, ErrNoPendingEnrollment
		}
		return disabledFields(u), nil
	})
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventTOTPEnrollmentCancelled, true, userID, "", nil, nil)
	return nil
}

// DisableTOTP turns 2FA off. It requires the current password and a valid,
// not previously used code. Wrong credentials count against the attempt
// limiter. Every refresh family of the user is revoked on success.
func (e *Engine) DisableTOTP(ctx context.Context, userID, password, code string) error {
	if err := e.ready(); err != nil {
		return err
	}

	u, err := e.store.FindByID(ctx, userID)
	if err != nil {
		return e.storeError(err)
	}
	if e.attempts.Locked(u) {
		return ErrAccountLocked
	}
	if u.TOTPState != store.TOTPEnabled {
		return ErrTOTPNotEnabled
	}

	r, err := e.reserveAttempt(ctx, u)
	if err != nil {
		return err
	}
	if !e.hasher.Verify(password, u.PasswordHash) {
		return e.disableFailed(ctx, userID, ErrInvalidCredentials)
	}
	secret, err := e.openSecret(u)
	if err != nil {
		return err
	}
	step, ok, err := e.totp.Verify(secret, code, e.now(), u.TOTPLastStep)
	if err != nil {
		return err
	}
	if !ok {
		return e.disableFailed(ctx, userID, ErrInvalidTOTPCode)
	}
	if _, err := e.releaseAttempt(ctx, r); err != nil {
		return err
	}

	verifiedHash := u.PasswordHash
	_, err = e.updateAuthFields(ctx, userID, func(cur store.User) (store.AuthFields, error) {
		if cur.TOTPState != store.TOTPEnabled {
			return store.AuthFields{}, ErrTOTPNotEnabled
		}
		if cur.TOTPLastStep >= step {
			return store.AuthFields{}, ErrInvalidTOTPCode
		}
		if cur.PasswordHash != verifiedHash {
			return store.AuthFields{}, ErrInvalidCredentials
		}
		return disabledFields(cur), nil
	})
	if err != nil {
		e.emitAudit(ctx, auditEventTOTPDisabled, false, userID, "", err, nil)
		return err
	}

	e.revokeAll(ctx, userID, "totp_disabled")
	e.metricInc(MetricTOTPDisabled)
	e.emitAudit(ctx, auditEventTOTPDisabled, true, userID, "", nil, nil)
	return nil
}

// disableFailed leaves the reserved attempt counted.
func (e *Engine) disableFailed(ctx context.Context, userID string, cause error) error {
	e.emitAudit(ctx, auditEventTOTPDisabled, false, userID, "", cause, nil)
	return cause
}

func (e *Engine) enrollmentExpired(u store.User, now time.Time) bool {
	return u.EnrollmentStartedAt.IsZero() || !now.Before(u.EnrollmentStartedAt.Add(e.config.TOTP.EnrollmentTTL))
}

// discardStaleEnrollment drops a pending secret whose TTL has passed so the
// invariant "secret only while pending or enabled" tracks the TTL closely
// even without the prune loop.
func (e *Engine) discardStaleEnrollment(ctx context.Context, userID string) {
	_, _ = e.updateAuthFields(ctx, userID, func(u store.User) (store.AuthFields, error) {
		if u.TOTPState != store.TOTPPendingVerification || !e.enrollmentExpired(u, e.now()) {
			return store.AuthFields{}, errNothingToDo
		}
		return disabledFields(u), nil
	})
}

var errNothingToDo = errors.New("nothing to do")

func disabledFields(u store.User) store.AuthFields {
	f := u.AuthFields()
	f.TOTPSecret = nil
	f.TOTPState = store.TOTPDisabled
	f.TOTPLastStep = 0
	f.EnrollmentStartedAt = time.Time{}
	return f
}
