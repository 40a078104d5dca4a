package authcore

import (
	"context"
	"errors"

	"github.com/serplantas/authcore/store"
	"go.uber.org/zap"
)

// Register creates an account with 2FA disabled and returns its id.
// Errors: ErrInvalidEmail, ErrWeakPassword, ErrEmailTaken.
func (e *Engine) Register(ctx context.Context, email, password string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}

	normalized, err := normalizeEmail(email)
	if err != nil {
		return "", e.registerFailed(ctx, err)
	}
	if err := e.policy.Check(password, normalized); err != nil {
		return "", e.registerFailed(ctx, err)
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return "", e.registerFailed(ctx, err)
	}

	u, err := e.store.Create(ctx, store.NewUser{
		Email:        normalized,
		PasswordHash: hash,
		CreatedAt:    e.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return "", e.registerFailed(ctx, ErrEmailTaken)
		}
		return "", e.registerFailed(ctx, unavailable(err))
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventRegisterSuccess, true, u.ID, "", nil, nil)
	return u.ID, nil
}

func (e *Engine) registerFailed(ctx context.Context, err error) error {
	e.metricInc(MetricRegisterFailure)
	e.emitAudit(ctx, auditEventRegisterFailure, false, "", "", err, nil)
	return err
}

// ChangePassword replaces the password after verifying the current one and
// revokes every refresh family of the user. A wrong current password counts
// against the attempt limiter.
func (e *Engine) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := e.ready(); err != nil {
		return err
	}

	u, err := e.store.FindByID(ctx, userID)
	if err != nil {
		return e.storeError(err)
	}
	r, err := e.reserveAttempt(ctx, u)
	if err != nil {
		return err
	}
	if !e.hasher.Verify(current, u.PasswordHash) {
		e.emitAudit(ctx, auditEventPasswordChanged, false, userID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if _, err := e.releaseAttempt(ctx, r); err != nil {
		return err
	}
	if err := e.policy.Check(next, u.Email); err != nil {
		return err
	}

	hash, err := e.hasher.Hash(next)
	if err != nil {
		return err
	}

	verifiedHash := u.PasswordHash
	_, err = e.updateAuthFields(ctx, userID, func(cur store.User) (store.AuthFields, error) {
		// Someone else changed the password after we verified the old one.
		if cur.PasswordHash != verifiedHash {
			return store.AuthFields{}, ErrInvalidCredentials
		}
		f := cur.AuthFields()
		f.PasswordHash = hash
		return f, nil
	})
	if err != nil {
		return err
	}

	e.revokeAll(ctx, userID, "password_changed")
	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, userID, "", nil, nil)
	return nil
}

// maybeUpgradeHash rehashes with the current parameters after a successful
// verification. It is best-effort: a lost race or store error only logs.
func (e *Engine) maybeUpgradeHash(ctx context.Context, u store.User, plaintext string) {
	if !e.config.Password.UpgradeOnLogin || !e.hasher.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := e.hasher.Hash(plaintext)
	if err != nil {
		e.logger.Warn("password rehash failed", zap.String("user_id", u.ID), zap.Error(err))
		return
	}
	f := u.AuthFields()
	f.PasswordHash = hash
	if _, err := e.store.UpdateAuthFields(ctx, u.ID, u.Version, f); err != nil {
		e.logger.Warn("password hash upgrade skipped", zap.String("user_id", u.ID), zap.Error(err))
	}
}
