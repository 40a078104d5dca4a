package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serplantas/authcore/internal"
	"github.com/serplantas/authcore/internal/audit"
	"github.com/serplantas/authcore/internal/limiters"
	"github.com/serplantas/authcore/internal/rate"
	"github.com/serplantas/authcore/internal/secretbox"
	"github.com/serplantas/authcore/internal/stores"
	"github.com/serplantas/authcore/jwt"
	"github.com/serplantas/authcore/password"
	"github.com/serplantas/authcore/session"
	"github.com/serplantas/authcore/store"
	"github.com/serplantas/authcore/totp"
	"go.uber.org/zap"
)

// maxStateRetries bounds reload-and-reapply loops on version conflicts.
// Attempt reservations bump the user version too, so it has to cover the
// reservations of requests racing on one account.
const maxStateRetries = 8

// Engine is the authentication orchestrator. All request state lives in the
// credential store and Redis, so any number of Engines may serve the same
// users concurrently. Build one with New().
type Engine struct {
	config     Config
	store      store.Store
	hasher     *password.Hasher
	policy     password.Policy
	totp       *totp.Engine
	secrets    *secretbox.Box
	jwtManager *jwt.Manager
	families   *session.Store
	challenges *stores.ChallengeStore
	attempts   *limiters.AttemptLimiter
	throttle   *rate.Limiter
	audit      *audit.Dispatcher
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Close flushes pending audit events. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	_ = e.logger.Sync()
}

// AuditDropped returns the number of audit events lost to backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.jwtManager == nil || e.families == nil || e.challenges == nil {
		return ErrEngineNotReady
	}
	return nil
}

// IsLocked reports whether the attempt limiter currently holds a lock on the user.
func (e *Engine) IsLocked(ctx context.Context, userID string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	locked, err := e.attempts.IsLocked(ctx, userID)
	if err != nil {
		return false, e.storeError(err)
	}
	return locked, nil
}

// UnlockAccount clears the user's failure counters and any lock. It is an
// operator action; nothing in the login flows calls it.
func (e *Engine) UnlockAccount(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.attempts.Reset(ctx, userID); err != nil {
		return e.storeError(err)
	}
	e.emitAudit(ctx, auditEventAccountUnlocked, true, userID, "", nil, nil)
	return nil
}

// RotateSigningKey makes key the access-token signing key under kid. Tokens
// signed by the previous key keep verifying for JWT.RotationGrace.
func (e *Engine) RotateSigningKey(kid string, key []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.jwtManager.Rotate(jwt.Key{ID: kid, Private: key}); err != nil {
		return err
	}
	e.metricInc(MetricSigningKeyRotated)
	e.emitAudit(context.Background(), auditEventSigningKeyRotated, true, "", "", nil, func() map[string]string {
		return map[string]string{"kid": kid}
	})
	return nil
}

// PruneExpiredEnrollments returns pending enrollments older than
// TOTP.EnrollmentTTL to the disabled state. Confirm already rejects them
// lazily; pruning only discards their secrets sooner.
func (e *Engine) PruneExpiredEnrollments(ctx context.Context) (int64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.store.PruneStaleEnrollments(ctx, e.now().Add(-e.config.TOTP.EnrollmentTTL))
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// storeError maps credential store errors onto the engine taxonomy.
func (e *Engine) storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	default:
		return unavailable(err)
	}
}

// updateAuthFields loads the user, applies mutate, and writes the result
// conditionally on the loaded version. A conflict reloads and reapplies, so
// mutate must re-check every precondition it relies on.
func (e *Engine) updateAuthFields(
	ctx context.Context,
	userID string,
	mutate func(u store.User) (store.AuthFields, error),
) (store.User, error) {
	for attempt := 0; attempt < maxStateRetries; attempt++ {
		u, err := e.store.FindByID(ctx, userID)
		if err != nil {
			return store.User{}, e.storeError(err)
		}

		fields, err := mutate(u)
		if err != nil {
			return store.User{}, err
		}

		updated, err := e.store.UpdateAuthFields(ctx, userID, u.Version, fields)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return store.User{}, e.storeError(err)
		}
		return updated, nil
	}
	return store.User{}, unavailable(fmt.Errorf("%w: user %s", store.ErrVersionConflict, userID))
}

// revokeAll deletes every refresh family of the user. Failures are logged;
// the state change that triggered the revocation has already committed.
func (e *Engine) revokeAll(ctx context.Context, userID, reason string) {
	n, err := e.families.DeleteAllForUser(ctx, userID)
	if err != nil {
		e.logger.Warn("refresh family revocation failed",
			zap.String("user_id", userID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	if n > 0 && e.metrics != nil {
		e.metrics.Add(MetricSessionsRevoked, uint64(n))
	}
}

func (e *Engine) sealSecret(userID, secret string) ([]byte, error) {
	return e.secrets.Seal([]byte(secret), userID)
}

func (e *Engine) openSecret(u store.User) (string, error) {
	plain, err := e.secrets.Open(u.TOTPSecret, u.ID)
	if err != nil {
		return "", fmt.Errorf("open totp secret for %s: %w", u.ID, err)
	}
	return string(plain), nil
}

// issueTokens starts a new refresh family and signs an access token bound to
// it. The family is stored under its session id, which is what the access
// token carries.
func (e *Engine) issueTokens(ctx context.Context, userID string, amr []string) (*TokenPair, error) {
	familyID, err := internal.NewFamilyID()
	if err != nil {
		return nil, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	now := e.now()
	fam := &session.Family{
		ID:          familyID.SessionID(),
		UserID:      userID,
		AMR:         amr,
		RefreshHash: secret.Hash(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.JWT.RefreshTTL),
	}
	if err := e.families.Create(ctx, fam); err != nil {
		return nil, unavailable(err)
	}

	access, accessExp, err := e.jwtManager.Issue(userID, amr, fam.ID)
	if err != nil {
		_ = e.families.Delete(ctx, fam.ID)
		return nil, err
	}
	e.metricInc(MetricSessionCreated)

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     internal.EncodeRefreshToken(familyID, secret),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: fam.ExpiresAt,
	}, nil
}
