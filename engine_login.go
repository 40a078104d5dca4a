package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/serplantas/authcore/internal"
	"github.com/serplantas/authcore/internal/limiters"
	"github.com/serplantas/authcore/internal/rate"
	"github.com/serplantas/authcore/internal/stores"
	"github.com/serplantas/authcore/store"
	"go.uber.org/zap"
)

// Login checks email and password. Without 2FA it returns tokens with
// amr=["password"]. With 2FA enabled it returns a challenge id instead and
// no tokens; finish with VerifySecondFactor.
//
// Unknown emails and wrong passwords both yield ErrInvalidCredentials and
// both cost one Argon2 derivation. Both also count toward a lockout, so
// ErrAccountLocked does not reveal whether an account exists.
func (e *Engine) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	ip := clientIPFromContext(ctx)
	if err := e.throttle.CheckIP(ctx, ip); err != nil {
		return nil, e.loginThrottled(ctx, "", err)
	}

	normalized := store.NormalizeEmail(email)
	u, err := e.store.FindByEmail(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.loginUnknown(ctx, normalized, password)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	// The attempt is counted before the password is checked, so parallel
	// guesses cannot outrun the lock.
	r, err := e.reserveAttempt(ctx, u)
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return nil, e.loginLocked(ctx, u.ID)
		}
		return nil, err
	}

	if !e.hasher.Verify(password, u.PasswordHash) {
		e.failIP(ctx, ip)
		locked := r.LockedNow(e.now())
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, u.ID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"locked": strconv.FormatBool(locked)}
		})
		return nil, ErrInvalidCredentials
	}

	if u.TOTPState == store.TOTPEnabled {
		// Only the second factor completes the login; hand the attempt back.
		settled, err := e.releaseAttempt(ctx, r)
		if err != nil {
			if errors.Is(err, ErrAccountLocked) {
				return nil, e.loginLocked(ctx, u.ID)
			}
			return nil, err
		}
		e.maybeUpgradeHash(ctx, settled, password)
		return e.startChallenge(ctx, settled)
	}

	settled, err := e.succeedAttempt(ctx, r)
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return nil, e.loginLocked(ctx, u.ID)
		}
		return nil, err
	}
	e.maybeUpgradeHash(ctx, settled, password)

	tokens, err := e.issueTokens(ctx, u.ID, []string{AMRPassword})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, u.ID, "", nil, nil)
	return &LoginResult{Tokens: tokens}, nil
}

// loginUnknown burns the same hashing cost as a real check and counts the
// failure against the email in Redis.
func (e *Engine) loginUnknown(ctx context.Context, email, password string) error {
	if err := e.throttle.CheckIdentifier(ctx, email); err != nil {
		return e.loginThrottled(ctx, email, err)
	}

	e.hasher.VerifyDecoy(password)

	if err := e.throttle.FailIdentifier(ctx, email); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		return unavailable(err)
	}
	e.failIP(ctx, clientIPFromContext(ctx))

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"reason": "unknown_identifier"}
	})
	return ErrInvalidCredentials
}

func (e *Engine) loginLocked(ctx context.Context, userID string) error {
	e.metricInc(MetricLoginLocked)
	e.emitAudit(ctx, auditEventLoginLocked, false, userID, "", ErrAccountLocked, nil)
	return ErrAccountLocked
}

// reserveAttempt counts one credential check against u. A locked account
// maps to ErrAccountLocked.
func (e *Engine) reserveAttempt(ctx context.Context, u store.User) (*limiters.Reservation, error) {
	r, err := e.attempts.Reserve(ctx, u)
	return r, attemptError(err)
}

func (e *Engine) succeedAttempt(ctx context.Context, r *limiters.Reservation) (store.User, error) {
	u, err := e.attempts.Succeed(ctx, r)
	return u, attemptError(err)
}

func (e *Engine) releaseAttempt(ctx context.Context, r *limiters.Reservation) (store.User, error) {
	u, err := e.attempts.Release(ctx, r)
	return u, attemptError(err)
}

func attemptError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, limiters.ErrLocked):
		return ErrAccountLocked
	default:
		return unavailable(err)
	}
}

func (e *Engine) loginThrottled(ctx context.Context, email string, err error) error {
	if !errors.Is(err, rate.ErrRateLimited) {
		return unavailable(err)
	}
	e.metricInc(MetricLoginLocked)
	e.emitAudit(ctx, auditEventLoginLocked, false, "", "", ErrAccountLocked, func() map[string]string {
		if email == "" {
			return map[string]string{"scope": "ip"}
		}
		return map[string]string{"scope": "identifier"}
	})
	return ErrAccountLocked
}

func (e *Engine) failIP(ctx context.Context, ip string) {
	if err := e.throttle.FailIP(ctx, ip); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		e.logger.Warn("ip throttle update failed", zap.Error(err))
	}
}

func (e *Engine) startChallenge(ctx context.Context, u store.User) (*LoginResult, error) {
	id, err := internal.NewChallengeID()
	if err != nil {
		return nil, err
	}
	expiresAt := e.now().Add(e.config.TOTP.ChallengeTTL)

	if err := e.challenges.Save(ctx, id, &stores.Challenge{
		UserID:    u.ID,
		ExpiresAt: expiresAt.Unix(),
	}, e.config.TOTP.ChallengeTTL); err != nil {
		return nil, unavailable(err)
	}

	e.metricInc(MetricSecondFactorRequired)
	e.emitAudit(ctx, auditEventSecondFactorRequired, true, u.ID, "", nil, nil)
	return &LoginResult{
		SecondFactorRequired: true,
		ChallengeID:          id,
		ChallengeExpiresAt:   expiresAt,
	}, nil
}

// VerifySecondFactor completes a login that returned a challenge. On success
// the challenge is consumed and tokens with amr=["password","totp"] are
// issued. A wrong code counts against both the account and the challenge;
// the challenge is discarded after TOTP.ChallengeMaxAttempts wrong codes.
//
// Concurrent calls with one challenge id yield at most one TokenPair; the
// others get ErrChallengeExpired.
func (e *Engine) VerifySecondFactor(ctx context.Context, challengeID, code string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !internal.ValidChallengeID(challengeID) {
		return nil, e.secondFactorFailed(ctx, "", ErrChallengeExpired, "malformed_challenge")
	}

	ch, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) || errors.Is(err, stores.ErrChallengeExpired) {
			return nil, e.secondFactorFailed(ctx, "", ErrChallengeExpired, "challenge_missing")
		}
		return nil, unavailable(err)
	}

	u, err := e.store.FindByID(ctx, ch.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.dropChallenge(ctx, challengeID)
			return nil, e.secondFactorFailed(ctx, ch.UserID, ErrChallengeExpired, "user_missing")
		}
		return nil, unavailable(err)
	}
	if u.TOTPState != store.TOTPEnabled {
		e.dropChallenge(ctx, challengeID)
		return nil, e.secondFactorFailed(ctx, u.ID, ErrChallengeExpired, "totp_disabled")
	}
	r, err := e.reserveAttempt(ctx, u)
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return nil, e.secondFactorLocked(ctx, challengeID, u.ID)
		}
		return nil, err
	}

	secret, err := e.openSecret(u)
	if err != nil {
		return nil, err
	}
	now := e.now()
	step, ok, err := e.totp.Verify(secret, code, now, u.TOTPLastStep)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, replay, _ := e.totp.Verify(secret, code, now, -1); replay {
			e.metricInc(MetricTOTPReplayRejected)
		}
		return nil, e.wrongSecondFactor(ctx, challengeID, u.ID, r.LockedNow(now))
	}

	won, err := e.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, unavailable(err)
	}
	if !won {
		return nil, e.secondFactorFailed(ctx, u.ID, ErrChallengeExpired, "challenge_raced")
	}

	if err := e.acceptStep(ctx, u.ID, step); err != nil {
		if errors.Is(err, ErrInvalidTOTPCode) {
			e.metricInc(MetricTOTPReplayRejected)
			return nil, e.secondFactorFailed(ctx, u.ID, err, "replay")
		}
		return nil, err
	}

	if _, err := e.succeedAttempt(ctx, r); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			return nil, e.secondFactorLocked(ctx, challengeID, u.ID)
		}
		return nil, err
	}
	tokens, err := e.issueTokens(ctx, u.ID, []string{AMRPassword, AMRTOTP})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSecondFactorSuccess)
	e.emitAudit(ctx, auditEventSecondFactorSuccess, true, u.ID, "", nil, nil)
	return tokens, nil
}

// acceptStep persists step as the user's last accepted TOTP step. A
// concurrent acceptance of the same or a later step turns this into a replay.
func (e *Engine) acceptStep(ctx context.Context, userID string, step int64) error {
	_, err := e.updateAuthFields(ctx, userID, func(u store.User) (store.AuthFields, error) {
		if u.TOTPState != store.TOTPEnabled || u.TOTPLastStep >= step {
			return store.AuthFields{}, ErrInvalidTOTPCode
		}
		f := u.AuthFields()
		f.TOTPLastStep = step
		return f, nil
	})
	return err
}

func (e *Engine) secondFactorLocked(ctx context.Context, challengeID, userID string) error {
	e.dropChallenge(ctx, challengeID)
	e.metricInc(MetricLoginLocked)
	return e.secondFactorFailed(ctx, userID, ErrAccountLocked, "account_locked")
}

func (e *Engine) wrongSecondFactor(ctx context.Context, challengeID, userID string, locked bool) error {
	exhausted, err := e.challenges.RecordFailure(ctx, challengeID, e.config.TOTP.ChallengeMaxAttempts)
	if err != nil && !errors.Is(err, stores.ErrChallengeNotFound) && !errors.Is(err, stores.ErrChallengeExpired) {
		e.logger.Warn("challenge attempt update failed", zap.String("user_id", userID), zap.Error(err))
	}
	if locked && !exhausted {
		e.dropChallenge(ctx, challengeID)
	}

	e.metricInc(MetricSecondFactorFailure)
	e.emitAudit(ctx, auditEventSecondFactorFailure, false, userID, "", ErrInvalidTOTPCode, func() map[string]string {
		return map[string]string{
			"locked":             strconv.FormatBool(locked),
			"challenge_consumed": strconv.FormatBool(exhausted || locked),
		}
	})
	return ErrInvalidTOTPCode
}

func (e *Engine) secondFactorFailed(ctx context.Context, userID string, err error, reason string) error {
	e.metricInc(MetricSecondFactorFailure)
	e.emitAudit(ctx, auditEventSecondFactorFailure, false, userID, "", err, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return err
}

func (e *Engine) dropChallenge(ctx context.Context, challengeID string) {
	if _, err := e.challenges.Consume(ctx, challengeID); err != nil {
		e.logger.Warn("challenge cleanup failed", zap.Error(err))
	}
}
