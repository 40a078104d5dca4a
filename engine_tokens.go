package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"time"

	"github.com/serplantas/authcore/internal"
	"github.com/serplantas/authcore/session"
	"go.uber.org/zap"
)

// Refresh exchanges a refresh token for a new pair. The presented token stops
// working immediately. Presenting a superseded token deletes the whole family,
// so the pair issued by the last legitimate rotation stops refreshing too, and
// returns ErrTokenReused.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	familyID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil, e.refreshFailed(ctx, "", "", ErrTokenInvalid)
	}
	next, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	sid := familyID.SessionID()
	rot, err := e.families.Rotate(ctx, sid, secret.Hash(), next.Hash())
	switch {
	case errors.Is(err, session.ErrRefreshReused):
		var userID string
		if rot != nil {
			userID = rot.UserID
		}
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionsRevoked)
		e.logger.Warn("refresh token reuse detected",
			zap.String("user_id", userID),
			zap.String("session_id", sid),
		)
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, userID, sid, ErrTokenReused, nil)
		return nil, ErrTokenReused
	case errors.Is(err, session.ErrRefreshNotFound):
		return nil, e.refreshFailed(ctx, "", sid, ErrTokenInvalid)
	case err != nil:
		return nil, unavailable(err)
	}

	access, accessExp, err := e.jwtManager.Issue(rot.UserID, rot.AMR, sid)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, rot.UserID, sid, nil, nil)
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     internal.EncodeRefreshToken(familyID, next),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rot.ExpiresAt,
	}, nil
}

func (e *Engine) refreshFailed(ctx context.Context, userID, sid string, cause error) error {
	e.metricInc(MetricRefreshFailure)
	e.emitAudit(ctx, auditEventRefreshInvalid, false, userID, sid, cause, nil)
	return cause
}

// VerifyBearer checks an access token's signature, issuer, audience and
// expiry. It performs no I/O, so a token stays valid until exp even after
// its refresh family is revoked. Use VerifyBearerStrict where that window
// matters.
func (e *Engine) VerifyBearer(token string) (*Identity, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	var start time.Time
	if e.metrics.LatencyEnabled() {
		start = time.Now()
	}
	claims, err := e.jwtManager.Parse(token)
	if !start.IsZero() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	id := &Identity{
		UserID:    claims.Subject,
		AMR:       append([]string(nil), claims.AMR...),
		SessionID: claims.SID,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// VerifyBearerStrict is VerifyBearer plus a check that the token's refresh
// family is still live. Logout, password change, 2FA changes and detected
// reuse all take effect immediately for callers using it.
func (e *Engine) VerifyBearerStrict(ctx context.Context, token string) (*Identity, error) {
	id, err := e.VerifyBearer(token)
	if err != nil {
		return nil, err
	}
	if id.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	live, err := e.families.Exists(ctx, id.SessionID)
	if err != nil {
		return nil, unavailable(err)
	}
	if !live {
		return nil, ErrTokenInvalid
	}
	return id, nil
}

// Logout deletes the refresh family of the given token. Logging out twice
// returns ErrTokenInvalid the second time.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}

	familyID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return ErrTokenInvalid
	}
	sid := familyID.SessionID()
	fam, err := e.families.Get(ctx, sid)
	if errors.Is(err, session.ErrRefreshNotFound) {
		return ErrTokenInvalid
	}
	if err != nil {
		return unavailable(err)
	}
	if subtle.ConstantTimeCompare([]byte(fam.RefreshHash), []byte(secret.Hash())) != 1 {
		return ErrTokenInvalid
	}

	if err := e.families.Delete(ctx, sid); err != nil {
		return unavailable(err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, fam.UserID, sid, nil, nil)
	return nil
}

// LogoutAll deletes every refresh family of the user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.families.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, unavailable(err)
	}
	e.metrics.Add(MetricSessionsRevoked, uint64(n))
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(n)}
	})
	return n, nil
}

// Sessions lists the user's live refresh families, oldest first. Session ids
// match Identity.SessionID of the access tokens they issued.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	fams, err := e.families.ListForUser(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]Session, 0, len(fams))
	for _, f := range fams {
		out = append(out, Session{
			ID:        f.ID,
			AMR:       f.AMR,
			CreatedAt: f.CreatedAt,
			ExpiresAt: f.ExpiresAt,
		})
	}
	return out, nil
}
