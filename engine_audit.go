package authcore

import (
	"context"
	"errors"
)

const (
	auditEventRegisterSuccess         = "register_success"
	auditEventRegisterFailure         = "register_failure"
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventLoginLocked             = "login_locked"
	auditEventSecondFactorRequired    = "second_factor_required"
	auditEventSecondFactorSuccess     = "second_factor_success"
	auditEventSecondFactorFailure     = "second_factor_failure"
	auditEventTOTPEnrollmentStarted   = "totp_enrollment_started"
	auditEventTOTPEnrollmentConfirmed = "totp_enrollment_confirmed"
	auditEventTOTPEnrollmentCancelled = "totp_enrollment_cancelled"
	auditEventTOTPDisabled            = "totp_disabled"
	auditEventRefreshSuccess          = "refresh_success"
	auditEventRefreshInvalid          = "refresh_invalid"
	auditEventRefreshReuseDetected    = "refresh_reuse_detected"
	auditEventLogout                  = "logout"
	auditEventLogoutAll               = "logout_all"
	auditEventPasswordChanged         = "password_changed"
	auditEventSigningKeyRotated       = "signing_key_rotated"
	auditEventAccountUnlocked         = "account_unlocked"
)

// AuditErrorCode is the stable, low-cardinality error label on audit events.
type AuditErrorCode string

const (
	auditErrEmailTaken          AuditErrorCode = "email_taken"
	auditErrWeakPassword        AuditErrorCode = "weak_password"
	auditErrInvalidEmail        AuditErrorCode = "invalid_email"
	auditErrInvalidCredentials  AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked       AuditErrorCode = "account_locked"
	auditErrTOTPAlreadyEnabled  AuditErrorCode = "totp_already_enabled"
	auditErrNoPendingEnrollment AuditErrorCode = "no_pending_enrollment"
	auditErrTOTPNotEnabled      AuditErrorCode = "totp_not_enabled"
	auditErrInvalidTOTPCode     AuditErrorCode = "invalid_totp_code"
	auditErrChallengeExpired    AuditErrorCode = "challenge_expired"
	auditErrTokenInvalid        AuditErrorCode = "token_invalid"
	auditErrTokenExpired        AuditErrorCode = "token_expired"
	auditErrTokenReused         AuditErrorCode = "token_reused"
	auditErrUserNotFound        AuditErrorCode = "user_not_found"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrEmailTaken):
		return auditErrEmailTaken
	case errors.Is(err, ErrWeakPassword):
		return auditErrWeakPassword
	case errors.Is(err, ErrInvalidEmail):
		return auditErrInvalidEmail
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrTOTPAlreadyEnabled):
		return auditErrTOTPAlreadyEnabled
	case errors.Is(err, ErrNoPendingEnrollment):
		return auditErrNoPendingEnrollment
	case errors.Is(err, ErrTOTPNotEnabled):
		return auditErrTOTPNotEnabled
	case errors.Is(err, ErrInvalidTOTPCode):
		return auditErrInvalidTOTPCode
	case errors.Is(err, ErrChallengeExpired):
		return auditErrChallengeExpired
	case errors.Is(err, ErrTokenReused):
		return auditErrTokenReused
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	default:
		return auditErrInternal
	}
}
