package authcore

import (
	"errors"

	"github.com/serplantas/authcore/jwt"
	"github.com/serplantas/authcore/password"
)

var (
	// ErrEmailTaken is returned by Register when the normalized email exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrWeakPassword is wrapped by every password policy violation.
	ErrWeakPassword = password.ErrWeak
	// ErrInvalidEmail is returned when an email does not parse as a bare address.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidCredentials covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the attempt limiter holds a lock.
	ErrAccountLocked = errors.New("account locked")

	ErrTOTPAlreadyEnabled  = errors.New("totp already enabled")
	ErrNoPendingEnrollment = errors.New("no pending totp enrollment")
	ErrTOTPNotEnabled      = errors.New("totp not enabled")
	ErrInvalidTOTPCode     = errors.New("invalid totp code")
	ErrChallengeExpired    = errors.New("login challenge expired or already used")

	// ErrTokenInvalid and ErrTokenExpired are shared with the jwt package so
	// errors.Is matches whichever layer produced them.
	ErrTokenInvalid = jwt.ErrTokenInvalid
	ErrTokenExpired = jwt.ErrTokenExpired
	// ErrTokenReused means a superseded refresh token was presented. The
	// whole token family has been revoked; the caller must re-authenticate.
	ErrTokenReused = errors.New("refresh token reused")

	ErrUserNotFound   = errors.New("user not found")
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrStoreUnavailable marks transient backend failures. It is joined with
	// the cause; callers may retry the whole operation.
	ErrStoreUnavailable = errors.New("backend unavailable")
)

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrStoreUnavailable, err)
}
