package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/serplantas/authcore"
	"go.uber.org/zap"
)

const refreshCookieName = "refresh_token"

type errorBody struct {
	Error string `json:"error"`
}

// errorStatus maps engine errors to a status and a stable error code.
// ErrInvalidCredentials deliberately covers unknown emails as well.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, authcore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, authcore.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	case errors.Is(err, authcore.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "weak_password"
	case errors.Is(err, authcore.ErrInvalidEmail):
		return http.StatusUnprocessableEntity, "invalid_email"
	case errors.Is(err, authcore.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, authcore.ErrAccountLocked):
		return http.StatusLocked, "account_locked"
	case errors.Is(err, authcore.ErrTOTPAlreadyEnabled):
		return http.StatusConflict, "totp_already_enabled"
	case errors.Is(err, authcore.ErrNoPendingEnrollment):
		return http.StatusConflict, "no_pending_enrollment"
	case errors.Is(err, authcore.ErrTOTPNotEnabled):
		return http.StatusConflict, "totp_not_enabled"
	case errors.Is(err, authcore.ErrInvalidTOTPCode):
		return http.StatusUnauthorized, "invalid_totp_code"
	case errors.Is(err, authcore.ErrChallengeExpired):
		return http.StatusUnauthorized, "challenge_expired"
	case errors.Is(err, authcore.ErrTokenReused):
		return http.StatusUnauthorized, "token_reused"
	case errors.Is(err, authcore.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, authcore.ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, authcore.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, authcore.ErrTokenInvalid) ||
		errors.Is(err, authcore.ErrTokenExpired) ||
		errors.Is(err, authcore.ErrTokenReused)
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request"})
		return false
	}
	return true
}

// refreshTokenFrom reads refresh_token from the JSON body, falling back to
// the cookie when the body is empty.
func refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return "", false
		}
	}
	if body.RefreshToken == "" {
		if c, err := r.Cookie(refreshCookieName); err == nil {
			body.RefreshToken = c.Value
		}
	}
	if body.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_refresh_token"})
		return "", false
	}
	return body.RefreshToken, true
}

func (a *api) setRefreshCookie(w http.ResponseWriter, r *http.Request, pair *authcore.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/v1",
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *api) clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/v1",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
