package middleware

import "net/http"

// RequireJWTOnly verifies the access token without touching Redis. A revoked
// session keeps passing until its access token expires.
func RequireJWTOnly(v Verifier) func(http.Handler) http.Handler {
	return Guard(v, ModeJWTOnly)
}
