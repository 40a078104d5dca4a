package middleware

import "net/http"

// RequireStrict rejects tokens whose session was logged out or revoked.
func RequireStrict(v Verifier) func(http.Handler) http.Handler {
	return Guard(v, ModeStrict)
}
