package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/serplantas/authcore"
)

// Verifier is the engine surface the guards depend on.
type Verifier interface {
	VerifyBearer(token string) (*authcore.Identity, error)
	VerifyBearerStrict(ctx context.Context, token string) (*authcore.Identity, error)
}

// Mode selects how much a guard checks.
type Mode uint8

const (
	// ModeJWTOnly trusts a valid signature until exp.
	ModeJWTOnly Mode = iota
	// ModeStrict additionally requires the refresh family to be live.
	ModeStrict
)

func Guard(v Verifier, mode Mode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v == nil {
				unauthorized(w, "invalid_token")
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w, "")
				return
			}

			var (
				id  *authcore.Identity
				err error
			)
			if mode == ModeStrict {
				id, err = v.VerifyBearerStrict(r.Context(), token)
			} else {
				id, err = v.VerifyBearer(token)
			}
			if err != nil {
				if errors.Is(err, authcore.ErrStoreUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				unauthorized(w, "invalid_token")
				return
			}

			next.ServeHTTP(w, r.WithContext(authcore.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireFactor must run after a guard. It answers 403 when the identity's
// amr does not include method.
func RequireFactor(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := authcore.IdentityFromContext(r.Context())
			if !ok {
				unauthorized(w, "")
				return
			}
			if !id.HasFactor(method) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func unauthorized(w http.ResponseWriter, code string) {
	challenge := "Bearer"
	if code != "" {
		challenge += ` error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
