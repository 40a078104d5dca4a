// Package httpapi exposes the authcore Engine as a JSON HTTP API.
//
// Refresh tokens travel in the request body or in an HttpOnly cookie; the
// cookie is set on every response that issues a token pair. Routes that act
// on the caller's own account sit behind middleware.RequireStrict so that a
// revoked session is refused immediately.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/serplantas/authcore"
	"github.com/serplantas/authcore/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Options struct {
	Logger *zap.Logger
	// SecureCookies marks the refresh cookie Secure even on plain HTTP
	// requests. Leave it on behind a TLS-terminating proxy.
	SecureCookies bool
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
}

type api struct {
	engine        *authcore.Engine
	logger        *zap.Logger
	secureCookies bool
}

// NewRouter builds the chi router for engine.
func NewRouter(engine *authcore.Engine, opts Options) http.Handler {
	a := &api{
		engine:        engine,
		logger:        opts.Logger,
		secureCookies: opts.SecureCookies,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(a.logger))
	r.Use(chimw.Recoverer)
	r.Use(withClientIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/register", a.register)
		r.Post("/login", a.login)
		r.Post("/login/verify", a.verifySecondFactor)
		r.Post("/token/refresh", a.refresh)
		r.Post("/logout", a.logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireStrict(engine))

			r.Get("/me", a.me)
			r.Get("/sessions", a.sessions)
			r.Post("/logout/all", a.logoutAll)
			r.Post("/password", a.changePassword)

			r.Post("/totp/enrollment", a.beginTOTP)
			r.Post("/totp/enrollment/confirm", a.confirmTOTP)
			r.Delete("/totp/enrollment", a.cancelTOTP)
			r.With(middleware.RequireFactor(authcore.AMRTOTP)).Post("/totp/disable", a.disableTOTP)
		})
	})

	return r
}

// withClientIP attaches the peer address for the per-IP throttle and audit.
func withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(authcore.WithClientIP(r.Context(), clientIP(r))))
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
