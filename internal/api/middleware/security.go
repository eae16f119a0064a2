package middleware

import (
	"net/http"
	"strings"

	"github.com/marketpulse/marketpulse/internal/api/models"
)

// securityHeaders are set on every response. Market data is cached by the
// service itself, so intermediaries must not serve it from their own caches.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders adds the security and cache headers to all HTTP responses.
// Handlers may override Cache-Control.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range securityHeaders {
			w.Header().Set(h[0], h[1])
		}
		next.ServeHTTP(w, r)
	})
}

// opsPrefix is exempt from RequireTLS: platform health checks call it over plain HTTP.
const opsPrefix = "/v1/ops/"

// RequireTLS returns a middleware that rejects requests a load balancer
// forwarded over plain HTTP, based on X-Forwarded-Proto. Requests without the
// header (direct connections, local development) and ops health checks pass.
func RequireTLS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
			secure := proto == "" || proto == "https" || proto == "wss"
			if secure || strings.HasPrefix(r.URL.Path, opsPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			models.NewKnownProblem(models.ProblemTypeTLSRequired, GetRequestID(r.Context()), "This endpoint requires HTTPS").
				WithInstance(r.URL.Path).
				Write(w)
		})
	}
}
