package httpapi

import (
	"context"
	"net/http"

	"github.com/danshapiro/exostate/internal/clock"
)

const (
	apiKeyHeader    = "X-API-Key"
	requestIDHeader = "X-Exosphere-Request-ID"
)

type ctxKey int

const requestIDKey ctxKey = iota

// middleware composes the outer chain every request passes through:
// panic recovery, request-id assignment, CORS, then the API-key check
// — the same wrap-the-mux shape as the teacher's csrfProtect, just
// with three concerns instead of one since this surface has real
// authentication (§6.1: "all require X-API-Key equal to a shared
// secret") instead of kilroy's local-only CSRF guard.
func (s *Server) middleware(next http.Handler) http.Handler {
	return s.recoverPanic(s.requestID(s.cors(s.requireAPIKey(next))))
}

// requestID echoes an inbound X-Exosphere-Request-ID or generates a
// fresh one (§6.1), stashing it in the request context for handlers
// and log lines to read back.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = clock.NewID()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requireAPIKey rejects any request whose X-API-Key does not match
// the configured shared secret. The health check is exempt — it
// carries no namespace and no state, purely an operator liveness
// probe.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(apiKeyHeader) != s.cfg.StateManagerSecret {
			writeError(w, requestIDFromContext(r.Context()), http.StatusUnauthorized, "missing or incorrect X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors applies the configured CORS_ORIGINS allowlist (§6.3), the
// browser-facing counterpart to requireAPIKey's server-to-server
// guard.
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", apiKeyHeader+", "+requestIDHeader+", Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
