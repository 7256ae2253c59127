package httpapi

import (
	"net/http"
	"runtime/debug"
)

// recoverPanic is the outermost layer of the middleware chain: it
// must never itself let a panic escape into the network layer (§7:
// "the middleware must never itself throw into the network layer"),
// logging the traceback and request id and responding with a generic
// Unexpected/500.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := w.Header().Get(requestIDHeader)
				s.logger.Printf("panic handling %s %s [request_id=%s]: %v\n%s", r.Method, r.URL.Path, reqID, rec, debug.Stack())
				writeError(w, reqID, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
