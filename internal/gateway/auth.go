package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/pickupbot/internal/audit"
	"github.com/basket/pickupbot/internal/shared"
)

// ExtractToken reads the bearer token from the Authorization header, or the
// token query parameter for WebSocket clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("token")
	}
	return ""
}

// authorize fails closed: with no token configured every request is refused.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := ExtractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// requireAuth wraps every route except /healthz with the bearer check and
// tags the request context as coming from the admin API.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := shared.WithChannel(shared.EnsureTraceID(r.Context()), "http")
		if !s.authorize(r) {
			audit.Record(ctx, "http.auth", audit.OutcomeDenied, r.Method+" "+r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithOperator(ctx, "admin-api")))
	})
}
