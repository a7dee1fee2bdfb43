package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthGate decides whether a bearer token is allowed to use the gateway. It
// is an opaque allow/deny check invoked before any core logic runs; token
// issuance and storage are someone else's problem.
type AuthGate interface {
	Allow(token string) bool
}

// StaticTokenGate allows a fixed set of tokens configured at startup.
type StaticTokenGate struct {
	tokens []string
}

// NewStaticTokenGate creates a gate allowing exactly the given tokens.
func NewStaticTokenGate(tokens []string) *StaticTokenGate {
	return &StaticTokenGate{tokens: tokens}
}

// Allow reports whether the token is in the configured set. Comparison is
// constant-time per candidate.
func (g *StaticTokenGate) Allow(token string) bool {
	allowed := false
	for _, candidate := range g.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			allowed = true
		}
	}
	return allowed
}

// openGate admits every request. Used when no tokens are configured.
type openGate struct{}

func (openGate) Allow(string) bool { return true }

// requireAuth rejects requests whose Authorization bearer token the gate
// denies, before any gateway logic runs.
func (srv *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !srv.authGate.Allow(token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
