package agentapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	platformauth "github.com/todo-1m/offline/internal/platform/auth"
)

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOriginForRequest echoes the request origin when it is allowed and
// otherwise answers with the first configured origin.
func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	if len(h.AllowedOrigins) == 0 {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin != "" && h.originAllowed(origin) {
		return origin
	}
	return strings.TrimSpace(h.AllowedOrigins[0])
}

// originAllowed decides websocket upgrades and CORS echoes. With no
// configured origins only loopback pages may connect.
func (h *Handler) originAllowed(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	if len(h.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && isLoopbackHost(u.Hostname())
	}
	for _, allowed := range h.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || allowed == origin || isEquivalentLoopbackOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

// authMiddleware is a no-op without a token manager. Reads need the read
// scope; everything else needs write. Streams may pass ?token= because
// EventSource cannot set headers.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		scope := platformauth.ScopeWrite
		if r.Method == http.MethodGet {
			scope = platformauth.ScopeRead
		}
		if !claims.Allows(scope) {
			h.writeError(w, http.StatusForbidden, "token lacks "+scope)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) (platformauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims, ok
}
