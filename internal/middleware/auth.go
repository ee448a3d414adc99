package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"livetutor/arbiter/internal/config"
	apperr "livetutor/arbiter/internal/pkg/errors"
	httppkg "livetutor/arbiter/internal/pkg/http"
	"livetutor/arbiter/internal/tutor"
)

// Auth guards every endpoint except liveness and metrics using the
// configured API key and bearer tokens.
func Auth(next http.Handler) http.Handler {
	cfg := config.Get()
	return NewAuth(cfg.APIKey, cfg.AuthTokens)(next)
}

// NewAuth resolves the caller's identity and stores it with tutor.WithUserID.
//
// A token found in tokens authenticates as the mapped user. Otherwise, when
// apiKey is set, the key must match and the user is taken from X-User-Id (or
// the "user" query parameter for browser websockets). With neither configured
// requests pass through anonymously.
func NewAuth(apiKey string, tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" && len(tokens) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			key := credential(r)
			if user, ok := tokens[key]; ok && key != "" {
				next.ServeHTTP(w, r.WithContext(tutor.WithUserID(r.Context(), user)))
				return
			}
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				httppkg.WriteError(w, apperr.KindAuth, "unauthorized")
				return
			}

			user := strings.TrimSpace(r.Header.Get("X-User-Id"))
			if user == "" {
				user = strings.TrimSpace(r.URL.Query().Get("user"))
			}
			next.ServeHTTP(w, r.WithContext(tutor.WithUserID(r.Context(), user)))
		})
	}
}

func credential(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("x-api-key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	// Both "Bearer xxx" and raw "xxx" are accepted.
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if auth != "" {
		return auth
	}
	if v := strings.TrimSpace(r.URL.Query().Get("token")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}
