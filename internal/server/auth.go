package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/casechat/internal/logging"
)

// apiKeyHeader is accepted alongside the Authorization header for clients
// that cannot set bearer tokens.
const apiKeyHeader = "X-API-Key"

// authMiddleware requires the configured key on every request to next. An
// empty key disables the check; New logs that once at startup.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := requestKey(r)
		if presented != "" && subtle.ConstantTimeCompare([]byte(presented), want) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		// The presented value is never logged.
		logging.FromContext(r.Context()).Warn("auth: request rejected",
			slog.String("path", r.URL.Path),
			slog.Bool("key_present", presented != ""),
		)
		challenge := `Bearer realm="casechat"`
		if presented != "" {
			challenge += ` error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// requestKey returns the bearer token, falling back to X-API-Key.
func requestKey(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}

// bearerToken parses "Authorization: Bearer <token>". The scheme is matched
// case-insensitively; anything else yields "".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
