package chi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerAuthMiddleware guards the control endpoints with Bearer API keys.
// Read-only requests (GET, HEAD) are never authenticated. If apiKeys holds
// no non-empty key, authentication is disabled.
func BearerAuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	var keys [][]byte
	for _, k := range apiKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if msg := authenticate(r.Header.Get("Authorization"), keys); msg != "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, msg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate returns the rejection message for header, or "" if one of
// keys matches.
func authenticate(header string, keys [][]byte) string {
	if header == "" {
		return "missing authorization header"
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return "authorization header must use Bearer scheme"
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(token), k) == 1 {
			return ""
		}
	}
	return "invalid api key"
}
