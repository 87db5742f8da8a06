package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AccessKey rejects requests that do not present key, either as
// "Authorization: Bearer <key>" or in the X-Access-Key header. Browsers
// cannot set headers on EventSource, so the access_key query parameter is
// accepted on GET requests.
func AccessKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := presentedKey(r)
			if got == "" {
				writeUnauthorized(w, "missing access key")
				return
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeUnauthorized(w, "invalid access key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Access-Key")); v != "" {
		return v
	}
	if r.Method == http.MethodGet {
		return strings.TrimSpace(r.URL.Query().Get("access_key"))
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="scenejobs"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + msg + `"}}`))
}
