// Package authmw provides HTTP middleware for static API token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Accepted Authorization schemes. "Token token=" is the PagerDuty form.
const (
	bearerPrefix = "Bearer "
	tokenPrefix  = "Token token="
)

// Token returns middleware that requires the Authorization header to carry
// token as either "Bearer <token>" or "Token token=<token>". Comparison is
// constant-time.
func Token(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := credential(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w, `{"error":"missing or malformed authorization header"}`)
				return
			}

			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				writeUnauthorized(w, `{"error":"invalid token"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func credential(auth string) (string, bool) {
	if v, ok := strings.CutPrefix(auth, bearerPrefix); ok {
		return v, true
	}
	if v, ok := strings.CutPrefix(auth, tokenPrefix); ok {
		return v, true
	}
	return "", false
}

func writeUnauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pdautomator"`)
	http.Error(w, body, http.StatusUnauthorized)
}
