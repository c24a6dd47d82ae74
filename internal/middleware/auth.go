package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const unauthorizedBody = `{"id":"unauthorized","message":"Unable to authenticate you."}`

// Auth returns a handler that requires the given Bearer token before
// delegating to next. Responds 401 with a control-plane style error body
// when the header is missing, uses another scheme, or carries the wrong token.
func Auth(token string, next http.Handler) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(unauthorizedBody))
			return
		}
		next.ServeHTTP(w, r)
	})
}
