package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer authenticates internal/* and runner/* endpoints against
// the shared bearer secret (spec.md §6.1: "Internal endpoints
// authenticate via a shared bearer secret").
func (g *Gateway) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.BearerSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
