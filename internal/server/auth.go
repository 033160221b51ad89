package server

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/peterje/muxhost/internal/api"
	"github.com/peterje/muxhost/internal/models"
)

// tokenMiddleware requires a shared token on every request except the
// health probe. Browsers cannot set headers on websocket dials, so the
// token may also arrive as ?token=.
func tokenMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !hmac.Equal([]byte(requestToken(r)), want) {
			api.WriteJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized", Kind: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return r.URL.Query().Get("token")
}
