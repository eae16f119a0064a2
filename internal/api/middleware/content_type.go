package middleware

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// ContentTypeJSON defaults the response Content-Type to application/json.
// Handlers may override it, and websocket upgrades are left untouched.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) && w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}
