package router

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ploinky/internal/obs"
)

// wsUpgrader is permissive on origin: the router sits behind the
// workspace's own reverse proxy/ingress, not exposed directly to
// arbitrary browser origins in the supported deployment shape.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleComponentSocket upgrades to a websocket and issues periodic
// keepalive pings, the one sliver of the WebTTY/WebChat UIs the router
// still serves: auth-token issuance over a live connection so those
// out-of-scope UIs can renew their query-param token without a full
// page reload.
func (s *Server) handleComponentSocket(component string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected, err := s.tokens.tokenFor(component)
		if err != nil {
			http.Error(w, "token unavailable", http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("token") != expected {
			http.Error(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			obs.L().Warn("router: websocket upgrade failed", zap.String("component", component), zap.Error(err))
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteJSON(map[string]string{"type": "token", "token": expected}); err != nil {
				return
			}
		}
	}
}
