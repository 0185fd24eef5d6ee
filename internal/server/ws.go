package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/middleware"
	"github.com/parleyhq/parley/internal/realtime"
	"github.com/parleyhq/parley/internal/svc"
)

// closeBadToken is the close code sent when the handshake token is
// missing or invalid. Clients treat it as "reauthenticate, don't retry".
const closeBadToken = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || localOrigin(origin)
	},
}

// chatSocketHandler upgrades /ws/chat connections. The token rides the
// query string because browser WebSocket clients cannot set headers;
// auth failures surface as a close frame so the client can tell them
// apart from network errors.
func chatSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Errorf("WebSocket upgrade failed: %v", err)
			return
		}

		userID := ""
		token := r.URL.Query().Get("token")
		if token != "" {
			if claims, err := middleware.ValidateJWT(token, svcCtx.Config.Auth.AccessSecret); err == nil {
				userID, _ = claims["userId"].(string)
			}
		}
		if userID == "" {
			msg := websocket.FormatCloseMessage(closeBadToken, "invalid token")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(10*time.Second))
			conn.Close()
			return
		}

		svcCtx.Sessions.ServeClient(realtime.NewClient(conn, userID))
	}
}
