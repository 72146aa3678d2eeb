package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checks belong to the authentication layer in front of the relay.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeConversation upgrades the request and streams the conversation's
// events as JSON frames until the client disconnects or the subscription
// is dropped.
func (h *Hub) ServeConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("conversationID", conversationID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.Subscribe(r.Context(), conversationID)
	defer sub.Close()

	// Reader: only control frames are expected. A read error means the peer left.
	go func() {
		defer sub.Close()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if err := sub.Err(); err != nil {
					code, reason = websocket.CloseTryAgainLater, err.Error()
				}
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Str("conversationID", conversationID).Msg("Websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
