package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"papertrader/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket pushes committed transactions to connected clients.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	sub := s.Bus.Subscribe(events.EventOrderApplied, 100)
	defer sub.Unsubscribe()

	for msg := range sub.C {
		if err := conn.WriteJSON(msg); err != nil {
			s.Logger.Debug("ws write failed, dropping client", zap.Error(err))
			return
		}
	}
}
