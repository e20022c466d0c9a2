package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams lifecycle events to the dashboard. On connect the client
// gets the recent event history, then live pushes until it disconnects.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.WithError(err).Warn("ws upgrade")
		return
	}
	defer conn.Close()

	history, err := s.Store.RecentEvents(c.Request.Context(), 50)
	if err == nil {
		_ = conn.WriteJSON(gin.H{"type": "history", "data": history})
	}

	stream, unsub := s.Bus.Subscribe(100)
	defer unsub()

	for ev := range stream {
		if err := conn.WriteJSON(gin.H{"type": "event", "data": ev}); err != nil {
			s.Log.WithError(err).Debug("ws client write failed")
			return
		}
	}
}
