package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer    = 64
	eventWriteWait = 10 * time.Second
	eventPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on the LAN for the planner UI, which is served
	// from a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. ?entity=task/id
// restricts the stream to one entity. Clients only read; anything they
// send is discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	entity := r.URL.Query().Get("entity")
	ch := s.bus.SubscribeEntity(eventBuffer, entity)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "entity", entity)
	defer s.logger.Debug("event stream closed", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
