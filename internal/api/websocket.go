package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"strategy-orchestrator/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are the topics pushed to websocket clients.
var streamedEvents = []events.Event{
	events.EventStrategyAdded,
	events.EventStrategyUpdated,
	events.EventStrategyRemoved,
	events.EventOrderPlaced,
	events.EventOrderBlocked,
	events.EventRiskAlert,
	events.EventPositionSync,
}

type eventEnvelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// streamEvents pushes bus events to the client as JSON envelopes. Each topic
// gets its own subscription; a merge goroutine per topic funnels into one
// ordered stream for the writer. Sends into the merged channel never block,
// matching the bus drop policy for slow clients.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan eventEnvelope, 64)
	var unsubs []func()
	for _, e := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(e, 100)
		unsubs = append(unsubs, unsub)
		go func(e events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- eventEnvelope{Event: string(e), Payload: msg}:
				default:
				}
			}
		}(e, stream)
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	for env := range merged {
		if err := conn.WriteJSON(env); err != nil {
			s.Log.Debug("ws write failed, dropping client", zap.Error(err))
			return
		}
	}
}
