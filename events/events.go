// Package events is the fire-and-forget notification channel: every
// state change is broadcast to connected websocket observers as a
// {timestamp, type, ...payload} envelope. No backlog, no acks.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn -> observer id
}

var h *hub

var upgrader = websocket.Upgrader{
	// the control surface is an open LAN surface, same as the API
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Init(logger *logrus.Logger) error {
	log = logger.WithFields(logrus.Fields{
		"component": "events",
	}).Logger
	h = &hub{clients: map[*websocket.Conn]string{}}
	return nil
}

func Fini() {}

// Handler upgrades an echo request to a websocket observer. Reads are
// discarded; the socket exists only to receive broadcasts.
func Handler(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.clients[conn] = id
	h.mu.Unlock()
	log.Debugln("websocket observer connected:", id)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			log.Debugln("websocket observer disconnected:", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}

// Broadcast publishes one typed envelope to every connected observer.
// Safe to call before Init (no-op), so workers never need to care
// whether the hub is up.
func Broadcast(eventType string, payload map[string]interface{}) {
	if h == nil {
		return
	}

	envelope := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"type":      eventType,
	}
	for k, v := range payload {
		envelope[k] = v
	}

	msg, err := json.Marshal(envelope)
	if err != nil {
		log.Errorln("failed to marshal event:", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
