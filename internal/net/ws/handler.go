// Package ws owns the websocket endpoint: it upgrades connections,
// registers them with the hub, and pumps inbound frames until the
// client goes away.
package ws

import (
	"log"
	nethttp "net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	server "github.com/manthankhawse/ctf-game-web"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024

	// Signaling traffic is low-rate by nature; anything past this is a
	// misbehaving or malicious client.
	signalRate  = 30
	signalBurst = 60
)

type HandlerConfig struct {
	Logger *log.Logger
}

// Handler upgrades HTTP requests into hub sessions.
type Handler struct {
	hub      *server.Hub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades the request and serves the session until the
// connection drops. Text frames carry signaling JSON, binary frames
// carry gameplay data for the session's bridged peer link.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	sessionID := h.hub.Connect(conn)
	limiter := rate.NewLimiter(signalRate, signalBurst)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			h.hub.Disconnect(sessionID)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !limiter.Allow() {
				h.logger.Printf("dropping message from %s: rate limit", sessionID)
				continue
			}
			h.hub.HandleMessage(sessionID, payload)
		case websocket.BinaryMessage:
			h.hub.HandleData(sessionID, payload)
		}
	}
}
