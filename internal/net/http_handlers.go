// Package net assembles the node's HTTP surface: the websocket
// endpoint, health and diagnostics, and the node-to-node replication
// endpoints the coordinator listens on.
package net

import (
	"encoding/json"
	"io"
	"log"
	nethttp "net/http"
	"time"

	server "github.com/manthankhawse/ctf-game-web"
	"github.com/manthankhawse/ctf-game-web/internal/cluster"
	"github.com/manthankhawse/ctf-game-web/internal/net/ws"
)

type HTTPHandlerConfig struct {
	ClientDir string
	Logger    *log.Logger
}

func NewHTTPHandler(hub *server.Hub, coord *cluster.Coordinator, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string `json:"status"`
			Node       string `json:"node"`
			ServerTime int64  `json:"serverTime"`
			Hub        any    `json:"hub"`
			Loads      any    `json:"loads"`
			Replicas   any    `json:"replicas"`
		}{
			Status:     "ok",
			Node:       coord.LocalNode(),
			ServerTime: time.Now().UnixMilli(),
			Hub:        hub.Diagnostics(),
			Loads:      coord.Loads(),
			Replicas:   coord.Replicas(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc(cluster.EventPath, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		var event cluster.LobbyEvent
		if err := decodeBody(r, &event); err != nil {
			httpError(w, "invalid payload", nethttp.StatusBadRequest)
			return
		}
		coord.ApplyEvent(event)
		w.WriteHeader(nethttp.StatusNoContent)
	})

	mux.HandleFunc(cluster.HeartbeatPath, func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		var hb cluster.Heartbeat
		if err := decodeBody(r, &hb); err != nil {
			httpError(w, "invalid payload", nethttp.StatusBadRequest)
			return
		}
		coord.ApplyHeartbeat(hb)
		w.WriteHeader(nethttp.StatusNoContent)
	})

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger})
	mux.HandleFunc("/ws", wsHandler.Handle)

	if cfg.ClientDir != "" {
		fs := nethttp.FileServer(nethttp.Dir(cfg.ClientDir))
		mux.Handle("/", fs)
	}

	return mux
}

func decodeBody(r *nethttp.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
