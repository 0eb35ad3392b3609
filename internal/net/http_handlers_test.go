package net

import (
	"bytes"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	server "github.com/manthankhawse/ctf-game-web"
	"github.com/manthankhawse/ctf-game-web/internal/cluster"
	"github.com/manthankhawse/ctf-game-web/internal/lobby"
)

func newTestHandler(t *testing.T) (nethttp.Handler, *cluster.Coordinator) {
	t.Helper()
	coord := cluster.New(cluster.Config{NodeID: "node-a", PublicAddr: "ws://node-a"}, nil, nil, nil)
	engine := lobby.NewEngine(coord, nil, nil)
	hub := server.NewHub(engine, server.DefaultConfig(), nil, nil)
	return NewHTTPHandler(hub, coord, HTTPHandlerConfig{}), coord
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/health", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHeartbeatEndpointFeedsLoadTable(t *testing.T) {
	handler, coord := newTestHandler(t)

	body, _ := json.Marshal(cluster.Heartbeat{NodeID: "node-b", Addr: "ws://node-b", Load: 3, Time: time.Now()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, cluster.HeartbeatPath, bytes.NewReader(body)))

	if rec.Code != nethttp.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	loads := coord.Loads()
	if len(loads) != 1 || loads[0].NodeID != "node-b" || loads[0].Load != 3 {
		t.Fatalf("heartbeat not applied: %+v", loads)
	}
}

func TestHeartbeatEndpointRejectsGet(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, cluster.HeartbeatPath, nil))

	if rec.Code != nethttp.StatusMethodNotAllowed {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestEventEndpointStoresReplica(t *testing.T) {
	handler, coord := newTestHandler(t)

	event := cluster.LobbyEvent{
		ID:      "evt-1",
		Kind:    cluster.EventCreated,
		Node:    "node-b",
		Code:    "AB12C",
		Version: 1,
		Lobby:   &lobby.Lobby{Code: "AB12C", OwnerNode: "node-b", Mode: lobby.ModeDuo, Version: 1},
	}
	body, _ := json.Marshal(event)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, cluster.EventPath, bytes.NewReader(body)))

	if rec.Code != nethttp.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	replicas := coord.Replicas()
	if len(replicas) != 1 || replicas[0].Code != "AB12C" {
		t.Fatalf("event not applied: %+v", replicas)
	}
}

func TestEventEndpointRejectsMalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, cluster.EventPath, strings.NewReader("{")))

	if rec.Code != nethttp.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/diagnostics", nil))

	if rec.Code != nethttp.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var payload struct {
		Status string `json:"status"`
		Node   string `json:"node"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if payload.Status != "ok" || payload.Node != "node-a" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestWebsocketEndpointIssuesSession(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "server_client_id" || msg.ID == "" {
		t.Fatalf("unexpected hello %+v", msg)
	}
}
