// Package server is the per-node connection layer: it owns every live
// client session, routes signaling messages between clients and their
// lobbies and rooms, and drives the migration handshake for lobbies that
// live on other nodes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manthankhawse/ctf-game-web/internal/game"
	"github.com/manthankhawse/ctf-game-web/internal/lobby"
	"github.com/manthankhawse/ctf-game-web/internal/room"
	"github.com/manthankhawse/ctf-game-web/internal/signal"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
	"github.com/manthankhawse/ctf-game-web/logging"
)

const (
	writeWait   = 10 * time.Second
	maxNameLen  = 15
	unknownType = "unknown message type"
)

// clientConn is the writable half of a client connection. *websocket.Conn
// satisfies it; tests substitute a recorder.
type clientConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type subscriber struct {
	conn clientConn
	mu   sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// clientState is one live session's bookkeeping. A session is in at most
// one lobby or one room, never both.
type clientState struct {
	sessionID string
	name      string
	lobbyCode string
	roomID    string

	// ws-bridged peer transport: the loopback end standing in for the
	// client, fed by binary websocket frames.
	peer  *signal.Loopback
	offer signal.Description
}

// Config tunes the hub.
type Config struct {
	TickRate    int
	JoinRetries int
	JoinBackoff time.Duration
}

// DefaultConfig returns the hub defaults: 20 Hz rooms, five auto-join
// attempts with backoff doubling from 100ms.
func DefaultConfig() Config {
	return Config{TickRate: 20, JoinRetries: 5, JoinBackoff: 100 * time.Millisecond}
}

// Hub owns all live sessions, their subscriber connections, and the rooms
// hosted on this node.
type Hub struct {
	mu          sync.Mutex
	clients     map[string]*clientState
	subscribers map[string]*subscriber
	rooms       map[string]*room.Room

	engine    *lobby.Engine
	cfg       Config
	logger    telemetry.Logger
	publisher logging.Publisher
}

// NewHub creates a hub bound to a matchmaking engine.
func NewHub(engine *lobby.Engine, cfg Config, logger telemetry.Logger, publisher logging.Publisher) *Hub {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultConfig().TickRate
	}
	if cfg.JoinRetries <= 0 {
		cfg.JoinRetries = DefaultConfig().JoinRetries
	}
	if cfg.JoinBackoff <= 0 {
		cfg.JoinBackoff = DefaultConfig().JoinBackoff
	}
	return &Hub{
		clients:     make(map[string]*clientState),
		subscribers: make(map[string]*subscriber),
		rooms:       make(map[string]*room.Room),
		engine:      engine,
		cfg:         cfg,
		logger:      logger,
		publisher:   publisher,
	}
}

// Connect registers a fresh session for the connection and issues its id.
func (h *Hub) Connect(conn clientConn) string {
	sessionID := uuid.NewString()

	h.mu.Lock()
	h.clients[sessionID] = &clientState{sessionID: sessionID}
	h.subscribers[sessionID] = &subscriber{conn: conn}
	h.mu.Unlock()

	h.publishClient(logging.EventClientConnected, sessionID, nil)
	h.send(sessionID, serverMessage{Type: msgClientID, ID: sessionID})
	return sessionID
}

// Disconnect tears a session down, synchronously clearing its lobby or
// room membership before anything else is broadcast.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, sessionID)
	sub := h.subscribers[sessionID]
	delete(h.subscribers, sessionID)
	lobbyCode := state.lobbyCode
	roomID := state.roomID
	peer := state.peer
	r := h.rooms[roomID]
	h.mu.Unlock()

	if r != nil {
		r.HandleLeave(sessionID)
	}
	if peer != nil {
		peer.Close()
	}
	if lobbyCode != "" {
		if remaining, removed, err := h.engine.Leave(sessionID, lobbyCode); err == nil && !removed {
			h.broadcastLobby(remaining, msgLobbyUpdate)
		}
	}
	if sub != nil {
		sub.conn.Close()
	}
	h.publishClient(logging.EventClientDisconnected, sessionID, nil)
}

// RoomCount reports the live room count; it is this node's load figure.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// HandleMessage routes one signaling message from a connected client.
func (h *Hub) HandleMessage(sessionID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendErrorText(sessionID, "malformed message")
		return
	}

	switch msg.Type {
	case msgSetName:
		h.handleSetName(sessionID, msg)
	case msgCreateLobby:
		h.handleCreateLobby(sessionID, msg)
	case msgJoinLobby:
		h.handleJoinLobby(sessionID, msg.Code)
	case msgFindGame:
		h.handleFindGame(sessionID, msg.Mode)
	case msgChangeTeam:
		h.handleChangeTeam(sessionID, msg.Team)
	case msgStartGame:
		h.handleStartGame(sessionID)
	case msgAnswer:
		h.handleAnswer(sessionID, msg.Payload)
	case msgIceCandidate:
		h.handleCandidate(sessionID, msg.Payload)
	default:
		h.sendErrorText(sessionID, unknownType)
	}
}

// HandleData forwards one binary gameplay frame to the session's bridged
// peer transport.
func (h *Hub) HandleData(sessionID string, data []byte) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	var peer *signal.Loopback
	if ok {
		peer = state.peer
	}
	h.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.Send(data); err != nil {
		h.logger.Printf("hub: data frame from %s dropped: %v", sessionID, err)
	}
}

func (h *Hub) handleSetName(sessionID string, msg clientMessage) {
	name := []rune(msg.Name)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	trimmed := string(name)
	if trimmed == "" {
		h.sendError(sessionID, lobby.ErrNotNamed)
		return
	}

	h.mu.Lock()
	state, ok := h.clients[sessionID]
	if ok {
		state.name = trimmed
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.publishClient(logging.EventClientNamed, sessionID, map[string]any{"name": trimmed})
	h.send(sessionID, serverMessage{Type: msgNameAck, Name: trimmed})

	if msg.PendingLobby != "" {
		go h.autoJoin(sessionID, msg.PendingLobby, msg.PriorSession)
	}
}

// matchmakingName validates that the session may enter matchmaking and
// returns its display name.
func (h *Hub) matchmakingName(sessionID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.clients[sessionID]
	if !ok {
		return "", lobby.ErrNotNamed
	}
	if state.name == "" {
		return "", lobby.ErrNotNamed
	}
	if state.lobbyCode != "" || state.roomID != "" {
		return "", lobby.ErrAlreadyEngaged
	}
	return state.name, nil
}

func (h *Hub) handleCreateLobby(sessionID string, msg clientMessage) {
	name, err := h.matchmakingName(sessionID)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}

	state, redirect, err := h.engine.Create(sessionID, name, lobby.Mode(msg.Mode), msg.Private)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}
	if redirect != nil {
		h.sendRedirect(sessionID, *redirect, sessionID)
		return
	}

	h.setLobby(sessionID, state.Code)
	h.send(sessionID, serverMessage{Type: msgLobbyCreated, Lobby: &state})
}

func (h *Hub) handleJoinLobby(sessionID, code string) {
	name, err := h.matchmakingName(sessionID)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}

	state, promoted, redirect, err := h.engine.Join(sessionID, name, code)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}
	h.resolveEntry(sessionID, state, promoted, redirect, "")
}

func (h *Hub) handleFindGame(sessionID, mode string) {
	name, err := h.matchmakingName(sessionID)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}

	state, promoted, redirect, err := h.engine.FindPublic(sessionID, name, lobby.Mode(mode))
	if err != nil {
		h.sendError(sessionID, err)
		return
	}
	h.resolveEntry(sessionID, state, promoted, redirect, "")
}

// resolveEntry finishes a join-like operation: promotion starts a room,
// a redirect hands the client to the owning node, and a plain join
// announces the newcomer to the lobby.
func (h *Hub) resolveEntry(sessionID string, state lobby.Lobby, promoted *lobby.Promoted, redirect *lobby.Redirect, priorSession string) {
	if promoted != nil {
		h.setLobby(sessionID, "")
		h.startRoom(promoted)
		return
	}
	if redirect != nil {
		h.sendRedirect(sessionID, *redirect, priorSession)
		return
	}

	h.setLobby(sessionID, state.Code)
	if state.Host == sessionID && len(state.Members) == 1 {
		h.send(sessionID, serverMessage{Type: msgLobbyCreated, Lobby: &state})
		return
	}
	h.send(sessionID, serverMessage{Type: msgLobbyJoined, Lobby: &state})
	h.broadcastLobbyExcept(state, msgLobbyUpdate, sessionID)
}

func (h *Hub) handleChangeTeam(sessionID, team string) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	var code string
	if ok {
		code = state.lobbyCode
	}
	h.mu.Unlock()
	if code == "" {
		h.sendError(sessionID, lobby.ErrLobbyNotFound)
		return
	}

	updated, err := h.engine.ChangeTeam(sessionID, code, game.Team(team))
	if err != nil {
		h.sendError(sessionID, err)
		return
	}
	h.broadcastLobby(updated, msgLobbyUpdate)
}

func (h *Hub) handleStartGame(sessionID string) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	var code string
	if ok {
		code = state.lobbyCode
	}
	h.mu.Unlock()
	if code == "" {
		h.sendError(sessionID, lobby.ErrLobbyNotFound)
		return
	}

	promoted, err := h.engine.Start(sessionID, code)
	if err != nil {
		h.sendError(sessionID, err)
		return
	}
	h.startRoom(promoted)
}

// autoJoin resolves a post-migration pending lobby: the replica may not
// have caught up yet, so the reconcile is polled with doubling backoff.
// Exhaustion is a definite LobbyNotFound, never a fallback lobby.
func (h *Hub) autoJoin(sessionID, code, priorSession string) {
	backoff := h.cfg.JoinBackoff
	for attempt := 0; attempt < h.cfg.JoinRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		h.mu.Lock()
		state, ok := h.clients[sessionID]
		var name string
		if ok {
			name = state.name
		}
		h.mu.Unlock()
		if !ok {
			return
		}

		joined, promoted, err := h.engine.Reconcile(code, priorSession, sessionID, name)
		if errors.Is(err, lobby.ErrLobbyNotFound) {
			continue
		}
		if err != nil {
			h.sendError(sessionID, err)
			return
		}

		// The client may have vanished while the reconcile ran.
		h.mu.Lock()
		_, alive := h.clients[sessionID]
		h.mu.Unlock()
		if !alive {
			if promoted == nil {
				h.engine.Leave(sessionID, code)
			}
			return
		}

		h.resolveEntry(sessionID, joined, promoted, nil, "")
		return
	}
	h.sendError(sessionID, lobby.ErrLobbyNotFound)
}

// startRoom promotes a roster into a live room and begins negotiation.
func (h *Hub) startRoom(promoted *lobby.Promoted) {
	members := make([]room.Member, 0, len(promoted.Members))
	roster := make([]game.PlayerInfo, 0, len(promoted.Members))
	for _, m := range promoted.Members {
		members = append(members, room.Member{SessionID: m.SessionID, PlayerID: m.PlayerID, Name: m.Name, Team: m.Team})
		roster = append(roster, game.PlayerInfo{ID: m.PlayerID, Name: m.Name, Team: m.Team})
	}

	r := room.New(promoted.Code, string(promoted.Mode), members, h.peerFactory, h, room.Config{TickRate: h.cfg.TickRate}, h.logger, h.publisher)

	h.mu.Lock()
	h.rooms[promoted.Code] = r
	for _, m := range promoted.Members {
		if state, ok := h.clients[m.SessionID]; ok {
			state.lobbyCode = ""
			state.roomID = promoted.Code
		}
	}
	h.mu.Unlock()

	for _, m := range promoted.Members {
		h.send(m.SessionID, serverMessage{Type: msgGameStarting, Code: promoted.Code, AllPlayers: roster})
	}

	if err := r.Start(); err != nil {
		h.logger.Printf("hub: room %s failed to start: %v", promoted.Code, err)
	}
}

// peerFactory builds the ws-bridged transport for one player: a loopback
// pair whose far end relays gameplay frames over the session's websocket
// as binary messages.
func (h *Hub) peerFactory(sessionID string) (signal.PeerTransport, error) {
	serverEnd, clientEnd := signal.NewLoopbackPair()
	clientEnd.OnMessage(func(data []byte) {
		h.sendBinary(sessionID, data)
	})

	h.mu.Lock()
	if state, ok := h.clients[sessionID]; ok {
		state.peer = clientEnd
	}
	h.mu.Unlock()
	return serverEnd, nil
}

func (h *Hub) handleAnswer(sessionID string, payload json.RawMessage) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	var (
		peer  *signal.Loopback
		offer signal.Description
		r     *room.Room
	)
	if ok {
		peer = state.peer
		offer = state.offer
		r = h.rooms[state.roomID]
	}
	h.mu.Unlock()
	if r == nil {
		return
	}

	// The bridged far end accepts the offer on the client's behalf; the
	// transport opens once the room applies the answer below.
	if peer != nil && offer.SDP != "" {
		if err := peer.SetRemoteDescription(offer); err != nil {
			h.logger.Printf("hub: bridge description for %s: %v", sessionID, err)
		}
	}

	answer := signal.Description{Type: "answer", SDP: string(payload)}
	if err := r.HandleAnswer(sessionID, answer); err != nil {
		h.logger.Printf("hub: answer from %s rejected: %v", sessionID, err)
		h.publishSignalFailure(sessionID, err)
	}
}

func (h *Hub) handleCandidate(sessionID string, payload json.RawMessage) {
	h.mu.Lock()
	state, ok := h.clients[sessionID]
	var r *room.Room
	if ok {
		r = h.rooms[state.roomID]
	}
	h.mu.Unlock()
	if r == nil {
		return
	}
	r.HandleCandidate(sessionID, signal.Candidate{Payload: string(payload)})
}

// SendOffer implements room.Signaler.
func (h *Hub) SendOffer(sessionID string, offer signal.Description, player game.PlayerInfo, roster []game.PlayerInfo, layout [][]int) {
	h.mu.Lock()
	if state, ok := h.clients[sessionID]; ok {
		state.offer = offer
	}
	h.mu.Unlock()

	h.send(sessionID, serverMessage{
		Type:       msgOffer,
		Payload:    offer,
		PlayerInfo: &player,
		AllPlayers: roster,
		Map:        layout,
	})
}

// SendCandidate implements room.Signaler.
func (h *Hub) SendCandidate(sessionID string, candidate signal.Candidate) {
	h.send(sessionID, serverMessage{Type: msgServerIce, Payload: candidate.Payload})
}

// RoomClosed implements room.Signaler: drop the room and free its
// members for new matchmaking.
func (h *Hub) RoomClosed(roomID string) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	for _, state := range h.clients {
		if state.roomID == roomID {
			state.roomID = ""
			state.peer = nil
			state.offer = signal.Description{}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) sendRedirect(sessionID string, redirect lobby.Redirect, priorSession string) {
	h.publishClient(logging.EventClientRedirected, sessionID, map[string]any{"node": redirect.Node, "code": redirect.Code})
	h.send(sessionID, serverMessage{
		Type:         msgRedirect,
		Addr:         redirect.Addr,
		Code:         redirect.Code,
		PriorSession: priorSession,
	})
}

func (h *Hub) setLobby(sessionID, code string) {
	h.mu.Lock()
	if state, ok := h.clients[sessionID]; ok {
		state.lobbyCode = code
	}
	h.mu.Unlock()
}

func (h *Hub) broadcastLobby(state lobby.Lobby, msgType string) {
	h.broadcastLobbyExcept(state, msgType, "")
}

func (h *Hub) broadcastLobbyExcept(state lobby.Lobby, msgType, except string) {
	for _, member := range state.Members {
		if member.SessionID == except {
			continue
		}
		h.send(member.SessionID, serverMessage{Type: msgType, Lobby: &state})
	}
}

func (h *Hub) send(sessionID string, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("hub: marshal %s: %v", msg.Type, err)
		return
	}
	h.writeTo(sessionID, websocket.TextMessage, data)
}

func (h *Hub) sendBinary(sessionID string, data []byte) {
	h.writeTo(sessionID, websocket.BinaryMessage, data)
}

func (h *Hub) writeTo(sessionID string, messageType int, data []byte) {
	h.mu.Lock()
	sub := h.subscribers[sessionID]
	h.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.write(messageType, data); err != nil {
		h.logger.Printf("hub: write to %s failed: %v", sessionID, err)
		go h.Disconnect(sessionID)
	}
}

func (h *Hub) sendError(sessionID string, err error) {
	h.sendErrorText(sessionID, err.Error())
}

func (h *Hub) sendErrorText(sessionID, reason string) {
	h.send(sessionID, serverMessage{Type: msgError, Reason: reason})
}

// Diagnostics returns the hub's half of the diagnostics payload.
func (h *Hub) Diagnostics() DiagnosticsSnapshot {
	h.mu.Lock()
	clients := make([]diagnosticsClient, 0, len(h.clients))
	for _, state := range h.clients {
		clients = append(clients, diagnosticsClient{
			ID:        state.sessionID,
			Name:      state.name,
			LobbyCode: state.lobbyCode,
			RoomID:    state.roomID,
		})
	}
	rooms := make([]diagnosticsRoom, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, diagnosticsRoom{
			ID:      r.ID(),
			Mode:    r.Mode(),
			Phase:   r.Phase().String(),
			Players: r.PlayerCount(),
		})
	}
	h.mu.Unlock()

	return DiagnosticsSnapshot{
		Clients: clients,
		Rooms:   rooms,
		Lobbies: h.engine.Snapshot(),
	}
}

func (h *Hub) publishClient(eventType logging.EventType, sessionID string, payload map[string]any) {
	h.publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPlayer},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatchmaking,
		Payload:  payload,
	})
}

func (h *Hub) publishSignalFailure(sessionID string, err error) {
	h.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventSignalFailure,
		Actor:    logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPlayer},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySignaling,
		Payload:  map[string]any{"error": err.Error()},
	})
}
