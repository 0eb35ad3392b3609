package server

import (
	"encoding/json"

	"github.com/manthankhawse/ctf-game-web/internal/game"
	"github.com/manthankhawse/ctf-game-web/internal/lobby"
)

// Client message types on the signaling websocket.
const (
	msgSetName      = "client_set_name"
	msgCreateLobby  = "client_create_lobby"
	msgJoinLobby    = "client_join_lobby"
	msgFindGame     = "client_find_game"
	msgChangeTeam   = "client_change_team"
	msgStartGame    = "client_start_game"
	msgAnswer       = "client_answer"
	msgIceCandidate = "client_ice_candidate"
)

// Server message types.
const (
	msgClientID     = "server_client_id"
	msgNameAck      = "name_ack"
	msgLobbyCreated = "server_lobby_created"
	msgLobbyJoined  = "server_lobby_joined"
	msgLobbyUpdate  = "server_lobby_update"
	msgGameStarting = "server_game_starting"
	msgOffer        = "server_offer"
	msgServerIce    = "server_ice_candidate"
	msgRedirect     = "server_redirect"
	msgError        = "error"
)

type clientMessage struct {
	Type         string          `json:"type"`
	Name         string          `json:"name,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	Private      bool            `json:"private,omitempty"`
	Code         string          `json:"code,omitempty"`
	Team         string          `json:"team,omitempty"`
	PendingLobby string          `json:"pendingLobby,omitempty"`
	PriorSession string          `json:"priorSession,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type serverMessage struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Lobby        *lobby.Lobby      `json:"lobby,omitempty"`
	Payload      any               `json:"payload,omitempty"`
	PlayerInfo   *game.PlayerInfo  `json:"playerInfo,omitempty"`
	AllPlayers   []game.PlayerInfo `json:"allPlayers,omitempty"`
	Map          [][]int           `json:"map,omitempty"`
	Addr         string            `json:"addr,omitempty"`
	Code         string            `json:"code,omitempty"`
	PriorSession string            `json:"priorSession,omitempty"`
}

type diagnosticsClient struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	LobbyCode string `json:"lobbyCode,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

type diagnosticsRoom struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Phase   string `json:"phase"`
	Players int    `json:"players"`
}

// DiagnosticsSnapshot is the hub's half of the /diagnostics payload.
type DiagnosticsSnapshot struct {
	Clients []diagnosticsClient `json:"clients"`
	Rooms   []diagnosticsRoom   `json:"rooms"`
	Lobbies []lobby.Lobby       `json:"lobbies"`
}
