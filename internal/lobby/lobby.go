// Package lobby is the matchmaking engine: it owns the lobbies this node
// placed locally, balances teams, matches public queues, and promotes a
// full lobby into a game room roster. Foreign lobbies are never mutated
// here; operations that resolve to one yield a Redirect instead.
package lobby

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/manthankhawse/ctf-game-web/internal/game"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
	"github.com/manthankhawse/ctf-game-web/logging"
)

// Member is one session waiting in a lobby.
type Member struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Team      game.Team `json:"team"`
}

// Lobby is the replicated pre-match state. Version is a per-lobby
// monotonic counter stamped by the owning node; subscribers discard
// events that do not advance it.
type Lobby struct {
	Code      string   `json:"code"`
	OwnerNode string   `json:"ownerNode"`
	Host      string   `json:"host"`
	Mode      Mode     `json:"mode"`
	Private   bool     `json:"private"`
	Members   []Member `json:"members"`
	Version   uint64   `json:"version"`
}

// Clone returns a value copy with its own member slice.
func (l Lobby) Clone() Lobby {
	l.Members = append([]Member(nil), l.Members...)
	return l
}

// Capacity returns the lobby's total player cap.
func (l Lobby) Capacity() int {
	return l.Mode.Capacity()
}

// Full reports whether every slot is taken.
func (l Lobby) Full() bool {
	return len(l.Members) >= l.Capacity()
}

func (l Lobby) teamCount(team game.Team) int {
	n := 0
	for _, m := range l.Members {
		if m.Team == team {
			n++
		}
	}
	return n
}

func (l Lobby) memberIndex(sessionID string) int {
	for i, m := range l.Members {
		if m.SessionID == sessionID {
			return i
		}
	}
	return -1
}

// Redirect instructs a client to reconnect to the node that owns (or will
// own) its lobby. It is terminal for the current connection.
type Redirect struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
	Code string `json:"code"`
}

// PromotedMember is one roster slot of a lobby that became a room.
type PromotedMember struct {
	SessionID string
	PlayerID  string
	Name      string
	Team      game.Team
}

// Promoted is the room roster produced when a lobby fills (public) or the
// host starts it (private). The lobby no longer exists once this is
// returned.
type Promoted struct {
	Code    string
	Mode    Mode
	Members []PromotedMember
}

// Cluster is the coordinator surface the engine needs: placement, replica
// lookups, and event publication. All methods must be safe to call while
// the engine holds its own lock.
type Cluster interface {
	LocalNode() string
	NodeAddr(node string) string
	PickNode() string
	ReplicaExists(code string) bool
	Replica(code string) (Lobby, bool)
	TakeReplica(code string) (Lobby, bool)
	FindPublicReplica(mode Mode) (Lobby, bool)
	LobbyCreated(lobby Lobby)
	LobbyUpdated(lobby Lobby)
	LobbyRemoved(code string, version uint64)
}

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 5
	codeAttempts = 64
)

// Engine owns every lobby placed on this node. A single mutex serializes
// all mutations so capacity and team invariants hold under concurrent
// joins.
type Engine struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
	rng     *rand.Rand

	cluster   Cluster
	logger    telemetry.Logger
	publisher logging.Publisher
}

// NewEngine builds a matchmaking engine bound to the given coordinator.
func NewEngine(cluster Cluster, logger telemetry.Logger, publisher logging.Publisher) *Engine {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Engine{
		lobbies:   make(map[string]*Lobby),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		cluster:   cluster,
		logger:    logger,
		publisher: publisher,
	}
}

// Seed replaces the code generator's randomness source.
func (e *Engine) Seed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

// Create allocates a lobby for the session. When placement lands on a
// foreign node the lobby is published provisionally under the creator's
// current session id and a Redirect is returned instead of local state.
func (e *Engine) Create(sessionID, name string, mode Mode, private bool) (Lobby, *Redirect, error) {
	if name == "" {
		return Lobby{}, nil, ErrNotNamed
	}
	if !mode.Valid() {
		return Lobby{}, nil, ErrUnknownMode
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	code, err := e.allocateCodeLocked()
	if err != nil {
		return Lobby{}, nil, err
	}

	node := e.cluster.PickNode()
	lobby := Lobby{
		Code:      code,
		OwnerNode: node,
		Host:      sessionID,
		Mode:      mode,
		Private:   private,
		Members:   []Member{{SessionID: sessionID, Name: name, Team: game.TeamBlue}},
		Version:   1,
	}

	if node != e.cluster.LocalNode() {
		// Provisional placement: the member is recorded under the
		// pre-migration session id and reconciled after the client
		// reconnects on the owning node.
		e.cluster.LobbyCreated(lobby.Clone())
		e.publish(logging.EventLobbyCreated, code, map[string]any{"mode": mode, "placement": node, "provisional": true})
		return Lobby{}, &Redirect{Node: node, Addr: e.cluster.NodeAddr(node), Code: code}, nil
	}

	e.lobbies[code] = &lobby
	e.cluster.LobbyCreated(lobby.Clone())
	e.publish(logging.EventLobbyCreated, code, map[string]any{"mode": mode, "private": private})
	return lobby.Clone(), nil, nil
}

func (e *Engine) allocateCodeLocked() (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		buf := make([]byte, codeLength)
		for i := range buf {
			buf[i] = codeAlphabet[e.rng.Intn(len(codeAlphabet))]
		}
		code := string(buf)
		if _, taken := e.lobbies[code]; taken {
			continue
		}
		if e.cluster.ReplicaExists(code) {
			continue
		}
		return code, nil
	}
	return "", ErrCodeExhausted
}

// Join adds the session to the lobby with the given code, balancing
// teams. A foreign lobby yields a Redirect; a public lobby that fills its
// last slot promotes immediately.
func (e *Engine) Join(sessionID, name, code string) (Lobby, *Promoted, *Redirect, error) {
	if name == "" {
		return Lobby{}, nil, nil, ErrNotNamed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lobby, ok := e.lobbies[code]
	if !ok {
		if replica, found := e.cluster.Replica(code); found {
			return Lobby{}, nil, &Redirect{
				Node: replica.OwnerNode,
				Addr: e.cluster.NodeAddr(replica.OwnerNode),
				Code: code,
			}, nil
		}
		return Lobby{}, nil, nil, ErrLobbyNotFound
	}
	return e.joinLocked(lobby, sessionID, name)
}

func (e *Engine) joinLocked(lobby *Lobby, sessionID, name string) (Lobby, *Promoted, *Redirect, error) {
	if lobby.memberIndex(sessionID) >= 0 {
		return lobby.Clone(), nil, nil, nil
	}
	if lobby.Full() {
		return Lobby{}, nil, nil, ErrLobbyFull
	}

	team := game.TeamBlue
	if lobby.teamCount(game.TeamRed) < lobby.teamCount(game.TeamBlue) {
		team = game.TeamRed
	}
	lobby.Members = append(lobby.Members, Member{SessionID: sessionID, Name: name, Team: team})
	lobby.Version++

	e.publish(logging.EventLobbyJoined, lobby.Code, map[string]any{"session": sessionID, "team": team})

	if !lobby.Private && lobby.Full() {
		promoted := e.promoteLocked(lobby)
		return Lobby{}, promoted, nil, nil
	}

	e.cluster.LobbyUpdated(lobby.Clone())
	return lobby.Clone(), nil, nil, nil
}

// FindPublic matches the session into a public lobby of the requested
// mode: a local one joins (and may promote), a replicated foreign one
// redirects, and none at all creates a fresh public lobby.
func (e *Engine) FindPublic(sessionID, name string, mode Mode) (Lobby, *Promoted, *Redirect, error) {
	if name == "" {
		return Lobby{}, nil, nil, ErrNotNamed
	}
	if !mode.Valid() {
		return Lobby{}, nil, nil, ErrUnknownMode
	}

	e.mu.Lock()
	for _, lobby := range e.lobbies {
		if lobby.Private || lobby.Mode != mode || lobby.Full() {
			continue
		}
		state, promoted, redirect, err := e.joinLocked(lobby, sessionID, name)
		e.mu.Unlock()
		return state, promoted, redirect, err
	}

	if replica, found := e.cluster.FindPublicReplica(mode); found {
		redirect := &Redirect{
			Node: replica.OwnerNode,
			Addr: e.cluster.NodeAddr(replica.OwnerNode),
			Code: replica.Code,
		}
		e.mu.Unlock()
		return Lobby{}, nil, redirect, nil
	}
	e.mu.Unlock()

	state, redirect, err := e.Create(sessionID, name, mode, false)
	return state, nil, redirect, err
}

// ChangeTeam moves the session to the requested team. Moving to the
// current team is a no-op; a team at its per-mode cap rejects the move.
func (e *Engine) ChangeTeam(sessionID, code string, team game.Team) (Lobby, error) {
	if !team.Valid() {
		return Lobby{}, ErrInvalidTeam
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lobby, ok := e.lobbies[code]
	if !ok {
		return Lobby{}, ErrLobbyNotFound
	}
	idx := lobby.memberIndex(sessionID)
	if idx < 0 {
		return Lobby{}, ErrLobbyNotFound
	}
	if lobby.Members[idx].Team == team {
		return lobby.Clone(), nil
	}
	if lobby.teamCount(team) >= lobby.Mode.TeamSize() {
		return Lobby{}, ErrTeamFull
	}

	lobby.Members[idx].Team = team
	lobby.Version++
	e.cluster.LobbyUpdated(lobby.Clone())
	return lobby.Clone(), nil
}

// Start promotes a lobby on the host's request. Private lobbies gate on a
// complete, balanced roster; public ones normally promote on fill, so an
// explicit start only checks balance.
func (e *Engine) Start(sessionID, code string) (*Promoted, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lobby, ok := e.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if lobby.Host != sessionID {
		return nil, ErrNotHost
	}
	if lobby.Private && !lobby.Full() {
		return nil, ErrRosterIncomplete
	}
	if lobby.teamCount(game.TeamBlue) != lobby.teamCount(game.TeamRed) {
		return nil, ErrTeamsUnbalanced
	}
	return e.promoteLocked(lobby), nil
}

// promoteLocked turns the lobby into a room roster, assigns stable
// in-match ids per team in join order, and removes the lobby locally and
// cluster-wide in the same critical section.
func (e *Engine) promoteLocked(lobby *Lobby) *Promoted {
	ordinals := map[game.Team]int{}
	promoted := &Promoted{Code: lobby.Code, Mode: lobby.Mode}
	for _, member := range lobby.Members {
		ordinals[member.Team]++
		promoted.Members = append(promoted.Members, PromotedMember{
			SessionID: member.SessionID,
			PlayerID:  game.PlayerID(member.Team, ordinals[member.Team]),
			Name:      member.Name,
			Team:      member.Team,
		})
	}

	lobby.Version++
	delete(e.lobbies, lobby.Code)
	e.cluster.LobbyRemoved(lobby.Code, lobby.Version)
	e.publish(logging.EventLobbyPromoted, lobby.Code, map[string]any{"players": len(promoted.Members)})
	return promoted
}

// Leave removes the session from the lobby. The last member out deletes
// the lobby; a departing host hands the role to the first remaining
// member.
func (e *Engine) Leave(sessionID, code string) (Lobby, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lobby, ok := e.lobbies[code]
	if !ok {
		return Lobby{}, false, ErrLobbyNotFound
	}
	idx := lobby.memberIndex(sessionID)
	if idx < 0 {
		return Lobby{}, false, ErrLobbyNotFound
	}

	lobby.Members = append(lobby.Members[:idx], lobby.Members[idx+1:]...)
	lobby.Version++

	if len(lobby.Members) == 0 {
		delete(e.lobbies, code)
		e.cluster.LobbyRemoved(code, lobby.Version)
		e.publish(logging.EventLobbyLeft, code, map[string]any{"session": sessionID, "deleted": true})
		return Lobby{}, true, nil
	}
	if lobby.Host == sessionID {
		lobby.Host = lobby.Members[0].SessionID
	}
	e.cluster.LobbyUpdated(lobby.Clone())
	e.publish(logging.EventLobbyLeft, code, map[string]any{"session": sessionID})
	return lobby.Clone(), false, nil
}

// Reconcile resolves a post-migration pending join on the owning node. A
// provisionally placed lobby is adopted from the replica first; then the
// creator's ghost membership under the prior session id is rewritten, or
// the session joins normally. Absence is ErrLobbyNotFound so the caller
// can poll while replication catches up.
func (e *Engine) Reconcile(code, priorSession, sessionID, name string) (Lobby, *Promoted, error) {
	if name == "" {
		return Lobby{}, nil, ErrNotNamed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lobby, ok := e.lobbies[code]
	if !ok {
		replica, found := e.cluster.Replica(code)
		if !found || replica.OwnerNode != e.cluster.LocalNode() {
			return Lobby{}, nil, ErrLobbyNotFound
		}
		e.cluster.TakeReplica(code)
		adopted := replica.Clone()
		lobby = &adopted
		e.lobbies[code] = lobby
	}

	if priorSession != "" {
		if idx := lobby.memberIndex(priorSession); idx >= 0 {
			lobby.Members[idx].SessionID = sessionID
			lobby.Members[idx].Name = name
			if lobby.Host == priorSession {
				lobby.Host = sessionID
			}
			lobby.Version++
			e.cluster.LobbyUpdated(lobby.Clone())
			e.publish(logging.EventLobbyReconciled, code, map[string]any{"prior": priorSession, "session": sessionID})
			return lobby.Clone(), nil, nil
		}
	}

	state, promoted, _, err := e.joinLocked(lobby, sessionID, name)
	return state, promoted, err
}

// ResolveLocal returns the lobby if this node owns it.
func (e *Engine) ResolveLocal(code string) (Lobby, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lobby, ok := e.lobbies[code]
	if !ok {
		return Lobby{}, false
	}
	return lobby.Clone(), true
}

// Snapshot lists every locally owned lobby.
func (e *Engine) Snapshot() []Lobby {
	e.mu.Lock()
	defer e.mu.Unlock()
	lobbies := make([]Lobby, 0, len(e.lobbies))
	for _, lobby := range e.lobbies {
		lobbies = append(lobbies, lobby.Clone())
	}
	return lobbies
}

func (e *Engine) publish(eventType logging.EventType, code string, payload map[string]any) {
	e.publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    logging.EntityRef{ID: code, Kind: logging.EntityKindLobby},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatchmaking,
		Payload:  payload,
	})
}
