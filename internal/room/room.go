// Package room hosts one live match: it owns the signaling sessions for
// every player, gates match start on transport establishment, and bridges
// the isolated tick loop to the peer transports.
package room

import (
	"context"
	"sync"

	"github.com/manthankhawse/ctf-game-web/internal/game"
	"github.com/manthankhawse/ctf-game-web/internal/signal"
	"github.com/manthankhawse/ctf-game-web/internal/sim"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
	"github.com/manthankhawse/ctf-game-web/logging"
)

// Phase is the room lifecycle state.
type Phase int

const (
	PhaseAssembling Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAssembling:
		return "assembling"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Member is one promoted lobby slot.
type Member struct {
	SessionID string
	PlayerID  string
	Name      string
	Team      game.Team
}

// Signaler carries host-to-client signaling messages and lifecycle
// notifications back to the connection layer.
type Signaler interface {
	SendOffer(sessionID string, offer signal.Description, player game.PlayerInfo, roster []game.PlayerInfo, layout [][]int)
	SendCandidate(sessionID string, candidate signal.Candidate)
	RoomClosed(roomID string)
}

// TransportFactory builds the peer transport for one player session.
type TransportFactory func(sessionID string) (signal.PeerTransport, error)

// Config tunes the room.
type Config struct {
	TickRate int
}

type playerSlot struct {
	member      Member
	session     *signal.Session
	established bool
}

// Room drives one match from assembly to teardown. The id equals the
// originating lobby code; a room is created exactly once per lobby.
type Room struct {
	id   string
	mode string

	mu       sync.Mutex
	phase    Phase
	members  []Member
	players  map[string]*playerSlot
	departed map[string]struct{}
	expected int
	opened   int
	runner   *sim.Runner

	cfg       Config
	factory   TransportFactory
	signaler  Signaler
	logger    telemetry.Logger
	publisher logging.Publisher
}

// New builds a room for a promoted lobby roster. Call Start to begin
// negotiation.
func New(id, mode string, members []Member, factory TransportFactory, signaler Signaler, cfg Config, logger telemetry.Logger, publisher logging.Publisher) *Room {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = sim.DefaultConfig().TickRate
	}
	return &Room{
		id:        id,
		mode:      mode,
		phase:     PhaseAssembling,
		members:   append([]Member(nil), members...),
		players:   make(map[string]*playerSlot, len(members)),
		departed:  make(map[string]struct{}, len(members)),
		expected:  len(members),
		cfg:       cfg,
		factory:   factory,
		signaler:  signaler,
		logger:    logger,
		publisher: publisher,
	}
}

// ID returns the room id (the originating lobby code).
func (r *Room) ID() string { return r.id }

// Mode returns the room's game mode.
func (r *Room) Mode() string { return r.mode }

// Phase returns the current lifecycle phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// PlayerCount reports how many sessions are still attached.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Start creates a transport and signaling session per member and sends
// each player its offer together with the in-match roster and map.
func (r *Room) Start() error {
	roster := r.rosterInfo()
	layout := game.NewEngine(nil).MapLayout()

	for _, member := range r.members {
		member := member
		transport, err := r.factory(member.SessionID)
		if err != nil {
			r.logger.Printf("room %s: transport for %s failed: %v", r.id, member.SessionID, err)
			r.dropUnregistered(member.SessionID)
			continue
		}
		transport.OnCandidate(func(candidate signal.Candidate) {
			r.signaler.SendCandidate(member.SessionID, candidate)
		})
		transport.OnMessage(func(data []byte) {
			r.handleFrame(member.PlayerID, data)
		})
		transport.OnClose(func() {
			r.HandleLeave(member.SessionID)
		})

		session := signal.NewSession(transport, func() {
			r.playerOpened(member.SessionID)
		}, r.logger)

		offer, err := session.Offer()
		if err != nil {
			r.logger.Printf("room %s: offer for %s failed: %v", r.id, member.SessionID, err)
			r.dropUnregistered(member.SessionID)
			session.Close()
			continue
		}

		r.mu.Lock()
		if r.phase != PhaseAssembling {
			r.mu.Unlock()
			session.Close()
			return nil
		}
		if _, gone := r.departed[member.SessionID]; gone {
			// The player left between promotion and registration; the
			// gate already shrank for them.
			r.mu.Unlock()
			session.Close()
			continue
		}
		r.players[member.SessionID] = &playerSlot{member: member, session: session}
		r.mu.Unlock()

		info := game.PlayerInfo{ID: member.PlayerID, Name: member.Name, Team: member.Team}
		r.signaler.SendOffer(member.SessionID, offer, info, roster, layout)
	}
	return nil
}

// dropUnregistered shrinks the expected count for a member who has no
// player slot, either because the transport never came up or because the
// player departed before Start registered them. Marking the session
// departed keeps a later close callback from shrinking the gate twice.
func (r *Room) dropUnregistered(sessionID string) {
	r.mu.Lock()
	if r.phase != PhaseAssembling {
		r.mu.Unlock()
		return
	}
	if _, gone := r.departed[sessionID]; gone {
		r.mu.Unlock()
		return
	}
	r.departed[sessionID] = struct{}{}
	r.expected--
	empty := r.expected <= 0 && len(r.players) == 0
	if !empty {
		r.evaluateGateLocked()
	}
	r.mu.Unlock()
	if empty {
		r.teardown()
	}
}

func (r *Room) isMemberLocked(sessionID string) bool {
	for _, member := range r.members {
		if member.SessionID == sessionID {
			return true
		}
	}
	return false
}

func (r *Room) rosterInfo() []game.PlayerInfo {
	roster := make([]game.PlayerInfo, 0, len(r.members))
	for _, member := range r.members {
		roster = append(roster, game.PlayerInfo{ID: member.PlayerID, Name: member.Name, Team: member.Team})
	}
	return roster
}

// HandleAnswer applies a client's answer to its signaling session.
func (r *Room) HandleAnswer(sessionID string, answer signal.Description) error {
	r.mu.Lock()
	slot, ok := r.players[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return slot.session.HandleAnswer(answer)
}

// HandleCandidate applies a client's trickled candidate.
func (r *Room) HandleCandidate(sessionID string, candidate signal.Candidate) {
	r.mu.Lock()
	slot, ok := r.players[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	slot.session.AddCandidate(candidate)
}

// playerOpened counts session establishment; the count gate, not
// simulation state, is what starts the tick loop.
func (r *Room) playerOpened(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.players[sessionID]
	if !ok || slot.established || r.phase != PhaseAssembling {
		return
	}
	slot.established = true
	r.opened++
	r.evaluateGateLocked()
}

func (r *Room) evaluateGateLocked() {
	if r.phase != PhaseAssembling || r.expected == 0 || r.opened < r.expected {
		return
	}
	r.startMatchLocked()
}

func (r *Room) startMatchLocked() {
	roster := make([]game.PlayerInfo, 0, len(r.members))
	for _, member := range r.members {
		if _, ok := r.players[member.SessionID]; ok {
			roster = append(roster, game.PlayerInfo{ID: member.PlayerID, Name: member.Name, Team: member.Team})
		}
	}
	engine := game.NewEngine(roster)
	r.runner = sim.NewRunner(engine, sim.Config{TickRate: r.cfg.TickRate}, r.logger)
	r.phase = PhaseRunning

	r.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomReady,
		Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatch,
		Payload:  map[string]any{"mode": r.mode, "players": len(roster)},
	})

	go r.runner.Run()
	go r.pump(r.runner)
}

// pump relays runner outputs to every established transport.
func (r *Room) pump(runner *sim.Runner) {
	for out := range runner.Outputs() {
		if out.Snapshot != nil {
			r.broadcast(Frame{Type: FrameState, State: out.Snapshot})
			continue
		}
		if out.Result != nil {
			r.finish(out.Result)
			return
		}
	}
	// Runner stopped without a result (room emptied mid-match).
	r.teardown()
}

func (r *Room) broadcast(frame Frame) {
	data, err := EncodeFrame(frame)
	if err != nil {
		r.logger.Printf("room %s: encode frame: %v", r.id, err)
		return
	}

	r.mu.Lock()
	sessions := make([]*signal.Session, 0, len(r.players))
	for _, slot := range r.players {
		if slot.established {
			sessions = append(sessions, slot.session)
		}
	}
	r.mu.Unlock()

	for _, session := range sessions {
		if err := session.Send(data); err != nil {
			r.logger.Printf("room %s: send failed: %v", r.id, err)
		}
	}
}

// handleFrame routes a decoded client frame into the runner.
func (r *Room) handleFrame(playerID string, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		r.logger.Printf("room %s: bad frame from %s: %v", r.id, playerID, err)
		return
	}
	if frame.Type != FrameInput || frame.Input == nil {
		return
	}

	r.mu.Lock()
	runner := r.runner
	running := r.phase == PhaseRunning
	r.mu.Unlock()
	if !running || runner == nil {
		return
	}
	runner.Queue(sim.Command{Type: sim.CommandInput, PlayerID: playerID, Input: *frame.Input})
}

// HandleLeave removes a player at any phase. During assembly the expected
// count shrinks and the gate is re-evaluated so the remaining roster can
// still start; a room that empties tears down immediately.
func (r *Room) HandleLeave(sessionID string) {
	r.mu.Lock()
	slot, ok := r.players[sessionID]
	if !ok {
		// A rostered player can leave before Start registers their
		// slot; the gate still has to shrink for them.
		rostered := r.phase == PhaseAssembling && r.isMemberLocked(sessionID)
		r.mu.Unlock()
		if rostered {
			r.dropUnregistered(sessionID)
		}
		return
	}
	delete(r.players, sessionID)

	var session *signal.Session
	if slot != nil {
		session = slot.session
	}

	switch r.phase {
	case PhaseAssembling:
		r.departed[sessionID] = struct{}{}
		r.expected--
		if slot.established {
			r.opened--
		}
		if len(r.players) == 0 {
			r.mu.Unlock()
			if session != nil {
				session.Close()
			}
			r.teardown()
			return
		}
		r.evaluateGateLocked()
	case PhaseRunning:
		if r.runner != nil {
			r.runner.Queue(sim.Command{Type: sim.CommandRemove, PlayerID: slot.member.PlayerID})
		}
		if len(r.players) == 0 {
			runner := r.runner
			r.mu.Unlock()
			if session != nil {
				session.Close()
			}
			if runner != nil {
				runner.Stop()
			}
			return
		}
	}
	r.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

// finish relays the terminal result, then tears the room down.
func (r *Room) finish(result *game.Result) {
	r.mu.Lock()
	if r.phase == PhaseClosed || r.phase == PhaseDraining {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseDraining
	r.mu.Unlock()

	r.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomFinished,
		Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatch,
		Payload:  map[string]any{"winner": result.Winner, "mvp": result.MVP},
	})

	r.broadcastDraining(Frame{Type: FrameGameOver, Over: &GameOver{
		Winner: result.Winner,
		Scores: result.Scores,
		Stats:  result.Stats,
		MVP:    result.MVP,
	}})
	r.teardown()
}

// broadcastDraining sends to established transports while in Draining.
func (r *Room) broadcastDraining(frame Frame) {
	data, err := EncodeFrame(frame)
	if err != nil {
		r.logger.Printf("room %s: encode terminal frame: %v", r.id, err)
		return
	}
	r.mu.Lock()
	sessions := make([]*signal.Session, 0, len(r.players))
	for _, slot := range r.players {
		if slot.established {
			sessions = append(sessions, slot.session)
		}
	}
	r.mu.Unlock()
	for _, session := range sessions {
		if err := session.Send(data); err != nil {
			r.logger.Printf("room %s: terminal send failed: %v", r.id, err)
		}
	}
}

// teardown closes every transport and marks the room Closed. Idempotent.
func (r *Room) teardown() {
	r.mu.Lock()
	if r.phase == PhaseClosed {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseClosed
	sessions := make([]*signal.Session, 0, len(r.players))
	for _, slot := range r.players {
		sessions = append(sessions, slot.session)
	}
	r.players = make(map[string]*playerSlot)
	runner := r.runner
	r.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	if runner != nil {
		runner.Stop()
	}

	r.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomClosed,
		Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatch,
	})
	if r.signaler != nil {
		r.signaler.RoomClosed(r.id)
	}
}
