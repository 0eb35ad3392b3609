// Package game implements the capture-the-flag simulation: grid movement,
// flag pickup, captures, tags, and scoring. It is deterministic and has no
// knowledge of rooms, transports, or the cluster.
package game

import (
	"fmt"
	"sort"
)

const (
	// GridSize is the side length of the square playfield in tiles.
	GridSize = 20
	// WinScore ends the match for the first team that reaches it.
	WinScore = 3

	mvpCaptureWeight = 100
	mvpTagWeight     = 25
)

// Team identifies one of the two sides.
type Team string

const (
	TeamBlue Team = "blue"
	TeamRed  Team = "red"
)

// Opponent returns the opposing team.
func (t Team) Opponent() Team {
	if t == TeamBlue {
		return TeamRed
	}
	return TeamBlue
}

// Valid reports whether t names a real team.
func (t Team) Valid() bool {
	return t == TeamBlue || t == TeamRed
}

// InputState mirrors the client's held movement keys for one tick.
type InputState struct {
	Up    bool `json:"up" msgpack:"up"`
	Down  bool `json:"down" msgpack:"down"`
	Left  bool `json:"left" msgpack:"left"`
	Right bool `json:"right" msgpack:"right"`
}

// PlayerInfo seeds one roster slot. ID is the stable in-match id
// ("blue1", "red2", ...), not a session id.
type PlayerInfo struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
	Team Team   `json:"team" msgpack:"team"`
}

// Player is the per-tick published view of one participant.
type Player struct {
	X        int    `json:"x" msgpack:"x"`
	Y        int    `json:"y" msgpack:"y"`
	Team     Team   `json:"team" msgpack:"team"`
	Name     string `json:"name" msgpack:"name"`
	Carrying Team   `json:"hasFlag,omitempty" msgpack:"hasFlag"`
}

// Flag is the published view of one team's flag.
type Flag struct {
	X         int    `json:"x" msgpack:"x"`
	Y         int    `json:"y" msgpack:"y"`
	CarriedBy string `json:"carriedBy,omitempty" msgpack:"carriedBy"`
}

// Stats accumulates per-player scoreboard counters. Entries survive the
// player leaving so the final scoreboard stays complete.
type Stats struct {
	Name     string `json:"name" msgpack:"name"`
	Team     Team   `json:"team" msgpack:"team"`
	Captures int    `json:"captures" msgpack:"captures"`
	Tags     int    `json:"tags" msgpack:"tags"`
}

// Snapshot is a value copy of the whole visible game state.
type Snapshot struct {
	Players map[string]Player `json:"players" msgpack:"players"`
	Flags   map[Team]Flag     `json:"flags" msgpack:"flags"`
	Scores  map[Team]int      `json:"scores" msgpack:"scores"`
	Stats   map[string]Stats  `json:"playerStats" msgpack:"playerStats"`
}

// Result is the terminal outcome of a match.
type Result struct {
	Winner Team             `json:"winner" msgpack:"winner"`
	Scores map[Team]int     `json:"scores" msgpack:"scores"`
	Stats  map[string]Stats `json:"playerStats" msgpack:"playerStats"`
	MVP    string           `json:"mvp" msgpack:"mvp"`
}

type playerState struct {
	Player
	initialY int
}

type statsState struct {
	Stats
	// lastScoredTick breaks MVP ties in favor of the earlier scorer.
	lastScoredTick uint64
}

// Engine owns the authoritative state for one match. It is not safe for
// concurrent use; the room runner serializes all access.
type Engine struct {
	layout  [][]int
	players map[string]*playerState
	moves   map[string]InputState
	flags   map[Team]*Flag
	scores  map[Team]int
	stats   map[string]*statsState
	spawned map[Team]int
	tick    uint64
}

// BasePosition returns the home base center tile for a team.
func BasePosition(team Team) (int, int) {
	if team == TeamBlue {
		return 1, 9
	}
	return 18, 9
}

// NewEngine builds an engine with the default map and the given roster.
// Roster order determines spawn rows, so callers pass members in join order.
func NewEngine(roster []PlayerInfo) *Engine {
	e := &Engine{
		layout:  defaultLayout(),
		players: make(map[string]*playerState, len(roster)),
		moves:   make(map[string]InputState, len(roster)),
		flags:   make(map[Team]*Flag, 2),
		scores:  map[Team]int{TeamBlue: 0, TeamRed: 0},
		stats:   make(map[string]*statsState, len(roster)),
		spawned: map[Team]int{TeamBlue: 0, TeamRed: 0},
	}
	for _, team := range []Team{TeamBlue, TeamRed} {
		x, y := BasePosition(team)
		e.flags[team] = &Flag{X: x, Y: y}
	}
	for _, info := range roster {
		e.addPlayer(info)
	}
	return e
}

func (e *Engine) addPlayer(info PlayerInfo) {
	n := e.spawned[info.Team]
	e.spawned[info.Team]++
	baseX, baseY := BasePosition(info.Team)
	// Alternate spawn rows above and below the base, matching join order.
	y := baseY + n
	if n%2 == 0 {
		y = baseY - n
	}
	e.players[info.ID] = &playerState{
		Player:   Player{X: baseX, Y: y, Team: info.Team, Name: info.Name},
		initialY: y,
	}
	e.moves[info.ID] = InputState{}
	e.stats[info.ID] = &statsState{Stats: Stats{Name: info.Name, Team: info.Team}}
}

// SetInput replaces the buffered movement intent for a player.
func (e *Engine) SetInput(playerID string, input InputState) {
	if _, ok := e.players[playerID]; ok {
		e.moves[playerID] = input
	}
}

// Remove drops a player from the live state. Stats are retained for the
// final scoreboard.
func (e *Engine) Remove(playerID string) {
	// The carried flag, if any, stays where the player left it.
	if state, ok := e.players[playerID]; ok && state.Carrying != "" {
		flag := e.flags[state.Carrying]
		flag.X = state.X
		flag.Y = state.Y
		flag.CarriedBy = ""
	}
	delete(e.players, playerID)
	delete(e.moves, playerID)
}

// PlayerCount reports the number of live players.
func (e *Engine) PlayerCount() int {
	return len(e.players)
}

// Tick reports how many steps the engine has run.
func (e *Engine) Tick() uint64 {
	return e.tick
}

// MapLayout returns a copy of the wall grid (1 = wall).
func (e *Engine) MapLayout() [][]int {
	layout := make([][]int, len(e.layout))
	for i, row := range e.layout {
		layout[i] = append([]int(nil), row...)
	}
	return layout
}

// Step advances the simulation one tick: buffered intents move players,
// then pickup/capture/tag rules run for every player. It returns the new
// snapshot, or a terminal result once a team reaches the win score.
func (e *Engine) Step() (Snapshot, *Result) {
	e.tick++
	ids := e.sortedIDs()

	for _, id := range ids {
		e.movePlayer(id)
	}

	for _, id := range ids {
		if winner := e.applyRules(id); winner != "" {
			return Snapshot{}, e.finish(winner)
		}
	}

	return e.snapshot(), nil
}

func (e *Engine) sortedIDs() []string {
	ids := make([]string, 0, len(e.players))
	for id := range e.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) movePlayer(id string) {
	player := e.players[id]
	moves := e.moves[id]

	targetX, targetY := player.X, player.Y
	if moves.Up {
		targetY--
	}
	if moves.Down {
		targetY++
	}
	if moves.Left {
		targetX--
	}
	if moves.Right {
		targetX++
	}
	targetX = clamp(targetX, 0, GridSize-1)
	targetY = clamp(targetY, 0, GridSize-1)

	if e.layout[targetY][targetX] == 1 {
		return
	}
	for otherID, other := range e.players {
		if otherID == id {
			continue
		}
		if other.X == targetX && other.Y == targetY {
			return
		}
	}

	player.X = targetX
	player.Y = targetY
}

// applyRules evaluates pickup, capture, and tag for one player and returns
// the winning team when the capture decides the match.
func (e *Engine) applyRules(id string) Team {
	player, ok := e.players[id]
	if !ok {
		return ""
	}
	opponentTeam := player.Team.Opponent()
	opponentFlag := e.flags[opponentTeam]
	baseX, baseY := BasePosition(player.Team)

	if player.X == opponentFlag.X && player.Y == opponentFlag.Y && player.Carrying == "" && opponentFlag.CarriedBy == "" {
		player.Carrying = opponentTeam
		opponentFlag.CarriedBy = id
	}

	if player.Carrying != "" && player.X == baseX && player.Y == baseY {
		e.scores[player.Team]++
		e.stats[id].Captures++
		e.stats[id].lastScoredTick = e.tick
		if e.scores[player.Team] >= WinScore {
			return player.Team
		}
		e.resetRound()
		return ""
	}

	for _, other := range e.players {
		if other.Team != opponentTeam || other.Carrying != player.Team {
			continue
		}
		if player.X == other.X && player.Y == other.Y {
			flag := e.flags[player.Team]
			flag.X = baseX
			flag.Y = baseY
			flag.CarriedBy = ""
			other.Carrying = ""
			e.stats[id].Tags++
			e.stats[id].lastScoredTick = e.tick
		}
	}
	return ""
}

// resetRound returns every player and both flags to their spawn positions.
// Scores and stats persist across rounds.
func (e *Engine) resetRound() {
	for _, player := range e.players {
		baseX, _ := BasePosition(player.Team)
		player.X = baseX
		player.Y = player.initialY
		player.Carrying = ""
	}
	for team, flag := range e.flags {
		x, y := BasePosition(team)
		flag.X = x
		flag.Y = y
		flag.CarriedBy = ""
	}
}

func (e *Engine) finish(winner Team) *Result {
	return &Result{
		Winner: winner,
		Scores: copyScores(e.scores),
		Stats:  e.copyStats(),
		MVP:    e.mvp(),
	}
}

// mvp picks the player with the highest weighted score; ties resolve to
// whoever scored earlier, then by id for stability.
func (e *Engine) mvp() string {
	best := ""
	bestScore := -1
	var bestTick uint64
	ids := make([]string, 0, len(e.stats))
	for id := range e.stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		stats := e.stats[id]
		score := stats.Captures*mvpCaptureWeight + stats.Tags*mvpTagWeight
		switch {
		case score > bestScore:
		case score == bestScore && stats.lastScoredTick < bestTick:
		default:
			continue
		}
		best = id
		bestScore = score
		bestTick = stats.lastScoredTick
	}
	return best
}

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{
		Players: make(map[string]Player, len(e.players)),
		Flags:   make(map[Team]Flag, len(e.flags)),
		Scores:  copyScores(e.scores),
		Stats:   e.copyStats(),
	}
	for id, player := range e.players {
		snap.Players[id] = player.Player
	}
	for team, flag := range e.flags {
		snap.Flags[team] = *flag
	}
	return snap
}

func (e *Engine) copyStats() map[string]Stats {
	stats := make(map[string]Stats, len(e.stats))
	for id, s := range e.stats {
		stats[id] = s.Stats
	}
	return stats
}

func copyScores(scores map[Team]int) map[Team]int {
	copied := make(map[Team]int, len(scores))
	for team, score := range scores {
		copied[team] = score
	}
	return copied
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PlayerID formats the stable in-match id for a team ordinal, e.g. "blue1".
func PlayerID(team Team, ordinal int) string {
	return fmt.Sprintf("%s%d", team, ordinal)
}
