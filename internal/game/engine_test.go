package game

import "testing"

func roster1v1() []PlayerInfo {
	return []PlayerInfo{
		{ID: "blue1", Name: "Alice", Team: TeamBlue},
		{ID: "red1", Name: "Bob", Team: TeamRed},
	}
}

func TestSpawnPositions(t *testing.T) {
	e := NewEngine([]PlayerInfo{
		{ID: "blue1", Name: "a", Team: TeamBlue},
		{ID: "blue2", Name: "b", Team: TeamBlue},
		{ID: "red1", Name: "c", Team: TeamRed},
	})
	snap, result := e.Step()
	if result != nil {
		t.Fatalf("unexpected terminal result on first tick")
	}
	if got := snap.Players["blue1"]; got.X != 1 || got.Y != 9 {
		t.Fatalf("blue1 spawned at (%d,%d), want (1,9)", got.X, got.Y)
	}
	if got := snap.Players["blue2"]; got.X != 1 || got.Y != 10 {
		t.Fatalf("blue2 spawned at (%d,%d), want (1,10)", got.X, got.Y)
	}
	if got := snap.Players["red1"]; got.X != 18 || got.Y != 9 {
		t.Fatalf("red1 spawned at (%d,%d), want (18,9)", got.X, got.Y)
	}
}

func TestMovementClampsToGrid(t *testing.T) {
	e := NewEngine(roster1v1())
	e.players["blue1"].X = 0
	e.players["blue1"].Y = 0
	e.SetInput("blue1", InputState{Up: true, Left: true})
	snap, _ := e.Step()
	if got := snap.Players["blue1"]; got.X != 0 || got.Y != 0 {
		t.Fatalf("player escaped the grid: (%d,%d)", got.X, got.Y)
	}
}

func TestMovementRejectsWalls(t *testing.T) {
	e := NewEngine(roster1v1())
	e.players["blue1"].X = 8
	e.players["blue1"].Y = 8
	e.SetInput("blue1", InputState{Right: true})
	snap, _ := e.Step()
	if got := snap.Players["blue1"]; got.X != 8 {
		t.Fatalf("player walked into a wall tile, x=%d", got.X)
	}
}

func TestMovementRejectsOccupiedTile(t *testing.T) {
	e := NewEngine(roster1v1())
	e.players["blue1"].X = 5
	e.players["blue1"].Y = 5
	e.players["red1"].X = 6
	e.players["red1"].Y = 5
	e.SetInput("blue1", InputState{Right: true})
	snap, _ := e.Step()
	if got := snap.Players["blue1"]; got.X != 5 {
		t.Fatalf("player moved onto an occupied tile, x=%d", got.X)
	}
}

func TestFlagPickupAndCapture(t *testing.T) {
	e := NewEngine(roster1v1())

	// Stand blue on the red flag.
	e.players["blue1"].X = 18
	e.players["blue1"].Y = 9
	e.players["red1"].X = 18
	e.players["red1"].Y = 11
	snap, _ := e.Step()
	if got := snap.Players["blue1"].Carrying; got != TeamRed {
		t.Fatalf("expected blue1 to carry the red flag, got %q", got)
	}
	if got := snap.Flags[TeamRed].CarriedBy; got != "blue1" {
		t.Fatalf("expected red flag carried by blue1, got %q", got)
	}

	// Teleport home: the capture scores and resets the round.
	e.players["blue1"].X = 1
	e.players["blue1"].Y = 9
	snap, _ = e.Step()
	if got := snap.Scores[TeamBlue]; got != 1 {
		t.Fatalf("expected blue score 1, got %d", got)
	}
	if got := snap.Stats["blue1"].Captures; got != 1 {
		t.Fatalf("expected 1 capture for blue1, got %d", got)
	}
	if got := snap.Players["blue1"].Carrying; got != "" {
		t.Fatalf("round reset should clear the carried flag, got %q", got)
	}
	if got := snap.Players["red1"]; got.X != 18 || got.Y != 9 {
		t.Fatalf("round reset should respawn red1 at (18,9), got (%d,%d)", got.X, got.Y)
	}
	if got := snap.Flags[TeamRed]; got.X != 18 || got.Y != 9 || got.CarriedBy != "" {
		t.Fatalf("round reset should return the red flag home, got %+v", got)
	}
}

func TestTagReturnsFlag(t *testing.T) {
	e := NewEngine(roster1v1())

	// Red grabs the blue flag.
	e.players["red1"].X = 1
	e.players["red1"].Y = 9
	e.players["blue1"].X = 5
	e.players["blue1"].Y = 5
	if _, result := e.Step(); result != nil {
		t.Fatalf("unexpected terminal result")
	}

	// Blue tags the carrier mid-field. Tagging on the flag's home tile
	// would hand the returned flag straight back: the rule pass runs per
	// player, so a tagged-off flag sitting underfoot is picked up again
	// in the same tick.
	e.players["red1"].X = 7
	e.players["red1"].Y = 5
	e.players["blue1"].X = 7
	e.players["blue1"].Y = 5
	snap, _ := e.Step()
	if got := snap.Players["red1"].Carrying; got != "" {
		t.Fatalf("tag should strip the carried flag, got %q", got)
	}
	if got := snap.Flags[TeamBlue]; got.X != 1 || got.Y != 9 || got.CarriedBy != "" {
		t.Fatalf("tag should return the blue flag home, got %+v", got)
	}
	if got := snap.Stats["blue1"].Tags; got != 1 {
		t.Fatalf("expected 1 tag for blue1, got %d", got)
	}
}

func TestWinProducesResultWithMVP(t *testing.T) {
	e := NewEngine(roster1v1())

	var result *Result
	for i := 0; i < WinScore; i++ {
		e.players["blue1"].X = 18
		e.players["blue1"].Y = 9
		e.players["red1"].X = 10
		e.players["red1"].Y = 2
		if _, result = e.Step(); result != nil {
			t.Fatalf("match ended early on capture %d", i)
		}
		e.players["blue1"].X = 1
		e.players["blue1"].Y = 9
		_, result = e.Step()
		if i < WinScore-1 && result != nil {
			t.Fatalf("match ended early on capture %d", i)
		}
	}
	if result == nil {
		t.Fatalf("expected terminal result at %d captures", WinScore)
	}
	if result.Winner != TeamBlue {
		t.Fatalf("expected blue to win, got %q", result.Winner)
	}
	if result.Scores[TeamBlue] != WinScore {
		t.Fatalf("expected final score %d, got %d", WinScore, result.Scores[TeamBlue])
	}
	if result.MVP != "blue1" {
		t.Fatalf("expected blue1 as MVP, got %q", result.MVP)
	}
}

func TestRemoveKeepsStatsAndDropsFlag(t *testing.T) {
	e := NewEngine(roster1v1())
	e.players["blue1"].X = 18
	e.players["blue1"].Y = 9
	e.players["red1"].X = 10
	e.players["red1"].Y = 2
	e.Step()

	e.players["blue1"].X = 12
	e.players["blue1"].Y = 2
	e.Remove("blue1")

	snap, _ := e.Step()
	if _, ok := snap.Players["blue1"]; ok {
		t.Fatalf("removed player still present")
	}
	if _, ok := snap.Stats["blue1"]; !ok {
		t.Fatalf("stats for departed player must survive for the scoreboard")
	}
	if got := snap.Flags[TeamRed]; got.X != 12 || got.Y != 2 || got.CarriedBy != "" {
		t.Fatalf("carried flag should drop where the player left, got %+v", got)
	}
}

func TestMVPTieFavorsEarlierScorer(t *testing.T) {
	e := NewEngine([]PlayerInfo{
		{ID: "blue1", Name: "a", Team: TeamBlue},
		{ID: "blue2", Name: "b", Team: TeamBlue},
		{ID: "red1", Name: "c", Team: TeamRed},
		{ID: "red2", Name: "d", Team: TeamRed},
	})
	e.stats["blue2"].Captures = 1
	e.stats["blue2"].lastScoredTick = 4
	e.stats["red1"].Captures = 1
	e.stats["red1"].lastScoredTick = 9
	if got := e.mvp(); got != "blue2" {
		t.Fatalf("expected earlier scorer blue2 as MVP, got %q", got)
	}
}
