package lobby

// Mode names a team-size preset.
type Mode string

const (
	ModeDuel  Mode = "1v1"
	ModeDuo   Mode = "2v2"
	ModeSquad Mode = "3v3"
)

var modeTeamSize = map[Mode]int{
	ModeDuel:  1,
	ModeDuo:   2,
	ModeSquad: 3,
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeTeamSize[m]
	return ok
}

// TeamSize returns the per-team player cap for the mode.
func (m Mode) TeamSize() int {
	return modeTeamSize[m]
}

// Capacity returns the total player cap for the mode.
func (m Mode) Capacity() int {
	return modeTeamSize[m] * 2
}
