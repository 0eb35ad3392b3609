package lobby

import "errors"

// Matchmaking failures surfaced to the originating client. All of them are
// recoverable: the connection stays up and the client may retry.
var (
	ErrNotNamed         = errors.New("display name required")
	ErrAlreadyEngaged   = errors.New("session already in a lobby or room")
	ErrLobbyNotFound    = errors.New("lobby not found")
	ErrLobbyFull        = errors.New("lobby is full")
	ErrTeamFull         = errors.New("team is full")
	ErrTeamsUnbalanced  = errors.New("teams are unbalanced")
	ErrNotHost          = errors.New("only the host may start the game")
	ErrRosterIncomplete = errors.New("lobby is not full yet")
	ErrUnknownMode      = errors.New("unknown game mode")
	ErrInvalidTeam      = errors.New("unknown team")
	ErrCodeExhausted    = errors.New("could not allocate a unique lobby code")
)
