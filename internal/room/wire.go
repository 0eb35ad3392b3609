package room

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/manthankhawse/ctf-game-web/internal/game"
)

// Frame types on the negotiated peer transport. The signaling channel
// never carries these.
const (
	FrameInput    = "client_input"
	FrameState    = "gameState"
	FrameGameOver = "gameOver"
)

// Frame is one msgpack-encoded message on the game transport. Exactly one
// payload field is set, matching Type.
type Frame struct {
	Type  string           `msgpack:"type"`
	Input *game.InputState `msgpack:"inputState,omitempty"`
	State *game.Snapshot   `msgpack:"state,omitempty"`
	Over  *GameOver        `msgpack:"over,omitempty"`
}

// GameOver is the terminal scoreboard sent to every remaining player.
type GameOver struct {
	Winner game.Team             `msgpack:"winner" json:"winner"`
	Scores map[game.Team]int     `msgpack:"scores" json:"scores"`
	Stats  map[string]game.Stats `msgpack:"playerStats" json:"playerStats"`
	MVP    string                `msgpack:"mvp" json:"mvp"`
}

// EncodeFrame serializes a frame for the peer transport.
func EncodeFrame(frame Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

// DecodeFrame parses a peer transport frame.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
