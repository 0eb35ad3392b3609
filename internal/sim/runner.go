// Package sim drives one game engine on an isolated fixed-rate tick loop.
// The room host talks to the runner exclusively through channels: commands
// in, snapshots and terminal results out. Transport negotiation cost can
// never induce tick jitter because the runner shares no locks with I/O.
package sim

import (
	"sync"
	"time"

	"github.com/manthankhawse/ctf-game-web/internal/game"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
)

// CommandType enumerates the runner's inbound messages.
type CommandType string

const (
	CommandInput  CommandType = "input"
	CommandRemove CommandType = "remove"
)

// Command carries one intent from the host to the runner.
type Command struct {
	Type     CommandType
	PlayerID string
	Input    game.InputState
}

// Output is one tick's published value: exactly one of Snapshot or Result
// is set. A Result is always the runner's final output.
type Output struct {
	Tick     uint64
	Snapshot *game.Snapshot
	Result   *game.Result
}

// Config tunes the loop.
type Config struct {
	TickRate int // ticks per second
}

// DefaultConfig matches the 20 Hz cadence of the original game.
func DefaultConfig() Config {
	return Config{TickRate: 20}
}

// Runner owns a game engine and steps it at a fixed rate until the match
// ends or Stop is called.
type Runner struct {
	engine   *game.Engine
	cfg      Config
	logger   telemetry.Logger
	commands chan Command
	outputs  chan Output
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRunner wraps the engine. The engine must not be touched by anyone
// else once the runner starts.
func NewRunner(engine *game.Engine, cfg Config, logger telemetry.Logger) *Runner {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultConfig().TickRate
	}
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return &Runner{
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
		commands: make(chan Command, 64),
		outputs:  make(chan Output, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Outputs exposes the snapshot/result stream. The channel closes when the
// loop exits.
func (r *Runner) Outputs() <-chan Output {
	return r.outputs
}

// Queue hands a command to the runner without blocking. It reports false
// when the runner has stopped or the buffer is saturated; movement intents
// are safe to drop because the next one supersedes them.
func (r *Runner) Queue(cmd Command) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.commands <- cmd:
		return true
	default:
		r.logger.Printf("runner command buffer full, dropping %s for %s", cmd.Type, cmd.PlayerID)
		return false
	}
}

// Stop ends the loop without a terminal result. Safe to call repeatedly.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Run executes the tick loop until a terminal result or Stop. It closes
// the outputs channel on exit and is intended for its own goroutine.
func (r *Runner) Run() {
	defer close(r.done)
	defer close(r.outputs)

	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.drainCommands()
			if r.engine.PlayerCount() == 0 {
				return
			}
			snapshot, result := r.engine.Step()
			if result != nil {
				r.emit(Output{Tick: r.engine.Tick(), Result: result})
				return
			}
			r.emit(Output{Tick: r.engine.Tick(), Snapshot: &snapshot})
		}
	}
}

func (r *Runner) drainCommands() {
	for {
		select {
		case cmd := <-r.commands:
			switch cmd.Type {
			case CommandInput:
				r.engine.SetInput(cmd.PlayerID, cmd.Input)
			case CommandRemove:
				r.engine.Remove(cmd.PlayerID)
			}
		default:
			return
		}
	}
}

// emit publishes an output. Snapshots are latest-wins: when the consumer
// lags, the stalest buffered snapshot is discarded rather than blocking
// the tick. Terminal results always land.
func (r *Runner) emit(out Output) {
	if out.Result != nil {
		select {
		case r.outputs <- out:
		case <-r.stop:
		}
		return
	}
	for {
		select {
		case r.outputs <- out:
			return
		case <-r.stop:
			return
		default:
		}
		select {
		case <-r.outputs:
		default:
		}
	}
}
