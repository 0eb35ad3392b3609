// Package signal implements the per-player negotiation handshake that
// establishes the low-latency game transport. The transport engine itself
// is an external collaborator behind the PeerTransport interface; this
// package owns the state machine and the out-of-order candidate queue.
package signal

import (
	"errors"
	"sync"

	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
)

// Phase is the negotiation state of one session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferSent
	PhaseAnswerPending
	PhaseEstablished
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseAnswerPending:
		return "answer-pending"
	case PhaseEstablished:
		return "established"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Description is an opaque session description exchanged during the
// handshake (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque connectivity candidate. Either side may produce
// candidates at any time relative to description exchange.
type Candidate struct {
	Payload string `json:"candidate"`
}

// PeerTransport is the boundary to the transport engine negotiating one
// peer link. Implementations must be safe for concurrent use.
type PeerTransport interface {
	CreateOffer() (Description, error)
	SetRemoteDescription(Description) error
	AddCandidate(Candidate) error
	Send([]byte) error
	OnOpen(func())
	OnCandidate(func(Candidate))
	OnMessage(func([]byte))
	OnClose(func())
	Close() error
}

var (
	ErrClosed     = errors.New("signal: session closed")
	ErrBadPhase   = errors.New("signal: operation invalid in current phase")
	ErrNoTransport = errors.New("signal: no transport")
)

// Session tracks one player's handshake. Candidates that arrive before the
// answer are queued and drained in arrival order once the remote
// description is known; a candidate the transport rejects is logged and
// skipped, never fatal.
type Session struct {
	mu        sync.Mutex
	phase     Phase
	transport PeerTransport
	pending   []Candidate
	remoteSet bool
	onOpen    func()
	logger    telemetry.Logger
}

// NewSession wires the transport's open callback into the phase machine.
// onEstablished fires exactly once, when the link opens.
func NewSession(transport PeerTransport, onEstablished func(), logger telemetry.Logger) *Session {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	s := &Session{
		phase:     PhaseIdle,
		transport: transport,
		onOpen:    onEstablished,
		logger:    logger,
	}
	transport.OnOpen(s.handleOpen)
	return s
}

// Phase returns the current negotiation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Offer creates the local offer and moves the session to OfferSent.
func (s *Session) Offer() (Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return Description{}, ErrClosed
	}
	if s.phase != PhaseIdle {
		return Description{}, ErrBadPhase
	}
	if s.transport == nil {
		return Description{}, ErrNoTransport
	}
	offer, err := s.transport.CreateOffer()
	if err != nil {
		return Description{}, err
	}
	s.phase = PhaseOfferSent
	return offer, nil
}

// HandleAnswer applies the remote answer and drains every queued candidate
// in arrival order. The session parks in AnswerPending until the transport
// reports the link open.
func (s *Session) HandleAnswer(answer Description) error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseOfferSent {
		s.mu.Unlock()
		return ErrBadPhase
	}
	transport := s.transport
	// Advance before calling out: in-process transports fire the open
	// callback inside SetRemoteDescription.
	s.phase = PhaseAnswerPending
	s.mu.Unlock()

	if err := transport.SetRemoteDescription(answer); err != nil {
		s.mu.Lock()
		if s.phase == PhaseAnswerPending {
			s.phase = PhaseOfferSent
		}
		s.mu.Unlock()
		return err
	}

	// Drain queued candidates in arrival order; only then do new
	// candidates bypass the queue.
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.remoteSet = true
			s.mu.Unlock()
			return nil
		}
		queued := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, candidate := range queued {
			if err := transport.AddCandidate(candidate); err != nil {
				s.logger.Printf("dropping queued candidate: %v", err)
			}
		}
	}
}

// AddCandidate applies a remote candidate, queueing it when the remote
// description is not known yet. Malformed candidates are logged and
// dropped without aborting the session.
func (s *Session) AddCandidate(candidate Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		return
	}
	if err := s.transport.AddCandidate(candidate); err != nil {
		s.logger.Printf("dropping candidate: %v", err)
	}
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	if s.phase == PhaseClosed || s.phase == PhaseEstablished {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseEstablished
	callback := s.onOpen
	s.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Send writes a frame to the peer once established.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	if s.phase != PhaseEstablished {
		s.mu.Unlock()
		return ErrBadPhase
	}
	transport := s.transport
	s.mu.Unlock()
	return transport.Send(data)
}

// Established reports whether the link is open.
func (s *Session) Established() bool {
	return s.Phase() == PhaseEstablished
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseClosed
	s.pending = nil
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Printf("transport close: %v", err)
		}
	}
}
