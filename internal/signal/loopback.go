package signal

import (
	"errors"
	"sync"
)

// Loopback is an in-process PeerTransport pair used by tests and
// single-node play. The pair behaves like the real engine at the
// handshake level: the link opens once both ends hold the remote
// description, frames are unreliable (dropped when the receiver lags)
// and delivered in order otherwise.
type Loopback struct {
	mu          sync.Mutex
	peer        *Loopback
	role        string
	remoteSet   bool
	open        bool
	closed      bool
	onOpen      func()
	onCandidate func(Candidate)
	onMessage   func([]byte)
	onClose     func()
	candidates  []Candidate
	inbox       chan []byte
	done        chan struct{}
}

// NewLoopbackPair returns connected host and client transports.
func NewLoopbackPair() (*Loopback, *Loopback) {
	host := newLoopback("host")
	client := newLoopback("client")
	host.peer = client
	client.peer = host
	return host, client
}

func newLoopback(role string) *Loopback {
	l := &Loopback{
		role:  role,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go l.dispatch()
	return l
}

func (l *Loopback) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.inbox:
			l.mu.Lock()
			handler := l.onMessage
			l.mu.Unlock()
			if handler != nil {
				handler(data)
			}
		}
	}
}

func (l *Loopback) CreateOffer() (Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Description{}, errors.New("loopback: closed")
	}
	l.emitCandidateLocked()
	return Description{Type: "offer", SDP: "loopback:" + l.role}, nil
}

// emitCandidateLocked trickles one synthetic local candidate, the way a
// real engine starts gathering once a description exists.
func (l *Loopback) emitCandidateLocked() {
	callback := l.onCandidate
	role := l.role
	if callback == nil {
		return
	}
	go callback(Candidate{Payload: "candidate:" + role})
}

// CreateAnswer mirrors the remote flow for the client side of the pair.
func (l *Loopback) CreateAnswer() (Description, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Description{}, errors.New("loopback: closed")
	}
	l.emitCandidateLocked()
	return Description{Type: "answer", SDP: "loopback:" + l.role}, nil
}

func (l *Loopback) SetRemoteDescription(desc Description) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("loopback: closed")
	}
	if desc.SDP == "" {
		l.mu.Unlock()
		return errors.New("loopback: empty description")
	}
	l.remoteSet = true
	l.mu.Unlock()

	l.maybeOpen()
	return nil
}

// maybeOpen fires both open callbacks once each side holds the remote
// description, mirroring the point where a data channel reports open.
func (l *Loopback) maybeOpen() {
	l.mu.Lock()
	peer := l.peer
	if peer == nil {
		l.mu.Unlock()
		return
	}
	localReady := l.remoteSet && !l.open
	l.mu.Unlock()
	if !localReady {
		return
	}

	peer.mu.Lock()
	peerReady := peer.remoteSet
	peer.mu.Unlock()
	if !peerReady {
		return
	}

	for _, side := range []*Loopback{l, peer} {
		side.mu.Lock()
		if side.open || side.closed {
			side.mu.Unlock()
			continue
		}
		side.open = true
		callback := side.onOpen
		side.mu.Unlock()
		if callback != nil {
			callback()
		}
	}
}

func (l *Loopback) AddCandidate(candidate Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("loopback: closed")
	}
	if candidate.Payload == "" {
		return errors.New("loopback: malformed candidate")
	}
	l.candidates = append(l.candidates, candidate)
	return nil
}

// Candidates returns the applied candidates in arrival order.
func (l *Loopback) Candidates() []Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Candidate(nil), l.candidates...)
}

func (l *Loopback) Send(data []byte) error {
	l.mu.Lock()
	if l.closed || !l.open {
		l.mu.Unlock()
		return errors.New("loopback: not open")
	}
	peer := l.peer
	l.mu.Unlock()

	// Unreliable delivery: drop instead of blocking the sender.
	select {
	case peer.inbox <- data:
	default:
	}
	return nil
}

func (l *Loopback) OnOpen(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onOpen = f
}

func (l *Loopback) OnCandidate(f func(Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = f
}

func (l *Loopback) OnMessage(f func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMessage = f
}

func (l *Loopback) OnClose(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = f
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	peer := l.peer
	onClose := l.onClose
	close(l.done)
	l.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	if peer != nil {
		peer.peerClosed()
	}
	return nil
}

func (l *Loopback) peerClosed() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.open = false
	onClose := l.onClose
	l.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}
