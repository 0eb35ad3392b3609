package signal

import (
	"fmt"
	"testing"
	"time"
)

func establishedPair(t *testing.T) (*Session, *Loopback, chan struct{}) {
	t.Helper()
	host, client := NewLoopbackPair()
	opened := make(chan struct{})
	session := NewSession(host, func() { close(opened) }, nil)

	offer, err := session.Offer()
	if err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if err := client.SetRemoteDescription(offer); err != nil {
		t.Fatalf("client could not take offer: %v", err)
	}
	answer, err := client.CreateAnswer()
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if err := session.HandleAnswer(answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	return session, client, opened
}

func TestPhaseTransitions(t *testing.T) {
	host, client := NewLoopbackPair()
	session := NewSession(host, nil, nil)
	if got := session.Phase(); got != PhaseIdle {
		t.Fatalf("new session phase %v, want idle", got)
	}

	offer, err := session.Offer()
	if err != nil {
		t.Fatalf("offer failed: %v", err)
	}
	if got := session.Phase(); got != PhaseOfferSent {
		t.Fatalf("phase after offer %v, want offer-sent", got)
	}
	if _, err := session.Offer(); err == nil {
		t.Fatalf("second offer should be rejected")
	}

	if err := client.SetRemoteDescription(offer); err != nil {
		t.Fatalf("client could not take offer: %v", err)
	}
	answer, _ := client.CreateAnswer()
	if err := session.HandleAnswer(answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}
	if got := session.Phase(); got != PhaseEstablished {
		t.Fatalf("phase after loopback answer %v, want established", got)
	}

	session.Close()
	if got := session.Phase(); got != PhaseClosed {
		t.Fatalf("phase after close %v, want closed", got)
	}
}

func TestCandidatesQueuedUntilAnswerDrainInOrder(t *testing.T) {
	host, client := NewLoopbackPair()
	session := NewSession(host, nil, nil)
	offer, err := session.Offer()
	if err != nil {
		t.Fatalf("offer failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		session.AddCandidate(Candidate{Payload: fmt.Sprintf("cand-%d", i)})
	}
	if got := len(host.Candidates()); got != 0 {
		t.Fatalf("candidates applied before remote description: %d", got)
	}

	client.SetRemoteDescription(offer)
	answer, _ := client.CreateAnswer()
	if err := session.HandleAnswer(answer); err != nil {
		t.Fatalf("handle answer failed: %v", err)
	}

	applied := host.Candidates()
	if len(applied) != 5 {
		t.Fatalf("expected 5 drained candidates, got %d", len(applied))
	}
	for i, candidate := range applied {
		if want := fmt.Sprintf("cand-%d", i); candidate.Payload != want {
			t.Fatalf("candidate %d drained out of order: %q", i, candidate.Payload)
		}
	}

	// Later candidates apply immediately.
	session.AddCandidate(Candidate{Payload: "cand-late"})
	if got := len(host.Candidates()); got != 6 {
		t.Fatalf("late candidate not applied immediately, have %d", got)
	}
}

func TestMalformedCandidateIsNonFatal(t *testing.T) {
	session, client, _ := establishedPair(t)
	session.AddCandidate(Candidate{Payload: ""})
	session.AddCandidate(Candidate{Payload: "good"})
	if got := session.Phase(); got != PhaseEstablished {
		t.Fatalf("malformed candidate must not abort the session, phase %v", got)
	}
	_ = client
}

func TestEstablishedCallbackAndSend(t *testing.T) {
	session, client, opened := establishedPair(t)

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatalf("established callback never fired")
	}

	received := make(chan []byte, 1)
	client.OnMessage(func(data []byte) { received <- data })
	if err := session.Send([]byte("ping")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	select {
	case data := <-received:
		if string(data) != "ping" {
			t.Fatalf("unexpected frame %q", data)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame never delivered")
	}
}

func TestSendBeforeEstablishedFails(t *testing.T) {
	host, _ := NewLoopbackPair()
	session := NewSession(host, nil, nil)
	if err := session.Send([]byte("early")); err == nil {
		t.Fatalf("send before establishment should fail")
	}
}
