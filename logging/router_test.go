package logging_test

import (
	"context"
	"testing"
	"time"

	"github.com/manthankhawse/ctf-game-web/logging"
	"github.com/manthankhawse/ctf-game-web/logging/sinks"
)

func newMemoryRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.MemorySink) {
	t.Helper()
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(cfg, logging.SystemClock{}, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("construct router: %v", err)
	}
	return router, memory
}

func waitForEvents(t *testing.T, memory *sinks.MemorySink, want int) []logging.Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if events := memory.Events(); len(events) >= want {
			return events
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", want, len(memory.Events()))
	return nil
}

func TestRouterDeliversToSink(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.DefaultConfig())
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{
		Type:     logging.EventLobbyCreated,
		Actor:    logging.EntityRef{ID: "AB12C", Kind: logging.EntityKindLobby},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMatchmaking,
	})

	events := waitForEvents(t, memory, 1)
	if events[0].Type != logging.EventLobbyCreated {
		t.Fatalf("unexpected event type %s", events[0].Type)
	}
	if events[0].Time.IsZero() {
		t.Fatalf("router should stamp event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router, memory := newMemoryRouter(t, cfg)
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Type: logging.EventLobbyJoined, Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: logging.EventNodeEvicted, Severity: logging.SeverityWarn})

	events := waitForEvents(t, memory, 1)
	if len(events) != 1 || events[0].Type != logging.EventNodeEvicted {
		t.Fatalf("severity filter failed: %+v", events)
	}
}

func TestRouterAttachesConfiguredFields(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"node": "node-a"}
	router, memory := newMemoryRouter(t, cfg)
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Type: logging.EventRoomReady, Severity: logging.SeverityInfo})

	events := waitForEvents(t, memory, 1)
	if events[0].Extra["node"] != "node-a" {
		t.Fatalf("expected configured field, got %+v", events[0].Extra)
	}
}

func TestRouterDropsEventsWithoutType(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.DefaultConfig())
	defer router.Close(context.Background())

	router.Publish(context.Background(), logging.Event{Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: logging.EventRoomFinished, Severity: logging.SeverityInfo})

	events := waitForEvents(t, memory, 1)
	if len(events) != 1 || events[0].Type != logging.EventRoomFinished {
		t.Fatalf("typeless event should be discarded: %+v", events)
	}
}

func TestRouterCloseFlushesQueue(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.DefaultConfig())

	for i := 0; i < 16; i++ {
		router.Publish(context.Background(), logging.Event{Type: logging.EventNodeHeartbeat, Severity: logging.SeverityInfo})
	}
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(memory.Events()); got != 16 {
		t.Fatalf("expected 16 events after close, got %d", got)
	}
}
