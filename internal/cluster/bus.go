package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
)

// Intake paths served by every node; the bus posts to them on peers.
const (
	EventPath     = "/cluster/event"
	HeartbeatPath = "/cluster/heartbeat"
)

// bus fans JSON bodies out to the configured peer base URLs. Delivery is
// at-least-once at best: a failed peer is logged and skipped, never
// retried here (the next mutation or heartbeat carries newer state
// anyway).
type bus struct {
	peers  []string
	client *http.Client
	logger telemetry.Logger
}

func newBus(peers []string, logger telemetry.Logger) *bus {
	return &bus{
		peers:  append([]string(nil), peers...),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (b *bus) sendEvent(ctx context.Context, event LobbyEvent) {
	for _, peer := range b.peers {
		if err := b.postJSON(ctx, peer+EventPath, event); err != nil {
			b.logger.Printf("cluster: event %s to %s failed: %v", event.Kind, peer, err)
		}
	}
}

func (b *bus) sendHeartbeat(ctx context.Context, hb Heartbeat) {
	for _, peer := range b.peers {
		if err := b.postJSON(ctx, peer+HeartbeatPath, hb); err != nil {
			b.logger.Printf("cluster: heartbeat to %s failed: %v", peer, err)
		}
	}
}

func (b *bus) postJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}
