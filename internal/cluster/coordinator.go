// Package cluster keeps every node's eventually-consistent view of the
// deployment: a replica cache of foreign lobbies, a load table fed by
// heartbeats, and load-aware placement for new lobbies. Events are
// at-least-once and unordered; per-lobby versions stamped by the owning
// node make replays and stale deliveries no-ops.
package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manthankhawse/ctf-game-web/internal/lobby"
	"github.com/manthankhawse/ctf-game-web/internal/telemetry"
	"github.com/manthankhawse/ctf-game-web/logging"
)

// EventKind discriminates lobby replication events.
type EventKind string

const (
	EventCreated EventKind = "lobby_created"
	EventUpdated EventKind = "lobby_updated"
	EventRemoved EventKind = "lobby_removed"
)

// LobbyEvent is one node-to-node replication message.
type LobbyEvent struct {
	ID      string       `json:"id"`
	Kind    EventKind    `json:"kind"`
	Node    string       `json:"node"`
	Code    string       `json:"code"`
	Version uint64       `json:"version"`
	Lobby   *lobby.Lobby `json:"lobby,omitempty"`
}

// Heartbeat carries one node's advertised address and live room count.
type Heartbeat struct {
	NodeID string    `json:"nodeId"`
	Addr   string    `json:"addr"`
	Load   int       `json:"load"`
	Time   time.Time `json:"time"`
}

// NodeLoad is a diagnostics view of one load-table entry.
type NodeLoad struct {
	NodeID   string    `json:"nodeId"`
	Addr     string    `json:"addr"`
	Load     int       `json:"load"`
	LastSeen time.Time `json:"lastSeen"`
}

// Config tunes the coordinator. TTL defaults to three heartbeat
// intervals; replicas orphaned by an evicted owner are purged after a
// further grace period of two TTLs.
type Config struct {
	NodeID            string
	PublicAddr        string
	Peers             []string
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 2 * time.Second}
}

func (c Config) interval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 2 * time.Second
	}
	return c.HeartbeatInterval
}

func (c Config) ttl() time.Duration {
	return 3 * c.interval()
}

func (c Config) orphanGrace() time.Duration {
	return 2 * c.ttl()
}

type loadRecord struct {
	addr     string
	load     int
	lastSeen time.Time
}

// LoadFunc reports this node's own live room count. It is the implicit,
// always-fresh entry in every placement decision.
type LoadFunc func() int

// Coordinator implements lobby.Cluster for one node.
type Coordinator struct {
	cfg    Config
	loadFn LoadFunc
	clock  func() time.Time

	mu       sync.Mutex
	replicas map[string]lobby.Lobby
	versions map[string]uint64
	loads    map[string]*loadRecord
	evicted  map[string]time.Time

	bus       *bus
	logger    telemetry.Logger
	publisher logging.Publisher
}

// New builds a coordinator. loadFn must be non-nil; it is consulted on
// every placement and heartbeat.
func New(cfg Config, loadFn LoadFunc, logger telemetry.Logger, publisher logging.Publisher) *Coordinator {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if loadFn == nil {
		loadFn = func() int { return 0 }
	}
	return &Coordinator{
		cfg:       cfg,
		loadFn:    loadFn,
		clock:     time.Now,
		replicas:  make(map[string]lobby.Lobby),
		versions:  make(map[string]uint64),
		loads:     make(map[string]*loadRecord),
		evicted:   make(map[string]time.Time),
		bus:       newBus(cfg.Peers, logger),
		logger:    logger,
		publisher: publisher,
	}
}

// Run emits heartbeats and sweeps expired state until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SendHeartbeats(ctx)
			c.Sweep()
		}
	}
}

// SendHeartbeats pushes this node's load to every configured peer.
func (c *Coordinator) SendHeartbeats(ctx context.Context) {
	hb := Heartbeat{
		NodeID: c.cfg.NodeID,
		Addr:   c.cfg.PublicAddr,
		Load:   c.loadFn(),
		Time:   c.clock(),
	}
	c.bus.sendHeartbeat(ctx, hb)
}

// ApplyHeartbeat folds a peer's heartbeat into the load table. A node
// heard from again stops being considered evicted.
func (c *Coordinator) ApplyHeartbeat(hb Heartbeat) {
	if hb.NodeID == "" || hb.NodeID == c.cfg.NodeID {
		return
	}
	c.mu.Lock()
	c.loads[hb.NodeID] = &loadRecord{addr: hb.Addr, load: hb.Load, lastSeen: c.clock()}
	delete(c.evicted, hb.NodeID)
	c.mu.Unlock()
}

// Sweep evicts silent nodes from the load table and purges replica
// lobbies whose owner has been gone past the grace period.
func (c *Coordinator) Sweep() {
	now := c.clock()
	ttl := c.cfg.ttl()
	grace := c.cfg.orphanGrace()

	c.mu.Lock()
	var evictedNodes []string
	for nodeID, record := range c.loads {
		if now.Sub(record.lastSeen) > ttl {
			delete(c.loads, nodeID)
			c.evicted[nodeID] = now
			evictedNodes = append(evictedNodes, nodeID)
		}
	}

	var purged []string
	for code, replica := range c.replicas {
		evictedAt, gone := c.evicted[replica.OwnerNode]
		if gone && now.Sub(evictedAt) > grace {
			delete(c.replicas, code)
			purged = append(purged, code)
		}
	}
	c.mu.Unlock()

	for _, nodeID := range evictedNodes {
		c.logger.Printf("cluster: node %s evicted after silence", nodeID)
		c.publish(logging.EventNodeEvicted, logging.EntityRef{ID: nodeID, Kind: logging.EntityKindNode}, nil)
	}
	for _, code := range purged {
		c.logger.Printf("cluster: purged orphaned lobby %s", code)
		c.publish(logging.EventLobbyPurged, logging.EntityRef{ID: code, Kind: logging.EntityKindLobby}, nil)
	}
}

// ApplyEvent folds a replication event into the replica cache. Events
// whose version does not advance the lobby's last seen version are
// discarded, which makes replays and stale out-of-order deliveries
// harmless. Returns whether the event was applied.
func (c *Coordinator) ApplyEvent(event LobbyEvent) bool {
	if event.Code == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if event.Version <= c.versions[event.Code] {
		return false
	}
	c.versions[event.Code] = event.Version

	switch event.Kind {
	case EventCreated, EventUpdated:
		if event.Lobby == nil {
			return false
		}
		c.replicas[event.Code] = event.Lobby.Clone()
	case EventRemoved:
		delete(c.replicas, event.Code)
	default:
		return false
	}
	return true
}

// LocalNode implements lobby.Cluster.
func (c *Coordinator) LocalNode() string { return c.cfg.NodeID }

// NodeAddr resolves a node's advertised address from the load table; the
// local node answers with its own public address.
func (c *Coordinator) NodeAddr(node string) string {
	if node == c.cfg.NodeID {
		return c.cfg.PublicAddr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if record, ok := c.loads[node]; ok {
		return record.addr
	}
	return ""
}

// PickNode returns the node with the lowest reported load. The local
// node participates with its live room count and wins ties, so a cluster
// that has not heard any heartbeats places locally.
func (c *Coordinator) PickNode() string {
	best := c.cfg.NodeID
	bestLoad := c.loadFn()

	c.mu.Lock()
	defer c.mu.Unlock()
	for nodeID, record := range c.loads {
		if record.load < bestLoad {
			best = nodeID
			bestLoad = record.load
		}
	}
	return best
}

// ReplicaExists implements lobby.Cluster.
func (c *Coordinator) ReplicaExists(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.replicas[code]
	return ok
}

// Replica implements lobby.Cluster.
func (c *Coordinator) Replica(code string) (lobby.Lobby, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	replica, ok := c.replicas[code]
	return replica, ok
}

// TakeReplica removes and returns a replica, handing ownership of the
// copy to the caller. Used when this node adopts a provisionally placed
// lobby.
func (c *Coordinator) TakeReplica(code string) (lobby.Lobby, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	replica, ok := c.replicas[code]
	if ok {
		delete(c.replicas, code)
	}
	return replica, ok
}

// FindPublicReplica returns any replicated public lobby of the mode with
// free capacity.
func (c *Coordinator) FindPublicReplica(mode lobby.Mode) (lobby.Lobby, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, replica := range c.replicas {
		if !replica.Private && replica.Mode == mode && !replica.Full() {
			return replica, true
		}
	}
	return lobby.Lobby{}, false
}

// LobbyCreated implements lobby.Cluster: record the version, keep a
// replica when the owner is foreign (provisional placement), and fan the
// event out.
func (c *Coordinator) LobbyCreated(l lobby.Lobby) {
	c.recordAndBroadcast(EventCreated, l)
}

// LobbyUpdated implements lobby.Cluster.
func (c *Coordinator) LobbyUpdated(l lobby.Lobby) {
	c.recordAndBroadcast(EventUpdated, l)
}

func (c *Coordinator) recordAndBroadcast(kind EventKind, l lobby.Lobby) {
	c.mu.Lock()
	if l.Version > c.versions[l.Code] {
		c.versions[l.Code] = l.Version
	}
	if l.OwnerNode != c.cfg.NodeID {
		c.replicas[l.Code] = l.Clone()
	} else {
		delete(c.replicas, l.Code)
	}
	c.mu.Unlock()

	event := LobbyEvent{
		ID:      uuid.NewString(),
		Kind:    kind,
		Node:    c.cfg.NodeID,
		Code:    l.Code,
		Version: l.Version,
		Lobby:   &l,
	}
	go c.bus.sendEvent(context.Background(), event)
}

// LobbyRemoved implements lobby.Cluster. The version persists as a
// tombstone so a straggling update cannot resurrect the lobby.
func (c *Coordinator) LobbyRemoved(code string, version uint64) {
	c.mu.Lock()
	if version > c.versions[code] {
		c.versions[code] = version
	}
	delete(c.replicas, code)
	c.mu.Unlock()

	event := LobbyEvent{
		ID:      uuid.NewString(),
		Kind:    EventRemoved,
		Node:    c.cfg.NodeID,
		Code:    code,
		Version: version,
	}
	go c.bus.sendEvent(context.Background(), event)
}

// Loads returns the current load table for diagnostics.
func (c *Coordinator) Loads() []NodeLoad {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeLoad, 0, len(c.loads))
	for nodeID, record := range c.loads {
		out = append(out, NodeLoad{NodeID: nodeID, Addr: record.addr, Load: record.load, LastSeen: record.lastSeen})
	}
	return out
}

// Replicas returns the replica cache for diagnostics.
func (c *Coordinator) Replicas() []lobby.Lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]lobby.Lobby, 0, len(c.replicas))
	for _, replica := range c.replicas {
		out = append(out, replica.Clone())
	}
	return out
}

func (c *Coordinator) publish(eventType logging.EventType, actor logging.EntityRef, payload map[string]any) {
	c.publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryCluster,
		Payload:  payload,
		Node:     c.cfg.NodeID,
	})
}
