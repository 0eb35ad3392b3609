package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthankhawse/ctf-game-web/internal/lobby"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCoordinator(load int) (*Coordinator, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Config{
		NodeID:            "node-a",
		PublicAddr:        "ws://a",
		HeartbeatInterval: 2 * time.Second,
	}, func() int { return load }, nil, nil)
	c.clock = clock.Now
	return c, clock
}

func TestPickNodePrefersLowestLoad(t *testing.T) {
	c, _ := newTestCoordinator(2)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 0})

	assert.Equal(t, "node-b", c.PickNode())
}

func TestPickNodeLocalWinsTies(t *testing.T) {
	c, _ := newTestCoordinator(1)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 1})

	assert.Equal(t, "node-a", c.PickNode())
}

func TestPickNodeDefaultsLocalWithoutHeartbeats(t *testing.T) {
	c, _ := newTestCoordinator(5)
	assert.Equal(t, "node-a", c.PickNode())
}

func TestNodeAddr(t *testing.T) {
	c, _ := newTestCoordinator(0)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 0})

	assert.Equal(t, "ws://a", c.NodeAddr("node-a"))
	assert.Equal(t, "ws://b", c.NodeAddr("node-b"))
	assert.Empty(t, c.NodeAddr("node-c"))
}

func TestHeartbeatTTLEviction(t *testing.T) {
	c, clock := newTestCoordinator(0)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 3})
	require.Len(t, c.Loads(), 1)

	// Inside the TTL (3 intervals) the entry survives.
	clock.Advance(5 * time.Second)
	c.Sweep()
	assert.Len(t, c.Loads(), 1)

	clock.Advance(2 * time.Second)
	c.Sweep()
	assert.Empty(t, c.Loads())

	// A fresh heartbeat brings the node back.
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 0})
	assert.Len(t, c.Loads(), 1)
}

func replicaEvent(kind EventKind, code string, version uint64, owner string) LobbyEvent {
	l := lobby.Lobby{Code: code, OwnerNode: owner, Mode: "1v1", Version: version}
	event := LobbyEvent{ID: "e", Kind: kind, Node: owner, Code: code, Version: version}
	if kind != EventRemoved {
		event.Lobby = &l
	}
	return event
}

func TestApplyEventVersionGate(t *testing.T) {
	c, _ := newTestCoordinator(0)

	assert.True(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-b")))
	assert.True(t, c.ReplicaExists("AAAAA"))

	// Replay of the same version is a no-op.
	assert.False(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-b")))

	assert.True(t, c.ApplyEvent(replicaEvent(EventUpdated, "AAAAA", 3, "node-b")))

	// A stale update arriving after a newer one is discarded.
	assert.False(t, c.ApplyEvent(replicaEvent(EventUpdated, "AAAAA", 2, "node-b")))
}

func TestRemovedTombstoneBlocksResurrection(t *testing.T) {
	c, _ := newTestCoordinator(0)
	require.True(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-b")))
	require.True(t, c.ApplyEvent(replicaEvent(EventRemoved, "AAAAA", 5, "node-b")))
	assert.False(t, c.ReplicaExists("AAAAA"))

	// An out-of-order update older than the removal must not bring the
	// lobby back.
	assert.False(t, c.ApplyEvent(replicaEvent(EventUpdated, "AAAAA", 4, "node-b")))
	assert.False(t, c.ReplicaExists("AAAAA"))
}

func TestOrphanedReplicaPurgedAfterGrace(t *testing.T) {
	c, clock := newTestCoordinator(0)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 0})
	require.True(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-b")))

	// Owner goes silent: evicted after the TTL, lobby still present.
	clock.Advance(7 * time.Second)
	c.Sweep()
	assert.Empty(t, c.Loads())
	assert.True(t, c.ReplicaExists("AAAAA"))

	// Inside the grace period (2 TTLs past eviction) nothing changes.
	clock.Advance(10 * time.Second)
	c.Sweep()
	assert.True(t, c.ReplicaExists("AAAAA"))

	clock.Advance(3 * time.Second)
	c.Sweep()
	assert.False(t, c.ReplicaExists("AAAAA"))
}

func TestOrphanPurgeCancelledByReturningOwner(t *testing.T) {
	c, clock := newTestCoordinator(0)
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 0})
	require.True(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-b")))

	clock.Advance(7 * time.Second)
	c.Sweep()
	assert.Empty(t, c.Loads())

	// The owner comes back before the grace period runs out.
	c.ApplyHeartbeat(Heartbeat{NodeID: "node-b", Addr: "ws://b", Load: 1})
	clock.Advance(15 * time.Second)
	c.Sweep()
	assert.True(t, c.ReplicaExists("AAAAA"))
}

func TestLocalOwnershipDropsReplica(t *testing.T) {
	c, _ := newTestCoordinator(0)

	// A provisional placement owned by this node arrives by replication.
	require.True(t, c.ApplyEvent(replicaEvent(EventCreated, "AAAAA", 1, "node-a")))
	replica, ok := c.TakeReplica("AAAAA")
	require.True(t, ok)
	assert.Equal(t, "node-a", replica.OwnerNode)
	assert.False(t, c.ReplicaExists("AAAAA"))

	// Publishing the adopted lobby as a local mutation must not leave a
	// shadow replica behind.
	replica.Version++
	c.LobbyUpdated(replica)
	assert.False(t, c.ReplicaExists("AAAAA"))
}

func TestFindPublicReplicaFilters(t *testing.T) {
	c, _ := newTestCoordinator(0)
	private := lobby.Lobby{Code: "PRIVA", OwnerNode: "node-b", Mode: "1v1", Private: true, Version: 1}
	full := lobby.Lobby{Code: "FULLL", OwnerNode: "node-b", Mode: "1v1", Version: 1, Members: []lobby.Member{
		{SessionID: "a"}, {SessionID: "b"},
	}}
	open := lobby.Lobby{Code: "OPENN", OwnerNode: "node-b", Mode: "1v1", Version: 1}
	for _, l := range []lobby.Lobby{private, full, open} {
		l := l
		require.True(t, c.ApplyEvent(LobbyEvent{ID: "e", Kind: EventCreated, Node: "node-b", Code: l.Code, Version: 1, Lobby: &l}))
	}

	found, ok := c.FindPublicReplica("1v1")
	require.True(t, ok)
	assert.Equal(t, "OPENN", found.Code)

	_, ok = c.FindPublicReplica("3v3")
	assert.False(t, ok)
}
