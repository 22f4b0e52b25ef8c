// Package gridtest is a multi-peer integration harness: it wires several
// gridkv.Grid instances onto one shared bus.LocalBus, the way a real
// deployment wires several processes onto a shared network, and exposes
// per-peer fault injection (drop a peer's outbound traffic, drop traffic
// from a specific source) for exercising the scenarios in spec §8.
package gridtest

import (
	"sync"
	"testing"
	"time"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
)

// peerBus wraps a shared LocalBus with per-peer fault injection. Every
// Node in a Cluster gets its own peerBus over the same underlying
// LocalBus so that closing one Node's Grid (which closes its bus) never
// tears down the others.
type peerBus struct {
	shared *bus.LocalBus

	mu             sync.RWMutex
	dropOutbound   bool
	dropAllInbound bool
	dropFrom       map[gridkv.EndpointID]bool
}

func newPeerBus(shared *bus.LocalBus) *peerBus {
	return &peerBus{shared: shared, dropFrom: make(map[gridkv.EndpointID]bool)}
}

func (p *peerBus) Publish(m bus.Message) {
	p.mu.RLock()
	drop := p.dropOutbound
	p.mu.RUnlock()
	if drop {
		return
	}
	p.shared.Publish(m)
}

func (p *peerBus) Subscribe(h bus.Handler) func() {
	return p.shared.Subscribe(func(m bus.Message) {
		p.mu.RLock()
		blocked := p.dropAllInbound || p.dropFrom[m.Source]
		p.mu.RUnlock()
		if blocked {
			return
		}
		h(m)
	})
}

// Close is a no-op: the underlying shared LocalBus outlives any single
// peer and is closed once by the Cluster itself.
func (p *peerBus) Close() error { return nil }

// SetDropOutbound, when true, makes every Publish from this peer silently
// fail — simulating that peer going dark (§8 scenario 1, "Disconnect A").
func (p *peerBus) SetDropOutbound(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropOutbound = drop
}

// BlockSource makes this peer silently discard every message it observes
// from source — simulating a one-directional network partition (§8
// scenario 4, "Drop all messages from A to B").
func (p *peerBus) BlockSource(source gridkv.EndpointID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropFrom[source] = true
}

// Node is one simulated peer: its Grid and the peerBus fault-injection
// handle for it.
type Node struct {
	ID   gridkv.EndpointID
	Grid *gridkv.Grid
	bus  *peerBus
}

// Disconnect simulates this node going dark: it stops sending and stops
// receiving anything from anyone, without tearing down its Grid (so its
// local state remains readable after the fact).
func (n *Node) Disconnect() {
	n.bus.mu.Lock()
	n.bus.dropOutbound = true
	n.bus.dropAllInbound = true
	n.bus.mu.Unlock()
}

// BlockTraffic makes n silently discard every message from source.
func (n *Node) BlockTraffic(source gridkv.EndpointID) {
	n.bus.BlockSource(source)
}

// FastRaftConfig controls the Raft timing every Node in a Cluster shares;
// tests favor fast timeouts so elections and heartbeats settle quickly.
var FastRaftConfig = gridkv.Config{
	RaftMinElectionTimeout: 50 * time.Millisecond,
	RaftHeartbeat:          10 * time.Millisecond,
	PeerTimeout:            200 * time.Millisecond,
}

// NewCluster spins up n Nodes sharing one LocalBus. Node 0 bootstraps the
// Raft cluster; every other node starts with an empty configuration, the
// way cmd/gridnode's --bootstrap flag designates exactly one seed.
func NewCluster(t *testing.T, n int) []*Node {
	t.Helper()
	shared := bus.NewLocalBus()
	t.Cleanup(func() { shared.Close() })

	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		id := gridkv.NewEndpointID()
		pb := newPeerBus(shared)
		cfg := FastRaftConfig
		cfg.Bootstrap = i == 0
		g, err := gridkv.New(id, pb, cfg)
		if err != nil {
			t.Fatalf("gridkv.New(node %d) returned error: %v", i, err)
		}
		t.Cleanup(func() { g.Close() })
		nodes[i] = &Node{ID: id, Grid: g, bus: pb}
	}
	return nodes
}

// WaitFor polls cond every 5ms until it returns true or timeout elapses,
// failing the test on timeout.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied within the timeout")
}

// WaitForLeader blocks until exactly one node among nodes reports itself
// as the Raft leader, returning it.
func WaitForLeader(t *testing.T, timeout time.Duration, nodes []*Node) *Node {
	t.Helper()
	var leader *Node
	WaitFor(t, timeout, func() bool {
		for _, n := range nodes {
			if n.Grid.Coordinator().IsLeader() {
				leader = n
				return true
			}
		}
		return false
	})
	return leader
}
