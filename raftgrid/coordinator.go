// Package raftgrid is the Raft-based grid coordinator (§4.6): leader
// election and log replication via hashicorp/raft, membership discovery
// over bus-level heartbeats, and the leader-change/peer-joined/
// peer-detached notifications the three distribution strategies consume.
//
// Grounded in the teacher's store/store.go and store/fsm.go (Open/
// command/Apply/FSM-snapshot shape), generalized from a single TCP-bound
// raft.Raft instance with a boltdb-backed log to one whose Transport rides
// this module's own message bus and whose log/stable/snapshot stores are
// entirely in-memory — this module never persists to stable storage
// (§6 "Persisted state: None").
package raftgrid

import (
	"fmt"
	"sync"
	"time"

	fglog "github.com/forestgiant/log"
	gometrics "github.com/armon/go-metrics"
	"github.com/hashicorp/raft"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
)

const heartbeatKind bus.Kind = "membership-heartbeat"

// Config bundles a Coordinator's tunables, mirroring §6's raft-*
// configuration keys.
type Config struct {
	// Bootstrap marks this node as the seed of a new cluster: a
	// single-voter configuration naming only this node is committed
	// before raft.NewRaft starts, the way the teacher's store.Open
	// commits a single-node configuration when startAsLeader is set and
	// no peers are already known. Every other node must leave this
	// false and wait to be added as a voter by the bootstrapped leader
	// once its heartbeat is observed — starting two nodes with
	// Bootstrap set forms two independent single-node clusters instead
	// of one.
	Bootstrap bool

	MinElectionTimeout time.Duration
	HeartbeatInterval  time.Duration
	PeerTimeout        time.Duration
	Logger             *fglog.Logger
	Metrics            *gometrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MinElectionTimeout <= 0 {
		c.MinElectionTimeout = gridkv.DefaultRaftMinElectionTimeoutMS * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = gridkv.DefaultRaftHeartbeatMS * time.Millisecond
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = gridkv.DefaultPeerTimeoutMS * time.Millisecond
	}
	if c.Logger == nil {
		discard := fglog.Logger{}
		c.Logger = &discard
	}
	return c
}

type peerInfo struct {
	lastSeen time.Time
}

// Coordinator wraps a hashicorp/raft instance and the bus-level heartbeat
// gossip that discovers peers for it.
type Coordinator struct {
	self      gridkv.EndpointID
	b         bus.Bus
	cfg       Config
	transport *busTransport
	raft      *raft.Raft
	fsm       *fsm

	unsubscribeHeartbeat func()
	stopCh               chan struct{}

	mu           sync.Mutex
	peers        map[gridkv.EndpointID]peerInfo
	currentLeader gridkv.EndpointID

	obsMu         sync.Mutex
	leaderChanged []func(gridkv.EndpointID)
	peerJoined    []func(gridkv.EndpointID)
	peerDetached  []func(gridkv.EndpointID)
}

// New constructs a Coordinator identified as self. When cfg.Bootstrap is
// set it bootstraps a single-node cluster with self as its only voter;
// otherwise the node starts with an empty configuration and is added as a
// voter by the leader once the leader sees its bus heartbeat.
func New(self gridkv.EndpointID, b bus.Bus, cfg Config) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	transport := newBusTransport(self, b, cfg.Logger, cfg.HeartbeatInterval*4)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(self)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatInterval * 3
	raftCfg.ElectionTimeout = cfg.MinElectionTimeout
	raftCfg.LeaderLeaseTimeout = cfg.MinElectionTimeout / 2
	raftCfg.CommitTimeout = cfg.HeartbeatInterval

	logs := raft.NewInmemStore()
	stable := raft.NewInmemStore()
	snaps := raft.NewInmemSnapshotStore()

	f := &fsm{}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{Suffrage: raft.Voter, ID: raft.ServerID(self), Address: raft.ServerAddress(self)},
			},
		}
		if err := raft.BootstrapCluster(raftCfg, logs, stable, snaps, transport, configuration); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("raftgrid: bootstrap: %w", err)
		}
	}

	r, err := raft.NewRaft(raftCfg, f, logs, stable, snaps, transport)
	if err != nil {
		return nil, fmt.Errorf("raftgrid: new raft: %w", err)
	}

	c := &Coordinator{
		self:      self,
		b:         b,
		cfg:       cfg,
		transport: transport,
		raft:      r,
		fsm:       f,
		peers:     make(map[gridkv.EndpointID]peerInfo),
		stopCh:    make(chan struct{}),
	}

	c.unsubscribeHeartbeat = b.Subscribe(c.handleBusMessage)
	go c.heartbeatLoop()
	go c.observeLoop()
	return c, nil
}

func (c *Coordinator) handleBusMessage(m bus.Message) {
	if m.Protocol != bus.ProtocolRaft || m.Kind != heartbeatKind || m.Source == c.self {
		return
	}
	c.noteAlive(m.Source)
}

func (c *Coordinator) noteAlive(id gridkv.EndpointID) {
	c.mu.Lock()
	_, known := c.peers[id]
	c.peers[id] = peerInfo{lastSeen: time.Now()}
	c.mu.Unlock()

	if !known {
		c.cfg.Logger.Info("raftgrid: peer joined", "peer", string(id))
		if c.raft.State() == raft.Leader {
			f := c.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(id), 0, c.cfg.MinElectionTimeout)
			if err := f.Error(); err != nil {
				c.cfg.Logger.Error("raftgrid: add voter failed", "peer", string(id), "error", err)
			}
		}
		c.fireObservers(&c.obsMu, c.peerJoined, id)
	}
}

func (c *Coordinator) heartbeatLoop() {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	timeoutCheck := time.NewTicker(c.cfg.PeerTimeout / 2)
	defer timeoutCheck.Stop()

	for {
		select {
		case <-t.C:
			c.b.Publish(bus.Message{
				Protocol: bus.ProtocolRaft,
				Type:     bus.TypeNotification,
				Kind:     heartbeatKind,
				Source:   c.self,
			})
		case <-timeoutCheck.C:
			c.reapStalePeers()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) reapStalePeers() {
	now := time.Now()
	var stale []gridkv.EndpointID

	c.mu.Lock()
	for id, info := range c.peers {
		if now.Sub(info.lastSeen) > c.cfg.PeerTimeout {
			stale = append(stale, id)
			delete(c.peers, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.cfg.Logger.Info("raftgrid: peer detached", "peer", string(id))
		if c.raft.State() == raft.Leader {
			f := c.raft.RemoveServer(raft.ServerID(id), 0, c.cfg.MinElectionTimeout)
			if err := f.Error(); err != nil {
				c.cfg.Logger.Error("raftgrid: remove server failed", "peer", string(id), "error", err)
			}
		}
		c.fireObservers(&c.obsMu, c.peerDetached, id)
	}
}

func (c *Coordinator) observeLoop() {
	ch := make(chan raft.Observation, 16)
	observer := raft.NewObserver(ch, true, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	c.raft.RegisterObserver(observer)
	defer c.raft.DeregisterObserver(observer)

	for {
		select {
		case o := <-ch:
			lo, ok := o.Data.(raft.LeaderObservation)
			if !ok {
				continue
			}
			id := gridkv.EndpointID(lo.LeaderID)
			c.mu.Lock()
			c.currentLeader = id
			c.mu.Unlock()
			c.cfg.Logger.Info("raftgrid: leader changed", "leader", string(id))
			c.fireObservers(&c.obsMu, c.leaderChanged, id)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) fireObservers(mu *sync.Mutex, fns []func(gridkv.EndpointID), id gridkv.EndpointID) {
	mu.Lock()
	snapshot := append([]func(gridkv.EndpointID){}, fns...)
	mu.Unlock()
	for _, fn := range snapshot {
		go fn(id)
	}
}

// LocalEndpointID returns this node's identifier.
func (c *Coordinator) LocalEndpointID() gridkv.EndpointID {
	return c.self
}

// RemoteEndpointIDs returns every peer currently known alive via
// heartbeat gossip.
func (c *Coordinator) RemoteEndpointIDs() []gridkv.EndpointID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]gridkv.EndpointID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	return ids
}

// CurrentLeaderID returns the last-known Raft leader, if any.
func (c *Coordinator) CurrentLeaderID() (gridkv.EndpointID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentLeader == "" {
		return "", false
	}
	return c.currentLeader, true
}

// IsLeader reports whether this node currently believes it holds
// leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// OnLeaderChanged registers fn to be called (on its own goroutine) every
// time the Raft leader changes.
func (c *Coordinator) OnLeaderChanged(fn func(gridkv.EndpointID)) func() {
	return c.register(&c.obsMu, &c.leaderChanged, fn)
}

// OnPeerJoined registers fn to be called when a new peer is discovered.
func (c *Coordinator) OnPeerJoined(fn func(gridkv.EndpointID)) func() {
	return c.register(&c.obsMu, &c.peerJoined, fn)
}

// OnPeerDetached registers fn to be called when a peer is removed after
// PeerTimeout without a heartbeat.
func (c *Coordinator) OnPeerDetached(fn func(gridkv.EndpointID)) func() {
	return c.register(&c.obsMu, &c.peerDetached, fn)
}

func (c *Coordinator) register(mu *sync.Mutex, list *[]func(gridkv.EndpointID), fn func(gridkv.EndpointID)) func() {
	mu.Lock()
	defer mu.Unlock()
	idx := len(*list)
	*list = append(*list, fn)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if idx < len(*list) {
			(*list)[idx] = func(gridkv.EndpointID) {}
		}
	}
}

// SubmitCommand appends an opaque command to the Raft log and blocks
// until it commits. Nothing in this module calls it: membership changes
// go through raft's AddVoter when the leader first sees a peer's
// heartbeat, and none of the three distribution strategies route storage
// writes through it.
func (c *Coordinator) SubmitCommand(command []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.MinElectionTimeout
	}
	f := c.raft.Apply(command, timeout)
	return f.Error()
}

// Shutdown stops the heartbeat/observer loops and the underlying Raft
// instance.
func (c *Coordinator) Shutdown() error {
	close(c.stopCh)
	if c.unsubscribeHeartbeat != nil {
		c.unsubscribeHeartbeat()
	}
	c.transport.Close()
	return c.raft.Shutdown().Error()
}
