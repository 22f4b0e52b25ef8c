package gridkv

import (
	"fmt"
	"io"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	fglog "github.com/forestgiant/log"

	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
	"github.com/forestgiant/gridkv/raftgrid"
	"github.com/forestgiant/gridkv/strategy/federated"
	"github.com/forestgiant/gridkv/strategy/replicated"
	"github.com/forestgiant/gridkv/strategy/separated"
)

// Config bundles a Grid's process-wide tunables: the Raft coordinator's
// election/heartbeat/peer-timeout knobs (§6's `raft-*` and `peer-timeout-ms`
// configuration keys) plus the logger and metrics sink every storage this
// Grid constructs inherits by default.
type Config struct {
	// Bootstrap marks this Grid as the seed of a new cluster; see
	// raftgrid.Config.Bootstrap. Exactly one node in a fresh cluster
	// should set this.
	Bootstrap bool

	RaftMinElectionTimeout time.Duration
	RaftHeartbeat          time.Duration
	PeerTimeout            time.Duration
	Logger                 *fglog.Logger
	Metrics                *gometrics.Metrics
}

// Grid owns the process-wide message bus and Raft coordinator and lazily
// constructs named storages by strategy, mirroring the teacher's
// transport.Server.getSourceWithIdentifier lazy-construction pattern
// (§9 "Global state": the bus is process-wide, created before any
// storage and closed after all storages are closed).
type Grid struct {
	self        EndpointID
	b           bus.Bus
	coordinator *raftgrid.Coordinator
	logger      *fglog.Logger
	metrics     *gometrics.Metrics

	mu       sync.Mutex
	storages map[StorageID]io.Closer
}

// New constructs a Grid identified as self, riding b, with its own Raft
// coordinator. The caller owns b's lifecycle up to the point New is
// called; from then on Close takes over (bus is closed last, per §9).
func New(self EndpointID, b bus.Bus, cfg Config) (*Grid, error) {
	if cfg.Logger == nil {
		discard := fglog.Logger{}
		cfg.Logger = &discard
	}

	coordinator, err := raftgrid.New(self, b, raftgrid.Config{
		Bootstrap:          cfg.Bootstrap,
		MinElectionTimeout: cfg.RaftMinElectionTimeout,
		HeartbeatInterval:  cfg.RaftHeartbeat,
		PeerTimeout:        cfg.PeerTimeout,
		Logger:             cfg.Logger,
		Metrics:            cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("gridkv: start raft coordinator: %w", err)
	}

	return &Grid{
		self:        self,
		b:           b,
		coordinator: coordinator,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		storages:    make(map[StorageID]io.Closer),
	}, nil
}

// LocalEndpointID returns this peer's identifier.
func (g *Grid) LocalEndpointID() EndpointID { return g.self }

// Bus returns the message bus this Grid rides on, for callers that need
// to wire additional peers (e.g. a TCPBus's AddPeer) before any storage
// sends traffic.
func (g *Grid) Bus() bus.Bus { return g.b }

// Coordinator returns the Grid's Raft coordinator, satisfying
// endpoint.Coordinator for any storage built outside the Grid's own
// constructor functions.
func (g *Grid) Coordinator() *raftgrid.Coordinator { return g.coordinator }

func (g *Grid) register(id StorageID, c io.Closer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.storages == nil {
		return fmt.Errorf("gridkv: grid is closed")
	}
	if _, exists := g.storages[id]; exists {
		return fmt.Errorf("gridkv: storage %q already constructed", id)
	}
	g.storages[id] = c
	return nil
}

// Close closes every storage this Grid constructed, then the Raft
// coordinator, then the bus — the reverse of the creation order §9
// mandates ("closed after all storages are closed").
func (g *Grid) Close() error {
	g.mu.Lock()
	storages := g.storages
	g.storages = nil
	g.mu.Unlock()

	var firstErr error
	for _, s := range storages {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.coordinator.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.b.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Separated lazily constructs a Separated-policy storage named storageID
// on g, registering it so Close disposes it.
func Separated[K comparable, V any](
	g *Grid,
	storageID StorageID,
	local localstore.Store[K, V],
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	cfg separated.Config,
) (*separated.Storage[K, V], error) {
	if cfg.Logger == nil {
		cfg.Logger = g.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = g.metrics
	}
	s := separated.New[K, V](g.self, g.b, g.coordinator, storageID, local, keyCodec, valueCodec, cfg)
	if err := g.register(storageID, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Replicated lazily constructs a Replicated-policy storage named
// storageID on g, registering it so Close disposes it.
func Replicated[K comparable, V any](
	g *Grid,
	storageID StorageID,
	local localstore.Store[K, V],
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	cfg replicated.Config,
) (*replicated.Storage[K, V], error) {
	if cfg.Logger == nil {
		cfg.Logger = g.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = g.metrics
	}
	s := replicated.New[K, V](g.self, g.b, g.coordinator, storageID, local, keyCodec, valueCodec, cfg)
	if err := g.register(storageID, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Federated lazily constructs a Federated-policy storage named storageID
// on g, registering it so Close disposes it. Returns an error if
// cfg.MergeOperator is nil (§7 "Fatal ... missing merge operator").
func Federated[K comparable, V any](
	g *Grid,
	storageID StorageID,
	local localstore.Store[K, V],
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	cfg federated.Config[V],
) (*federated.Storage[K, V], error) {
	if cfg.Logger == nil {
		cfg.Logger = g.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = g.metrics
	}
	s, err := federated.New[K, V](g.self, g.b, g.coordinator, storageID, local, keyCodec, valueCodec, cfg)
	if err != nil {
		return nil, err
	}
	if err := g.register(storageID, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
