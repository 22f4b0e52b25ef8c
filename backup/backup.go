// Package backup implements the eviction-aware replication buffer
// described in §4.5: it keeps a copy of each Separated-storage entry on
// a remote peer so ownership can be transferred when the owning peer
// leaves. Save placement is round-robin across live peers, preserving
// the previously chosen peer for a key that is already backed up.
package backup

import (
	"context"
	"fmt"
	"sync"

	gometrics "github.com/armon/go-metrics"
	fglog "github.com/forestgiant/log"
	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/endpoint"
)

// Message kinds for the backup-storage protocol (§4.5 "Message types").
const (
	KindSave    bus.Kind = "backup-save"
	KindDelete  bus.Kind = "backup-delete"
	KindEvict   bus.Kind = "backup-evict"
	KindGet     bus.Kind = "backup-get"
)

// heldEntry is one entry this node holds on behalf of a remote owner.
type heldEntry[K comparable, V any] struct {
	key   K
	value V
}

// Storage is the backup storage for one Separated storage instance. It is
// constructed with its own Endpoint (protocol backup-storage) so its
// request/response traffic is independent of the owning storage's
// endpoint.
type Storage[K comparable, V any] struct {
	self        gridkv.EndpointID
	ep          *endpoint.Endpoint
	coordinator endpoint.Coordinator
	keyCodec    codec.Codec[K]
	valueCodec  codec.Codec[V]
	logger      *fglog.Logger
	metricsSink *gometrics.Metrics

	mu         sync.Mutex
	assignment map[string]gridkv.EndpointID           // key string -> peer holding the backup
	rrIndex    int                                    // round-robin cursor over live peers
	held       map[gridkv.EndpointID]map[string]heldEntry[K, V] // owner -> key string -> entry
}

// New constructs a backup Storage and registers its inbound handlers on
// ep. The caller (the Separated storage) owns ep's lifecycle.
func New[K comparable, V any](self gridkv.EndpointID, ep *endpoint.Endpoint, coordinator endpoint.Coordinator, keyCodec codec.Codec[K], valueCodec codec.Codec[V], logger *fglog.Logger, sink *gometrics.Metrics) *Storage[K, V] {
	if logger == nil {
		discard := fglog.Logger{}
		logger = &discard
	}
	s := &Storage[K, V]{
		self:        self,
		ep:          ep,
		coordinator: coordinator,
		keyCodec:    keyCodec,
		valueCodec:  valueCodec,
		logger:      logger,
		metricsSink: sink,
		assignment:  make(map[string]gridkv.EndpointID),
		held:        make(map[gridkv.EndpointID]map[string]heldEntry[K, V]),
	}
	ep.RegisterHandler(KindSave, s.handleSave)
	ep.RegisterHandler(KindDelete, s.handleDelete)
	ep.RegisterHandler(KindEvict, s.handleEvict)
	ep.RegisterHandler(KindGet, s.handleGet)
	return s
}

func (s *Storage[K, V]) nextPeer() (gridkv.EndpointID, bool) {
	if s.coordinator == nil {
		return "", false
	}
	peers := s.coordinator.RemoteEndpointIDs()
	if len(peers) == 0 {
		return "", false
	}
	s.rrIndex = (s.rrIndex + 1) % len(peers)
	return peers[s.rrIndex], true
}

// Save places each entry on exactly one remote peer, chosen round-robin,
// preserving a key's previous peer if it is already backed up. Entries
// for which no remote peer is currently known are dropped with a warning
// — this node is the only peer in the cluster, so there is nowhere to
// back the key up.
func (s *Storage[K, V]) Save(entries map[K]V) error {
	byPeer := make(map[gridkv.EndpointID]map[K]V)

	s.mu.Lock()
	for k, v := range entries {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("backup: encode key: %w", err)
		}
		keyStr := string(kb)

		peer, ok := s.assignment[keyStr]
		if !ok {
			peer, ok = s.nextPeer()
			if !ok {
				s.logger.Error("backup: no remote peer available to back up key", "key", keyStr)
				continue
			}
			s.assignment[keyStr] = peer
		}
		if byPeer[peer] == nil {
			byPeer[peer] = make(map[K]V)
		}
		byPeer[peer][k] = v
	}
	s.mu.Unlock()

	for peer, es := range byPeer {
		keys, values, err := s.encodeAll(es)
		if err != nil {
			return err
		}
		s.ep.Notify(KindSave, keys, values, endpoint.Unicast(peer))
	}
	return nil
}

func (s *Storage[K, V]) encodeAll(entries map[K]V) ([][]byte, [][]byte, error) {
	keys := make([][]byte, 0, len(entries))
	values := make([][]byte, 0, len(entries))
	for k, v := range entries {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			return nil, nil, fmt.Errorf("backup: encode key: %w", err)
		}
		vb, err := s.valueCodec.Encode(v)
		if err != nil {
			return nil, nil, fmt.Errorf("backup: encode value: %w", err)
		}
		keys = append(keys, kb)
		values = append(values, vb)
	}
	return keys, values, nil
}

// Delete removes keys from wherever they are backed up.
func (s *Storage[K, V]) Delete(keys []K) error {
	return s.notifyByAssignedPeer(KindDelete, keys, true)
}

// Evict removes keys from wherever they are backed up, the way Delete
// does, but is reported distinctly on the wire (KindEvict) so a receiving
// peer can distinguish an application-level delete from an internal
// eviction if it chooses to.
func (s *Storage[K, V]) Evict(keys []K) error {
	return s.notifyByAssignedPeer(KindEvict, keys, true)
}

func (s *Storage[K, V]) notifyByAssignedPeer(kind bus.Kind, keys []K, forget bool) error {
	byPeer := make(map[gridkv.EndpointID][]K)

	s.mu.Lock()
	for _, k := range keys {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("backup: encode key: %w", err)
		}
		keyStr := string(kb)
		peer, ok := s.assignment[keyStr]
		if !ok {
			continue
		}
		byPeer[peer] = append(byPeer[peer], k)
		if forget {
			delete(s.assignment, keyStr)
		}
	}
	s.mu.Unlock()

	for peer, ks := range byPeer {
		keyBytes := make([][]byte, 0, len(ks))
		for _, k := range ks {
			kb, _ := s.keyCodec.Encode(k)
			keyBytes = append(keyBytes, kb)
		}
		s.ep.Notify(kind, keyBytes, nil, endpoint.Unicast(peer))
	}
	return nil
}

// Extract returns, and forgets, every entry this node holds on behalf of
// owner — used when owner leaves the grid and its keys must be restored
// elsewhere (§4.2 "remote-endpoint-detached").
func (s *Storage[K, V]) Extract(owner gridkv.EndpointID) map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.held[owner]
	if !ok {
		return map[K]V{}
	}
	out := make(map[K]V, len(held))
	for _, e := range held {
		out[e.key] = e.value
	}
	delete(s.held, owner)
	return out
}

// Reconcile asks every live peer whether it holds a backup entry on
// behalf of this node and returns whatever any of them report (§4.5
// "backup-get ... used during endpoint rejoin to reconcile"): a node
// that restarts loses its in-memory backup.Storage state entirely, so
// any entry a peer backed up for it before it left is otherwise
// unrecoverable until that peer also detects and re-saves it.
func (s *Storage[K, V]) Reconcile(ctx context.Context) (map[K]V, error) {
	res, err := s.ep.Send(ctx, KindGet, [][]byte{[]byte(s.self)}, nil, endpoint.Broadcast())
	if err != nil {
		return nil, err
	}
	out := make(map[K]V, len(res.Values))
	for encKey, vb := range res.Values {
		k, err := s.keyCodec.Decode([]byte(encKey))
		if err != nil {
			s.logger.Error("backup: drop malformed key in reconcile response", "error", err)
			continue
		}
		v, err := s.valueCodec.Decode(vb)
		if err != nil {
			s.logger.Error("backup: drop malformed value in reconcile response", "error", err)
			continue
		}
		out[k] = v
	}
	return out, nil
}

// Metrics returns the number of entries currently held on behalf of any
// owner (§4.5 "metrics() exposes stored-entries count").
func (s *Storage[K, V]) Metrics() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, m := range s.held {
		total += len(m)
	}
	return total
}

func (s *Storage[K, V]) handleSave(m bus.Message) *bus.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[m.Source] == nil {
		s.held[m.Source] = make(map[string]heldEntry[K, V])
	}
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("backup: drop malformed key in save", "error", err)
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("backup: drop malformed value in save", "error", err)
			continue
		}
		s.held[m.Source][string(kb)] = heldEntry[K, V]{key: k, value: v}
	}
	s.reportMetrics()
	return nil // notification: no response
}

func (s *Storage[K, V]) handleDelete(m bus.Message) *bus.Message {
	s.removeHeld(m)
	return nil
}

func (s *Storage[K, V]) handleEvict(m bus.Message) *bus.Message {
	s.removeHeld(m)
	return nil
}

func (s *Storage[K, V]) removeHeld(m bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.held[m.Source]
	if held == nil {
		return
	}
	for _, kb := range m.Keys {
		delete(held, string(kb))
	}
	s.reportMetrics()
}

// handleGet answers a backup-get reconciliation request: the requester's
// StorageID and Keys (here, the owner id encoded as the sole "key") name
// whose entries to return. Used during endpoint rejoin.
func (s *Storage[K, V]) handleGet(m bus.Message) *bus.Message {
	var owner gridkv.EndpointID
	if len(m.Keys) > 0 {
		owner = gridkv.EndpointID(m.Keys[0])
	}

	s.mu.Lock()
	held := s.held[owner]
	keys := make([][]byte, 0, len(held))
	values := make([][]byte, 0, len(held))
	for keyStr, e := range held {
		vb, err := s.valueCodec.Encode(e.value)
		if err != nil {
			continue
		}
		keys = append(keys, []byte(keyStr))
		values = append(values, vb)
	}
	s.mu.Unlock()

	return &bus.Message{Keys: keys, Values: values}
}

func (s *Storage[K, V]) reportMetrics() {
	if s.metricsSink == nil {
		return
	}
	total := 0
	for _, m := range s.held {
		total += len(m)
	}
	s.metricsSink.SetGauge([]string{"backup", "stored_entries"}, float32(total))
}
