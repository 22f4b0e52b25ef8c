// Package replicated implements the Replicated distribution policy
// (§4.3): every peer holds a full copy, writes are serialized through
// the Raft leader, and reads are answered entirely from the local store
// since every peer's copy is (eventually) identical.
package replicated

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	gometrics "github.com/armon/go-metrics"
	fglog "github.com/forestgiant/log"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/endpoint"
	"github.com/forestgiant/gridkv/events"
	"github.com/forestgiant/gridkv/localstore"
)

// Message kinds for the replicated-storage protocol (§4.3 "Policy").
const (
	KindUpdateRequest bus.Kind = "replicated-update-request"
	KindUpdateNotify  bus.Kind = "replicated-update-notification"
	KindDeleteRequest bus.Kind = "replicated-delete-request"
	KindDeleteNotify  bus.Kind = "replicated-delete-notification"
	KindInsertRequest bus.Kind = "replicated-insert-request"
	KindInsertNotify  bus.Kind = "replicated-insert-notification"
)

// Config bundles a Storage's tunables.
type Config struct {
	RequestTimeout   time.Duration
	MaxMessageKeys   int
	MaxMessageValues int
	Logger           *fglog.Logger
	Metrics          *gometrics.Metrics
}

// Storage is one Replicated-policy distributed storage.
type Storage[K comparable, V any] struct {
	self        gridkv.EndpointID
	ep          *endpoint.Endpoint
	coordinator endpoint.Coordinator
	local       localstore.Store[K, V]
	keyCodec    codec.Codec[K]
	valueCodec  codec.Codec[V]
	logger      *fglog.Logger

	defaultTimeout time.Duration

	dumpOnce          atomic.Bool
	unsubscribeLeader func()
	unsubscribeEvents func()
}

// New constructs a Replicated storage over local, wiring its own
// Endpoint (protocol replicated-storage). coordinator may be nil for a
// permanently standalone single-peer instance.
func New[K comparable, V any](
	self gridkv.EndpointID,
	b bus.Bus,
	coordinator endpoint.Coordinator,
	storageID gridkv.StorageID,
	local localstore.Store[K, V],
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	cfg Config,
) *Storage[K, V] {
	if cfg.Logger == nil {
		discard := fglog.Logger{}
		cfg.Logger = &discard
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = gridkv.DefaultRequestTimeoutMS * time.Millisecond
	}

	ep := endpoint.New(self, b, coordinator, endpoint.Config{
		StorageID:        storageID,
		Protocol:         bus.ProtocolReplicated,
		RequestTimeout:   cfg.RequestTimeout,
		MaxMessageKeys:   cfg.MaxMessageKeys,
		MaxMessageValues: cfg.MaxMessageValues,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})

	s := &Storage[K, V]{
		self:           self,
		ep:             ep,
		coordinator:    coordinator,
		local:          local,
		keyCodec:       keyCodec,
		valueCodec:     valueCodec,
		logger:         cfg.Logger,
		defaultTimeout: cfg.RequestTimeout,
	}

	ep.RegisterHandler(KindUpdateRequest, s.handleUpdateRequest)
	ep.RegisterHandler(KindUpdateNotify, s.handleUpdateNotify)
	ep.RegisterHandler(KindDeleteRequest, s.handleDeleteRequest)
	ep.RegisterHandler(KindDeleteNotify, s.handleDeleteNotify)
	ep.RegisterHandler(KindInsertRequest, s.handleInsertRequest)
	ep.RegisterHandler(KindInsertNotify, s.handleInsertNotify)

	if coordinator != nil {
		s.unsubscribeLeader = coordinator.OnLeaderChanged(s.handleLeaderChanged)
	}

	sub, unsubEvents := local.Events().Subscribe()
	s.unsubscribeEvents = unsubEvents
	go s.watchExpirations(sub)

	return s
}

func (s *Storage[K, V]) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.defaultTimeout)
}

func (s *Storage[K, V]) isLeader() bool {
	if s.coordinator == nil {
		return true
	}
	id, ok := s.coordinator.CurrentLeaderID()
	if !ok {
		// Standalone: no known leader and no remote peers, so writes
		// apply to the local store directly.
		return len(s.coordinator.RemoteEndpointIDs()) == 0
	}
	return id == s.self
}

func (s *Storage[K, V]) encodeMap(entries map[K]V) (keys, values [][]byte, byEncoded map[string]K) {
	keys = make([][]byte, 0, len(entries))
	values = make([][]byte, 0, len(entries))
	byEncoded = make(map[string]K, len(entries))
	for k, v := range entries {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			s.logger.Error("replicated: drop key that failed to encode", "error", err)
			continue
		}
		vb, err := s.valueCodec.Encode(v)
		if err != nil {
			s.logger.Error("replicated: drop value that failed to encode", "error", err)
			continue
		}
		keys = append(keys, kb)
		values = append(values, vb)
		byEncoded[string(kb)] = k
	}
	return
}

func (s *Storage[K, V]) encodeKeys(keys []K) (keyBytes [][]byte, byEncoded map[string]K) {
	keyBytes = make([][]byte, 0, len(keys))
	byEncoded = make(map[string]K, len(keys))
	for _, k := range keys {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			s.logger.Error("replicated: drop key that failed to encode", "error", err)
			continue
		}
		keyBytes = append(keyBytes, kb)
		byEncoded[string(kb)] = k
	}
	return
}

// Get reads the local copy directly — every peer holds the full store.
func (s *Storage[K, V]) Get(key K) (V, bool) { return s.local.Get(key) }

// GetAll reads the local copy directly.
func (s *Storage[K, V]) GetAll(keys []K) map[K]V { return s.local.GetAll(keys) }

// Keys returns the local key set.
func (s *Storage[K, V]) Keys() []K { return s.local.Keys() }

// Size returns the local entry count.
func (s *Storage[K, V]) Size() int { return s.local.Size() }

// OpenWaiters reports how many outstanding requests this storage's
// endpoint is currently waiting on, for instrumentation.
func (s *Storage[K, V]) OpenWaiters() int { return s.ep.OpenWaiters() }

// IsEmpty reports whether the local store holds no entries.
func (s *Storage[K, V]) IsEmpty() bool { return s.local.IsEmpty() }

// Clear empties the local store only.
func (s *Storage[K, V]) Clear() { s.local.Clear() }

// Iterator iterates the local store.
func (s *Storage[K, V]) Iterator(batchSize int) func(yield func(K, V) bool) {
	return s.local.Iterator(batchSize)
}

// Events exposes the local store's event pipeline.
func (s *Storage[K, V]) Events() *events.Pipeline[localstore.Event[K, V]] {
	return s.local.Events()
}

// Set writes key/value, serialized through the Raft leader (§4.3
// "Policy"). If this peer is the leader the write applies locally and
// fans out a notification; otherwise it issues a request to the leader
// and returns the pre-write value the leader reports.
func (s *Storage[K, V]) Set(key K, value V) (V, bool) {
	if s.isLeader() {
		old, existed := s.local.Set(key, value)
		s.fanOutUpdateNotify(map[K]V{key: value})
		return old, existed
	}

	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		var zero V
		return zero, false
	}
	vb, err := s.valueCodec.Encode(value)
	if err != nil {
		var zero V
		return zero, false
	}

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindUpdateRequest, [][]byte{kb}, [][]byte{vb}, endpoint.ToLeader())
	if err != nil {
		var zero V
		return zero, false
	}
	ob, existed := res.OldValues[string(kb)]
	if !existed {
		var zero V
		return zero, false
	}
	old, err := s.valueCodec.Decode(ob)
	if err != nil {
		var zero V
		return zero, false
	}
	return old, true
}

// SetAll applies every entry in one batched leader round trip.
func (s *Storage[K, V]) SetAll(entries map[K]V) map[K]V {
	old := make(map[K]V, len(entries))
	if len(entries) == 0 {
		return old
	}
	if s.isLeader() {
		old = s.local.SetAll(entries)
		s.fanOutUpdateNotify(entries)
		return old
	}

	keys, values, byEncoded := s.encodeMap(entries)
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindUpdateRequest, keys, values, endpoint.ToLeader())
	if err != nil {
		return old
	}
	for encKey, ob := range res.OldValues {
		k, ok := byEncoded[encKey]
		if !ok {
			continue
		}
		v, err := s.valueCodec.Decode(ob)
		if err != nil {
			continue
		}
		old[k] = v
	}
	return old
}

// InsertAll inserts every entry not already present, in one batched
// leader round trip; entries already present (locally or on the leader)
// are skipped.
func (s *Storage[K, V]) InsertAll(entries map[K]V) map[K]V {
	candidates := make(map[K]V, len(entries))
	for k, v := range entries {
		if _, ok := s.local.Get(k); !ok {
			candidates[k] = v
		}
	}
	inserted := make(map[K]V)
	if len(candidates) == 0 {
		return inserted
	}

	if s.isLeader() {
		inserted = s.local.InsertAll(candidates)
		s.fanOutInsertNotify(inserted)
		return inserted
	}

	keys, values, byEncoded := s.encodeMap(candidates)
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindInsertRequest, keys, values, endpoint.ToLeader())
	if err != nil {
		return inserted
	}
	for encKey, vb := range res.Values {
		k, ok := byEncoded[encKey]
		if !ok {
			continue
		}
		v, err := s.valueCodec.Decode(vb)
		if err != nil {
			continue
		}
		inserted[k] = v
	}
	return inserted
}

// Delete removes key, serialized through the leader.
func (s *Storage[K, V]) Delete(key K) (V, bool) {
	if s.isLeader() {
		old, existed := s.local.Delete(key)
		if existed {
			s.fanOutDeleteNotify([]K{key})
		}
		return old, existed
	}

	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		var zero V
		return zero, false
	}
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindDeleteRequest, [][]byte{kb}, nil, endpoint.ToLeader())
	if err != nil || !res.DeletedKeys[string(kb)] {
		var zero V
		return zero, false
	}
	ob, ok := res.OldValues[string(kb)]
	if !ok {
		var zero V
		return zero, true
	}
	v, err := s.valueCodec.Decode(ob)
	if err != nil {
		var zero V
		return zero, true
	}
	return v, true
}

// DeleteAll deletes every key in one batched leader round trip.
func (s *Storage[K, V]) DeleteAll(keys []K) map[K]V {
	deleted := make(map[K]V, len(keys))
	if len(keys) == 0 {
		return deleted
	}
	if s.isLeader() {
		deleted = s.local.DeleteAll(keys)
		if len(deleted) > 0 {
			present := make([]K, 0, len(deleted))
			for k := range deleted {
				present = append(present, k)
			}
			s.fanOutDeleteNotify(present)
		}
		return deleted
	}

	keyBytes, byEncoded := s.encodeKeys(keys)
	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindDeleteRequest, keyBytes, nil, endpoint.ToLeader())
	if err != nil {
		return deleted
	}
	for encKey := range res.DeletedKeys {
		k, ok := byEncoded[encKey]
		if !ok {
			continue
		}
		if ob, ok := res.OldValues[encKey]; ok {
			if v, err := s.valueCodec.Decode(ob); err == nil {
				deleted[k] = v
				continue
			}
		}
		var zero V
		deleted[k] = zero
	}
	return deleted
}

// Close disposes this storage's subscriptions and clears its local
// store.
func (s *Storage[K, V]) Close() error {
	if s.unsubscribeLeader != nil {
		s.unsubscribeLeader()
	}
	if s.unsubscribeEvents != nil {
		s.unsubscribeEvents()
	}
	s.local.Clear()
	return s.ep.Close()
}

func (s *Storage[K, V]) fanOutUpdateNotify(entries map[K]V) {
	keys, values, _ := s.encodeMap(entries)
	if len(keys) == 0 {
		return
	}
	s.ep.Notify(KindUpdateNotify, keys, values, endpoint.Broadcast())
}

func (s *Storage[K, V]) fanOutInsertNotify(entries map[K]V) {
	keys, values, _ := s.encodeMap(entries)
	if len(keys) == 0 {
		return
	}
	s.ep.Notify(KindInsertNotify, keys, values, endpoint.Broadcast())
}

func (s *Storage[K, V]) fanOutDeleteNotify(keys []K) {
	keyBytes, _ := s.encodeKeys(keys)
	if len(keyBytes) == 0 {
		return
	}
	s.ep.Notify(KindDeleteNotify, keyBytes, nil, endpoint.Broadcast())
}

func (s *Storage[K, V]) handleUpdateRequest(m bus.Message) *bus.Message {
	var keys, oldValues [][]byte
	applied := make(map[K]V)
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in update-request", "error", err)
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("replicated: drop malformed value in update-request", "error", err)
			continue
		}
		old, existed := s.local.Set(k, v)
		applied[k] = v
		if existed {
			ob, err := s.valueCodec.Encode(old)
			if err == nil {
				keys = append(keys, kb)
				oldValues = append(oldValues, ob)
			}
		}
	}
	s.fanOutUpdateNotify(applied)
	return &bus.Message{Keys: keys, OldValues: oldValues}
}

func (s *Storage[K, V]) handleUpdateNotify(m bus.Message) *bus.Message {
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in update-notify", "error", err)
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("replicated: drop malformed value in update-notify", "error", err)
			continue
		}
		s.local.Set(k, v)
	}
	return nil
}

func (s *Storage[K, V]) handleInsertRequest(m bus.Message) *bus.Message {
	var keys, values [][]byte
	applied := make(map[K]V)
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in insert-request", "error", err)
			continue
		}
		if _, exists := s.local.Get(k); exists {
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("replicated: drop malformed value in insert-request", "error", err)
			continue
		}
		s.local.Set(k, v)
		applied[k] = v
		keys = append(keys, kb)
		values = append(values, m.Values[i])
	}
	s.fanOutInsertNotify(applied)
	return &bus.Message{Keys: keys, Values: values}
}

func (s *Storage[K, V]) handleInsertNotify(m bus.Message) *bus.Message {
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in insert-notify", "error", err)
			continue
		}
		if _, exists := s.local.Get(k); exists {
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("replicated: drop malformed value in insert-notify", "error", err)
			continue
		}
		s.local.Set(k, v)
	}
	return nil
}

func (s *Storage[K, V]) handleDeleteRequest(m bus.Message) *bus.Message {
	var keys, oldValues, deleted [][]byte
	var deletedList []K
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in delete-request", "error", err)
			continue
		}
		old, existed := s.local.Delete(k)
		if !existed {
			continue
		}
		ob, err := s.valueCodec.Encode(old)
		if err != nil {
			ob = nil
		}
		keys = append(keys, kb)
		oldValues = append(oldValues, ob)
		deleted = append(deleted, kb)
		deletedList = append(deletedList, k)
	}
	if len(deletedList) > 0 {
		s.fanOutDeleteNotify(deletedList)
	}
	return &bus.Message{Keys: keys, OldValues: oldValues, DeletedKeys: deleted}
}

func (s *Storage[K, V]) handleDeleteNotify(m bus.Message) *bus.Message {
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("replicated: drop malformed key in delete-notify", "error", err)
			continue
		}
		s.local.Delete(k)
	}
	return nil
}

// handleLeaderChanged implements the standalone-dump transition (§4.3
// "Standalone mode"): the first time this peer learns of a leader, it
// pushes its entire local store to the cluster as batched insert
// requests, logging a warning for every key the leader already held.
func (s *Storage[K, V]) handleLeaderChanged(leader gridkv.EndpointID) {
	if !s.dumpOnce.CompareAndSwap(false, true) {
		return
	}
	if leader == s.self {
		return
	}

	entries := make(map[K]V)
	for _, k := range s.local.Keys() {
		if v, ok := s.local.Get(k); ok {
			entries[k] = v
		}
	}
	if len(entries) == 0 {
		return
	}

	keys, values, byEncoded := s.encodeMap(entries)
	ctx, cancel := context.WithTimeout(context.Background(), s.defaultTimeout)
	defer cancel()
	res, err := s.ep.Send(ctx, KindInsertRequest, keys, values, endpoint.ToLeader())
	if err != nil {
		s.logger.Error("replicated: standalone dump failed", "error", err)
		return
	}
	for encKey, k := range byEncoded {
		if _, ok := res.Values[encKey]; !ok {
			s.logger.Error("replicated: standalone dump key already existed on leader", "key", fmt.Sprintf("%v", k))
		}
	}
}

func (s *Storage[K, V]) watchExpirations(sub <-chan []localstore.Event[K, V]) {
	for batch := range sub {
		if !s.isLeader() {
			continue // followers swallow their own expirations (§4.3)
		}
		var expiredKeys []K
		for _, ev := range batch {
			if ev.Kind == localstore.Expired {
				expiredKeys = append(expiredKeys, ev.Key)
			}
		}
		if len(expiredKeys) > 0 {
			s.fanOutDeleteNotify(expiredKeys)
		}
	}
}
