// Package separated implements the Separated distribution policy (§4.2):
// each key is owned by exactly one peer, the first to insert it. Reads on
// a local miss broadcast a get-entries request; writes to an unowned key
// attempt a remote claim first and fall back to local ownership only if
// no peer claims the key.
package separated

import (
	"context"
	"fmt"
	"time"

	gometrics "github.com/armon/go-metrics"
	fglog "github.com/forestgiant/log"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/backup"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/endpoint"
	"github.com/forestgiant/gridkv/events"
	"github.com/forestgiant/gridkv/localstore"
)

// Message kinds for the separated-storage protocol (§4.2 "Inbound
// handlers").
const (
	KindGetEntries      bus.Kind = "get-entries-request"
	KindGetKeys         bus.Kind = "get-keys-request"
	KindDeleteEntries   bus.Kind = "delete-entries-request"
	KindUpdateNotify    bus.Kind = "update-entries-notification"
	KindUpdateRequest   bus.Kind = "update-entries-request"
	KindDeleteNotify    bus.Kind = "delete-entries-notification"
)

// Config bundles a Storage's tunables.
type Config struct {
	RequestTimeout   time.Duration
	MaxMessageKeys   int
	MaxMessageValues int
	Logger           *fglog.Logger
	Metrics          *gometrics.Metrics
}

// Storage is one Separated-policy distributed storage.
type Storage[K comparable, V any] struct {
	self       gridkv.EndpointID
	ep         *endpoint.Endpoint
	local      localstore.Store[K, V]
	backup     *backup.Storage[K, V]
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
	logger     *fglog.Logger

	unsubscribeDetach func()
	unsubscribeEvents func()
	defaultTimeout    time.Duration
}

// New constructs a Separated storage over local, wiring its own Endpoint
// (protocol separated-storage) and a Backup storage (protocol
// backup-storage, its own Endpoint per §9's "separate builders" fix to
// the source's defect).
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
		Protocol:         bus.ProtocolSeparated,
		RequestTimeout:   cfg.RequestTimeout,
		MaxMessageKeys:   cfg.MaxMessageKeys,
		MaxMessageValues: cfg.MaxMessageValues,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})
	backupEp := endpoint.New(self, b, coordinator, endpoint.Config{
		StorageID:        storageID,
		Protocol:         bus.ProtocolBackup,
		RequestTimeout:   cfg.RequestTimeout,
		MaxMessageKeys:   cfg.MaxMessageKeys,
		MaxMessageValues: cfg.MaxMessageValues,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})
	bk := backup.New[K, V](self, backupEp, coordinator, keyCodec, valueCodec, cfg.Logger, cfg.Metrics)

	s := &Storage[K, V]{
		self:           self,
		ep:             ep,
		local:          local,
		backup:         bk,
		keyCodec:       keyCodec,
		valueCodec:     valueCodec,
		logger:         cfg.Logger,
		defaultTimeout: cfg.RequestTimeout,
	}

	ep.RegisterHandler(KindGetEntries, s.handleGetEntries)
	ep.RegisterHandler(KindGetKeys, s.handleGetKeys)
	ep.RegisterHandler(KindDeleteEntries, s.handleDeleteEntries)
	ep.RegisterHandler(KindUpdateNotify, s.handleUpdateNotify)
	ep.RegisterHandler(KindUpdateRequest, s.handleUpdateRequest)
	ep.RegisterHandler(KindDeleteNotify, s.handleDeleteNotify)

	s.unsubscribeDetach = ep.OnPeerDetached(s.handlePeerDetached)

	evCh, unsubEvents := local.Events().Subscribe()
	s.unsubscribeEvents = unsubEvents
	go s.watchExpirations(evCh)

	go s.reconcileBackup()

	return s
}

// watchExpirations evicts a locally-expired key's backup copy, keeping
// backup storage from holding a stale value for a key the local TTL
// sweep has already dropped.
func (s *Storage[K, V]) watchExpirations(ch <-chan []localstore.Event[K, V]) {
	for batch := range ch {
		var expired []K
		for _, ev := range batch {
			if ev.Kind == localstore.Expired {
				expired = append(expired, ev.Key)
			}
		}
		if len(expired) > 0 {
			s.backup.Evict(expired)
		}
	}
}

// reconcileBackup recovers entries a peer backed up for this node before
// it restarted, by asking every live peer via backup-get (§4.5). Runs
// off the constructor's goroutine so New never blocks on cluster
// round-trips.
func (s *Storage[K, V]) reconcileBackup() {
	ctx, cancel := s.ctx()
	defer cancel()
	entries, err := s.backup.Reconcile(ctx)
	if err != nil || len(entries) == 0 {
		return
	}
	s.local.RestoreAll(entries)
	s.backup.Save(entries)
	s.logger.Info(fmt.Sprintf("separated: reconciled %d entries from backup on rejoin", len(entries)))
}

func (s *Storage[K, V]) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.defaultTimeout)
}

// Get returns the value for key, consulting the local store first and
// falling back to a broadcast get-entries request on a miss.
func (s *Storage[K, V]) Get(key K) (V, bool) {
	if v, ok := s.local.Get(key); ok {
		return v, true
	}

	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		var zero V
		return zero, false
	}

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindGetEntries, [][]byte{kb}, nil, endpoint.Broadcast())
	if err != nil {
		var zero V
		return zero, false
	}
	vb, ok := res.Values[string(kb)]
	if !ok {
		var zero V
		return zero, false
	}
	v, err := s.valueCodec.Decode(vb)
	if err != nil {
		var zero V
		return zero, false
	}
	return v, true
}

// GetAll returns every key in keys this storage (local or remote) knows
// about.
func (s *Storage[K, V]) GetAll(keys []K) map[K]V {
	out := s.local.GetAll(keys)

	var missing []K
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out
	}

	keyBytes := make([][]byte, 0, len(missing))
	byEncoded := make(map[string]K, len(missing))
	for _, k := range missing {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			continue
		}
		keyBytes = append(keyBytes, kb)
		byEncoded[string(kb)] = k
	}

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindGetEntries, keyBytes, nil, endpoint.Broadcast())
	if err != nil {
		return out
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
		out[k] = v
	}
	return out
}

// Set writes key/value. If this peer already owns key the write applies
// locally and fans out an update notification; otherwise it first tries
// to claim the key remotely, only taking local ownership if no peer
// claims it (§4.2 "Policy").
func (s *Storage[K, V]) Set(key K, value V) (V, bool) {
	if _, owned := s.local.Get(key); owned {
		old, existed := s.local.Set(key, value)
		s.fanOutUpdate(key, value)
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
	res, err := s.ep.Send(ctx, KindUpdateRequest, [][]byte{kb}, [][]byte{vb}, endpoint.Broadcast())
	if err == nil {
		if old, claimed := res.OldValues[string(kb)]; claimed {
			oldVal, derr := s.valueCodec.Decode(old)
			if derr == nil {
				return oldVal, true
			}
		}
	}

	// No peer claimed the key: this peer becomes the owner.
	old, existed := s.local.Set(key, value)
	s.backup.Save(map[K]V{key: value})
	return old, existed
}

func (s *Storage[K, V]) fanOutUpdate(key K, value V) {
	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		return
	}
	vb, err := s.valueCodec.Encode(value)
	if err != nil {
		return
	}
	s.backup.Save(map[K]V{key: value})
	s.ep.Notify(KindUpdateNotify, [][]byte{kb}, [][]byte{vb}, endpoint.Broadcast())
}

// SetAll applies Set to every entry, key by key, preserving the
// per-key ownership semantics.
func (s *Storage[K, V]) SetAll(entries map[K]V) map[K]V {
	old := make(map[K]V, len(entries))
	for k, v := range entries {
		if o, existed := s.Set(k, v); existed {
			old[k] = o
		}
	}
	return old
}

// InsertAll inserts every entry this peer does not already own remotely,
// becoming owner of any key no peer claims. Keys already present
// (locally or remotely) are skipped.
func (s *Storage[K, V]) InsertAll(entries map[K]V) map[K]V {
	inserted := make(map[K]V, len(entries))
	for k, v := range entries {
		if _, ok := s.Get(k); ok {
			continue
		}
		s.local.Set(k, v)
		s.backup.Save(map[K]V{k: v})
		inserted[k] = v
	}
	return inserted
}

// Delete removes key wherever it lives, returning the removed value if
// any peer (including this one) held it.
func (s *Storage[K, V]) Delete(key K) (V, bool) {
	if old, existed := s.local.Delete(key); existed {
		s.backup.Delete([]K{key})
		kb, err := s.keyCodec.Encode(key)
		if err == nil {
			s.ep.Notify(KindDeleteNotify, [][]byte{kb}, nil, endpoint.Broadcast())
		}
		return old, true
	}

	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		var zero V
		return zero, false
	}

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindDeleteEntries, [][]byte{kb}, nil, endpoint.Broadcast())
	if err != nil || !res.DeletedKeys[string(kb)] {
		var zero V
		return zero, false
	}
	vb, ok := res.OldValues[string(kb)]
	if !ok {
		var zero V
		return zero, true
	}
	v, err := s.valueCodec.Decode(vb)
	if err != nil {
		var zero V
		return zero, true
	}
	return v, true
}

// DeleteAll deletes every key, wherever it lives.
func (s *Storage[K, V]) DeleteAll(keys []K) map[K]V {
	deleted := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, existed := s.Delete(k); existed {
			deleted[k] = v
		}
	}
	return deleted
}

// Keys returns the union of local keys and every remote peer's local
// keys (§8 "no duplicates" — a key belongs to exactly one peer, so no
// de-duplication is necessary beyond what ownership already guarantees).
func (s *Storage[K, V]) Keys() []K {
	keys := append([]K{}, s.local.Keys()...)

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindGetKeys, [][]byte{[]byte("*")}, nil, endpoint.Broadcast())
	if err != nil {
		return keys
	}
	for encKey := range res.Values {
		k, err := s.keyCodec.Decode([]byte(encKey))
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// Size returns the local key count only — §6 exposes size as a
// local-store passthrough; callers wanting the cluster-wide count use
// len(Keys()).
func (s *Storage[K, V]) Size() int { return s.local.Size() }

// OpenWaiters reports how many outstanding requests this storage's
// endpoint is currently waiting on, for instrumentation.
func (s *Storage[K, V]) OpenWaiters() int { return s.ep.OpenWaiters() }

// BackupSize reports how many entries this node currently holds in
// backup on behalf of other owners, for instrumentation.
func (s *Storage[K, V]) BackupSize() int { return s.backup.Metrics() }

// IsEmpty reports whether the local store holds no entries.
func (s *Storage[K, V]) IsEmpty() bool { return s.local.IsEmpty() }

// Clear empties the local store only; it never reaches into remote
// peers' stores.
func (s *Storage[K, V]) Clear() { s.local.Clear() }

// Iterator iterates the local store only.
func (s *Storage[K, V]) Iterator(batchSize int) func(yield func(K, V) bool) {
	return s.local.Iterator(batchSize)
}

// Events exposes the local store's event pipeline.
func (s *Storage[K, V]) Events() *events.Pipeline[localstore.Event[K, V]] {
	return s.local.Events()
}

// Close disposes this storage's subscriptions and clears its local
// store (§3 "Lifecycles").
func (s *Storage[K, V]) Close() error {
	if s.unsubscribeDetach != nil {
		s.unsubscribeDetach()
	}
	if s.unsubscribeEvents != nil {
		s.unsubscribeEvents()
	}
	s.local.Clear()
	if err := s.ep.Close(); err != nil {
		return err
	}
	return nil
}

func (s *Storage[K, V]) handleGetEntries(m bus.Message) *bus.Message {
	var keys, values [][]byte
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("separated: drop malformed key in get-entries", "error", err)
			continue
		}
		v, ok := s.local.Get(k)
		if !ok {
			continue
		}
		vb, err := s.valueCodec.Encode(v)
		if err != nil {
			continue
		}
		keys = append(keys, kb)
		values = append(values, vb)
	}
	return &bus.Message{Keys: keys, Values: values}
}

func (s *Storage[K, V]) handleGetKeys(bus.Message) *bus.Message {
	var keys [][]byte
	var values [][]byte
	for _, k := range s.local.Keys() {
		kb, err := s.keyCodec.Encode(k)
		if err != nil {
			continue
		}
		keys = append(keys, kb)
		values = append(values, []byte{1})
	}
	return &bus.Message{Keys: keys, Values: values}
}

func (s *Storage[K, V]) handleDeleteEntries(m bus.Message) *bus.Message {
	var keys, oldValues, deleted [][]byte
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("separated: drop malformed key in delete-entries", "error", err)
			continue
		}
		old, existed := s.local.Delete(k)
		if !existed {
			continue
		}
		s.backup.Delete([]K{k})
		vb, err := s.valueCodec.Encode(old)
		if err != nil {
			vb = nil
		}
		keys = append(keys, kb)
		oldValues = append(oldValues, vb)
		deleted = append(deleted, kb)
	}
	return &bus.Message{Keys: keys, OldValues: oldValues, DeletedKeys: deleted}
}

func (s *Storage[K, V]) handleUpdateNotify(m bus.Message) *bus.Message {
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("separated: drop malformed key in update-notify", "error", err)
			continue
		}
		if _, owned := s.local.Get(k); !owned {
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("separated: drop malformed value in update-notify", "error", err)
			continue
		}
		s.local.Set(k, v)
		s.backup.Save(map[K]V{k: v})
	}
	return nil
}

func (s *Storage[K, V]) handleUpdateRequest(m bus.Message) *bus.Message {
	var keys, oldValues [][]byte
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("separated: drop malformed key in update-request", "error", err)
			continue
		}
		old, owned := s.local.Get(k)
		if !owned {
			continue
		}
		v, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("separated: drop malformed value in update-request", "error", err)
			continue
		}
		s.local.Set(k, v)
		s.backup.Save(map[K]V{k: v})
		oldBytes, err := s.valueCodec.Encode(old)
		if err != nil {
			oldBytes = nil
		}
		keys = append(keys, kb)
		oldValues = append(oldValues, oldBytes)
	}
	return &bus.Message{Keys: keys, OldValues: oldValues}
}

func (s *Storage[K, V]) handleDeleteNotify(m bus.Message) *bus.Message {
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("separated: drop malformed key in delete-notify", "error", err)
			continue
		}
		if _, existed := s.local.Delete(k); existed {
			s.backup.Delete([]K{k})
		}
	}
	return nil
}

// handlePeerDetached implements the remote-endpoint-detached inbound
// handler: extract the detached peer's entries from backup storage and
// restore them locally, becoming the new owner (§4.2).
func (s *Storage[K, V]) handlePeerDetached(detached gridkv.EndpointID) {
	entries := s.backup.Extract(detached)
	if len(entries) == 0 {
		return
	}
	s.local.RestoreAll(entries)
	s.backup.Save(entries)
	s.logger.Info(fmt.Sprintf("separated: absorbed %d entries from detached peer %s", len(entries), detached))
}
