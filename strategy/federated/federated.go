// Package federated implements the Federated distribution policy
// (§4.4): every peer keeps a partial copy; writes merge locally via a
// configurable merge operator and broadcast the merged value; reads
// broadcast and merge-reduce every response, including the local one.
package federated

import (
	"context"
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

// Message kinds for the federated-storage protocol (§4.4 "Policy").
const (
	KindMergeNotify bus.Kind = "federated-merge-notification"
	KindGetRequest  bus.Kind = "federated-get-request"
)

// MergeOperator combines a previously-held value with a newly observed
// one. The system assumes nothing about its algebraic properties (§4.4);
// callers after commutativity/associativity get those guarantees only if
// their operator actually has them.
type MergeOperator[V any] func(existing, incoming V) V

// Config bundles a Storage's tunables. MergeOperator is required — a
// nil operator is a build-time (Fatal, §7) error.
type Config[V any] struct {
	MergeOperator    MergeOperator[V]
	RequestTimeout   time.Duration
	MaxMessageKeys   int
	MaxMessageValues int
	Logger           *fglog.Logger
	Metrics          *gometrics.Metrics
}

// Storage is one Federated-policy distributed storage.
type Storage[K comparable, V any] struct {
	self       gridkv.EndpointID
	ep         *endpoint.Endpoint
	local      localstore.Store[K, V]
	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]
	merge      MergeOperator[V]
	logger     *fglog.Logger

	defaultTimeout time.Duration
}

// New constructs a Federated storage over local, wiring its own Endpoint
// (protocol federated-storage). Returns an error
// if cfg.MergeOperator is nil (§7 "Fatal: ... missing merge operator on
// federated build").
func New[K comparable, V any](
	self gridkv.EndpointID,
	b bus.Bus,
	coordinator endpoint.Coordinator,
	storageID gridkv.StorageID,
	local localstore.Store[K, V],
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	cfg Config[V],
) (*Storage[K, V], error) {
	if cfg.MergeOperator == nil {
		return nil, errMissingMergeOperator
	}
	if cfg.Logger == nil {
		discard := fglog.Logger{}
		cfg.Logger = &discard
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = gridkv.DefaultRequestTimeoutMS * time.Millisecond
	}

	ep := endpoint.New(self, b, coordinator, endpoint.Config{
		StorageID:        storageID,
		Protocol:         bus.ProtocolFederated,
		RequestTimeout:   cfg.RequestTimeout,
		MaxMessageKeys:   cfg.MaxMessageKeys,
		MaxMessageValues: cfg.MaxMessageValues,
		Logger:           cfg.Logger,
		Metrics:          cfg.Metrics,
	})

	s := &Storage[K, V]{
		self:           self,
		ep:             ep,
		local:          local,
		keyCodec:       keyCodec,
		valueCodec:     valueCodec,
		merge:          cfg.MergeOperator,
		logger:         cfg.Logger,
		defaultTimeout: cfg.RequestTimeout,
	}

	ep.RegisterHandler(KindMergeNotify, s.handleMergeNotify)
	ep.RegisterHandler(KindGetRequest, s.handleGetRequest)
	return s, nil
}

func (s *Storage[K, V]) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.defaultTimeout)
}

// Get merge-reduces the local value (if any) with every remote peer's
// value for key (§4.4 "Reads broadcast and merge-reduce all responses,
// including the local"). Every responder's value is folded in, not just
// one arbitrary responder's, so with three or more peers holding
// genuinely divergent partials none of their contributions is dropped.
func (s *Storage[K, V]) Get(key K) (V, bool) {
	result, ok := s.local.Get(key)

	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		return result, ok
	}

	ctx, cancel := s.ctx()
	defer cancel()
	res, err := s.ep.Send(ctx, KindGetRequest, [][]byte{kb}, nil, endpoint.Broadcast())
	if err != nil {
		return result, ok
	}
	for _, vb := range res.PerResponder[string(kb)] {
		v, err := s.valueCodec.Decode(vb)
		if err != nil {
			s.logger.Error("federated: drop malformed value in get response", "error", err)
			continue
		}
		if !ok {
			result, ok = v, true
			continue
		}
		result = s.merge(result, v)
	}
	return result, ok
}

// GetAll applies Get to every key.
func (s *Storage[K, V]) GetAll(keys []K) map[K]V {
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := s.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Set merges value into the local copy via the configured merge
// operator, then broadcasts the merged result so remote peers apply the
// same merge (§4.4 "Policy").
func (s *Storage[K, V]) Set(key K, value V) (V, bool) {
	existing, existed := s.local.Get(key)
	merged := value
	if existed {
		merged = s.merge(existing, value)
	}
	old, hadOld := s.local.Set(key, merged)
	s.fanOutMerge(key, merged)
	return old, hadOld
}

// SetAll applies Set to every entry.
func (s *Storage[K, V]) SetAll(entries map[K]V) map[K]V {
	old := make(map[K]V, len(entries))
	for k, v := range entries {
		if o, existed := s.Set(k, v); existed {
			old[k] = o
		}
	}
	return old
}

// InsertAll inserts entries whose key is not already present locally,
// merging with nothing (the merge operator is not invoked for a fresh
// key since there is no existing value to combine with).
func (s *Storage[K, V]) InsertAll(entries map[K]V) map[K]V {
	inserted := make(map[K]V, len(entries))
	for k, v := range entries {
		if _, ok := s.local.Get(k); ok {
			continue
		}
		s.local.Set(k, v)
		s.fanOutMerge(k, v)
		inserted[k] = v
	}
	return inserted
}

// Delete removes key from the local copy only; Federated storage has no
// notion of a single owner to notify, so deletion does not propagate —
// a deleted key reappears locally the next time a remote set/merge
// notification for it arrives.
func (s *Storage[K, V]) Delete(key K) (V, bool) {
	return s.local.Delete(key)
}

// DeleteAll deletes every key from the local copy only.
func (s *Storage[K, V]) DeleteAll(keys []K) map[K]V {
	return s.local.DeleteAll(keys)
}

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

// Close clears the local store; Federated storage registers no
// coordinator subscriptions to dispose.
func (s *Storage[K, V]) Close() error {
	s.local.Clear()
	return s.ep.Close()
}

func (s *Storage[K, V]) fanOutMerge(key K, value V) {
	kb, err := s.keyCodec.Encode(key)
	if err != nil {
		return
	}
	vb, err := s.valueCodec.Encode(value)
	if err != nil {
		return
	}
	s.ep.Notify(KindMergeNotify, [][]byte{kb}, [][]byte{vb}, endpoint.Broadcast())
}

func (s *Storage[K, V]) handleMergeNotify(m bus.Message) *bus.Message {
	for i, kb := range m.Keys {
		if i >= len(m.Values) {
			continue
		}
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("federated: drop malformed key in merge-notify", "error", err)
			continue
		}
		incoming, err := s.valueCodec.Decode(m.Values[i])
		if err != nil {
			s.logger.Error("federated: drop malformed value in merge-notify", "error", err)
			continue
		}
		if existing, ok := s.local.Get(k); ok {
			s.local.Set(k, s.merge(existing, incoming))
		} else {
			s.local.Set(k, incoming)
		}
	}
	return nil
}

func (s *Storage[K, V]) handleGetRequest(m bus.Message) *bus.Message {
	var keys, values [][]byte
	seen := make(map[string]bool, len(m.Keys))
	for _, kb := range m.Keys {
		k, err := s.keyCodec.Decode(kb)
		if err != nil {
			s.logger.Error("federated: drop malformed key in get-request", "error", err)
			continue
		}
		v, ok := s.local.Get(k)
		if !ok {
			continue
		}
		if seen[string(kb)] {
			s.logger.Error("federated: duplicate key in outbound get-request reply", "key", string(kb))
		}
		seen[string(kb)] = true
		vb, err := s.valueCodec.Encode(v)
		if err != nil {
			continue
		}
		keys = append(keys, kb)
		values = append(values, vb)
	}
	return &bus.Message{Keys: keys, Values: values}
}
