package localstore

import (
	"sync"
	"time"

	"github.com/forestgiant/gridkv/events"
)

// Map is a generic, mutex-guarded, event-emitting concurrent map —
// generalizing mapsource.MapSource's storage field and mutex into the
// Store[K, V] contract. It never expires entries; see TimedMap for that.
type Map[K comparable, V any] struct {
	mu     sync.Mutex
	data   map[K]V
	events *events.Pipeline[Event[K, V]]
	closed bool
}

// NewMap returns an empty Map. maxCollected and window configure its
// event pipeline's batching window (see events.New).
func NewMap[K comparable, V any](maxCollected int, window time.Duration) *Map[K, V] {
	return &Map[K, V]{
		data:   make(map[K]V),
		events: events.New[Event[K, V]](maxCollected, window, nil),
	}
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Map[K, V]) GetAll(keys []K) map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[K]V, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (m *Map[K, V]) Set(key K, value V) (V, bool) {
	m.mu.Lock()
	old, existed := m.data[key]
	m.data[key] = value
	m.mu.Unlock()

	kind := Created
	if existed {
		kind = Updated
	}
	m.events.Emit(Event[K, V]{Kind: kind, Key: key, Value: value})
	return old, existed
}

func (m *Map[K, V]) SetAll(entries map[K]V) map[K]V {
	old := make(map[K]V, len(entries))
	for k, v := range entries {
		prev, existed := m.Set(k, v)
		if existed {
			old[k] = prev
		}
	}
	return old
}

func (m *Map[K, V]) InsertAll(entries map[K]V) map[K]V {
	inserted := make(map[K]V)
	m.mu.Lock()
	for k, v := range entries {
		if _, exists := m.data[k]; !exists {
			m.data[k] = v
			inserted[k] = v
		}
	}
	m.mu.Unlock()

	for k, v := range inserted {
		m.events.Emit(Event[K, V]{Kind: Created, Key: k, Value: v})
	}
	return inserted
}

func (m *Map[K, V]) Delete(key K) (V, bool) {
	m.mu.Lock()
	old, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.events.Emit(Event[K, V]{Kind: Deleted, Key: key, Value: old})
	}
	return old, existed
}

func (m *Map[K, V]) DeleteAll(keys []K) map[K]V {
	deleted := make(map[K]V)
	for _, k := range keys {
		if v, existed := m.Delete(k); existed {
			deleted[k] = v
		}
	}
	return deleted
}

func (m *Map[K, V]) Evict(key K) (V, bool) {
	m.mu.Lock()
	old, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.events.Emit(Event[K, V]{Kind: Evicted, Key: key, Value: old})
	}
	return old, existed
}

func (m *Map[K, V]) EvictAll(keys []K) map[K]V {
	evicted := make(map[K]V)
	for _, k := range keys {
		if v, existed := m.Evict(k); existed {
			evicted[k] = v
		}
	}
	return evicted
}

func (m *Map[K, V]) Restore(key K, value V) bool {
	m.mu.Lock()
	_, exists := m.data[key]
	if !exists {
		m.data[key] = value
	}
	m.mu.Unlock()

	if !exists {
		m.events.Emit(Event[K, V]{Kind: Restored, Key: key, Value: value})
	}
	return !exists
}

func (m *Map[K, V]) RestoreAll(entries map[K]V) map[K]V {
	restored := make(map[K]V)
	for k, v := range entries {
		if m.Restore(k, v) {
			restored[k] = v
		}
	}
	return restored
}

func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *Map[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	m.data = make(map[K]V)
	m.mu.Unlock()
}

// Iterator yields every key/value pair of a snapshot taken when iteration
// starts, stopping early if yield returns false. batchSize (§6
// iterator-batch-size) does not chunk the walk: the snapshot is yielded
// one pair at a time.
func (m *Map[K, V]) Iterator(batchSize int) func(yield func(K, V) bool) {
	if batchSize <= 0 {
		batchSize = 1
	}
	return func(yield func(K, V) bool) {
		m.mu.Lock()
		snapshot := make(map[K]V, len(m.data))
		for k, v := range m.data {
			snapshot[k] = v
		}
		m.mu.Unlock()

		for k, v := range snapshot {
			if !yield(k, v) {
				return
			}
		}
	}
}

func (m *Map[K, V]) Events() *events.Pipeline[Event[K, V]] {
	return m.events
}

func (m *Map[K, V]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.events.Emit(Event[K, V]{Kind: Closing})
	m.events.Close()
	return nil
}
