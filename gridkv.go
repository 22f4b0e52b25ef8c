// Package gridkv implements a distributed, in-process key-value storage
// grid: a library that lets a cluster of peer nodes expose coherent
// key-value stores across a network using one of three distribution
// strategies (separated, replicated, federated) layered over a common
// request/response fabric and a Raft-based coordination plane.
package gridkv

import (
	"encoding/json"

	"github.com/google/uuid"
)

const (
	// DefaultRequestTimeoutMS is used when a storage's configuration leaves
	// RequestTimeout unset (zero or negative).
	DefaultRequestTimeoutMS = 2000

	// DefaultMaxMessageKeys is the default batching threshold for the
	// number of keys carried by a single outbound message.
	DefaultMaxMessageKeys = 64

	// DefaultMaxMessageValues is the default batching threshold for the
	// number of values carried by a single outbound message.
	DefaultMaxMessageValues = 64

	// DefaultMaxCollectedEvents bounds how many storage events accumulate
	// in one batch before the event pipeline flushes early.
	DefaultMaxCollectedEvents = 256

	// DefaultMaxCollectedTimeMS bounds how long the event pipeline waits
	// before flushing a partial batch.
	DefaultMaxCollectedTimeMS = 250

	// DefaultIteratorBatchSize is the chunk size used for cross-cluster
	// iteration.
	DefaultIteratorBatchSize = 128

	// DefaultRaftMinElectionTimeoutMS is the low end of the randomized
	// election timeout window [min, 2*min).
	DefaultRaftMinElectionTimeoutMS = 150

	// DefaultRaftHeartbeatMS is the interval the leader sends AppendEntries
	// heartbeats to followers.
	DefaultRaftHeartbeatMS = 50

	// DefaultPeerTimeoutMS is how long a peer may go without a heartbeat
	// before it is considered detached.
	DefaultPeerTimeoutMS = 1000
)

// EndpointID identifies one participant in the grid for the lifetime of
// its process. Two peers never share an identifier; a restarted peer gets
// a new one.
type EndpointID string

// NewEndpointID mints a fresh, process-lifetime endpoint identifier.
func NewEndpointID() EndpointID {
	return EndpointID(uuid.NewString())
}

// IsZero reports whether id has never been assigned.
func (id EndpointID) IsZero() bool {
	return id == ""
}

func (id EndpointID) String() string {
	return string(id)
}

// StorageID is an operator-chosen name identifying one logical storage.
// Peers that use the same StorageID form one storage and must agree on
// its strategy, key type and value type.
type StorageID string

func (id StorageID) String() string {
	return string(id)
}

// CorrelationID ties an outbound request to the responses it collects.
type CorrelationID string

// NewCorrelationID mints a fresh correlation identifier, unique within
// the issuing endpoint's process lifetime.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Marshaller encodes arbitrary values, mirroring the codec contract
// described in the local-store-facing part of this module (see package
// codec). Kept here, generalizing the teacher's single Marshaller
// interface, so callers that only need ad-hoc debug formatting don't have
// to import codec.
type Marshaller interface {
	Marshal(object interface{}) ([]byte, error)
}

// JSONMarshaller is the default Marshaller, used for logging and
// diagnostics only — the codec package's generic Encode/Decode is the
// contract the endpoint actually uses on the wire.
type JSONMarshaller struct{}

// Marshal encodes object as JSON.
func (JSONMarshaller) Marshal(object interface{}) ([]byte, error) {
	return json.Marshal(object)
}

// StorageEntry is a single key/value pair with an optional expiration,
// mirroring the consumed local-store contract's notion of an entry.
type StorageEntry[K comparable, V any] struct {
	Key    K
	Value  V
	Expiry *int64 // unix millis, nil means no expiration
}
