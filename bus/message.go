// Package bus implements the message bus adapter: the inbound/outbound
// framed messages and protocol-tag routing that every other component in
// the grid rides on. The bus itself is treated as an unreliable,
// unordered transport — publish is best-effort, subscribe delivers every
// observed message to one local handler.
package bus

import "github.com/forestgiant/gridkv"

// ProtocolTag identifies which subsystem a Message belongs to.
type ProtocolTag string

const (
	// ProtocolSeparated carries Separated-storage request/response traffic.
	ProtocolSeparated ProtocolTag = "separated-storage"
	// ProtocolReplicated carries Replicated-storage request/response traffic.
	ProtocolReplicated ProtocolTag = "replicated-storage"
	// ProtocolFederated carries Federated-storage merge/get traffic.
	ProtocolFederated ProtocolTag = "federated-storage"
	// ProtocolBackup carries backup-storage save/delete/evict/get traffic.
	ProtocolBackup ProtocolTag = "backup-storage"
	// ProtocolRaft carries Raft RequestVote/AppendEntries/leader-change traffic.
	ProtocolRaft ProtocolTag = "raft"
)

// MessageType distinguishes the shape of a Message's payload.
type MessageType string

const (
	// TypeRequest expects a correlated response from each destination.
	TypeRequest MessageType = "request"
	// TypeResponse answers a prior TypeRequest by correlation ID.
	TypeResponse MessageType = "response"
	// TypeNotification is fire-and-forget; no response is expected.
	TypeNotification MessageType = "notification"
	// TypeRaft carries a Raft-internal RPC (RequestVote/AppendEntries/etc).
	TypeRaft MessageType = "raft"
)

// Kind names the specific inbound handler a message should be dispatched
// to within its protocol. It is the "message-type, unexpected notification
// kind" that §7 talks about validating.
type Kind string

// Message is the unit crossing the bus. Keys and values are already
// encoded byte strings produced by a codec; the bus and endpoint never
// inspect them.
type Message struct {
	Protocol      ProtocolTag
	Type          MessageType
	Kind          Kind
	Source        gridkv.EndpointID
	Destination   gridkv.EndpointID // zero value means broadcast
	Correlation   gridkv.CorrelationID
	Storage       gridkv.StorageID
	Keys          [][]byte
	Values        [][]byte
	OldValues     [][]byte // populated by update-entries-request replies
	Sequence      uint64   // raft log sequence number
	Term          uint64   // raft term
	LeaderID      gridkv.EndpointID
	DeletedKeys   [][]byte // actually-deleted keys, for delete responses
	Err           string   // non-empty on a failed-operation response
}

// IsBroadcast reports whether m has no explicit destination.
func (m Message) IsBroadcast() bool {
	return m.Destination.IsZero()
}
