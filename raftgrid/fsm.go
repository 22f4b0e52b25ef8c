package raftgrid

import (
	"io"
	"sync/atomic"

	"github.com/hashicorp/raft"
)

// fsm is intentionally minimal: the Raft log here carries raft's own
// membership changes plus any opaque command passed to SubmitCommand
// (nothing in this module submits one); the three distribution strategies replicate
// storage data over the generic message bus, not through Raft's log. The
// FSM's only job is to track the last applied index and hand the
// committed command back to whoever is awaiting submit-command's future.
type fsm struct {
	lastApplied uint64
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	atomic.StoreUint64(&f.lastApplied, l.Index)
	return l.Data
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

// emptySnapshot satisfies raft.FSMSnapshot. Persistence is explicitly out
// of scope (§6 "Persisted state: None"), so there is nothing to persist;
// a restarted peer always rejoins fresh.
type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (emptySnapshot) Release() {}
