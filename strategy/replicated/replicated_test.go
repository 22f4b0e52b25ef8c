package replicated

import (
	"testing"
	"time"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
)

// fakeCoordinator is a minimal endpoint.Coordinator with a leader the test
// controls directly, standing in for raftgrid.Coordinator's election
// outcome.
type fakeCoordinator struct {
	remotes []gridkv.EndpointID

	leader       gridkv.EndpointID
	hasLeader    bool
	leaderChange []func(gridkv.EndpointID)
}

func (f *fakeCoordinator) RemoteEndpointIDs() []gridkv.EndpointID { return f.remotes }
func (f *fakeCoordinator) CurrentLeaderID() (gridkv.EndpointID, bool) {
	return f.leader, f.hasLeader
}
func (f *fakeCoordinator) OnLeaderChanged(fn func(gridkv.EndpointID)) func() {
	f.leaderChange = append(f.leaderChange, fn)
	return func() {}
}
func (f *fakeCoordinator) OnPeerJoined(func(gridkv.EndpointID)) func()   { return func() {} }
func (f *fakeCoordinator) OnPeerDetached(func(gridkv.EndpointID)) func() { return func() {} }

func (f *fakeCoordinator) setLeader(id gridkv.EndpointID) {
	f.leader = id
	f.hasLeader = true
	for _, fn := range f.leaderChange {
		fn(id)
	}
}

func newTestStorage(t *testing.T, self gridkv.EndpointID, b bus.Bus, coord *fakeCoordinator) *Storage[string, string] {
	t.Helper()
	s := New[string, string](self, b, coord, "demo", localstore.NewMap[string, string](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[string]{}, Config{RequestTimeout: time.Second})
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}

func TestReplicatedLeaderWriteFansOutToFollowers(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	leaderCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"follower"}}
	followerCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"leader"}}

	leader := newTestStorage(t, "leader", b, leaderCoord)
	follower := newTestStorage(t, "follower", b, followerCoord)

	leaderCoord.setLeader("leader")
	followerCoord.setLeader("leader")

	leader.Set("key", "value")

	waitFor(t, func() bool {
		v, ok := follower.Get("key")
		return ok && v == "value"
	})
}

func TestReplicatedFollowerWriteRoutesToLeader(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	leaderCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"follower"}}
	followerCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"leader"}}

	leader := newTestStorage(t, "leader", b, leaderCoord)
	follower := newTestStorage(t, "follower", b, followerCoord)

	leaderCoord.setLeader("leader")
	followerCoord.setLeader("leader")

	_, existed := follower.Set("key", "value")
	if existed {
		t.Error("Set on a fresh key should report existed = false")
	}

	if v, ok := leader.Get("key"); !ok || v != "value" {
		t.Errorf("leader.Get after a follower write = (%q, %v), want (\"value\", true)", v, ok)
	}
	waitFor(t, func() bool {
		v, ok := follower.Get("key")
		return ok && v == "value"
	})
}

func TestReplicatedDeleteRoutesThroughLeader(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	leaderCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"follower"}}
	followerCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"leader"}}

	leader := newTestStorage(t, "leader", b, leaderCoord)
	follower := newTestStorage(t, "follower", b, followerCoord)

	leaderCoord.setLeader("leader")
	followerCoord.setLeader("leader")

	leader.Set("key", "value")
	waitFor(t, func() bool {
		_, ok := follower.Get("key")
		return ok
	})

	old, existed := follower.Delete("key")
	if !existed || old != "value" {
		t.Errorf("follower.Delete = (%q, %v), want (\"value\", true)", old, existed)
	}
	if _, ok := leader.Get("key"); ok {
		t.Error("key should be gone from the leader after a follower-routed delete")
	}
	waitFor(t, func() bool {
		_, ok := follower.Get("key")
		return !ok
	})
}

func TestReplicatedStandaloneDumpOnLeaderElection(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	leaderCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"joiner"}}
	joinerCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"leader"}}

	leader := newTestStorage(t, "leader", b, leaderCoord)
	joiner := newTestStorage(t, "joiner", b, joinerCoord)

	// joiner accumulated an entry while it had no leader to route through;
	// once it learns of a leader it must dump its entries to the cluster.
	joiner.local.Set("offline-key", "offline-value")

	leaderCoord.setLeader("leader")
	joinerCoord.setLeader("leader")

	waitFor(t, func() bool {
		v, ok := leader.Get("offline-key")
		return ok && v == "offline-value"
	})
}

func TestReplicatedInsertAllSkipsExisting(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	leaderCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"follower"}}
	followerCoord := &fakeCoordinator{remotes: []gridkv.EndpointID{"leader"}}

	leader := newTestStorage(t, "leader", b, leaderCoord)
	follower := newTestStorage(t, "follower", b, followerCoord)

	leaderCoord.setLeader("leader")
	followerCoord.setLeader("leader")

	leader.Set("existing", "original")
	waitFor(t, func() bool {
		_, ok := follower.Get("existing")
		return ok
	})

	inserted := follower.InsertAll(map[string]string{"existing": "ignored", "fresh": "new"})
	if _, ok := inserted["existing"]; ok {
		t.Error("InsertAll should skip a key already present on the leader")
	}
	if v, ok := inserted["fresh"]; !ok || v != "new" {
		t.Errorf("InsertAll result for fresh key = (%q, %v), want (\"new\", true)", v, ok)
	}
	if v, _ := leader.Get("existing"); v != "original" {
		t.Errorf("leader's existing value should be unchanged, got %q", v)
	}
}
