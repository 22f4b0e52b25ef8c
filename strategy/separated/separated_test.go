package separated

import (
	"testing"
	"time"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
)

// fakeCoordinator is a minimal endpoint.Coordinator for exercising
// broadcast fan-out and peer-detached handling without hashicorp/raft.
// Unlike raftgrid.Coordinator it never mutates peers dynamically; tests
// configure each node's remote-peer view up front, excluding itself, the
// way raftgrid's heartbeat gossip always does.
type fakeCoordinator struct {
	remotes []gridkv.EndpointID
}

func (f *fakeCoordinator) RemoteEndpointIDs() []gridkv.EndpointID { return f.remotes }
func (f *fakeCoordinator) CurrentLeaderID() (gridkv.EndpointID, bool) {
	return "", false
}
func (f *fakeCoordinator) OnLeaderChanged(func(gridkv.EndpointID)) func() { return func() {} }
func (f *fakeCoordinator) OnPeerJoined(func(gridkv.EndpointID)) func()   { return func() {} }
func (f *fakeCoordinator) OnPeerDetached(func(gridkv.EndpointID)) func() { return func() {} }

func newTestStorage(t *testing.T, self gridkv.EndpointID, b bus.Bus, remotes ...gridkv.EndpointID) *Storage[string, string] {
	t.Helper()
	coord := &fakeCoordinator{remotes: remotes}
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

func TestSeparatedOwnershipIsFirstWriterWins(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("key", "from-a")
	// b attempts to write the same key; a already owns it, so b's write
	// should update a's copy remotely rather than bNode claiming it.
	bNode.Set("key", "from-b")

	v, ok := a.Get("key")
	if !ok || v != "from-b" {
		t.Errorf("owner's value = (%q, %v), want (\"from-b\", true) after remote claim updates the owner", v, ok)
	}
	if _, ok := bNode.local.Get("key"); ok {
		t.Error("non-owner should not hold a local copy of a key it does not own")
	}
}

func TestSeparatedGetFallsBackToRemote(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("key", "value")

	v, ok := bNode.Get("key")
	if !ok || v != "value" {
		t.Errorf("Get on non-owner = (%q, %v), want (\"value\", true)", v, ok)
	}
}

func TestSeparatedDeletePropagatesToOwner(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("key", "value")

	old, existed := bNode.Delete("key")
	if !existed || old != "value" {
		t.Errorf("Delete from non-owner = (%q, %v), want (\"value\", true)", old, existed)
	}
	if _, ok := a.Get("key"); ok {
		t.Error("key should be gone from the owner after a remote delete")
	}
}

func TestSeparatedPeerDetachedAbsorbsBackup(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("key", "value")
	// Set backs the entry up on the sole remote peer ("b"); wait for the
	// asynchronous backup-save notification to land.
	waitFor(t, func() bool { return bNode.backup.Metrics() == 1 })

	bNode.handlePeerDetached("a")

	extracted, ok := bNode.local.Get("key")
	if !ok || extracted != "value" {
		t.Errorf("b should have absorbed a's key locally after a detaches, got (%q, %v)", extracted, ok)
	}
	if bNode.backup.Metrics() != 0 {
		t.Errorf("absorbed entries should be removed from held backups, got %d still held", bNode.backup.Metrics())
	}
}

func TestSeparatedKeysUnionsLocalAndRemote(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("a-key", "1")
	bNode.Set("b-key", "2")

	keys := a.Keys()
	found := map[string]bool{}
	for _, k := range keys {
		found[k] = true
	}
	if !found["a-key"] || !found["b-key"] {
		t.Errorf("Keys() = %v, want both a-key and b-key", keys)
	}
}
