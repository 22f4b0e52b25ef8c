package federated

import (
	"testing"
	"time"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/bus"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
)

// fakeCoordinator is a minimal endpoint.Coordinator exposing a fixed
// remote-peer set; Federated storage never consults a leader.
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

func sumMerge(existing, incoming int) int { return existing + incoming }

func newTestStorage(t *testing.T, self gridkv.EndpointID, b bus.Bus, remotes ...gridkv.EndpointID) *Storage[string, int] {
	t.Helper()
	coord := &fakeCoordinator{remotes: remotes}
	s, err := New[string, int](self, b, coord, "demo", localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, Config[int]{MergeOperator: sumMerge, RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
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

func TestFederatedNewRejectsNilMergeOperator(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	_, err := New[string, int]("a", b, &fakeCoordinator{}, "demo", localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, Config[int]{})
	if err == nil {
		t.Fatal("New with a nil MergeOperator should return an error")
	}
}

func TestFederatedSetMergesLocallyThenFansOut(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("count", 2)
	a.Set("count", 3)

	if v, ok := a.local.Get("count"); !ok || v != 5 {
		t.Errorf("local merged value = (%d, %v), want (5, true)", v, ok)
	}
	// a broadcasts its merged value after each Set (2, then 5); b merges
	// each broadcast into its own copy: 2 + 5 = 7.
	waitFor(t, func() bool {
		v, ok := bNode.local.Get("count")
		return ok && v == 7
	})
}

func TestFederatedGetMergeReducesAcrossPeers(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	// Each peer accumulates its own partial copy without the other
	// learning about it (simulating a missed merge-notify).
	a.local.Set("count", 2)
	bNode.local.Set("count", 5)

	v, ok := a.Get("count")
	if !ok || v != 7 {
		t.Errorf("Get merge-reduced value = (%d, %v), want (7, true)", v, ok)
	}
}

func TestFederatedInsertAllSkipsExistingKeyWithoutMerging(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")

	a.local.Set("count", 10)
	inserted := a.InsertAll(map[string]int{"count": 5, "fresh": 1})

	if _, ok := inserted["count"]; ok {
		t.Error("InsertAll should skip a key already present locally")
	}
	if v, _ := a.local.Get("count"); v != 10 {
		t.Errorf("existing value should be untouched by InsertAll, got %d", v)
	}
	if v, ok := inserted["fresh"]; !ok || v != 1 {
		t.Errorf("InsertAll result for fresh key = (%d, %v), want (1, true)", v, ok)
	}
}

func TestFederatedDeleteIsLocalOnly(t *testing.T) {
	b := bus.NewLocalBus()
	defer b.Close()

	a := newTestStorage(t, "a", b, "b")
	bNode := newTestStorage(t, "b", b, "a")

	a.Set("count", 4)
	waitFor(t, func() bool {
		_, ok := bNode.local.Get("count")
		return ok
	})

	old, existed := a.Delete("count")
	if !existed || old != 4 {
		t.Errorf("Delete = (%d, %v), want (4, true)", old, existed)
	}
	if _, ok := a.local.Get("count"); ok {
		t.Error("deleted key should be gone locally")
	}
	if _, ok := bNode.local.Get("count"); !ok {
		t.Error("Federated delete must not propagate: remote peer's copy should survive")
	}
}
