package localstore

import (
	"testing"
	"time"
)

func TestTimedMapExpiresEntries(t *testing.T) {
	m := NewTimedMap[string, string](20*time.Millisecond, 5*time.Millisecond, 16, time.Hour)
	defer m.Close()

	m.Set("a", "1")
	if _, ok := m.Get("a"); !ok {
		t.Fatal("entry should be readable immediately after Set")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := m.Get("a"); ok {
		t.Error("entry should have expired")
	}
}

func TestTimedMapExpiredEventDistinctFromDeleted(t *testing.T) {
	m := NewTimedMap[string, string](15*time.Millisecond, 5*time.Millisecond, 1, time.Hour)
	defer m.Close()

	ch, unsubscribe := m.Events().Subscribe()
	defer unsubscribe()

	m.Set("a", "1")

	var gotExpired bool
	deadline := time.After(time.Second)
	for !gotExpired {
		select {
		case batch := <-ch:
			for _, e := range batch {
				if e.Kind == Expired && e.Key == "a" {
					gotExpired = true
				}
				if e.Kind == Deleted {
					t.Error("a naturally expired entry should emit Expired, not Deleted")
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for Expired event")
		}
	}
}

func TestTimedMapNoTTLNeverExpires(t *testing.T) {
	m := NewTimedMap[string, string](0, 5*time.Millisecond, 16, time.Hour)
	defer m.Close()

	m.Set("a", "1")
	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get("a"); !ok {
		t.Error("entry with no default TTL should never expire")
	}
}

func TestTimedMapDeleteIsImmediate(t *testing.T) {
	m := NewTimedMap[string, string](time.Hour, time.Hour, 16, time.Hour)
	defer m.Close()

	m.Set("a", "1")
	old, existed := m.Delete("a")
	if !existed || old != "1" {
		t.Errorf("Delete = (%q, %v), want (\"1\", true)", old, existed)
	}
	if _, ok := m.Get("a"); ok {
		t.Error("deleted entry should not be readable")
	}
}
