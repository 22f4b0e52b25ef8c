package gridtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
	"github.com/forestgiant/gridkv/strategy/replicated"
)

func newReplicated(t *testing.T, n *Node, storageID gridkv.StorageID) *replicated.Storage[string, int] {
	t.Helper()
	s, err := gridkv.Replicated[string, int](n.Grid, storageID, localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, replicated.Config{RequestTimeout: 500 * time.Millisecond})
	require.NoError(t, err, "Replicated construction failed")
	return s
}

// TestReplicatedLinearizableWrites exercises spec §8 scenario 2: A is
// leader; A and B each write "k" and once both resolve, every peer agrees
// on the value the leader ordered last.
func TestReplicatedLinearizableWrites(t *testing.T) {
	nodes := NewCluster(t, 3)
	leader := WaitForLeader(t, 2*time.Second, nodes)

	var other1, other2 *Node
	for _, n := range nodes {
		if n == leader {
			continue
		}
		if other1 == nil {
			other1 = n
		} else {
			other2 = n
		}
	}

	const storageID gridkv.StorageID = "linearizable"
	sLeader := newReplicated(t, leader, storageID)
	sOther1 := newReplicated(t, other1, storageID)
	sOther2 := newReplicated(t, other2, storageID)

	sLeader.Set("k", 1)
	WaitFor(t, 2*time.Second, func() bool {
		v, ok := sOther1.Get("k")
		return ok && v == 1
	})

	// Leader orders the second write after the first: whichever peer issues
	// it, the cluster converges on 2.
	sOther1.Set("k", 2)

	WaitFor(t, 2*time.Second, func() bool {
		v, ok := sLeader.Get("k")
		return ok && v == 2
	})
	WaitFor(t, 2*time.Second, func() bool {
		v, ok := sOther2.Get("k")
		return ok && v == 2
	})
	v, ok := sOther1.Get("k")
	require.True(t, ok)
	require.Equal(t, 2, v)
}
