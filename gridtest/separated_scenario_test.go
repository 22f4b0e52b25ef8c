package gridtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forestgiant/gridkv"
	"github.com/forestgiant/gridkv/codec"
	"github.com/forestgiant/gridkv/localstore"
	"github.com/forestgiant/gridkv/strategy/separated"
)

func newSeparated(t *testing.T, n *Node, storageID gridkv.StorageID) *separated.Storage[string, int] {
	t.Helper()
	s, err := gridkv.Separated[string, int](n.Grid, storageID, localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, separated.Config{RequestTimeout: 500 * time.Millisecond})
	require.NoError(t, err, "Separated construction failed")
	return s
}

// TestSeparatedOwnershipHandoff exercises spec §8 scenario 1: peers A, B,
// C form a cluster, A inserts "x", B and C stay empty and read it
// remotely, then A disconnects and one of B/C (whichever held the
// backup) absorbs ownership.
func TestSeparatedOwnershipHandoff(t *testing.T) {
	nodes := NewCluster(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	WaitForLeader(t, 2*time.Second, nodes)

	const storageID gridkv.StorageID = "handoff"
	sa := newSeparated(t, a, storageID)
	sb := newSeparated(t, b, storageID)
	sc := newSeparated(t, c, storageID)

	// Let Raft's membership gossip settle so backup.Save's round-robin
	// peer selection has remote peers to choose from.
	WaitFor(t, 2*time.Second, func() bool {
		return len(a.Grid.Coordinator().RemoteEndpointIDs()) == 2
	})

	sa.Set("x", 1)

	require.Equal(t, 1, sa.Size(), "A.Size()")
	require.Zero(t, sb.Size(), "B.Size() before handoff")
	require.Zero(t, sc.Size(), "C.Size() before handoff")

	v, ok := sb.Get("x")
	require.True(t, ok, "B.Get(x) should resolve remotely")
	require.Equal(t, 1, v)

	a.Disconnect()

	WaitFor(t, 2*time.Second, func() bool {
		return sb.Size() == 1 || sc.Size() == 1
	})

	bv, bok := sb.Get("x")
	cv, cok := sc.Get("x")
	if bok {
		require.Equal(t, 1, bv, "B.Get(x) after handoff")
	}
	if cok {
		require.Equal(t, 1, cv, "C.Get(x) after handoff")
	}
	require.True(t, bok || cok, "neither B nor C holds x after A disconnects")
}
