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

// TestRequestTimesOutWhenResponsesAreDropped exercises spec §8 scenario
// 4: with request-timeout-ms = 100 and all messages from A to B dropped,
// A's get-all for a key only B could answer returns empty within ~100ms
// rather than blocking for the default timeout.
func TestRequestTimesOutWhenResponsesAreDropped(t *testing.T) {
	nodes := NewCluster(t, 2)
	a, b := nodes[0], nodes[1]
	WaitForLeader(t, 2*time.Second, nodes)

	const storageID gridkv.StorageID = "timeout"
	sa, err := gridkv.Separated[string, int](a.Grid, storageID, localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, separated.Config{RequestTimeout: 100 * time.Millisecond})
	require.NoError(t, err, "Separated construction on A failed")
	_, err = gridkv.Separated[string, int](b.Grid, storageID, localstore.NewMap[string, int](16, time.Hour),
		codec.JSON[string]{}, codec.JSON[int]{}, separated.Config{RequestTimeout: 100 * time.Millisecond})
	require.NoError(t, err, "Separated construction on B failed")

	// B drops every message whose source is A: A's requests never reach
	// B's handler, so B never answers.
	b.BlockTraffic(a.ID)

	start := time.Now()
	out := sa.GetAll([]string{"only-on-b"})
	elapsed := time.Since(start)

	require.Empty(t, out, "GetAll should return nothing once B never answers")
	require.LessOrEqual(t, elapsed, 400*time.Millisecond, "GetAll should resolve near the 100ms request timeout")
}
