package zfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDestroyIsIdempotent(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.DestroyDataset("tank/nope", true))

	require.NoError(t, f.CreateDataset("tank/alice", "10G", "lz4"))
	require.NoError(t, f.DestroyDataset("tank/alice", true))
	require.NoError(t, f.DestroyDataset("tank/alice", true))

	exists, err := f.DatasetExists("tank/alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFakePruneSnapshotsKeepsNewest(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.CreateDataset("tank/alice", "", ""))
	for _, tag := range []string{"a", "b", "c", "d"} {
		_, err := f.Snapshot("tank/alice", tag)
		require.NoError(t, err)
	}

	destroyed, err := f.PruneSnapshots("tank/alice", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, destroyed)

	remaining, err := f.ListSnapshots("tank/alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, remaining)
}
