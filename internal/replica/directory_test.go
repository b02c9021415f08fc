package replica

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAssignNewPicksTwoDistinctLivePeers(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	a, err := d.AssignNew(row, []NodeID{"n1", "n2", "n3"})
	require.NoError(t, err)
	require.NotEmpty(t, a.Primary)
	require.NotEmpty(t, a.Secondary)
	require.NotEqual(t, a.Primary, a.Secondary)

	got, ok := d.Holders(row)
	require.True(t, ok)
	require.Equal(t, a, got)
}

func TestAssignNewLeavesSecondaryUnassignedWithOnePeer(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	a, err := d.AssignNew(row, []NodeID{"n1"})
	require.NoError(t, err)
	require.Equal(t, NodeID("n1"), a.Primary)
	require.Empty(t, a.Secondary)
}

func TestAssignNewWithNoLivePeersFails(t *testing.T) {
	d := NewDirectory()
	_, err := d.AssignNew(uuid.New(), nil)
	require.ErrorIs(t, err, ErrNoLivePeers)
}

func TestHandlePeerLossPromotesSecondaryWhenPrimaryLost(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	d.assignments[row] = Assignment{Primary: "lost", Secondary: "sec"}

	claims := d.HandlePeerLoss("lost", []NodeID{"sec", "n3", "n4"})
	got, ok := d.Holders(row)
	require.True(t, ok)
	require.Equal(t, NodeID("sec"), got.Primary)
	require.NotEmpty(t, got.Secondary)
	require.NotEqual(t, NodeID("sec"), got.Secondary)

	require.NotEmpty(t, claims)
	for _, c := range claims {
		require.Equal(t, row, c.RowID)
	}
}

func TestHandlePeerLossReplacesSecondaryWhenSecondaryLost(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	d.assignments[row] = Assignment{Primary: "prim", Secondary: "lost"}

	claims := d.HandlePeerLoss("lost", []NodeID{"prim", "n3"})
	got, ok := d.Holders(row)
	require.True(t, ok)
	require.Equal(t, NodeID("prim"), got.Primary)
	require.Equal(t, NodeID("n3"), got.Secondary)
	require.Len(t, claims, 1)
	require.Equal(t, NodeID("n3"), claims[0].NewHolder)
	require.Equal(t, NodeID("prim"), claims[0].FetchFrom)
}

func TestHandlePeerLossLeavesSecondaryUnassignedWhenNoCandidateRemains(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	d.assignments[row] = Assignment{Primary: "lost", Secondary: "sec"}

	claims := d.HandlePeerLoss("lost", []NodeID{"sec"})
	got, _ := d.Holders(row)
	require.Equal(t, NodeID("sec"), got.Primary)
	require.Empty(t, got.Secondary)
	require.Len(t, claims, 1) // only the primary promotion claim, no secondary draw possible
}

func TestRemoveDropsAssignment(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	_, err := d.AssignNew(row, []NodeID{"n1", "n2"})
	require.NoError(t, err)
	d.Remove(row)
	_, ok := d.Holders(row)
	require.False(t, ok)
}

func TestRebalanceFillsMissingSecondaries(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	d.assignments[row] = Assignment{Primary: "n1"}

	claims := d.Rebalance([]NodeID{"n1", "n2"})
	got, _ := d.Holders(row)
	require.Equal(t, NodeID("n2"), got.Secondary)
	require.Len(t, claims, 1)
}

func TestDirectorySaveLoadRoundTrip(t *testing.T) {
	d := NewDirectory()
	row := uuid.New()
	_, err := d.AssignNew(row, []NodeID{"n1", "n2"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "replica.file")
	require.NoError(t, d.Save(path))

	loaded, err := LoadDirectory(path)
	require.NoError(t, err)
	got, ok := loaded.Holders(row)
	require.True(t, ok)
	require.ElementsMatch(t, []NodeID{"n1", "n2"}, []NodeID{got.Primary, got.Secondary})
}

func TestLoadDirectoryMissingFileIsNotFound(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "absent.file"))
	require.ErrorIs(t, err, ErrReplicaFileNotFound)
}

func TestLoadDirectoryCorruptFileIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.file")
	require.NoError(t, writeRaw(path, []byte("garbage")))
	_, err := LoadDirectory(path)
	require.ErrorIs(t, err, ErrCorruptReplicaFile)
}
