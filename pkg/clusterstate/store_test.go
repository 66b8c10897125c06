package clusterstate

import (
	"testing"
	"time"

	"github.com/cuemby/snapguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_RepositoryCRUD(t *testing.T) {
	store := newTestStore(t)

	repo := &types.Repository{Name: "backups", Type: types.RepositoryTypeFilesystem, Generation: 0}
	require.NoError(t, store.PutRepository(repo))

	got, err := store.GetRepository("backups")
	require.NoError(t, err)
	assert.Equal(t, repo.Name, got.Name)

	list, err := store.ListRepositories()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteRepository("backups"))
	_, err = store.GetRepository("backups")
	assert.Error(t, err)
}

func TestBoltStore_SnapshotEntryCRUD(t *testing.T) {
	store := newTestStore(t)

	entry := &types.Entry{
		Snapshot:   types.SnapshotId{Name: "snap-1", UUID: "uuid-1"},
		Repository: "backups",
		State:      types.EntryStateInit,
		StartTime:  time.Unix(0, 0),
	}
	require.NoError(t, store.PutSnapshotEntry(entry))

	got, err := store.GetSnapshotEntry("backups", "snap-1")
	require.NoError(t, err)
	assert.Equal(t, types.EntryStateInit, got.State)

	byRepo, err := store.ListSnapshotEntriesByRepository("backups")
	require.NoError(t, err)
	assert.Len(t, byRepo, 1)

	require.NoError(t, store.DeleteSnapshotEntry("backups", "snap-1"))
	all, err := store.ListSnapshotEntries()
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

func TestBoltStore_DeletionEntryCRUD(t *testing.T) {
	store := newTestStore(t)

	entry := &types.DeletionEntry{
		UUID:       "del-uuid-1",
		Repository: "backups",
		Snapshots:  []types.SnapshotId{{Name: "snap-1", UUID: "uuid-1"}},
		State:      types.DeletionStateWaiting,
	}
	require.NoError(t, store.PutDeletionEntry(entry))

	got, err := store.GetDeletionEntry("del-uuid-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeletionStateWaiting, got.State)

	byRepo, err := store.ListDeletionEntriesByRepository("backups")
	require.NoError(t, err)
	assert.Len(t, byRepo, 1)

	require.NoError(t, store.DeleteDeletionEntry("del-uuid-1"))
	all, err := store.ListDeletionEntries()
	require.NoError(t, err)
	assert.Len(t, all, 0)
}

func TestBoltStore_NodeShutdownCRUD(t *testing.T) {
	store := newTestStore(t)

	meta := &types.NodeShutdownMetadata{NodeID: "node-1", Type: types.NodeShutdownRestart}
	require.NoError(t, store.PutNodeShutdown(meta))

	got, err := store.GetNodeShutdown("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeShutdownRestart, got.Type)

	require.NoError(t, store.DeleteNodeShutdown("node-1"))
	_, err = store.GetNodeShutdown("node-1")
	assert.Error(t, err)
}

func TestBoltStore_NextSeqMonotonic(t *testing.T) {
	store := newTestStore(t)

	first, err := store.NextSeq()
	require.NoError(t, err)
	second, err := store.NextSeq()
	require.NoError(t, err)

	assert.Equal(t, first+1, second)
}
