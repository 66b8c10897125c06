package arbiter

import (
	"testing"

	"github.com/cuemby/snapguard/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestNextFinalizationSlot_EmptyRegistriesNoSlot(t *testing.T) {
	_, found := NextFinalizationSlot("r", nil, nil)
	assert.False(t, found)
}

func TestNextFinalizationSlot_IgnoresNonTerminalEntries(t *testing.T) {
	entries := []*types.Entry{
		{Repository: "r", Snapshot: types.SnapshotId{Name: "a"}, State: types.EntryStateStarted, Seq: 1},
	}
	_, found := NextFinalizationSlot("r", entries, nil)
	assert.False(t, found)
}

func TestNextFinalizationSlot_OldestSeqWinsAcrossRegistries(t *testing.T) {
	snapshots := []*types.Entry{
		{Repository: "r", Snapshot: types.SnapshotId{Name: "b"}, State: types.EntryStateSuccess, Seq: 3},
	}
	deletions := []*types.DeletionEntry{
		{Repository: "r", UUID: "d1", State: types.DeletionStateStarted, Seq: 1},
	}

	req, found := NextFinalizationSlot("r", snapshots, deletions)
	assert.True(t, found)
	assert.Equal(t, KindDeletionFinalize, req.Kind)
	assert.Equal(t, "d1", req.DeletionUUID)
}

func TestNextFinalizationSlot_IgnoresOtherRepositories(t *testing.T) {
	snapshots := []*types.Entry{
		{Repository: "other", Snapshot: types.SnapshotId{Name: "a"}, State: types.EntryStateSuccess, Seq: 1},
	}
	_, found := NextFinalizationSlot("r", snapshots, nil)
	assert.False(t, found)
}

func TestPendingRequests_OrderedBySeq(t *testing.T) {
	snapshots := []*types.Entry{
		{Repository: "r", Snapshot: types.SnapshotId{Name: "c"}, State: types.EntryStateSuccess, Seq: 5},
		{Repository: "r", Snapshot: types.SnapshotId{Name: "a"}, State: types.EntryStateFailed, Seq: 2},
	}
	deletions := []*types.DeletionEntry{
		{Repository: "r", UUID: "d1", State: types.DeletionStateStarted, Seq: 3},
	}

	reqs := PendingRequests("r", snapshots, deletions)
	if assert.Len(t, reqs, 3) {
		assert.Equal(t, int64(2), reqs[0].Seq)
		assert.Equal(t, int64(3), reqs[1].Seq)
		assert.Equal(t, int64(5), reqs[2].Seq)
	}
}

func TestPendingRequests_DeletionNotYetStartedIsNotPending(t *testing.T) {
	deletions := []*types.DeletionEntry{
		{Repository: "r", UUID: "d1", State: types.DeletionStateWaiting, Seq: 1},
	}
	reqs := PendingRequests("r", nil, deletions)
	assert.Len(t, reqs, 0)
}
