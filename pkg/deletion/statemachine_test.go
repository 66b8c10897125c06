package deletion

import (
	"testing"
	"time"

	"github.com/cuemby/snapguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry_StartsWaitingWithOneWaiter(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))

	assert.Equal(t, types.DeletionStateWaiting, e.State)
	assert.Equal(t, []string{"caller-a"}, e.Waiters)
}

func TestFold_MergesSnapshotsAndWaiterIntoWaitingEntry(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))

	ok := Fold(e, []types.SnapshotId{{Name: "s2", UUID: "u2"}}, "caller-b")

	require.True(t, ok)
	assert.Len(t, e.Snapshots, 2)
	assert.Equal(t, []string{"caller-a", "caller-b"}, e.Waiters)
}

func TestFold_NoOpOnceStarted(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))
	Start(e)

	ok := Fold(e, []types.SnapshotId{{Name: "s2", UUID: "u2"}}, "caller-b")

	assert.False(t, ok)
	assert.Len(t, e.Snapshots, 1)
}

func TestFold_DeduplicatesByUUID(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))

	Fold(e, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-b")

	assert.Len(t, e.Snapshots, 1)
}

func TestReadyToStart_BlockedByNonTerminalInProgressEntry(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))

	ready := ReadyToStart(e, map[string]types.EntryState{"u1": types.EntryStateStarted})
	assert.False(t, ready)
}

func TestReadyToStart_TrueOnceNamedEntriesTerminalOrAbsent(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}, {Name: "s2", UUID: "u2"}}, "caller-a", time.Unix(0, 0))

	ready := ReadyToStart(e, map[string]types.EntryState{"u1": types.EntryStateAborted})
	assert.True(t, ready)
}

func TestStart_TransitionsWaitingToStarted(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))

	ok := Start(e)
	require.True(t, ok)
	assert.Equal(t, types.DeletionStateStarted, e.State)
}

func TestStart_IdempotentOnAlreadyStarted(t *testing.T) {
	e := NewEntry("del-1", "repo", 0, 1, []types.SnapshotId{{Name: "s1", UUID: "u1"}}, "caller-a", time.Unix(0, 0))
	Start(e)

	ok := Start(e)
	assert.False(t, ok)
	assert.Equal(t, types.DeletionStateStarted, e.State)
}
