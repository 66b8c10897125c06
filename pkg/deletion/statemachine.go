// Package deletion implements the per-Entry Deletion State Machine of
// §4.4: batching concurrent delete requests against the same repository,
// cascading abort into named in-progress creates, and driving the entry to
// STARTED once nothing non-terminal remains to wait on.
package deletion

import (
	"time"

	"github.com/cuemby/snapguard/pkg/types"
)

// NewEntry starts a WAITING deletion entry naming snapshots. waiter
// identifies the caller that created the batch; subsequent folds append
// more waiters via Fold.
func NewEntry(uuid, repository string, repositoryStateID, seq int64, snapshots []types.SnapshotId, waiter string, now time.Time) *types.DeletionEntry {
	return &types.DeletionEntry{
		UUID:              uuid,
		Repository:        repository,
		Snapshots:         snapshots,
		State:             types.DeletionStateWaiting,
		StartTime:         now,
		RepositoryStateId: repositoryStateID,
		Waiters:           []string{waiter},
		Seq:               seq,
	}
}

// Fold merges an additional delete request's resolved snapshot ids and
// waiter into an existing WAITING entry for the same repository (§4.4 step
// 2: "fold the newly resolved snapshot ids into it and return the same
// future to the caller"). A no-op once the entry has left WAITING: callers
// must start a new entry in that case.
func Fold(e *types.DeletionEntry, snapshots []types.SnapshotId, waiter string) bool {
	if e.State != types.DeletionStateWaiting {
		return false
	}

	for _, s := range snapshots {
		if !containsSnapshot(e.Snapshots, s) {
			e.Snapshots = append(e.Snapshots, s)
		}
	}
	e.Waiters = append(e.Waiters, waiter)
	return true
}

func containsSnapshot(list []types.SnapshotId, s types.SnapshotId) bool {
	for _, existing := range list {
		if existing.UUID == s.UUID {
			return true
		}
	}
	return false
}

// NamesSnapshot reports whether e's resolved snapshot set includes snap,
// by uuid.
func NamesSnapshot(e *types.DeletionEntry, snap types.SnapshotId) bool {
	return containsSnapshot(e.Snapshots, snap)
}

// ReadyToStart reports whether e may transition WAITING -> STARTED: none of
// the in-progress creates it names remain non-terminal (§4.4 step 4, §8
// "A WAITING deletion entry becomes STARTED iff no in-progress snapshot it
// names remains non-terminal"). inProgress supplies the current state of
// every SnapshotsInProgress entry matching e's named snapshots, by uuid;
// a snapshot entirely absent from inProgress is already completed/removed
// and does not block the transition.
func ReadyToStart(e *types.DeletionEntry, inProgress map[string]types.EntryState) bool {
	for _, snap := range e.Snapshots {
		state, tracked := inProgress[snap.UUID]
		if tracked && !state.IsTerminal() {
			return false
		}
	}
	return true
}

// Start transitions e from WAITING to STARTED. A no-op if e is already
// STARTED (idempotent replay, §8).
func Start(e *types.DeletionEntry) bool {
	if e.State != types.DeletionStateWaiting {
		return false
	}
	e.State = types.DeletionStateStarted
	return true
}
