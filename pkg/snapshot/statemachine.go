// Package snapshot implements the per-Entry Snapshot State Machine of §4.3:
// pure functions `(Entry, Event) -> (Entry, []Effect)` the coordinator
// applies on every published cluster-state change. Nothing here performs
// I/O or blocks; every side effect the state machine decides on is returned
// as a dispatch.Effect for the coordinator to submit to its bus (§9).
package snapshot

import (
	"time"

	"github.com/cuemby/snapguard/pkg/dispatch"
	"github.com/cuemby/snapguard/pkg/types"
)

// NewEntry builds the INIT-state Entry for a newly accepted create request.
// shards is the full set of (ShardId -> initial status) pairs the caller
// has already resolved from the target indices; every status starts as
// ShardStateInit with no node assigned.
func NewEntry(snap types.SnapshotId, repository string, repositoryStateID, seq int64, indices []types.IndexId, shards map[types.ShardId]types.ShardSnapshotStatus, partial bool, now time.Time) *types.Entry {
	return &types.Entry{
		Snapshot:          snap,
		Repository:        repository,
		State:             types.EntryStateInit,
		Indices:           indices,
		Shards:            shards,
		StartTime:         now,
		RepositoryStateId: repositoryStateID,
		Partial:           partial,
		Seq:               seq,
	}
}

// ShardAssignment is what the caller (coordinator, consulting the cluster's
// shard-allocation view) resolved for one shard: either a primary node, or
// no primary at all (Missing).
type ShardAssignment struct {
	NodeID  string
	Missing bool
}

// InFlightShard reports, for a shard touched by an older entry, whether
// that shard is still non-terminal there — the condition that forces a
// younger entry's same shard to wait as QUEUED (§4.3 tie-break).
type InFlightShard func(shard types.ShardId) bool

// AssignShards resolves every still-unassigned shard of e against
// assignments and inFlight, transitioning INIT -> STARTED once every shard
// has a node, is MISSING, or is QUEUED. If every shard is already terminal
// at that point (e.g. every primary came back MISSING), it finalizes the
// entry immediately rather than leaving it STARTED with nothing left to
// report — the same AllShardsTerminal check ApplyShardUpdate runs after
// every report. It returns the start-upload effects for shards that got a
// fresh assignment this round.
func AssignShards(e *types.Entry, assignments map[types.ShardId]ShardAssignment, inFlight InFlightShard, now time.Time) []dispatch.Effect {
	if e.State != types.EntryStateInit {
		return nil
	}

	var effects []dispatch.Effect

	for shard, status := range e.Shards {
		if status.State != types.ShardStateInit || status.NodeID != "" {
			continue
		}

		if inFlight != nil && inFlight(shard) {
			status.State = types.ShardStateQueued
			e.Shards[shard] = status
			continue
		}

		assignment, ok := assignments[shard]
		if !ok {
			continue
		}

		if assignment.Missing {
			status.State = types.ShardStateMissing
			e.Shards[shard] = status
			continue
		}

		status.NodeID = assignment.NodeID
		e.Shards[shard] = status
		effects = append(effects, dispatch.Effect{
			Kind:         dispatch.KindStartShard,
			Repository:   e.Repository,
			Shard:        shard,
			NodeID:       assignment.NodeID,
			SnapshotName: e.Snapshot.Name,
		})
	}

	if allShardsAssignedOrSettled(e) {
		e.State = types.EntryStateStarted
		maybeFinalizeTransition(e, now)
	}

	return effects
}

// allShardsAssignedOrSettled implements the INIT -> STARTED guard: every
// shard has a node, or is MISSING, or is QUEUED.
func allShardsAssignedOrSettled(e *types.Entry) bool {
	for _, status := range e.Shards {
		if status.NodeID != "" {
			continue
		}
		switch status.State {
		case types.ShardStateMissing, types.ShardStateQueued:
			continue
		default:
			return false
		}
	}
	return true
}

// ApplyShardUpdate records a shard-status report from a data node and
// advances e toward a terminal state if every shard has now settled.
// Replaying an update for an already-terminal entry is a no-op (§8
// idempotence).
func ApplyShardUpdate(e *types.Entry, shard types.ShardId, update types.ShardSnapshotStatus, now time.Time) []dispatch.Effect {
	if e.State.IsTerminal() {
		return nil
	}

	e.Shards[shard] = update
	return maybeFinalizeTransition(e, now)
}

// maybeFinalizeTransition checks whether every shard has reached a terminal
// state and, if so, computes and applies the STARTED -> {SUCCESS, PARTIAL,
// FAILED} transition of §4.3.
func maybeFinalizeTransition(e *types.Entry, now time.Time) []dispatch.Effect {
	if !e.AllShardsTerminal() {
		return nil
	}

	switch {
	case !e.HasFailedOrMissingShard():
		e.State = types.EntryStateSuccess
	case e.Partial:
		e.State = types.EntryStatePartial
	default:
		e.State = types.EntryStateFailed
	}
	e.EndTime = now

	return nil
}

// Abort transitions e to ABORTED, flipping every non-terminal shard to
// ABORTED and returning abort effects for whichever shards were in flight
// on a node (§4.3 "anywhere except terminal -> ABORTED"). A no-op if e is
// already terminal.
func Abort(e *types.Entry, now time.Time) []dispatch.Effect {
	if e.State.IsTerminal() {
		return nil
	}

	var effects []dispatch.Effect
	for shard, status := range e.Shards {
		if status.State.IsTerminal() {
			continue
		}
		notifyNode := status.NodeID
		status.State = types.ShardStateAborted
		e.Shards[shard] = status

		if notifyNode != "" {
			effects = append(effects, dispatch.Effect{
				Kind:         dispatch.KindAbortShard,
				Repository:   e.Repository,
				Shard:        shard,
				NodeID:       notifyNode,
				SnapshotName: e.Snapshot.Name,
			})
		}
	}

	e.State = types.EntryStateAborted
	e.EndTime = now
	return effects
}

// HandleNodeRemoval drops every shard currently assigned to nodeID out of
// e by marking it PAUSED_FOR_NODE_REMOVAL, per the node-shutdown-for-removal
// marker described in §4.3 and §6. A no-op on terminal entries.
func HandleNodeRemoval(e *types.Entry, nodeID string, now time.Time) []dispatch.Effect {
	if e.State.IsTerminal() {
		return nil
	}

	for shard, status := range e.Shards {
		if status.NodeID != nodeID || status.State.IsTerminal() {
			continue
		}
		status.State = types.ShardStatePausedForNodeRemove
		e.Shards[shard] = status
	}

	return maybeFinalizeTransition(e, now)
}

// ReinitializeShard re-activates a PAUSED_FOR_NODE_REMOVAL shard once the
// allocator has relocated it, per the Open Question decision in DESIGN.md:
// the shard resumes on the new allocation (newNodeID), never its original
// node, since the original node is the one being removed. A no-op if the
// shard is not currently paused or e is terminal.
func ReinitializeShard(e *types.Entry, shard types.ShardId, newNodeID string) []dispatch.Effect {
	if e.State.IsTerminal() {
		return nil
	}

	status, ok := e.Shards[shard]
	if !ok || status.State != types.ShardStatePausedForNodeRemove {
		return nil
	}

	status.State = types.ShardStateInit
	status.NodeID = newNodeID
	e.Shards[shard] = status

	return []dispatch.Effect{{
		Kind:         dispatch.KindStartShard,
		Repository:   e.Repository,
		Shard:        shard,
		NodeID:       newNodeID,
		SnapshotName: e.Snapshot.Name,
	}}
}

// PromoteQueuedShard unblocks a QUEUED shard once the older entry holding
// it finalizes, transitioning it to INIT with the generation the older
// entry produced (§4.3 "when the older completes, the queued shard
// transitions to INIT with the generation produced by the older"). Nothing
// in pkg/coordinator calls it: the coordinator passes no in-flight set to
// AssignShards, so its entries never hold QUEUED shards.
func PromoteQueuedShard(e *types.Entry, shard types.ShardId, priorGeneration string) {
	status, ok := e.Shards[shard]
	if !ok || status.State != types.ShardStateQueued {
		return
	}
	status.State = types.ShardStateInit
	status.Generation = priorGeneration
	e.Shards[shard] = status
}
