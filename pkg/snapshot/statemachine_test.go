package snapshot

import (
	"testing"
	"time"

	"github.com/cuemby/snapguard/pkg/dispatch"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shardId(idx string, n int) types.ShardId {
	return types.ShardId{Index: types.IndexId{Name: idx, UUID: idx}, Shard: n}
}

func newSingleShardEntry(partial bool) *types.Entry {
	s := shardId("idx1", 0)
	return NewEntry(
		types.SnapshotId{Name: "snap-1", UUID: "u1"},
		"repo",
		0, 1,
		[]types.IndexId{{Name: "idx1", UUID: "idx1"}},
		map[types.ShardId]types.ShardSnapshotStatus{s: {State: types.ShardStateInit}},
		partial,
		time.Unix(0, 0),
	)
}

func TestAssignShards_TransitionsToStartedOnceAllAssigned(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)

	effects := AssignShards(e, map[types.ShardId]ShardAssignment{s: {NodeID: "node-1"}}, nil, time.Unix(1, 0))

	assert.Equal(t, types.EntryStateStarted, e.State)
	assert.Equal(t, "node-1", e.Shards[s].NodeID)
	require.Len(t, effects, 1)
	assert.Equal(t, dispatch.KindStartShard, effects[0].Kind)
}

func TestAssignShards_MissingPrimaryFinalizesImmediately(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)

	AssignShards(e, map[types.ShardId]ShardAssignment{s: {Missing: true}}, nil, time.Unix(1, 0))

	assert.Equal(t, types.ShardStateMissing, e.Shards[s].State)
	assert.Equal(t, types.EntryStateFailed, e.State)
	assert.Equal(t, time.Unix(1, 0), e.EndTime)
}

func TestAssignShards_InFlightShardBecomesQueued(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)

	AssignShards(e, map[types.ShardId]ShardAssignment{s: {NodeID: "node-1"}}, func(types.ShardId) bool { return true }, time.Unix(1, 0))

	assert.Equal(t, types.ShardStateQueued, e.Shards[s].State)
	assert.Equal(t, types.EntryStateStarted, e.State)
}

func TestAssignShards_StaysInitUntilAllShardsSettled(t *testing.T) {
	s1 := shardId("idx1", 0)
	s2 := shardId("idx1", 1)
	e := NewEntry(types.SnapshotId{Name: "s"}, "repo", 0, 1,
		nil,
		map[types.ShardId]types.ShardSnapshotStatus{
			s1: {State: types.ShardStateInit},
			s2: {State: types.ShardStateInit},
		}, false, time.Unix(0, 0))

	AssignShards(e, map[types.ShardId]ShardAssignment{s1: {NodeID: "node-1"}}, nil, time.Unix(1, 0))
	assert.Equal(t, types.EntryStateInit, e.State)
}

func TestApplyShardUpdate_AllSuccessTransitionsEntryToSuccess(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.State = types.EntryStateStarted

	ApplyShardUpdate(e, s, types.ShardSnapshotStatus{State: types.ShardStateSuccess, Generation: "g1"}, time.Unix(1, 0))

	assert.Equal(t, types.EntryStateSuccess, e.State)
	assert.False(t, e.EndTime.IsZero())
}

func TestApplyShardUpdate_FailedShardWithPartialTrueYieldsPartial(t *testing.T) {
	e := newSingleShardEntry(true)
	s := shardId("idx1", 0)
	e.State = types.EntryStateStarted

	ApplyShardUpdate(e, s, types.ShardSnapshotStatus{State: types.ShardStateFailed, FailureReason: "disk full"}, time.Unix(1, 0))

	assert.Equal(t, types.EntryStatePartial, e.State)
}

func TestApplyShardUpdate_FailedShardWithPartialFalseYieldsFailed(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.State = types.EntryStateStarted

	ApplyShardUpdate(e, s, types.ShardSnapshotStatus{State: types.ShardStateFailed}, time.Unix(1, 0))

	assert.Equal(t, types.EntryStateFailed, e.State)
}

func TestApplyShardUpdate_NoOpOnTerminalEntry(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.State = types.EntryStateSuccess
	e.EndTime = time.Unix(5, 0)

	effects := ApplyShardUpdate(e, s, types.ShardSnapshotStatus{State: types.ShardStateFailed}, time.Unix(10, 0))

	assert.Nil(t, effects)
	assert.Equal(t, types.EntryStateSuccess, e.State)
	assert.Equal(t, time.Unix(5, 0), e.EndTime)
}

func TestAbort_FlipsNonTerminalShardsAndEmitsEffects(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.Shards[s] = types.ShardSnapshotStatus{State: types.ShardStateInit, NodeID: "node-1"}
	e.State = types.EntryStateStarted

	effects := Abort(e, time.Unix(1, 0))

	assert.Equal(t, types.EntryStateAborted, e.State)
	assert.Equal(t, types.ShardStateAborted, e.Shards[s].State)
	require.Len(t, effects, 1)
	assert.Equal(t, dispatch.KindAbortShard, effects[0].Kind)
}

func TestAbort_NoOpOnTerminalEntry(t *testing.T) {
	e := newSingleShardEntry(false)
	e.State = types.EntryStateFailed

	effects := Abort(e, time.Unix(1, 0))
	assert.Nil(t, effects)
	assert.Equal(t, types.EntryStateFailed, e.State)
}

func TestHandleNodeRemoval_PausesAssignedShard(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.Shards[s] = types.ShardSnapshotStatus{State: types.ShardStateInit, NodeID: "node-1"}
	e.State = types.EntryStateStarted

	HandleNodeRemoval(e, "node-1", time.Unix(1, 0))

	assert.Equal(t, types.ShardStatePausedForNodeRemove, e.Shards[s].State)
}

func TestReinitializeShard_ResumesOnNewAllocation(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.Shards[s] = types.ShardSnapshotStatus{State: types.ShardStatePausedForNodeRemove, NodeID: "node-1"}
	e.State = types.EntryStateStarted

	effects := ReinitializeShard(e, s, "node-2")

	assert.Equal(t, types.ShardStateInit, e.Shards[s].State)
	assert.Equal(t, "node-2", e.Shards[s].NodeID)
	require.Len(t, effects, 1)
	assert.Equal(t, "node-2", effects[0].NodeID)
}

func TestPromoteQueuedShard_SetsInitWithPriorGeneration(t *testing.T) {
	e := newSingleShardEntry(false)
	s := shardId("idx1", 0)
	e.Shards[s] = types.ShardSnapshotStatus{State: types.ShardStateQueued}

	PromoteQueuedShard(e, s, "gen-7")

	assert.Equal(t, types.ShardStateInit, e.Shards[s].State)
	assert.Equal(t, "gen-7", e.Shards[s].Generation)
}
