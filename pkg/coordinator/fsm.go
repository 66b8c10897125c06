// Package coordinator is the Cluster-State Loop of §4.6: the single Raft
// FSM applying commands against the two registries and RepositoriesMetadata,
// and the Coordinator wrapping it with the public create/delete/list API.
// Every mutation is a pure function over types.Entry/types.DeletionEntry
// (pkg/snapshot, pkg/deletion) plus the pure FIFO rule of pkg/arbiter; this
// package is the only place that actually calls raft.Apply and persists the
// result to pkg/clusterstate, then hands the resulting effects to
// pkg/dispatch. Every command travels in a Command{Op,Data} envelope; the
// command set is the snapshot/deletion/repository set named in §6.
package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/snapguard/pkg/arbiter"
	"github.com/cuemby/snapguard/pkg/clusterstate"
	"github.com/cuemby/snapguard/pkg/deletion"
	"github.com/cuemby/snapguard/pkg/dispatch"
	"github.com/cuemby/snapguard/pkg/log"
	"github.com/cuemby/snapguard/pkg/snapguarderrors"
	"github.com/cuemby/snapguard/pkg/snapshot"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
)

// Op identifies a command applied through Raft.
type Op string

const (
	OpPutRepository       Op = "put_repository"
	OpDeleteRepository    Op = "delete_repository"
	OpQuarantine          Op = "quarantine_repository"
	OpCreateSnapshot      Op = "create_snapshot"
	OpAssignShards        Op = "assign_shards"
	OpApplyShardUpdate    Op = "apply_shard_update"
	OpAbortSnapshot       Op = "abort_snapshot"
	OpFinalizeSnapshot    Op = "finalize_snapshot"
	OpDeleteSnapshot      Op = "delete_snapshot"
	OpFinalizeDeletion    Op = "finalize_deletion"
	OpNodeShutdown        Op = "node_shutdown"
	OpNodeShutdownClear   Op = "node_shutdown_clear"
	OpHandleNodeRemoval   Op = "handle_node_removal"
	OpReinitializeShard   Op = "reinitialize_shard"
	OpReleaseFinalization Op = "release_finalization"
)

// Command is the envelope every Raft log entry carries.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// applyResult is what FSM.Apply returns (via the raft.ApplyFuture's
// Response()); callers waiting on a future type-assert to this.
type applyResult struct {
	err     error
	entry   *types.Entry
	del     *types.DeletionEntry
	repo    *types.Repository
	effects []dispatch.Effect
}

// FSM applies Commands against the cluster-state registries and produces
// the effect stream pkg/dispatch executes. It holds no lock of its own:
// Raft never runs Apply, Snapshot or Restore concurrently with each other.
type FSM struct {
	store clusterstate.Store
	log   zerolog.Logger
}

// NewFSM returns an FSM persisting through store.
func NewFSM(store clusterstate.Store) *FSM {
	return &FSM{store: store, log: log.WithComponent("fsm")}
}

// Apply implements raft.FSM. It never returns an error to Raft itself
// (a malformed command is a programmer bug, not a runtime condition); the
// *applyResult carries the real outcome back to the caller through
// ApplyFuture.Response().
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return &applyResult{err: fmt.Errorf("fsm: corrupt log entry: %w", err)}
	}

	switch cmd.Op {
	case OpPutRepository:
		return f.applyPutRepository(cmd.Data)
	case OpDeleteRepository:
		return f.applyDeleteRepository(cmd.Data)
	case OpQuarantine:
		return f.applyQuarantine(cmd.Data)
	case OpCreateSnapshot:
		return f.applyCreateSnapshot(cmd.Data)
	case OpAssignShards:
		return f.applyAssignShards(cmd.Data)
	case OpApplyShardUpdate:
		return f.applyApplyShardUpdate(cmd.Data)
	case OpAbortSnapshot:
		return f.applyAbortSnapshot(cmd.Data)
	case OpFinalizeSnapshot:
		return f.applyFinalizeSnapshot(cmd.Data)
	case OpDeleteSnapshot:
		return f.applyDeleteSnapshot(cmd.Data)
	case OpFinalizeDeletion:
		return f.applyFinalizeDeletion(cmd.Data)
	case OpNodeShutdown:
		return f.applyNodeShutdown(cmd.Data)
	case OpNodeShutdownClear:
		return f.applyNodeShutdownClear(cmd.Data)
	case OpHandleNodeRemoval:
		return f.applyHandleNodeRemoval(cmd.Data)
	case OpReinitializeShard:
		return f.applyReinitializeShard(cmd.Data)
	case OpReleaseFinalization:
		return f.applyReleaseFinalization(cmd.Data)
	default:
		return &applyResult{err: fmt.Errorf("fsm: unknown op %q", cmd.Op)}
	}
}

type putRepositoryReq struct {
	Repo *types.Repository
}

func (f *FSM) applyPutRepository(data json.RawMessage) *applyResult {
	var req putRepositoryReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	req.Repo.CreatedAt = time.Now()
	req.Repo.Generation = -1
	req.Repo.PendingGeneration = -1
	if err := f.store.PutRepository(req.Repo); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{repo: req.Repo}
}

type nameReq struct {
	Name string
}

func (f *FSM) applyDeleteRepository(data json.RawMessage) *applyResult {
	var req nameReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entries, err := f.store.ListSnapshotEntriesByRepository(req.Name)
	if err != nil {
		return &applyResult{err: err}
	}
	dels, err := f.store.ListDeletionEntriesByRepository(req.Name)
	if err != nil {
		return &applyResult{err: err}
	}
	if len(entries) > 0 || len(dels) > 0 {
		return &applyResult{err: snapguarderrors.ErrRepositoryInUse}
	}
	if err := f.store.DeleteRepository(req.Name); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{}
}

type quarantineReq struct {
	Repository string
	Reason     string
}

func (f *FSM) applyQuarantine(data json.RawMessage) *applyResult {
	var req quarantineReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	repo, err := f.store.GetRepository(req.Repository)
	if err != nil {
		return &applyResult{err: err}
	}
	repo.Quarantined = true
	repo.QuarantineReason = req.Reason
	if err := f.store.PutRepository(repo); err != nil {
		return &applyResult{err: err}
	}
	f.log.Warn().Str("repository", req.Repository).Str("reason", req.Reason).Msg("repository quarantined")
	return &applyResult{repo: repo}
}

type createSnapshotReq struct {
	Snapshot          types.SnapshotId
	Repository        string
	Indices           []types.IndexId
	Shards            map[types.ShardId]types.ShardSnapshotStatus
	Partial           bool
	RepositoryStateID int64
}

func (f *FSM) applyCreateSnapshot(data json.RawMessage) *applyResult {
	var req createSnapshotReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}

	repo, err := f.store.GetRepository(req.Repository)
	if err != nil {
		return &applyResult{err: snapguarderrors.ErrRepositoryMissing}
	}
	if repo.Quarantined {
		return &applyResult{err: snapguarderrors.ErrRepositoryException}
	}
	if existing, _ := f.store.GetSnapshotEntry(req.Repository, req.Snapshot.Name); existing != nil {
		return &applyResult{err: snapguarderrors.ErrDuplicateSnapshotName}
	}

	seq, err := f.store.NextSeq()
	if err != nil {
		return &applyResult{err: err}
	}

	entry := snapshot.NewEntry(req.Snapshot, req.Repository, req.RepositoryStateID, seq, req.Indices, req.Shards, req.Partial, time.Now())
	if err := f.store.PutSnapshotEntry(entry); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{entry: entry}
}

type assignShardsReq struct {
	Repository  string
	Snapshot    string
	Assignments map[types.ShardId]snapshot.ShardAssignment
}

func (f *FSM) applyAssignShards(data json.RawMessage) *applyResult {
	var req assignShardsReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entry, err := f.store.GetSnapshotEntry(req.Repository, req.Snapshot)
	if err != nil {
		return &applyResult{err: err}
	}
	effects := snapshot.AssignShards(entry, req.Assignments, nil, time.Now())
	if err := f.store.PutSnapshotEntry(entry); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{entry: entry, effects: effects}
}

type shardUpdateReq struct {
	Repository string
	Snapshot   string
	Shard      types.ShardId
	Update     types.ShardSnapshotStatus
}

func (f *FSM) applyApplyShardUpdate(data json.RawMessage) *applyResult {
	var req shardUpdateReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entry, err := f.store.GetSnapshotEntry(req.Repository, req.Snapshot)
	if err != nil {
		// Entry already finalized and removed; the update is a stale
		// retransmission from a worker that hasn't heard back yet (§4.2).
		return &applyResult{}
	}
	effects := snapshot.ApplyShardUpdate(entry, req.Shard, req.Update, time.Now())
	if err := f.store.PutSnapshotEntry(entry); err != nil {
		return &applyResult{err: err}
	}
	effects = append(effects, f.maybeRequestFinalization(entry.Repository)...)
	return &applyResult{entry: entry, effects: effects}
}

type abortSnapshotReq struct {
	Repository string
	Snapshot   string
}

func (f *FSM) applyAbortSnapshot(data json.RawMessage) *applyResult {
	var req abortSnapshotReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entry, err := f.store.GetSnapshotEntry(req.Repository, req.Snapshot)
	if err != nil {
		return &applyResult{}
	}
	effects := snapshot.Abort(entry, time.Now())
	if err := f.store.PutSnapshotEntry(entry); err != nil {
		return &applyResult{err: err}
	}
	effects = append(effects, f.maybeRequestFinalization(entry.Repository)...)
	return &applyResult{entry: entry, effects: effects}
}

type finalizeSnapshotReq struct {
	Repository string
	Snapshot   string
	FromG      int64
	ToG        int64
}

// applyFinalizeSnapshot removes a terminal entry from SnapshotsInProgress
// once its index-N has been durably written, and advances the repository's
// known-safe generation (§4.3 "Finalization", §4.5). The write to the blob
// store itself happens through a KindFinalizeSnapshot effect before this
// command is submitted; this command only records that it happened.
func (f *FSM) applyFinalizeSnapshot(data json.RawMessage) *applyResult {
	var req finalizeSnapshotReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	if err := f.advanceGeneration(req.Repository, req.FromG, req.ToG); err != nil {
		return &applyResult{err: err}
	}
	if err := f.store.DeleteSnapshotEntry(req.Repository, req.Snapshot); err != nil {
		return &applyResult{err: err}
	}
	effects := f.maybeRequestFinalization(req.Repository)
	return &applyResult{effects: effects}
}

type deleteSnapshotReq struct {
	UUID              string
	Repository        string
	Snapshots         []types.SnapshotId
	Waiter            string
	RepositoryStateID int64
}

// applyDeleteSnapshot implements §4.4 steps 1-3: fold into an existing
// WAITING batch for the repository if one exists, else start a new one;
// abort every named in-progress create; attempt the WAITING -> STARTED
// transition immediately in case nothing was in progress to begin with.
func (f *FSM) applyDeleteSnapshot(data json.RawMessage) *applyResult {
	var req deleteSnapshotReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}

	repo, err := f.store.GetRepository(req.Repository)
	if err != nil {
		return &applyResult{err: snapguarderrors.ErrRepositoryMissing}
	}
	if repo.Quarantined {
		return &applyResult{err: snapguarderrors.ErrRepositoryException}
	}

	var effects []dispatch.Effect
	waiting, err := f.findWaitingDeletion(req.Repository)
	if err != nil {
		return &applyResult{err: err}
	}

	var entry *types.DeletionEntry
	if waiting != nil {
		deletion.Fold(waiting, req.Snapshots, req.Waiter)
		entry = waiting
	} else {
		seq, err := f.store.NextSeq()
		if err != nil {
			return &applyResult{err: err}
		}
		entry = deletion.NewEntry(req.UUID, req.Repository, req.RepositoryStateID, seq, req.Snapshots, req.Waiter, time.Now())
	}

	for _, s := range req.Snapshots {
		if se, _ := f.store.GetSnapshotEntry(req.Repository, s.Name); se != nil && !se.State.IsTerminal() {
			effects = append(effects, snapshot.Abort(se, time.Now())...)
			_ = f.store.PutSnapshotEntry(se)
		}
	}

	if ready, err := f.deletionReadyToStart(entry); err != nil {
		return &applyResult{err: err}
	} else if ready {
		deletion.Start(entry)
	}
	if err := f.store.PutDeletionEntry(entry); err != nil {
		return &applyResult{err: err}
	}

	effects = append(effects, f.maybeRequestFinalization(req.Repository)...)
	return &applyResult{del: entry, effects: effects}
}

func (f *FSM) findWaitingDeletion(repository string) (*types.DeletionEntry, error) {
	dels, err := f.store.ListDeletionEntriesByRepository(repository)
	if err != nil {
		return nil, err
	}
	for _, d := range dels {
		if d.State == types.DeletionStateWaiting {
			return d, nil
		}
	}
	return nil, nil
}

func (f *FSM) deletionReadyToStart(d *types.DeletionEntry) (bool, error) {
	inProgress := make(map[string]types.EntryState)
	entries, err := f.store.ListSnapshotEntriesByRepository(d.Repository)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		inProgress[e.Snapshot.UUID] = e.State
	}
	return deletion.ReadyToStart(d, inProgress), nil
}

type finalizeDeletionReq struct {
	Repository string
	UUID       string
	FromG      int64
	ToG        int64
	BlobPaths  []string
}

func (f *FSM) applyFinalizeDeletion(data json.RawMessage) *applyResult {
	var req finalizeDeletionReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	if err := f.advanceGeneration(req.Repository, req.FromG, req.ToG); err != nil {
		return &applyResult{err: err}
	}
	if err := f.store.DeleteDeletionEntry(req.UUID); err != nil {
		return &applyResult{err: err}
	}
	var effects []dispatch.Effect
	if len(req.BlobPaths) > 0 {
		effects = append(effects, dispatch.Effect{Kind: dispatch.KindDeleteBlobs, Repository: req.Repository, BlobPaths: req.BlobPaths})
	}
	effects = append(effects, f.maybeRequestFinalization(req.Repository)...)
	return &applyResult{effects: effects}
}

func (f *FSM) advanceGeneration(repository string, fromG, toG int64) error {
	repo, err := f.store.GetRepository(repository)
	if err != nil {
		return err
	}
	repo.Generation = toG
	repo.PendingGeneration = toG
	return f.store.PutRepository(repo)
}

type releaseFinalizationReq struct {
	Repository string
	ToG        int64
}

// applyReleaseFinalization hands back the generation lease a finalize
// effect was granted (fromG -> toG) without ever completing, so the
// arbiter re-derives and re-grants the same slot on the next pass instead
// of every later FIFO entry queuing behind a generation that never
// advances (§4.4 failure policy, §4.5). Run for every finalize-effect
// failure, not only quarantine: a plain transient write error must not
// wedge the repository's FIFO any more than a quarantine does.
func (f *FSM) applyReleaseFinalization(data json.RawMessage) *applyResult {
	var req releaseFinalizationReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	repo, err := f.store.GetRepository(req.Repository)
	if err != nil {
		return &applyResult{err: err}
	}
	if repo.PendingGeneration != req.ToG {
		// A later attempt already released or advanced past this lease;
		// nothing to do.
		return &applyResult{repo: repo}
	}
	repo.PendingGeneration = repo.Generation
	if err := f.store.PutRepository(repo); err != nil {
		return &applyResult{err: err}
	}
	effects := f.maybeRequestFinalization(req.Repository)
	return &applyResult{repo: repo, effects: effects}
}

// maybeRequestFinalization re-derives the arbiter's next finalization slot
// for repository and, if the held lease differs, grants it via a
// KindFinalizeSnapshot/KindFinalizeDeletion effect. Called after every
// mutation that could have made a new entry terminal or ready. A
// quarantined repository never re-requests: it refuses every create/delete
// until an operator clears it (§7, §9), so replaying the same failing
// write forever would just spin.
func (f *FSM) maybeRequestFinalization(repository string) []dispatch.Effect {
	repo, err := f.store.GetRepository(repository)
	if err != nil {
		return nil
	}
	if repo.Quarantined {
		return nil
	}
	entries, err := f.store.ListSnapshotEntriesByRepository(repository)
	if err != nil {
		return nil
	}
	dels, err := f.store.ListDeletionEntriesByRepository(repository)
	if err != nil {
		return nil
	}

	req, ok := arbiter.NextFinalizationSlot(repository, entries, dels)
	if !ok {
		return nil
	}
	if repo.PendingGeneration > repo.Generation {
		// A finalization is already in flight for this repository; the
		// arbiter will re-request once it completes via
		// applyFinalizeSnapshot/applyFinalizeDeletion.
		return nil
	}

	fromG := repo.Generation
	toG := fromG + 1
	repo.PendingGeneration = toG
	if err := f.store.PutRepository(repo); err != nil {
		return nil
	}

	switch req.Kind {
	case arbiter.KindSnapshotFinalize:
		return []dispatch.Effect{{
			Kind: dispatch.KindFinalizeSnapshot, Repository: repository,
			SnapshotName: req.SnapshotName, FromG: fromG, ToG: toG,
		}}
	case arbiter.KindDeletionFinalize:
		return []dispatch.Effect{{
			Kind: dispatch.KindFinalizeDeletion, Repository: repository,
			DeletionUUID: req.DeletionUUID, FromG: fromG, ToG: toG,
		}}
	default:
		return nil
	}
}

type nodeShutdownReq struct {
	Meta *types.NodeShutdownMetadata
}

func (f *FSM) applyNodeShutdown(data json.RawMessage) *applyResult {
	var req nodeShutdownReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	if err := f.store.PutNodeShutdown(req.Meta); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{}
}

func (f *FSM) applyNodeShutdownClear(data json.RawMessage) *applyResult {
	var req nameReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	if err := f.store.DeleteNodeShutdown(req.Name); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{}
}

type nodeRemovalReq struct {
	NodeID string
}

func (f *FSM) applyHandleNodeRemoval(data json.RawMessage) *applyResult {
	var req nodeRemovalReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entries, err := f.store.ListSnapshotEntries()
	if err != nil {
		return &applyResult{err: err}
	}
	var effects []dispatch.Effect
	for _, e := range entries {
		if !entryReferencesNode(e, req.NodeID) {
			continue
		}
		snapshot.HandleNodeRemoval(e, req.NodeID, time.Now())
		if err := f.store.PutSnapshotEntry(e); err != nil {
			return &applyResult{err: err}
		}
		effects = append(effects, f.maybeRequestFinalization(e.Repository)...)
	}
	return &applyResult{effects: effects}
}

func entryReferencesNode(e *types.Entry, nodeID string) bool {
	for _, s := range e.Shards {
		if s.NodeID == nodeID {
			return true
		}
	}
	return false
}

type reinitShardReq struct {
	Repository string
	Snapshot   string
	Shard      types.ShardId
	NewNodeID  string
}

func (f *FSM) applyReinitializeShard(data json.RawMessage) *applyResult {
	var req reinitShardReq
	if err := json.Unmarshal(data, &req); err != nil {
		return &applyResult{err: err}
	}
	entry, err := f.store.GetSnapshotEntry(req.Repository, req.Snapshot)
	if err != nil {
		return &applyResult{err: err}
	}
	effects := snapshot.ReinitializeShard(entry, req.Shard, req.NewNodeID)
	if err := f.store.PutSnapshotEntry(entry); err != nil {
		return &applyResult{err: err}
	}
	return &applyResult{entry: entry, effects: effects}
}

// snapshotState is the FSMSnapshot payload: every registry this node holds,
// serialized wholesale, one slice per registry §3 defines.
type snapshotState struct {
	Repositories   []*types.Repository
	SnapshotEntries []*types.Entry
	DeletionEntries []*types.DeletionEntry
	NodeShutdowns   []*types.NodeShutdownMetadata
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	repos, err := f.store.ListRepositories()
	if err != nil {
		return nil, err
	}
	entries, err := f.store.ListSnapshotEntries()
	if err != nil {
		return nil, err
	}
	dels, err := f.store.ListDeletionEntries()
	if err != nil {
		return nil, err
	}
	shutdowns, err := f.store.ListNodeShutdowns()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{state: snapshotState{
		Repositories:    repos,
		SnapshotEntries: entries,
		DeletionEntries: dels,
		NodeShutdowns:   shutdowns,
	}}, nil
}

// Restore implements raft.FSM, replacing every registry wholesale with the
// snapshot's contents.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("fsm: failed to decode snapshot: %w", err)
	}

	for _, r := range state.Repositories {
		if err := f.store.PutRepository(r); err != nil {
			return err
		}
	}
	for _, e := range state.SnapshotEntries {
		if err := f.store.PutSnapshotEntry(e); err != nil {
			return err
		}
	}
	for _, d := range state.DeletionEntries {
		if err := f.store.PutDeletionEntry(d); err != nil {
			return err
		}
	}
	for _, n := range state.NodeShutdowns {
		if err := f.store.PutNodeShutdown(n); err != nil {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	state snapshotState
}

// Persist implements raft.FSMSnapshot.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *fsmSnapshot) Release() {}
