package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/snapguard/pkg/arbiter"
	"github.com/cuemby/snapguard/pkg/clusterstate"
	"github.com/cuemby/snapguard/pkg/dispatch"
	"github.com/cuemby/snapguard/pkg/log"
	"github.com/cuemby/snapguard/pkg/metrics"
	"github.com/cuemby/snapguard/pkg/repository"
	"github.com/cuemby/snapguard/pkg/shardworker"
	"github.com/cuemby/snapguard/pkg/snapguarderrors"
	"github.com/cuemby/snapguard/pkg/snapshot"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config configures a Coordinator node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// ShardUploadConcurrency bounds the local shard worker pool (§4.2,
	// §5); zero selects shardworker.DefaultConcurrency.
	ShardUploadConcurrency int
	// EffectConcurrency bounds the dispatch bus's worker pool (§5).
	EffectConcurrency int
}

// Coordinator is the Cluster-State Loop of §4.6: one Raft-replicated node
// owning the two registries and RepositoriesMetadata, the dispatch bus
// draining their side effects, and the local shard worker pool. Only the
// current leader actually accepts writes; every node answers reads from
// its own bbolt mirror.
type Coordinator struct {
	cfg    Config
	raft   *raft.Raft
	fsm    *FSM
	store  clusterstate.Store
	repos  *repository.Registry
	bus    *dispatch.Bus
	worker *shardworker.Worker
	log    zerolog.Logger

	mu              sync.Mutex
	waiters         map[string]chan waitResult // keyed by Entry identity
	deletionWaiters map[string]chan error       // keyed by the per-call token in DeletionEntry.Waiters

	finalizeMu   sync.Mutex
	finalizeSems map[string]*semaphore.Weighted // one per repository
}

type waitResult struct {
	info types.SnapshotInfo
	err  error
}

// New assembles a Coordinator but does not start Raft; call Bootstrap or
// Join next.
func New(cfg Config, store clusterstate.Store, repos *repository.Registry, segments shardworker.Segments) (*Coordinator, error) {
	if cfg.ShardUploadConcurrency == 0 {
		cfg.ShardUploadConcurrency = shardworker.DefaultConcurrency
	}
	if cfg.EffectConcurrency == 0 {
		cfg.EffectConcurrency = shardworker.DefaultConcurrency
	}

	c := &Coordinator{
		cfg:             cfg,
		fsm:             NewFSM(store),
		store:           store,
		repos:           repos,
		bus:             dispatch.NewBus(cfg.EffectConcurrency),
		log:             log.WithComponent("coordinator"),
		waiters:         make(map[string]chan waitResult),
		deletionWaiters: make(map[string]chan error),
		finalizeSems:    make(map[string]*semaphore.Weighted),
	}

	c.worker = shardworker.New(cfg.NodeID, cfg.ShardUploadConcurrency, segments, repos, c, c.nodeRemovalMarked)
	c.wireEffectHandlers()
	c.bus.Start()
	return c, nil
}

// finalizeSemaphore returns the weight-1 semaphore serializing
// KindFinalizeSnapshot/KindFinalizeDeletion effects for repository. The
// arbiter's Seq-ordered lease (repo.PendingGeneration) already prevents two
// finalizations from being granted for the same repository at once; this
// additional local lock only protects against the dispatch bus's bounded
// pool running two already-granted effects concurrently on this node
// (e.g. one redriven by reconcileOnElection while another is still
// in flight).
func (c *Coordinator) finalizeSemaphore(repository string) *semaphore.Weighted {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()
	sem, ok := c.finalizeSems[repository]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.finalizeSems[repository] = sem
	}
	return sem
}

// wireEffectHandlers binds every dispatch.Kind to the component that
// actually executes it (§4.6: the cluster-state loop only decides what to
// do; pkg/dispatch's pool is where it happens).
func (c *Coordinator) wireEffectHandlers() {
	c.bus.SetHandler(dispatch.KindStartShard, func(ctx context.Context, eff dispatch.Effect) error {
		repo, err := c.store.GetRepository(eff.Repository)
		if err != nil {
			return err
		}
		c.worker.StartShardSnapshot(entryID(eff.Repository, eff.SnapshotName), eff.Shard, repo, eff.ShardGeneration)
		return nil
	})

	c.bus.SetHandler(dispatch.KindAbortShard, func(ctx context.Context, eff dispatch.Effect) error {
		c.worker.AbortShardSnapshot(entryID(eff.Repository, eff.SnapshotName), eff.Shard)
		return nil
	})

	c.bus.SetHandler(dispatch.KindFinalizeSnapshot, func(ctx context.Context, eff dispatch.Effect) error {
		sem := c.finalizeSemaphore(eff.Repository)
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return c.runFinalizeSnapshot(ctx, eff)
	})

	c.bus.SetHandler(dispatch.KindFinalizeDeletion, func(ctx context.Context, eff dispatch.Effect) error {
		sem := c.finalizeSemaphore(eff.Repository)
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return c.runFinalizeDeletion(ctx, eff)
	})

	c.bus.SetHandler(dispatch.KindDeleteBlobs, func(ctx context.Context, eff dispatch.Effect) error {
		repo, err := c.store.GetRepository(eff.Repository)
		if err != nil {
			return err
		}
		return c.repos.DeleteBlobs(ctx, repo, eff.BlobPaths)
	})
}

// releaseFinalization hands back the generation lease a finalize effect
// was granted once it fails for any reason — quarantine, a transient blob
// store error, or anything else. Without this, repo.PendingGeneration
// stays stuck above repo.Generation forever: maybeRequestFinalization
// treats that as "a finalization is already in flight" and never grants
// another slot, so every later entry queued behind this one in the FIFO
// is wedged too, and DeleteRepository then fails forever with
// ErrRepositoryInUse (§4.4, §4.5, §8 scenarios 5-6).
func (c *Coordinator) releaseFinalization(repository string, toG int64) {
	if _, err := c.apply(OpReleaseFinalization, releaseFinalizationReq{Repository: repository, ToG: toG}); err != nil {
		c.log.Error().Err(err).Str("repository", repository).Msg("failed to release finalization lease")
	}
}

// runFinalizeSnapshot implements the write side of §4.3's Finalization: it
// loads the current root metadata, folds the terminal entry's outcome into
// it, writes index-{toG}, and only then applies OpFinalizeSnapshot so the
// registries and the durable generation move together. A
// ErrRepositoryConcurrentModification here means another writer raced
// ahead of the arbiter's lease (a bug, since the arbiter serializes
// writers per repository) or an operator mutated the repository directly;
// either way the entry is left in place and its lease released so the
// next arbiter pass retries it against a fresh fromG rather than it being
// silently dropped or wedging the repository's FIFO. The waiter, if any,
// observes the failure immediately rather than blocking on a retry that
// may never come.
func (c *Coordinator) runFinalizeSnapshot(ctx context.Context, eff dispatch.Effect) error {
	repo, err := c.store.GetRepository(eff.Repository)
	if err != nil {
		return err
	}
	entry, err := c.store.GetSnapshotEntry(eff.Repository, eff.SnapshotName)
	if err != nil {
		return err
	}

	root, err := c.repos.LoadRepositoryData(ctx, repo, &eff.FromG)
	if err != nil {
		if snapguarderrors.IsQuarantining(err) {
			c.quarantine(eff.Repository, err)
		}
		c.releaseFinalization(eff.Repository, eff.ToG)
		c.completeWaiter(eff.Repository, eff.SnapshotName, c.snapshotInfoFromEntry(entry), err)
		return err
	}

	root.Snapshots = append(root.Snapshots, repository.SnapshotMetaRef{
		UUID: entry.Snapshot.UUID, Name: entry.Snapshot.Name, State: string(entry.State),
	})
	root.Generation = eff.ToG

	if err := c.repos.WriteRepositoryData(ctx, repo, eff.FromG, eff.ToG, root); err != nil {
		if snapguarderrors.IsQuarantining(err) {
			c.quarantine(eff.Repository, err)
		}
		c.releaseFinalization(eff.Repository, eff.ToG)
		c.completeWaiter(eff.Repository, eff.SnapshotName, c.snapshotInfoFromEntry(entry), err)
		return err
	}

	info := c.snapshotInfoFromEntry(entry)
	_, applyErr := c.apply(OpFinalizeSnapshot, finalizeSnapshotReq{
		Repository: eff.Repository, Snapshot: eff.SnapshotName, FromG: eff.FromG, ToG: eff.ToG,
	})
	if applyErr != nil {
		c.releaseFinalization(eff.Repository, eff.ToG)
	}
	c.completeWaiter(eff.Repository, eff.SnapshotName, info, applyErr)
	return applyErr
}

// runFinalizeDeletion implements the write side of §4.4 step 5: write
// index-{toG} with the named snapshots removed, then apply
// OpFinalizeDeletion, which also schedules the best-effort blob sweep.
// Every failure path releases the generation lease and notifies every
// caller folded into del.Waiters, for the same reason runFinalizeSnapshot
// does (§4.4 failure policy, §4.5).
func (c *Coordinator) runFinalizeDeletion(ctx context.Context, eff dispatch.Effect) error {
	repo, err := c.store.GetRepository(eff.Repository)
	if err != nil {
		return err
	}
	del, err := c.store.GetDeletionEntry(eff.DeletionUUID)
	if err != nil {
		return err
	}

	root, err := c.repos.LoadRepositoryData(ctx, repo, &eff.FromG)
	if err != nil {
		if snapguarderrors.IsQuarantining(err) {
			c.quarantine(eff.Repository, err)
		}
		c.releaseFinalization(eff.Repository, eff.ToG)
		c.completeDeletionWaiters(del.Waiters, err)
		return err
	}

	removed := make(map[string]bool, len(del.Snapshots))
	for _, s := range del.Snapshots {
		removed[s.UUID] = true
	}
	kept := root.Snapshots[:0]
	for _, s := range root.Snapshots {
		if !removed[s.UUID] {
			kept = append(kept, s)
		}
	}
	root.Snapshots = kept
	root.Generation = eff.ToG

	if err := c.repos.WriteRepositoryData(ctx, repo, eff.FromG, eff.ToG, root); err != nil {
		if snapguarderrors.IsQuarantining(err) {
			c.quarantine(eff.Repository, err)
		}
		c.releaseFinalization(eff.Repository, eff.ToG)
		c.completeDeletionWaiters(del.Waiters, err)
		return err
	}

	var blobPaths []string
	for _, s := range del.Snapshots {
		blobPaths = append(blobPaths, repository.SnapshotBlobPaths(s.UUID)...)
	}

	_, err = c.apply(OpFinalizeDeletion, finalizeDeletionReq{
		Repository: eff.Repository, UUID: eff.DeletionUUID, FromG: eff.FromG, ToG: eff.ToG, BlobPaths: blobPaths,
	})
	if err != nil {
		c.releaseFinalization(eff.Repository, eff.ToG)
	}
	c.completeDeletionWaiters(del.Waiters, err)
	return err
}

// quarantine applies OpQuarantine so every node's mirror, not just this
// one's in-memory view, refuses further creates/deletes against repository
// (§7, §9 "quarantine vs. fatal").
func (c *Coordinator) quarantine(repository string, cause error) {
	if _, err := c.apply(OpQuarantine, quarantineReq{Repository: repository, Reason: cause.Error()}); err != nil {
		c.log.Error().Err(err).Str("repository", repository).Msg("failed to apply quarantine")
	}
}

// nodeRemovalMarked implements shardworker.NodeRemovalChecker, consulting
// NodesShutdownMetadata for this node (§4.2, §6).
func (c *Coordinator) nodeRemovalMarked() bool {
	meta, err := c.store.GetNodeShutdown(c.cfg.NodeID)
	if err != nil || meta == nil {
		return false
	}
	return meta.Type == types.NodeShutdownRemove || meta.Type == types.NodeShutdownReplace
}

// ReportShardStatus implements shardworker.StatusReporter by applying an
// OpApplyShardUpdate command through Raft, so a status update from any node
// is replicated before it is acted on.
func (c *Coordinator) ReportShardStatus(ctx context.Context, entryID string, shard types.ShardId, status types.ShardSnapshotStatus) error {
	parts := splitEntryID(entryID)
	_, err := c.apply(OpApplyShardUpdate, shardUpdateReq{
		Repository: parts.repository,
		Snapshot:   parts.snapshot,
		Shard:      shard,
		Update:     status,
	})
	return err
}

type entryIDParts struct{ repository, snapshot string }

func entryID(repository, snapshot string) string { return repository + "/" + snapshot }

func splitEntryID(id string) entryIDParts {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return entryIDParts{repository: id[:i], snapshot: id[i+1:]}
		}
	}
	return entryIDParts{}
}

func raftTunedConfig(nodeID string) *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Coordinator) newRaft() (*raft.Raft, error) {
	if err := os.MkdirAll(c.cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("coordinator: failed to create data dir: %w", err)
	}

	config := raftTunedConfig(c.cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: failed to create raft: %w", err)
	}
	return r, nil
}

// Bootstrap starts Raft as the sole member of a new cluster.
func (c *Coordinator) Bootstrap() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.cfg.NodeID), Address: raft.ServerAddress(c.cfg.BindAddr)}},
	}
	future := r.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: failed to bootstrap cluster: %w", err)
	}
	go c.watchLeadership(r.LeaderCh())
	return nil
}

// Join starts Raft for this node without bootstrapping a configuration;
// the caller is expected to already hold a voter slot granted by the
// current leader's AddVoter (admission has no transport of its own, §1
// "client/API admission...out of scope" extends to cluster admission:
// operators call AddVoter on the leader out of band, matching how every
// other write in this module reaches Raft — by running on the node that
// already has a raft.Raft, not over an RPC this core defines).
func (c *Coordinator) Join() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	go c.watchLeadership(r.LeaderCh())
	return nil
}

// AddVoter admits nodeID at address to the cluster. Only the leader can do
// this (raft.Raft itself rejects the call otherwise).
func (c *Coordinator) AddVoter(nodeID, address string) error {
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// watchLeadership redrives in-flight effects on becoming leader (§4.6
// "master failover") and fails every outstanding local waiter when
// leadership is lost, per §7's ErrMasterLost contract.
func (c *Coordinator) watchLeadership(ch <-chan bool) {
	for leader := range ch {
		if leader {
			c.reconcileOnElection()
		} else {
			c.failAllWaiters(snapguarderrors.ErrMasterLost)
		}
	}
}

// reconcileOnElection re-derives every repository's pending finalization
// slot and re-dispatches shard effects for non-terminal entries, since a
// new leader inherits no in-memory dispatch queue from its predecessor —
// only the replicated registries (§4.6, §9).
func (c *Coordinator) reconcileOnElection() {
	repos, err := c.store.ListRepositories()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to list repositories during failover reconciliation")
		return
	}

	metrics.FailoverReconciliationsTotal.Inc()

	for _, repo := range repos {
		entries, err := c.store.ListSnapshotEntriesByRepository(repo.Name)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.State.IsTerminal() {
				continue
			}
			for shard, status := range e.Shards {
				if status.NodeID != "" && !status.State.IsTerminal() {
					c.bus.Submit(dispatch.Effect{
						Kind: dispatch.KindStartShard, Repository: repo.Name,
						Shard: shard, NodeID: status.NodeID, ShardGeneration: status.Generation,
						SnapshotName: e.Snapshot.Name,
					})
				}
			}
		}
		if repo.PendingGeneration > repo.Generation && !repo.Quarantined {
			// The previous leader held this lease; re-issue the slot holder's
			// finalization against the same generations.
			dels, _ := c.store.ListDeletionEntriesByRepository(repo.Name)
			if req, ok := arbiter.NextFinalizationSlot(repo.Name, entries, dels); ok {
				eff := dispatch.Effect{Repository: repo.Name, FromG: repo.Generation, ToG: repo.PendingGeneration}
				if req.Kind == arbiter.KindSnapshotFinalize {
					eff.Kind, eff.SnapshotName = dispatch.KindFinalizeSnapshot, req.SnapshotName
				} else {
					eff.Kind, eff.DeletionUUID = dispatch.KindFinalizeDeletion, req.DeletionUUID
				}
				c.bus.Submit(eff)
			}
			continue
		}
		if effects := c.fsm.maybeRequestFinalization(repo.Name); len(effects) > 0 {
			for _, eff := range effects {
				c.bus.Submit(eff)
			}
		}
	}
}

func (c *Coordinator) failAllWaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.waiters {
		ch <- waitResult{err: err}
		delete(c.waiters, id)
	}
	for token, ch := range c.deletionWaiters {
		ch <- err
		delete(c.deletionWaiters, token)
	}
}

// apply marshals req under op and submits it through Raft, returning the
// FSM's applyResult.
func (c *Coordinator) apply(op Op, req interface{}) (*applyResult, error) {
	if c.raft == nil {
		return nil, fmt.Errorf("coordinator: raft not initialized")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := Command{Op: op, Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	future := c.raft.Apply(encoded, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("coordinator: raft apply failed: %w", err)
	}

	result, ok := future.Response().(*applyResult)
	if !ok {
		return nil, fmt.Errorf("coordinator: unexpected apply response type %T", future.Response())
	}
	if result.err != nil {
		return nil, result.err
	}
	for _, eff := range result.effects {
		c.bus.Submit(eff)
	}
	return result, nil
}

// PutRepository registers repository metadata (§6 PutRepository).
func (c *Coordinator) PutRepository(name string, typ types.RepositoryType, settings map[string]string) error {
	_, err := c.apply(OpPutRepository, putRepositoryReq{Repo: &types.Repository{Name: name, Type: typ, Settings: settings}})
	return err
}

// DeleteRepository removes repository metadata; fails with
// ErrRepositoryInUse if any entry in either registry still references it
// (§6 DeleteRepository).
func (c *Coordinator) DeleteRepository(name string) error {
	_, err := c.apply(OpDeleteRepository, nameReq{Name: name})
	return err
}

// ListRepositories returns every registered repository's current metadata,
// for operator tooling and metrics collection.
func (c *Coordinator) ListRepositories() ([]*types.Repository, error) {
	return c.store.ListRepositories()
}

// CreateSnapshot implements §6's CreateSnapshot. assignments is the
// caller-resolved shard topology for indices — which node holds each
// shard's primary, or Missing for a shard with no assignable primary; the
// coordinator has no notion of cluster topology itself (§1 Non-goals). It
// enqueues an INIT entry, assigns shards, and — if waitForCompletion is
// set — blocks until the entry reaches a terminal state or ctx is
// cancelled.
func (c *Coordinator) CreateSnapshot(ctx context.Context, repository, name string, indices []types.IndexId, assignments map[types.ShardId]snapshot.ShardAssignment, partial, waitForCompletion bool) (types.SnapshotInfo, error) {
	repo, err := c.store.GetRepository(repository)
	if err != nil {
		return types.SnapshotInfo{}, snapguarderrors.ErrRepositoryMissing
	}

	snap := types.SnapshotId{Name: name, UUID: uuid.NewString()}
	shards := make(map[types.ShardId]types.ShardSnapshotStatus, len(assignments))
	for s := range assignments {
		shards[s] = types.ShardSnapshotStatus{State: types.ShardStateInit}
	}

	id := entryID(repository, name)
	var wait chan waitResult
	if waitForCompletion {
		wait = make(chan waitResult, 1)
		c.mu.Lock()
		c.waiters[id] = wait
		c.mu.Unlock()
	}

	result, err := c.apply(OpCreateSnapshot, createSnapshotReq{
		Snapshot: snap, Repository: repository, Indices: indices, Shards: shards,
		Partial: partial, RepositoryStateID: repo.Generation,
	})
	if err != nil {
		c.discardWaiter(id)
		return types.SnapshotInfo{}, err
	}

	if _, err := c.apply(OpAssignShards, assignShardsReq{Repository: repository, Snapshot: name, Assignments: assignments}); err != nil {
		c.discardWaiter(id)
		return types.SnapshotInfo{}, err
	}

	if !waitForCompletion {
		return c.snapshotInfoFromEntry(result.entry), nil
	}

	select {
	case res := <-wait:
		return res.info, res.err
	case <-ctx.Done():
		return types.SnapshotInfo{}, ctx.Err()
	}
}

// snapshotInfoFromEntry projects the internal registry entry into the
// exit-semantics payload of §6. ABORTED is an internal registry state a
// cascaded delete drives an entry to; §6 scopes the externally-visible
// outcomes to SUCCESS/PARTIAL/FAILED, and §7/§8 are explicit that an
// aborted create "surfaces as FAILED to the create caller" — so ABORTED is
// mapped to FAILED here, the one place registry state becomes a client
// response.
func (c *Coordinator) snapshotInfoFromEntry(e *types.Entry) types.SnapshotInfo {
	if e == nil {
		return types.SnapshotInfo{}
	}
	failed := 0
	for _, s := range e.Shards {
		if s.State == types.ShardStateFailed || s.State == types.ShardStateMissing {
			failed++
		}
	}
	state := e.State
	if state == types.EntryStateAborted {
		state = types.EntryStateFailed
	}
	return types.SnapshotInfo{
		Snapshot: e.Snapshot, Repository: e.Repository, State: state,
		FailedShards: failed, TotalShards: len(e.Shards),
		StartTime: e.StartTime, EndTime: e.EndTime,
	}
}

// discardWaiter drops a waiter registered by CreateSnapshot when a later
// apply in the same call fails before any finalize effect could ever be
// dispatched to complete it; without this the entry stays in c.waiters
// forever since nothing else will ever send on it.
func (c *Coordinator) discardWaiter(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// completeWaiter is invoked from the finalize-snapshot effect handler once
// an entry's index-N has been durably written and the entry removed; it
// unblocks any local CreateSnapshot call still waiting on it.
func (c *Coordinator) completeWaiter(repository, name string, info types.SnapshotInfo, err error) {
	id := entryID(repository, name)
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- waitResult{info: info, err: err}
	}
}

// completeDeletionWaiters unblocks every local DeleteSnapshot call folded
// into a DeletionEntry, by the per-call tokens recorded in its Waiters
// field (§4.4.2: "all of them observe the same outcome when the entry is
// removed"). tokens not registered locally (e.g. a waiter that belonged to
// a different node, or one this process never started) are skipped.
func (c *Coordinator) completeDeletionWaiters(tokens []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, token := range tokens {
		if ch, ok := c.deletionWaiters[token]; ok {
			delete(c.deletionWaiters, token)
			ch <- err
		}
	}
}

// DeleteSnapshot implements §6's DeleteSnapshot, matching namePattern
// (empty means "all snapshots in the repository") against completed
// snapshot metadata is out of this core's scope (§1); here it accepts the
// already-resolved snapshot ids the caller determined from repository
// listings, same as CreateSnapshot accepts pre-planned shard assignments.
// Per §4.4 step 2, a batched caller observes the same outcome as every
// other caller folded into the same entry: DeleteSnapshot blocks until
// that entry's finalize effect actually completes (or ctx is cancelled),
// rather than returning as soon as the fold itself replicates.
func (c *Coordinator) DeleteSnapshot(ctx context.Context, repository string, snapshots []types.SnapshotId, waiter string) error {
	repo, err := c.store.GetRepository(repository)
	if err != nil {
		return snapguarderrors.ErrRepositoryMissing
	}

	token := waiter + "#" + uuid.NewString()
	wait := make(chan error, 1)
	c.mu.Lock()
	c.deletionWaiters[token] = wait
	c.mu.Unlock()

	if _, err := c.apply(OpDeleteSnapshot, deleteSnapshotReq{
		UUID: uuid.NewString(), Repository: repository, Snapshots: snapshots,
		Waiter: token, RepositoryStateID: repo.Generation,
	}); err != nil {
		c.mu.Lock()
		delete(c.deletionWaiters, token)
		c.mu.Unlock()
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSnapshots implements §6's GetSnapshots, reading directly from the
// local bbolt mirror (reads never go through Raft).
func (c *Coordinator) GetSnapshots(repository string) ([]types.SnapshotInfo, error) {
	entries, err := c.store.ListSnapshotEntriesByRepository(repository)
	if err != nil {
		return nil, err
	}
	infos := make([]types.SnapshotInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, c.snapshotInfoFromEntry(e))
	}
	return infos, nil
}

// GetDeletionStates returns the state of every in-progress deletion entry
// for repository, for operator tooling and metrics collection.
func (c *Coordinator) GetDeletionStates(repository string) ([]types.DeletionState, error) {
	entries, err := c.store.ListDeletionEntriesByRepository(repository)
	if err != nil {
		return nil, err
	}
	states := make([]types.DeletionState, 0, len(entries))
	for _, e := range entries {
		states = append(states, e.State)
	}
	return states, nil
}

// MarkNodeShutdown records a shutdown marker so in-flight shard uploads on
// that node degrade to PAUSED_FOR_NODE_REMOVAL instead of FAILED (§4.2,
// §6 NodesShutdownMetadata).
func (c *Coordinator) MarkNodeShutdown(meta *types.NodeShutdownMetadata) error {
	_, err := c.apply(OpNodeShutdown, nodeShutdownReq{Meta: meta})
	return err
}

// ClearNodeShutdown removes a node's shutdown marker, then reinitializes
// every shard paused for that removal onto newNodeID (§4.3, §9 Open
// Question: reinitialized shards resume on the new allocation, never the
// original node — see DESIGN.md).
func (c *Coordinator) ClearNodeShutdown(nodeID, newNodeID string) error {
	if _, err := c.apply(OpNodeShutdownClear, nameReq{Name: nodeID}); err != nil {
		return err
	}

	entries, err := c.store.ListSnapshotEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		for shard, status := range e.Shards {
			if status.State == types.ShardStatePausedForNodeRemove && status.NodeID == nodeID {
				if _, err := c.apply(OpReinitializeShard, reinitShardReq{
					Repository: e.Repository, Snapshot: e.Snapshot.Name, Shard: shard, NewNodeID: newNodeID,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// HandleNodeRemoval pauses every non-terminal shard assigned to nodeID
// (§4.3 PAUSED_FOR_NODE_REMOVAL, §6 NodeShutdownRemove/Replace).
func (c *Coordinator) HandleNodeRemoval(nodeID string) error {
	_, err := c.apply(OpHandleNodeRemoval, nodeRemovalReq{NodeID: nodeID})
	return err
}

// Shutdown stops the dispatch bus and Raft instance cleanly.
func (c *Coordinator) Shutdown() error {
	c.bus.Stop()
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("coordinator: failed to shut down raft: %w", err)
		}
	}
	return c.store.Close()
}

// RaftStats returns a small debug view of this node's Raft state: its role,
// last log index, applied index and current leader.
func (c *Coordinator) RaftStats() map[string]interface{} {
	if c.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":         c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         string(c.raft.Leader()),
	}
	return stats
}
