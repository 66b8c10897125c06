// Package shardworker is the Shard Snapshot Worker of §4.2: it runs on the
// data node holding a shard's primary, uploads the shard's segments into a
// repository through a bounded pool, and reports the outcome back to the
// master. Segment reading itself (the Lucene-segment reader) is out of
// scope (§1 "shard-level snapshot uploader... reads Lucene segments"); this
// package consumes it through the Segments interface.
package shardworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/snapguard/pkg/log"
	"github.com/cuemby/snapguard/pkg/metrics"
	"github.com/cuemby/snapguard/pkg/repository"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the default core/max size of the snapshot upload
// pool (§4.2, §5).
const DefaultConcurrency = 5

// Segments reads a shard's committed segments and returns the set of blobs
// to upload, keyed by blob name.
type Segments interface {
	ReadShardSegments(ctx context.Context, shard types.ShardId) (map[string][]byte, error)
}

// StatusReporter sends a ShardStateUpdate to the current master. The update
// is idempotent because it is keyed by (entryID, shardId) (§4.2). The
// worker calls it once per finished upload: a failed report is logged and
// not retransmitted, and the worker does not re-resolve the master.
type StatusReporter interface {
	ReportShardStatus(ctx context.Context, entryID string, shard types.ShardId, status types.ShardSnapshotStatus) error
}

// NodeRemovalChecker reports whether a node-removal shutdown marker has
// appeared for this node since an upload began, causing it to finish as
// PAUSED_FOR_NODE_REMOVAL instead of SUCCESS/FAILED (§4.2).
type NodeRemovalChecker func() bool

type uploadKey struct {
	entryID string
	shard   types.ShardId
}

// Worker is the bounded shard-upload pool for one data node.
type Worker struct {
	nodeID   string
	segments Segments
	repos    *repository.Registry
	reporter StatusReporter
	checkRemoval NodeRemovalChecker

	group *errgroup.Group
	ctx   context.Context
	log   zerolog.Logger

	mu       sync.Mutex
	cancels  map[uploadKey]context.CancelFunc
	shardMu  map[types.ShardId]*sync.Mutex
}

// New returns a Worker with the given bounded concurrency.
func New(nodeID string, concurrency int, segments Segments, repos *repository.Registry, reporter StatusReporter, checkRemoval NodeRemovalChecker) *Worker {
	group, ctx := errgroup.WithContext(context.Background())
	group.SetLimit(concurrency)
	return &Worker{
		nodeID:       nodeID,
		segments:     segments,
		repos:        repos,
		reporter:     reporter,
		checkRemoval: checkRemoval,
		group:        group,
		ctx:          ctx,
		log:          log.WithComponent("shardworker"),
		cancels:      make(map[uploadKey]context.CancelFunc),
		shardMu:      make(map[types.ShardId]*sync.Mutex),
	}
}

// Wait blocks until every submitted upload has finished, used by tests and
// graceful shutdown.
func (w *Worker) Wait() error {
	return w.group.Wait()
}

func (w *Worker) lockFor(shard types.ShardId) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.shardMu[shard]
	if !ok {
		m = &sync.Mutex{}
		w.shardMu[shard] = m
	}
	return m
}

// StartShardSnapshot implements §4.2's startShardSnapshot. Uploads for
// distinct shards proceed in parallel, bounded by the worker's pool size;
// uploads for the same shard are serialized via a per-shard lock acquired
// inside the pooled goroutine, so a busy shard never blocks the caller. The
// caller does block while every pool slot is taken.
func (w *Worker) StartShardSnapshot(entryID string, shard types.ShardId, repo *types.Repository, generation string) {
	ctx, cancel := context.WithCancel(w.ctx)

	key := uploadKey{entryID: entryID, shard: shard}
	w.mu.Lock()
	w.cancels[key] = cancel
	w.mu.Unlock()

	w.group.Go(func() error {
		defer func() {
			w.mu.Lock()
			delete(w.cancels, key)
			w.mu.Unlock()
		}()

		shardLock := w.lockFor(shard)
		shardLock.Lock()
		defer shardLock.Unlock()

		w.upload(ctx, entryID, shard, repo, generation)
		return nil
	})
}

func (w *Worker) upload(ctx context.Context, entryID string, shard types.ShardId, repo *types.Repository, generation string) {
	timer := metrics.NewTimer()
	status := w.doUpload(ctx, shard, repo, generation)
	timer.ObserveDuration(metrics.ShardUploadDuration)
	metrics.ShardUploadsTotal.WithLabelValues(string(status.State)).Inc()

	if err := w.reporter.ReportShardStatus(context.Background(), entryID, shard, status); err != nil {
		w.log.Error().Err(err).Str("entry_id", entryID).Msg("failed to report shard status; the update is not retransmitted")
	}
}

func (w *Worker) doUpload(ctx context.Context, shard types.ShardId, repo *types.Repository, generation string) types.ShardSnapshotStatus {
	select {
	case <-ctx.Done():
		return types.ShardSnapshotStatus{State: types.ShardStateAborted, NodeID: w.nodeID}
	default:
	}

	blobs, err := w.segments.ReadShardSegments(ctx, shard)
	if err != nil {
		if ctx.Err() != nil {
			return types.ShardSnapshotStatus{State: types.ShardStateAborted, NodeID: w.nodeID}
		}
		return types.ShardSnapshotStatus{State: types.ShardStateFailed, NodeID: w.nodeID, FailureReason: err.Error()}
	}

	if w.checkRemoval != nil && w.checkRemoval() {
		return types.ShardSnapshotStatus{State: types.ShardStatePausedForNodeRemove, NodeID: w.nodeID}
	}

	if err := w.repos.WriteShardSnapshot(ctx, repo, shard.Index.UUID, fmt.Sprint(shard.Shard), generation, blobs); err != nil {
		if ctx.Err() != nil {
			return types.ShardSnapshotStatus{State: types.ShardStateAborted, NodeID: w.nodeID}
		}
		return types.ShardSnapshotStatus{State: types.ShardStateFailed, NodeID: w.nodeID, FailureReason: err.Error()}
	}

	if w.checkRemoval != nil && w.checkRemoval() {
		return types.ShardSnapshotStatus{State: types.ShardStatePausedForNodeRemove, NodeID: w.nodeID, Generation: generation}
	}

	return types.ShardSnapshotStatus{State: types.ShardStateSuccess, NodeID: w.nodeID, Generation: generation}
}

// AbortShardSnapshot implements §4.2's abortShardSnapshot: it cancels the
// in-flight upload's context so it completes with ABORTED at its next safe
// point. A no-op if no such upload is currently tracked (already finished
// or never started on this node).
func (w *Worker) AbortShardSnapshot(entryID string, shard types.ShardId) {
	key := uploadKey{entryID: entryID, shard: shard}
	w.mu.Lock()
	cancel, ok := w.cancels[key]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}
