// Package dispatch carries side effects out of the cluster-state update
// path. Per §4.6 and §9, every mutation to the two registries is a pure
// function producing a delta plus a stream of effects; this package is that
// stream and the worker pool that executes it, so the single-writer
// cluster-state loop never blocks on shard RPCs or blob-store I/O.
package dispatch

import "github.com/cuemby/snapguard/pkg/types"

// Kind identifies what an Effect asks the dispatcher to do.
type Kind string

const (
	// KindAbortShard asks the shard worker pool to abort an in-flight
	// upload (§4.2 abortShardSnapshot, §4.3 Abort transition).
	KindAbortShard Kind = "abort_shard"

	// KindStartShard asks the shard worker pool to begin uploading a
	// newly assigned shard (§4.2 startShardSnapshot).
	KindStartShard Kind = "start_shard"

	// KindFinalizeSnapshot asks the repository metadata layer to write a
	// new index-N reflecting a terminal snapshot entry (§4.3
	// Finalization).
	KindFinalizeSnapshot Kind = "finalize_snapshot"

	// KindFinalizeDeletion asks the repository metadata layer to write a
	// new index-N reflecting a batch of removed snapshots (§4.4 step 5).
	KindFinalizeDeletion Kind = "finalize_deletion"

	// KindDeleteBlobs asks for a best-effort sweep of now-orphaned blobs
	// (§4.1 deleteBlobs, §4.4 step 5).
	KindDeleteBlobs Kind = "delete_blobs"
)

// Effect is one unit of work the coordinator emits after publishing a
// cluster-state delta. Every field besides Kind and Repository is
// populated according to Kind; handlers assert only the ones they need.
type Effect struct {
	Kind       Kind
	Repository string

	// Shard effects (KindAbortShard, KindStartShard)
	Shard           types.ShardId
	ShardGeneration string
	NodeID          string

	// Finalization effects (KindFinalizeSnapshot, KindFinalizeDeletion)
	SnapshotName string // identifies the entry for KindFinalizeSnapshot
	DeletionUUID string // identifies the entry for KindFinalizeDeletion
	FromG        int64
	ToG          int64

	// KindDeleteBlobs
	BlobPaths []string
}
