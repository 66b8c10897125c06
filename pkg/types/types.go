// Package types defines the shared vocabulary of the snapshot coordinator:
// the repository, snapshot and deletion entities replicated through cluster
// state, and the sum types describing their lifecycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RepositoryType identifies which blob-store backend a repository is bound
// to. The coordinator itself is backend-agnostic; it only needs the name to
// route through pkg/repository's bucket registry.
type RepositoryType string

const (
	RepositoryTypeFilesystem RepositoryType = "fs"
	RepositoryTypeS3         RepositoryType = "s3"
	RepositoryTypeGCS        RepositoryType = "gcs"
	RepositoryTypeAzure      RepositoryType = "azure"
)

// Repository is the (name, type, settings, generation) tuple of §3. G is the
// known-safe generation; PendingG is the generation a finalizer currently
// holds the lease for. Invariant: PendingG >= G.
type Repository struct {
	Name     string
	Type     RepositoryType
	Settings map[string]string

	Generation        int64 // G; -1 for an empty, never-finalized repository
	PendingGeneration int64 // pendingG

	// Quarantined repositories refuse every create/delete until an operator
	// re-mounts them (§7, §9 "quarantine vs. fatal").
	Quarantined      bool
	QuarantineReason string

	CreatedAt time.Time
}

// SnapshotId is the (name, uuid) pair that identifies a snapshot. Name is
// user-chosen and unique per repository among non-deleted snapshots; UUID is
// minted fresh at creation time.
type SnapshotId struct {
	Name string
	UUID string
}

// IndexId identifies an index included in a snapshot.
type IndexId struct {
	Name string
	UUID string
}

// ShardId identifies a single shard of an index within a snapshot entry.
type ShardId struct {
	Index IndexId
	Shard int
}

// MarshalText renders id as a single token so it can serve as a JSON map
// key (encoding/json only accepts string-like keys); Entry.Shards is keyed
// by ShardId throughout cluster state.
func (id ShardId) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%s\x1f%s\x1f%d", id.Index.Name, id.Index.UUID, id.Shard)), nil
}

// UnmarshalText parses the token produced by MarshalText.
func (id *ShardId) UnmarshalText(b []byte) error {
	parts := strings.Split(string(b), "\x1f")
	if len(parts) != 3 {
		return fmt.Errorf("types: malformed ShardId %q", b)
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("types: malformed ShardId %q: %w", b, err)
	}
	id.Index = IndexId{Name: parts[0], UUID: parts[1]}
	id.Shard = shard
	return nil
}

// EntryState is the sum type for SnapshotsInProgress.Entry's lifecycle.
// State never regresses; ABORTED is reached only via a delete naming the
// entry.
type EntryState string

const (
	EntryStateInit    EntryState = "INIT"
	EntryStateStarted EntryState = "STARTED"
	EntryStateSuccess EntryState = "SUCCESS"
	EntryStatePartial EntryState = "PARTIAL"
	EntryStateFailed  EntryState = "FAILED"
	EntryStateAborted EntryState = "ABORTED"
)

// IsTerminal reports whether no further transition is possible.
func (s EntryState) IsTerminal() bool {
	switch s {
	case EntryStateSuccess, EntryStatePartial, EntryStateFailed, EntryStateAborted:
		return true
	default:
		return false
	}
}

// ShardState is the sum type for a single shard's upload lifecycle.
type ShardState string

const (
	ShardStateInit                ShardState = "INIT"
	ShardStateSuccess             ShardState = "SUCCESS"
	ShardStateFailed              ShardState = "FAILED"
	ShardStateAborted             ShardState = "ABORTED"
	ShardStateMissing             ShardState = "MISSING"
	ShardStateWaiting             ShardState = "WAITING"
	ShardStateQueued              ShardState = "QUEUED"
	ShardStatePausedForNodeRemove ShardState = "PAUSED_FOR_NODE_REMOVAL"
)

// IsTerminal reports whether the shard will never transition again without
// external intervention (re-assignment after PAUSED_FOR_NODE_REMOVAL is
// handled by the snapshot state machine re-initializing the shard, not by
// this method changing its answer).
func (s ShardState) IsTerminal() bool {
	switch s {
	case ShardStateSuccess, ShardStateFailed, ShardStateAborted, ShardStateMissing:
		return true
	default:
		return false
	}
}

// ShardSnapshotStatus is the per-shard record inside a SnapshotsInProgress.Entry.
type ShardSnapshotStatus struct {
	State         ShardState
	NodeID        string
	Generation    string // shard generation produced by a completed upload
	FailureReason string
}

// Entry is SnapshotsInProgress.Entry from §3.
type Entry struct {
	Snapshot   SnapshotId
	Repository string
	State      EntryState
	Indices    []IndexId
	Shards     map[ShardId]ShardSnapshotStatus

	StartTime         time.Time
	EndTime           time.Time
	RepositoryStateId int64 // G under which this entry was enqueued

	// Partial governs whether missing/failed shards degrade the snapshot to
	// PARTIAL (true) or fail it outright (false).
	Partial bool

	// Seq orders entries FIFO within a repository across both registries;
	// it is assigned once, at enqueue time, and never reused.
	Seq int64
}

// AllShardsTerminal reports whether every shard has reached a terminal
// state, the precondition for the entry itself to finalize (§4.3).
func (e *Entry) AllShardsTerminal() bool {
	for _, s := range e.Shards {
		if !s.State.IsTerminal() {
			return false
		}
	}
	return true
}

// HasFailedOrMissingShard reports whether at least one shard is FAILED or
// MISSING, the condition that (together with Partial) decides SUCCESS vs.
// PARTIAL vs. FAILED.
func (e *Entry) HasFailedOrMissingShard() bool {
	for _, s := range e.Shards {
		if s.State == ShardStateFailed || s.State == ShardStateMissing {
			return true
		}
	}
	return false
}

// DeletionState is the sum type for SnapshotDeletionsInProgress.Entry.
type DeletionState string

const (
	DeletionStateWaiting DeletionState = "WAITING"
	DeletionStateStarted DeletionState = "STARTED"
)

// DeletionEntry is SnapshotDeletionsInProgress.Entry from §3.
type DeletionEntry struct {
	UUID       string
	Repository string
	Snapshots  []SnapshotId
	State      DeletionState

	StartTime         time.Time
	RepositoryStateId int64

	// Waiters holds the identifiers of every caller that folded a delete
	// request into this batch (§4.4.2); all of them observe the same
	// outcome when the entry is removed.
	Waiters []string

	Seq int64
}

// NodeShutdownType classifies why a node carries a shutdown marker (§6).
type NodeShutdownType string

const (
	NodeShutdownRestart NodeShutdownType = "RESTART"
	NodeShutdownRemove  NodeShutdownType = "REMOVE"
	NodeShutdownReplace NodeShutdownType = "REPLACE"
)

// NodeShutdownMetadata is one entry of the NodesShutdownMetadata custom
// section (§6).
type NodeShutdownMetadata struct {
	NodeID        string
	Type          NodeShutdownType
	Reason        string
	StartedAtUnix int64
}

// SnapshotInfo is the exit-semantics payload returned by CreateSnapshot and
// GetSnapshots (§6).
type SnapshotInfo struct {
	Snapshot     SnapshotId
	Repository   string
	State        EntryState
	FailedShards int
	TotalShards  int
	StartTime    time.Time
	EndTime      time.Time
}
