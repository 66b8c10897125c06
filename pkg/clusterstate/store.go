// Package clusterstate persists the two authoritative registries of §3
// (SnapshotsInProgress, SnapshotDeletionsInProgress) plus RepositoriesMetadata
// and NodesShutdownMetadata. It is the bbolt-backed local mirror of whatever
// the coordinator's Raft FSM has applied: every node keeps its own copy,
// written only by the Raft apply path, read by everyone else.
package clusterstate

import (
	"github.com/cuemby/snapguard/pkg/types"
)

// Store defines the persistence interface for cluster-state registries.
// Implemented by BoltStore.
type Store interface {
	// Repositories
	PutRepository(repo *types.Repository) error
	GetRepository(name string) (*types.Repository, error)
	ListRepositories() ([]*types.Repository, error)
	DeleteRepository(name string) error

	// SnapshotsInProgress
	PutSnapshotEntry(entry *types.Entry) error
	GetSnapshotEntry(repository, snapshotName string) (*types.Entry, error)
	ListSnapshotEntries() ([]*types.Entry, error)
	ListSnapshotEntriesByRepository(repository string) ([]*types.Entry, error)
	DeleteSnapshotEntry(repository, snapshotName string) error

	// SnapshotDeletionsInProgress
	PutDeletionEntry(entry *types.DeletionEntry) error
	GetDeletionEntry(uuid string) (*types.DeletionEntry, error)
	ListDeletionEntries() ([]*types.DeletionEntry, error)
	ListDeletionEntriesByRepository(repository string) ([]*types.DeletionEntry, error)
	DeleteDeletionEntry(uuid string) error

	// NodesShutdownMetadata
	PutNodeShutdown(meta *types.NodeShutdownMetadata) error
	GetNodeShutdown(nodeID string) (*types.NodeShutdownMetadata, error)
	ListNodeShutdowns() ([]*types.NodeShutdownMetadata, error)
	DeleteNodeShutdown(nodeID string) error

	// NextSeq hands out the monotonically increasing sequence number used
	// to order entries FIFO within a repository across both registries
	// (§3 "Relationships", §4.5).
	NextSeq() (int64, error)

	Close() error
}
