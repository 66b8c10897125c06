package coordinator

import (
	"context"

	"github.com/cuemby/snapguard/pkg/snapshot"
	"github.com/cuemby/snapguard/pkg/types"
)

// AdminClient is the administrative surface of §6, factored out as an
// interface so cmd/snapguardctl depends on a seam rather than a concrete
// *Coordinator. Per the admission scoping of §1, no RPC implementation of
// this interface ships with this core; *Coordinator satisfies it directly
// for callers embedding a node in-process, and an operator wiring a
// transport of their own (REST, gRPC, whatever admission layer they
// choose) implements AdminClient against it the same way.
type AdminClient interface {
	PutRepository(name string, typ types.RepositoryType, settings map[string]string) error
	DeleteRepository(name string) error
	ListRepositories() ([]*types.Repository, error)

	CreateSnapshot(ctx context.Context, repository, name string, indices []types.IndexId, assignments map[types.ShardId]snapshot.ShardAssignment, partial, waitForCompletion bool) (types.SnapshotInfo, error)
	DeleteSnapshot(ctx context.Context, repository string, snapshots []types.SnapshotId, waiter string) error
	GetSnapshots(repository string) ([]types.SnapshotInfo, error)
}

var _ AdminClient = (*Coordinator)(nil)
