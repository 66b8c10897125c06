package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/snapguard/pkg/types"
	"github.com/thanos-io/thanos/pkg/objstore"
	"github.com/thanos-io/thanos/pkg/objstore/filesystem"
)

// Factory opens the underlying objstore.Bucket for a repository, chosen by
// its RepositoryType. Only filesystem is wired to a concrete backend; s3,
// gcs and azure are declared Repository.Type values, but Open rejects them
// as unsupported backends.
type Factory struct{}

// Open returns the objstore.Bucket backing repo, per repo.Settings.
func (Factory) Open(repo *types.Repository) (objstore.Bucket, error) {
	switch repo.Type {
	case types.RepositoryTypeFilesystem:
		dir := repo.Settings["path"]
		if dir == "" {
			return nil, fmt.Errorf("repository %q: filesystem settings missing required key %q", repo.Name, "path")
		}
		return filesystem.NewBucket(dir), nil
	default:
		return nil, fmt.Errorf("repository %q: unsupported backend %q", repo.Name, repo.Type)
	}
}

// Registry owns one Bucket per repository, opened lazily and kept open for
// the repository's lifetime on this node.
type Registry struct {
	factory interface {
		Open(repo *types.Repository) (objstore.Bucket, error)
	}

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry returns a Registry that opens backends via factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		buckets: make(map[string]*Bucket),
	}
}

// Get returns the Bucket for repo, opening its backend on first use.
func (r *Registry) Get(repo *types.Repository) (*Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[repo.Name]; ok {
		return b, nil
	}

	bkt, err := r.factory.Open(repo)
	if err != nil {
		return nil, err
	}

	b := NewBucket(repo.Name, bkt)
	r.buckets[repo.Name] = b
	return b, nil
}

// Forget closes and drops repo's bucket, so the next Get opens a fresh
// backend.
func (r *Registry) Forget(ctx context.Context, name string) error {
	r.mu.Lock()
	b, ok := r.buckets[name]
	delete(r.buckets, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return b.bkt.Close()
}

// LoadRepositoryData is the public entry point for §4.1's
// loadRepositoryData, resolving repo's bucket first.
func (r *Registry) LoadRepositoryData(ctx context.Context, repo *types.Repository, expectedG *int64) (RootMetadata, error) {
	b, err := r.Get(repo)
	if err != nil {
		return RootMetadata{}, err
	}
	return b.loadRepositoryData(ctx, expectedG)
}

// WriteRepositoryData is the public entry point for §4.1's
// writeRepositoryData.
func (r *Registry) WriteRepositoryData(ctx context.Context, repo *types.Repository, fromG, toG int64, data RootMetadata) error {
	b, err := r.Get(repo)
	if err != nil {
		return err
	}
	return b.writeRepositoryData(ctx, fromG, toG, data)
}

// WriteShardSnapshot is the public entry point for §4.1's
// writeShardSnapshot.
func (r *Registry) WriteShardSnapshot(ctx context.Context, repo *types.Repository, indexID, shardID, generation string, blobs map[string][]byte) error {
	b, err := r.Get(repo)
	if err != nil {
		return err
	}
	return b.writeShardSnapshot(ctx, indexID, shardID, generation, blobs)
}

// DeleteBlobs is the public entry point for §4.1's deleteBlobs.
func (r *Registry) DeleteBlobs(ctx context.Context, repo *types.Repository, paths []string) error {
	b, err := r.Get(repo)
	if err != nil {
		return err
	}
	return b.deleteBlobs(ctx, paths)
}

// ShardBlobPaths returns every blob path written under one shard
// generation: its shard metadata blob plus the named data blobs. The blob
// sweep scheduled when a deletion finalizes (§4.4 step 5) removes only
// SnapshotBlobPaths; shard blobs are not swept.
func ShardBlobPaths(indexID, shardID, shardGeneration string, dataBlobNames []string) []string {
	paths := make([]string, 0, len(dataBlobNames)+1)
	paths = append(paths, shardMetaPath(indexID, shardID, shardGeneration))
	for _, name := range dataBlobNames {
		paths = append(paths, shardDataBlobPath(indexID, shardID, name))
	}
	return paths
}

// SnapshotBlobPaths returns the snap-*.dat blob path for a snapshot.
func SnapshotBlobPaths(snapshotUUID string) []string {
	return []string{snapshotBlobName(snapshotUUID)}
}
