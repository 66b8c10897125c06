package shardworker

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/snapguard/pkg/repository"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSegments struct {
	blobs map[string][]byte
	err   error
	block chan struct{}
}

func (f *fakeSegments) ReadShardSegments(ctx context.Context, shard types.ShardId) (map[string][]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.blobs, nil
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses []types.ShardSnapshotStatus
}

func (f *fakeReporter) ReportShardStatus(ctx context.Context, entryID string, shard types.ShardId, status types.ShardSnapshotStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeReporter) last() types.ShardSnapshotStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[len(f.statuses)-1]
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func testRegistry() *repository.Registry {
	return repository.NewRegistry(repository.Factory{})
}

func TestWorker_StartShardSnapshot_ReportsSuccess(t *testing.T) {
	reporter := &fakeReporter{}
	segs := &fakeSegments{blobs: map[string][]byte{"seg_0": []byte("data")}}
	w := New("node-1", DefaultConcurrency, segs, testRegistry(), reporter, nil)

	repo := &types.Repository{Name: "r", Type: types.RepositoryTypeFilesystem, Settings: map[string]string{"path": t.TempDir()}}
	shard := types.ShardId{Index: types.IndexId{Name: "idx", UUID: "idx"}, Shard: 0}

	w.StartShardSnapshot("entry-1", shard, repo, "gen-1")
	require.NoError(t, w.Wait())

	require.Equal(t, 1, reporter.count())
	assert.Equal(t, types.ShardStateSuccess, reporter.last().State)
}

func TestWorker_StartShardSnapshot_ReportsFailureOnSegmentReadError(t *testing.T) {
	reporter := &fakeReporter{}
	segs := &fakeSegments{err: assertErr{"disk read failed"}}
	w := New("node-1", DefaultConcurrency, segs, testRegistry(), reporter, nil)

	repo := &types.Repository{Name: "r", Type: types.RepositoryTypeFilesystem, Settings: map[string]string{"path": t.TempDir()}}
	shard := types.ShardId{Index: types.IndexId{Name: "idx", UUID: "idx"}, Shard: 0}

	w.StartShardSnapshot("entry-1", shard, repo, "gen-1")
	require.NoError(t, w.Wait())

	assert.Equal(t, types.ShardStateFailed, reporter.last().State)
}

func TestWorker_AbortShardSnapshot_CompletesUploadAsAborted(t *testing.T) {
	reporter := &fakeReporter{}
	block := make(chan struct{})
	segs := &fakeSegments{block: block}
	w := New("node-1", DefaultConcurrency, segs, testRegistry(), reporter, nil)

	repo := &types.Repository{Name: "r", Type: types.RepositoryTypeFilesystem, Settings: map[string]string{"path": t.TempDir()}}
	shard := types.ShardId{Index: types.IndexId{Name: "idx", UUID: "idx"}, Shard: 0}

	w.StartShardSnapshot("entry-1", shard, repo, "gen-1")
	w.AbortShardSnapshot("entry-1", shard)
	require.NoError(t, w.Wait())

	assert.Equal(t, types.ShardStateAborted, reporter.last().State)
}

func TestWorker_SameShardUploadsAreSerialized(t *testing.T) {
	reporter := &fakeReporter{}
	segs := &fakeSegments{blobs: map[string][]byte{"seg_0": []byte("data")}}
	w := New("node-1", DefaultConcurrency, segs, testRegistry(), reporter, nil)

	repo := &types.Repository{Name: "r", Type: types.RepositoryTypeFilesystem, Settings: map[string]string{"path": t.TempDir()}}
	shard := types.ShardId{Index: types.IndexId{Name: "idx", UUID: "idx"}, Shard: 0}

	w.StartShardSnapshot("entry-1", shard, repo, "gen-1")
	w.StartShardSnapshot("entry-2", shard, repo, "gen-2")
	require.NoError(t, w.Wait())

	assert.Equal(t, 2, reporter.count())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
