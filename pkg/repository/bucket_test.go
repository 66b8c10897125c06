package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/snapguard/pkg/repository/memblob"
	"github.com/cuemby/snapguard/pkg/snapguarderrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_LoadRepositoryData_EmptyRepository(t *testing.T) {
	b := NewBucket("r", memblob.New("r"))

	data, err := b.loadRepositoryData(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), data.Generation)
}

func TestBucket_WriteRepositoryData_FirstGenerationIsZero(t *testing.T) {
	b := NewBucket("r", memblob.New("r"))

	err := b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{
		Snapshots: []SnapshotMetaRef{{UUID: "u1", Name: "snap-0", State: "SUCCESS"}},
	})
	require.NoError(t, err)

	data, err := b.loadRepositoryData(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), data.Generation)
	assert.Len(t, data.Snapshots, 1)
}

func TestBucket_WriteRepositoryData_SuccessiveGenerationsIncrementByOne(t *testing.T) {
	b := NewBucket("r", memblob.New("r"))
	require.NoError(t, b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{}))
	require.NoError(t, b.writeRepositoryData(context.Background(), 0, 1, RootMetadata{}))

	data, err := b.loadRepositoryData(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), data.Generation)
}

func TestBucket_LoadRepositoryData_ExpectedGenerationMismatch(t *testing.T) {
	b := NewBucket("r", memblob.New("r"))
	require.NoError(t, b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{}))

	expected := int64(5)
	_, err := b.loadRepositoryData(context.Background(), &expected)
	assert.True(t, errors.Is(err, snapguarderrors.ErrRepositoryInconsistent))
}

func TestBucket_WriteRepositoryData_ConcurrentModificationRejected(t *testing.T) {
	b := NewBucket("r", memblob.New("r"))
	require.NoError(t, b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{}))

	// A second writer still believes fromG is -1 (stale view).
	err := b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{})
	assert.True(t, errors.Is(err, snapguarderrors.ErrRepositoryConcurrentModification))
}

func TestBucket_LoadRepositoryData_CorruptIndexN(t *testing.T) {
	fake := memblob.New("r")
	b := NewBucket("r", fake)
	require.NoError(t, b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{}))

	fake.Corrupt("index-0")

	_, err := b.loadRepositoryData(context.Background(), nil)
	assert.True(t, errors.Is(err, snapguarderrors.ErrCorruptRepository))
}

func TestBucket_LoadRepositoryData_RenamedIndexNIsInconsistent(t *testing.T) {
	fake := memblob.New("r")
	b := NewBucket("r", fake)
	require.NoError(t, b.writeRepositoryData(context.Background(), -1, 0, RootMetadata{}))

	require.NoError(t, fake.Rename("index-0", "index-1"))

	expected := int64(0)
	_, err := b.loadRepositoryData(context.Background(), &expected)
	assert.True(t, errors.Is(err, snapguarderrors.ErrRepositoryInconsistent))
}

func TestBucket_WriteShardSnapshotThenDeleteBlobs(t *testing.T) {
	fake := memblob.New("r")
	b := NewBucket("r", fake)

	blobs := map[string][]byte{"seg_0": []byte("segment-bytes")}
	require.NoError(t, b.writeShardSnapshot(context.Background(), "idx1", "0", "gen1", blobs))

	paths := []string{shardMetaPath("idx1", "0", "gen1"), shardDataBlobPath("idx1", "0", "seg_0")}
	require.NoError(t, b.deleteBlobs(context.Background(), paths))

	// Best-effort: deleting already-missing blobs is still success.
	require.NoError(t, b.deleteBlobs(context.Background(), paths))
}
