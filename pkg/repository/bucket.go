package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/snapguard/pkg/log"
	"github.com/cuemby/snapguard/pkg/snapguarderrors"
	"github.com/rs/zerolog"
	"github.com/thanos-io/thanos/pkg/objstore"
)

// SnapshotMetaRef is one entry of RootMetadata.Snapshots.
type SnapshotMetaRef struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// RootMetadata is the decoded contents of an index-{G} blob (§6).
type RootMetadata struct {
	Generation               int64             `json:"generation"`
	Snapshots                []SnapshotMetaRef `json:"snapshots"`
	IndexMetadataGenerations map[string]string `json:"index_metadata_generations"`
	ShardGenerations         map[string]string `json:"shard_generations"`
	MinVersion               string            `json:"min_version"`
}

// Bucket is the Repository Metadata Layer's compare-and-swap wrapper around
// a generic objstore.Bucket. It implements loadRepositoryData /
// writeRepositoryData / writeShardSnapshot / deleteBlobs (§4.1).
type Bucket struct {
	bkt  objstore.Bucket
	name string
	log  zerolog.Logger
}

// NewBucket wraps bkt for repository name.
func NewBucket(name string, bkt objstore.Bucket) *Bucket {
	return &Bucket{
		bkt:  bkt,
		name: name,
		log:  log.WithRepository(name),
	}
}

// latestGeneration lists index-N blobs at the bucket root and returns the
// highest N found, or -1 if the repository is empty. It never trusts
// index.latest by itself; that blob is a hint only, per §6's integrity rule
// that index-N listing (not index.latest) is authoritative.
func (b *Bucket) latestGeneration(ctx context.Context) (int64, error) {
	best := int64(-1)
	err := b.bkt.Iter(ctx, "", func(name string) error {
		if !strings.HasPrefix(name, "index-") {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimPrefix(name, "index-"), 10, 64)
		if err != nil {
			// Not a generation blob (e.g. index.latest); ignore.
			return nil
		}
		if n > best {
			best = n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: listing index-N blobs: %v", snapguarderrors.ErrIO, err)
	}
	return best, nil
}

// loadRepositoryData implements §4.1's loadRepositoryData(expectedG?).
func (b *Bucket) loadRepositoryData(ctx context.Context, expectedG *int64) (RootMetadata, error) {
	g, err := b.latestGeneration(ctx)
	if err != nil {
		return RootMetadata{}, err
	}

	if expectedG != nil && g != *expectedG {
		return RootMetadata{}, fmt.Errorf("%w: expected generation %d, found %d", snapguarderrors.ErrRepositoryInconsistent, *expectedG, g)
	}

	if g < 0 {
		return RootMetadata{Generation: -1}, nil
	}

	rc, err := b.bkt.Get(ctx, indexBlobName(g))
	if err != nil {
		return RootMetadata{}, fmt.Errorf("%w: reading %s: %v", snapguarderrors.ErrIO, indexBlobName(g), err)
	}
	defer rc.Close()

	var data RootMetadata
	dec := json.NewDecoder(rc)
	if err := dec.Decode(&data); err != nil {
		return RootMetadata{}, fmt.Errorf("%w: %s unparseable: %v", snapguarderrors.ErrCorruptRepository, indexBlobName(g), err)
	}
	data.Generation = g
	return data, nil
}

// writeRepositoryData implements §4.1's writeRepositoryData(fromG, toG, data).
// It re-verifies fromG against the blob store immediately before writing to
// catch the "someone renamed or replaced index-N while we weren't looking"
// case (§4.1, scenarios 5 and 6).
func (b *Bucket) writeRepositoryData(ctx context.Context, fromG, toG int64, data RootMetadata) error {
	if toG != fromG+1 {
		return fmt.Errorf("writeRepositoryData: toG must be fromG+1, got fromG=%d toG=%d", fromG, toG)
	}

	current, err := b.latestGeneration(ctx)
	if err != nil {
		return err
	}
	if current != fromG {
		return fmt.Errorf("%w: fromG=%d but current generation is %d", snapguarderrors.ErrRepositoryConcurrentModification, fromG, current)
	}

	exists, err := b.bkt.Exists(ctx, indexBlobName(toG))
	if err != nil {
		return fmt.Errorf("%w: checking %s: %v", snapguarderrors.ErrIO, indexBlobName(toG), err)
	}
	if exists {
		return fmt.Errorf("%w: %s already exists", snapguarderrors.ErrRepositoryConcurrentModification, indexBlobName(toG))
	}

	data.Generation = toG
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling root metadata: %w", err)
	}

	if err := b.bkt.Upload(ctx, indexBlobName(toG), bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("%w: writing %s: %v", snapguarderrors.ErrIO, indexBlobName(toG), err)
	}

	// index.latest is a best-effort hint, never load-bearing; failures here
	// don't roll back the already-durable index-N write.
	if err := b.bkt.Upload(ctx, indexLatestBlobName, strings.NewReader(strconv.FormatInt(toG, 10))); err != nil {
		b.log.Warn().Err(err).Msg("failed to update index.latest hint")
	}

	b.log.Info().Int64("from_generation", fromG).Int64("to_generation", toG).Msg("finalized repository generation")
	return nil
}

// writeShardSnapshot persists shard metadata and data blobs. It's the
// blob-store side of §4.2's startShardSnapshot; the shard worker is
// responsible for reading segments, this just durably stores the result.
func (b *Bucket) writeShardSnapshot(ctx context.Context, indexID, shardID, generation string, blobs map[string][]byte) error {
	for name, content := range blobs {
		path := shardDataBlobPath(indexID, shardID, name)
		if err := b.bkt.Upload(ctx, path, bytes.NewReader(content)); err != nil {
			return fmt.Errorf("%w: writing %s: %v", snapguarderrors.ErrIO, path, err)
		}
	}

	metaPath := shardMetaPath(indexID, shardID, generation)
	meta := struct {
		Generation string   `json:"generation"`
		Blobs      []string `json:"blobs"`
	}{Generation: generation}
	for name := range blobs {
		meta.Blobs = append(meta.Blobs, name)
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling shard metadata: %w", err)
	}
	if err := b.bkt.Upload(ctx, metaPath, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("%w: writing %s: %v", snapguarderrors.ErrIO, metaPath, err)
	}
	return nil
}

// deleteBlobs is best-effort: a missing object is not an error (§4.1).
func (b *Bucket) deleteBlobs(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := b.bkt.Delete(ctx, p); err != nil {
			if b.bkt.IsObjNotFoundErr(err) {
				continue
			}
			b.log.Warn().Err(err).Str("path", p).Msg("failed to delete blob, continuing best-effort")
		}
	}
	return nil
}
