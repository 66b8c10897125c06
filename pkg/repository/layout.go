// Package repository is the Repository Metadata Layer (§4.1): a
// compare-and-swap wrapper over a blob store that knows the on-disk layout
// of §6 ("Repository on-disk layout") and serializes root-metadata rewrites
// against concurrent external mutation.
package repository

import "fmt"

// indexBlobName returns the name of the root metadata blob for generation g.
func indexBlobName(g int64) string {
	return fmt.Sprintf("index-%d", g)
}

// indexLatestBlobName is the optional pointer blob carrying the ASCII
// generation number. writeRepositoryData refreshes it after each index-N as
// a hint; this package never reads it back.
const indexLatestBlobName = "index.latest"

// snapshotBlobName returns the per-snapshot metadata blob name.
func snapshotBlobName(snapshotUUID string) string {
	return fmt.Sprintf("snap-%s.dat", snapshotUUID)
}

// indexMetaBlobName returns the per-index metadata blob name, shared across
// snapshots via index_metadata_generations.
func indexMetaBlobName(metadataUUID string) string {
	return fmt.Sprintf("meta-%s.dat", metadataUUID)
}

// shardMetaPath returns the per-shard metadata blob path for a given shard
// generation.
func shardMetaPath(indexID, shardID string, shardGeneration string) string {
	return fmt.Sprintf("indices/%s/%s/index-%s", indexID, shardID, shardGeneration)
}

// shardDataBlobPath returns the path of a single shard data blob.
func shardDataBlobPath(indexID, shardID, blobName string) string {
	return fmt.Sprintf("indices/%s/%s/__%s", indexID, shardID, blobName)
}

// shardPrefix returns the directory prefix under which all of a shard's
// blobs (metadata and data) live.
func shardPrefix(indexID, shardID string) string {
	return fmt.Sprintf("indices/%s/%s/", indexID, shardID)
}
