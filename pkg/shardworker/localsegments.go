package shardworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/snapguard/pkg/types"
)

// LocalSegments satisfies Segments by reading a shard's already-committed
// segment files off local disk, under <root>/<index-uuid>/<shard>/. The
// actual Lucene segment reader is out of scope (§1); this is the minimal
// concrete Segments a standalone data node needs to exercise the worker
// pool against real files instead of only the fakes in worker_test.go.
type LocalSegments struct {
	Root string
}

// ReadShardSegments implements Segments.
func (s LocalSegments) ReadShardSegments(ctx context.Context, shard types.ShardId) (map[string][]byte, error) {
	dir := filepath.Join(s.Root, shard.Index.UUID, fmt.Sprint(shard.Shard))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("shardworker: reading segment directory %s: %w", dir, err)
	}

	blobs := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("shardworker: reading segment file %s: %w", entry.Name(), err)
		}
		blobs[entry.Name()] = data
	}
	return blobs, nil
}
