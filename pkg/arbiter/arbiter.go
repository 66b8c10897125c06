// Package arbiter implements the Repository Generation Arbiter (§4.5): a
// pure ordering rule over the two cluster-state registries, not an
// independent in-memory queue. The FIFO is inferred from Entry.Seq /
// DeletionEntry.Seq so that a new master after failover recovers it for
// free by re-reading the published registries (§4.5, §9).
package arbiter

import "github.com/cuemby/snapguard/pkg/types"

// RequestKind distinguishes a finalization request's origin.
type RequestKind string

const (
	KindSnapshotFinalize RequestKind = "snapshot"
	KindDeletionFinalize RequestKind = "deletion"
)

// FinalizationRequest names the single cluster-state entry that currently
// holds (or is next in line for) a repository's generation lease.
type FinalizationRequest struct {
	Kind       RequestKind
	Repository string
	Seq        int64

	// SnapshotName and DeletionUUID are mutually exclusive, set according
	// to Kind, and identify the entry within its registry.
	SnapshotName string
	DeletionUUID string
}

// snapshotReady reports whether a snapshot entry has reached the
// point where it may request a generation slot: every shard terminal, i.e.
// the entry itself is terminal (§4.3 "Finalization").
func snapshotReady(e *types.Entry) bool {
	return e.State.IsTerminal()
}

// deletionReady reports whether a deletion entry has reached STARTED, i.e.
// it has stopped waiting on aborted creates and is ready to rewrite
// repository metadata (§4.4 steps 3-4).
func deletionReady(e *types.DeletionEntry) bool {
	return e.State == types.DeletionStateStarted
}

// NextFinalizationSlot scans repository's entries across both registries
// and returns the oldest one (lowest Seq) that is ready to finalize, or
// false if none is ready. Per §4.5, only this entry may call
// writeRepositoryData for the repository at this instant; every other ready
// entry waits behind it in the FIFO the caller re-derives from cluster
// state on every invocation.
func NextFinalizationSlot(repository string, snapshotEntries []*types.Entry, deletionEntries []*types.DeletionEntry) (FinalizationRequest, bool) {
	var (
		best    FinalizationRequest
		found   bool
		bestSeq int64
	)

	consider := func(req FinalizationRequest) {
		if !found || req.Seq < bestSeq {
			best = req
			bestSeq = req.Seq
			found = true
		}
	}

	for _, e := range snapshotEntries {
		if e.Repository != repository || !snapshotReady(e) {
			continue
		}
		consider(FinalizationRequest{
			Kind:         KindSnapshotFinalize,
			Repository:   repository,
			Seq:          e.Seq,
			SnapshotName: e.Snapshot.Name,
		})
	}

	for _, d := range deletionEntries {
		if d.Repository != repository || !deletionReady(d) {
			continue
		}
		consider(FinalizationRequest{
			Kind:         KindDeletionFinalize,
			Repository:   repository,
			Seq:          d.Seq,
			DeletionUUID: d.UUID,
		})
	}

	return best, found
}

// PendingRequests returns every entry across both registries that is ready
// to finalize for repository, ordered oldest-first. The head of this slice
// is always equal to NextFinalizationSlot's result; the rest is exposed for
// the arbiter_queue_depth metric and for tests asserting FIFO order holds
// across a batch.
func PendingRequests(repository string, snapshotEntries []*types.Entry, deletionEntries []*types.DeletionEntry) []FinalizationRequest {
	var reqs []FinalizationRequest

	for _, e := range snapshotEntries {
		if e.Repository != repository || !snapshotReady(e) {
			continue
		}
		reqs = append(reqs, FinalizationRequest{
			Kind:         KindSnapshotFinalize,
			Repository:   repository,
			Seq:          e.Seq,
			SnapshotName: e.Snapshot.Name,
		})
	}
	for _, d := range deletionEntries {
		if d.Repository != repository || !deletionReady(d) {
			continue
		}
		reqs = append(reqs, FinalizationRequest{
			Kind:         KindDeletionFinalize,
			Repository:   repository,
			Seq:          d.Seq,
			DeletionUUID: d.UUID,
		})
	}

	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].Seq < reqs[j-1].Seq; j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
	return reqs
}
