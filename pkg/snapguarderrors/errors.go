// Package snapguarderrors defines the repository-scoped error taxonomy of
// §7: sentinel values the coordinator and its callers compare against with
// errors.Is, wrapped with context the way every other snapguard package
// wraps errors (fmt.Errorf("...: %w", err)).
package snapguarderrors

import (
	"errors"
	"fmt"
)

var (
	// ErrRepositoryMissing: named repository does not exist.
	ErrRepositoryMissing = errors.New("repository missing")

	// ErrSnapshotMissing: named snapshot does not exist.
	ErrSnapshotMissing = errors.New("snapshot missing")

	// ErrRepositoryInconsistent: root generation advanced unexpectedly
	// (concurrent external modification of index-N).
	ErrRepositoryInconsistent = errors.New("repository inconsistent: concurrent modification detected")

	// ErrCorruptRepository: index-N could not be parsed.
	ErrCorruptRepository = errors.New("repository corrupt: index metadata unreadable")

	// ErrNodeClosed is returned to a caller when the local node closed the
	// connection it was waiting on; retriable.
	ErrNodeClosed = errors.New("node closed")

	// ErrMasterLost is returned to every outstanding request waiter when
	// this node steps down as master; retriable against the new master.
	ErrMasterLost = errors.New("master lost")

	// ErrShardSnapshotFailed: at least one shard failed to upload.
	ErrShardSnapshotFailed = errors.New("shard snapshot failed")

	// ErrSnapshotAborted: the create was cancelled by a delete naming it.
	ErrSnapshotAborted = errors.New("snapshot aborted by delete")

	// ErrRepositoryException is the error every queued operation behind a
	// quarantined repository observes (§4.4 failure policy).
	ErrRepositoryException = errors.New("repository exception: repository is quarantined")

	// ErrRepositoryInUse: a repository cannot be deleted while any entry
	// still references it.
	ErrRepositoryInUse = errors.New("repository in use")

	// ErrDuplicateSnapshotName: a create names a snapshot that already has
	// an in-progress entry in the target repository. Completed snapshots
	// recorded only in index-N are not checked.
	ErrDuplicateSnapshotName = errors.New("snapshot name already exists in repository")

	// ErrRepositoryConcurrentModification: writeRepositoryData's fromG no
	// longer matches the blob store's current G; another writer already
	// advanced it. Not a quarantine condition by itself, the caller retries
	// against the arbiter with a fresh fromG.
	ErrRepositoryConcurrentModification = errors.New("repository concurrently modified: generation advanced past fromG")

	// ErrIO wraps a failed blob-store read/write/list/delete call.
	ErrIO = errors.New("repository blob store i/o error")
)

// Quarantine wraps err (RepositoryInconsistent or CorruptRepository) with
// the repository name, matching the detail every other caller in this
// module attaches via %w.
func Quarantine(repository string, err error) error {
	return fmt.Errorf("repository %q quarantined: %w", repository, err)
}

// IsQuarantining reports whether err is one of the two errors that
// quarantine a repository for subsequent operations (§7, §9).
func IsQuarantining(err error) bool {
	return errors.Is(err, ErrRepositoryInconsistent) || errors.Is(err, ErrCorruptRepository)
}
