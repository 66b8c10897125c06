package clusterstate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/snapguard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRepositories = []byte("repositories")
	bucketSnapshots    = []byte("snapshots_in_progress")
	bucketDeletions    = []byte("deletions_in_progress")
	bucketNodeShutdown = []byte("nodes_shutdown_metadata")
	bucketSeq          = []byte("seq")

	seqKey = []byte("next")
)

// BoltStore implements Store using BoltDB, the same local-persistence
// primitive the teacher's pkg/storage uses for Warren's cluster state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "snapguard.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRepositories,
			bucketSnapshots,
			bucketDeletions,
			bucketNodeShutdown,
			bucketSeq,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func snapshotKey(repository, snapshotName string) []byte {
	return []byte(repository + "/" + snapshotName)
}

// Repositories

func (s *BoltStore) PutRepository(repo *types.Repository) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return b.Put([]byte(repo.Name), data)
	})
}

func (s *BoltStore) GetRepository(name string) (*types.Repository, error) {
	var repo types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("repository not found: %s", name)
		}
		return json.Unmarshal(data, &repo)
	})
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (s *BoltStore) ListRepositories() ([]*types.Repository, error) {
	var repos []*types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.ForEach(func(k, v []byte) error {
			var repo types.Repository
			if err := json.Unmarshal(v, &repo); err != nil {
				return err
			}
			repos = append(repos, &repo)
			return nil
		})
	})
	return repos, err
}

func (s *BoltStore) DeleteRepository(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.Delete([]byte(name))
	})
}

// SnapshotsInProgress

func (s *BoltStore) PutSnapshotEntry(entry *types.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey(entry.Repository, entry.Snapshot.Name), data)
	})
}

func (s *BoltStore) GetSnapshotEntry(repository, snapshotName string) (*types.Entry, error) {
	var entry types.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get(snapshotKey(repository, snapshotName))
		if data == nil {
			return fmt.Errorf("snapshot entry not found: %s/%s", repository, snapshotName)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListSnapshotEntries() ([]*types.Entry, error) {
	var entries []*types.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var entry types.Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListSnapshotEntriesByRepository(repository string) ([]*types.Entry, error) {
	entries, err := s.ListSnapshotEntries()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Entry
	for _, e := range entries {
		if e.Repository == repository {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteSnapshotEntry(repository, snapshotName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.Delete(snapshotKey(repository, snapshotName))
	})
}

// SnapshotDeletionsInProgress

func (s *BoltStore) PutDeletionEntry(entry *types.DeletionEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeletions)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.UUID), data)
	})
}

func (s *BoltStore) GetDeletionEntry(uuid string) (*types.DeletionEntry, error) {
	var entry types.DeletionEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeletions)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("deletion entry not found: %s", uuid)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListDeletionEntries() ([]*types.DeletionEntry, error) {
	var entries []*types.DeletionEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeletions)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DeletionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListDeletionEntriesByRepository(repository string) ([]*types.DeletionEntry, error) {
	entries, err := s.ListDeletionEntries()
	if err != nil {
		return nil, err
	}
	var filtered []*types.DeletionEntry
	for _, e := range entries {
		if e.Repository == repository {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteDeletionEntry(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeletions)
		return b.Delete([]byte(uuid))
	})
}

// NodesShutdownMetadata

func (s *BoltStore) PutNodeShutdown(meta *types.NodeShutdownMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeShutdown)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.NodeID), data)
	})
}

func (s *BoltStore) GetNodeShutdown(nodeID string) (*types.NodeShutdownMetadata, error) {
	var meta types.NodeShutdownMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeShutdown)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("node shutdown metadata not found: %s", nodeID)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) ListNodeShutdowns() ([]*types.NodeShutdownMetadata, error) {
	var metas []*types.NodeShutdownMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeShutdown)
		return b.ForEach(func(k, v []byte) error {
			var meta types.NodeShutdownMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, &meta)
			return nil
		})
	})
	return metas, err
}

func (s *BoltStore) DeleteNodeShutdown(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeShutdown)
		return b.Delete([]byte(nodeID))
	})
}

// NextSeq atomically increments and returns the FIFO sequence counter.
func (s *BoltStore) NextSeq() (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSeq)
		cur := b.Get(seqKey)
		var v uint64
		if cur != nil {
			v = binary.BigEndian.Uint64(cur)
		}
		v++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		next = int64(v)
		return b.Put(seqKey, buf)
	})
	return next, err
}
