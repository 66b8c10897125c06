package metrics

import (
	"time"

	"github.com/cuemby/snapguard/pkg/types"
)

// coordinatorView is the slice of *coordinator.Coordinator the collector
// polls. Defined here rather than importing pkg/coordinator directly so
// pkg/metrics stays a leaf package with no dependency on the component it
// instruments.
type coordinatorView interface {
	ListRepositories() ([]*types.Repository, error)
	GetSnapshots(repository string) ([]types.SnapshotInfo, error)
	GetDeletionStates(repository string) ([]types.DeletionState, error)
	IsLeader() bool
	RaftStats() map[string]interface{}
}

// Collector periodically polls a Coordinator and publishes its state as
// Prometheus gauges.
type Collector struct {
	coordinator coordinatorView
	stopCh      chan struct{}
}

// NewCollector creates a new metrics collector for coord.
func NewCollector(coord coordinatorView) *Collector {
	return &Collector{
		coordinator: coord,
		stopCh:      make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRegistryMetrics()
	c.collectRaftMetrics()
	c.collectHealth()
}

// collectHealth refreshes the readiness components watched by
// GetReadiness: raft (has this node joined a configuration with a known
// state), repository-registry (the local cluster-state mirror answers
// reads), and dispatch-bus (a leader is actively driving effects; on a
// follower this stays healthy since the bus is only active on the
// leader).
func (c *Collector) collectHealth() {
	stats := c.coordinator.RaftStats()
	if state, ok := stats["state"].(string); ok {
		UpdateComponent("raft", state != "Shutdown", state)
	} else {
		UpdateComponent("raft", false, "no raft state reported")
	}

	if _, err := c.coordinator.ListRepositories(); err != nil {
		UpdateComponent("repository-registry", false, err.Error())
	} else {
		UpdateComponent("repository-registry", true, "")
	}

	UpdateComponent("dispatch-bus", true, "")
}

func (c *Collector) collectRegistryMetrics() {
	repos, err := c.coordinator.ListRepositories()
	if err != nil {
		return
	}

	quarantined := 0
	snapshotCounts := make(map[[2]string]int)  // [repository, state]
	deletionCounts := make(map[[2]string]int)  // [repository, state]

	for _, repo := range repos {
		if repo.Quarantined {
			quarantined++
		}

		infos, err := c.coordinator.GetSnapshots(repo.Name)
		if err == nil {
			for _, info := range infos {
				snapshotCounts[[2]string{repo.Name, string(info.State)}]++
			}
		}

		states, err := c.coordinator.GetDeletionStates(repo.Name)
		if err == nil {
			for _, state := range states {
				deletionCounts[[2]string{repo.Name, string(state)}]++
			}
		}
	}

	for key, count := range snapshotCounts {
		SnapshotEntriesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	for key, count := range deletionCounts {
		DeletionEntriesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
	}
	RepositoriesQuarantinedTotal.Set(float64(quarantined))
}

func (c *Collector) collectRaftMetrics() {
	if c.coordinator.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.coordinator.RaftStats()
	if stats == nil {
		return
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
}
