// Package framework starts an in-process, multi-node snapshot coordinator
// cluster for scenario tests: each node is a real coordinator.Coordinator
// bound to a loopback TCP port with its own temp data directory, so Raft
// elections, replication, and failover all run for real rather than
// through a fake transport.
//
// Grounded on the teacher's test/framework/cluster.go in shape (a Cluster
// type that brings up N nodes and hands the test a handle to drive them),
// rewritten from scratch: the teacher's version spawns separate OS
// processes inside Lima VMs to exercise a packaged binary, which has no
// bearing on testing a library-shaped coordinator. This harness runs every
// node as a goroutine in the test process itself.
package framework

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cuemby/snapguard/pkg/clusterstate"
	"github.com/cuemby/snapguard/pkg/coordinator"
	"github.com/cuemby/snapguard/pkg/repository"
	"github.com/cuemby/snapguard/pkg/shardworker"
)

// Node is one member of a test Cluster.
type Node struct {
	ID          string
	Addr        string
	Coordinator *coordinator.Coordinator
}

// Cluster is a set of coordinator nodes sharing one Raft configuration.
type Cluster struct {
	t     *testing.T
	Nodes []*Node
}

// New brings up n nodes, bootstraps node 0, and AddVoters the rest onto
// it, waiting for each to show up in the leader's raft configuration
// before returning. It registers cleanup to shut every node down.
func New(t *testing.T, n int) *Cluster {
	t.Helper()

	c := &Cluster{t: t}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node-%d", i)
		addr := freeLoopbackAddr(t)
		dataDir := t.TempDir()

		store, err := clusterstate.NewBoltStore(dataDir)
		if err != nil {
			t.Fatalf("framework: opening store for %s: %v", id, err)
		}
		repos := repository.NewRegistry(repository.Factory{})
		segments := shardworker.LocalSegments{Root: dataDir + "/segments"}

		coord, err := coordinator.New(coordinator.Config{
			NodeID:   id,
			BindAddr: addr,
			DataDir:  dataDir,
		}, store, repos, segments)
		if err != nil {
			t.Fatalf("framework: creating coordinator %s: %v", id, err)
		}
		c.Nodes = append(c.Nodes, &Node{ID: id, Addr: addr, Coordinator: coord})
	}

	if err := c.Nodes[0].Coordinator.Bootstrap(); err != nil {
		t.Fatalf("framework: bootstrapping leader: %v", err)
	}
	c.waitForLeader(c.Nodes[0])

	for _, node := range c.Nodes[1:] {
		if err := node.Coordinator.Join(); err != nil {
			t.Fatalf("framework: starting raft on %s: %v", node.ID, err)
		}
		if err := c.Leader().AddVoter(node.ID, node.Addr); err != nil {
			t.Fatalf("framework: adding %s as voter: %v", node.ID, err)
		}
	}

	t.Cleanup(func() {
		for _, node := range c.Nodes {
			_ = node.Coordinator.Shutdown()
		}
	})

	return c
}

// Leader returns the current Raft leader among the cluster's nodes,
// polling briefly if an election is in flight. Fails the test if no
// leader emerges within a few seconds.
func (c *Cluster) Leader() *coordinator.Coordinator {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node.Coordinator.IsLeader() {
				return node.Coordinator
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	c.t.Fatalf("framework: no leader elected")
	return nil
}

func (c *Cluster) waitForLeader(node *Node) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if node.Coordinator.IsLeader() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	c.t.Fatalf("framework: %s never became leader", node.ID)
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("framework: allocating loopback port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
