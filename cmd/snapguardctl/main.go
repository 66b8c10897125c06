package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/snapguard/pkg/clusterstate"
	"github.com/cuemby/snapguard/pkg/coordinator"
	"github.com/cuemby/snapguard/pkg/types"
	"github.com/spf13/cobra"
)

// snapguardctl has no transport of its own (§1, §6): admission and the
// wire protocol to a remote coordinator are external collaborators. List
// commands read a node's local bbolt mirror directly, valid on any node
// since reads never go through Raft. Mutating commands need a live
// coordinator.AdminClient; this binary only has one available when it is
// itself the process that called coordinator.New (adminClient is set by
// an embedder before Execute, e.g. a test harness), so standalone runs of
// those commands report that a transport must be wired by the operator.
var adminClient coordinator.AdminClient

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snapguardctl",
	Short: "snapguardctl administers a snapshot coordinator's repositories and snapshots",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./snapguard-data", "Data directory of the local node to read from")

	repoCmd.AddCommand(repoListCmd, repoPutCmd, repoDeleteCmd)
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(repoCmd, snapshotCmd)
}

func openLocalStore(cmd *cobra.Command) (clusterstate.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return clusterstate.NewBoltStore(dataDir)
}

func requireAdminClient() (coordinator.AdminClient, error) {
	if adminClient == nil {
		return nil, fmt.Errorf("no AdminClient wired into this process; mutating commands require embedding snapguardctl alongside a running coordinator.Coordinator (no RPC transport ships with this core, §1)")
	}
	return adminClient, nil
}

var repoCmd = &cobra.Command{
	Use:   "repository",
	Short: "Manage repositories",
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories known to this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		repos, err := store.ListRepositories()
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories found")
			return nil
		}
		fmt.Printf("%-20s %-6s %-10s %-12s %s\n", "NAME", "TYPE", "GENERATION", "QUARANTINED", "REASON")
		for _, r := range repos {
			fmt.Printf("%-20s %-6s %-10d %-12t %s\n", r.Name, r.Type, r.Generation, r.Quarantined, r.QuarantineReason)
		}
		return nil
	},
}

var repoPutCmd = &cobra.Command{
	Use:   "put NAME",
	Short: "Register or update a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := requireAdminClient()
		if err != nil {
			return err
		}
		repoType, _ := cmd.Flags().GetString("type")
		path, _ := cmd.Flags().GetString("path")
		return client.PutRepository(args[0], types.RepositoryType(repoType), map[string]string{"path": path})
	},
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a repository (fails if any snapshot or deletion still references it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := requireAdminClient()
		if err != nil {
			return err
		}
		return client.DeleteRepository(args[0])
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create REPOSITORY NAME",
	Short: "Create a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := requireAdminClient()
		if err != nil {
			return err
		}
		indexNames, _ := cmd.Flags().GetStringSlice("indices")
		partial, _ := cmd.Flags().GetBool("partial")
		wait, _ := cmd.Flags().GetBool("wait")

		indices := make([]types.IndexId, 0, len(indexNames))
		for _, n := range indexNames {
			indices = append(indices, types.IndexId{Name: n, UUID: n})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		info, err := client.CreateSnapshot(ctx, args[0], args[1], indices, nil, partial, wait)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s/%s: %s\n", info.Repository, info.Snapshot.Name, info.State)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list REPOSITORY",
	Short: "List in-progress snapshots in a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.ListSnapshotEntriesByRepository(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No in-progress snapshots found")
			return nil
		}
		fmt.Printf("%-20s %-10s %s\n", "NAME", "STATE", "SHARDS")
		for _, e := range entries {
			fmt.Printf("%-20s %-10s %d\n", e.Snapshot.Name, e.State, len(e.Shards))
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete REPOSITORY NAME...",
	Short: "Delete one or more in-progress snapshots by name, aborting any still running (names resolve only against this node's in-progress registry)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := requireAdminClient()
		if err != nil {
			return err
		}
		repository := args[0]
		names := args[1:]

		store, err := openLocalStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		snaps := make([]types.SnapshotId, 0, len(names))
		for _, name := range names {
			entry, err := store.GetSnapshotEntry(repository, name)
			if err != nil {
				return fmt.Errorf("resolving snapshot %q: %w", name, err)
			}
			snaps = append(snaps, entry.Snapshot)
		}

		waiter := "snapguardctl/" + strings.Join(names, ",")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return client.DeleteSnapshot(ctx, repository, snaps, waiter)
	},
}

func init() {
	repoPutCmd.Flags().String("type", string(types.RepositoryTypeFilesystem), "Repository backend type (fs, s3, gcs, azure)")
	repoPutCmd.Flags().String("path", "", "Filesystem path (fs backend)")

	snapshotCreateCmd.Flags().StringSlice("indices", nil, "Index names to include")
	snapshotCreateCmd.Flags().Bool("partial", false, "Allow the snapshot to complete as PARTIAL on shard failure")
	snapshotCreateCmd.Flags().Bool("wait", false, "Block until the snapshot reaches a terminal state")
}
