package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/snapguard/pkg/clusterstate"
	"github.com/cuemby/snapguard/pkg/config"
	"github.com/cuemby/snapguard/pkg/coordinator"
	"github.com/cuemby/snapguard/pkg/log"
	"github.com/cuemby/snapguard/pkg/metrics"
	"github.com/cuemby/snapguard/pkg/repository"
	"github.com/cuemby/snapguard/pkg/shardworker"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "snapguardd",
	Short:   "snapguardd runs one node of a distributed snapshot coordinator",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snapguardd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: asJSON})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node snapshot coordinator cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemonConfigFromFlags(cmd)
		if err != nil {
			return err
		}
		coord, err := startCoordinator(d)
		if err != nil {
			return err
		}
		if err := coord.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		fmt.Println("snapguardd bootstrapped")
		return runUntilSignal(coord, d)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start a node and have it connect Raft to an existing leader",
	Long: `Join starts Raft on this node without bootstrapping a configuration
of its own; the existing leader must separately call AddVoter for this
node's id and bind address (§9, out of this core's admission scope).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemonConfigFromFlags(cmd)
		if err != nil {
			return err
		}
		coord, err := startCoordinator(d)
		if err != nil {
			return err
		}
		if err := coord.Join(); err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
		fmt.Println("snapguardd joined, waiting to be admitted by the leader")
		return runUntilSignal(coord, d)
	},
}

func daemonConfigFromFlags(cmd *cobra.Command) (config.Daemon, error) {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	concurrency, _ := cmd.Flags().GetInt("shard-concurrency")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if nodeID == "" {
		return config.Daemon{}, fmt.Errorf("--node-id is required")
	}
	return config.Daemon{
		NodeID:                 nodeID,
		BindAddr:               bindAddr,
		DataDir:                dataDir,
		ShardUploadConcurrency: concurrency,
		MetricsAddr:            metricsAddr,
	}, nil
}

func startCoordinator(d config.Daemon) (*coordinator.Coordinator, error) {
	store, err := clusterstate.NewBoltStore(d.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cluster-state store: %w", err)
	}

	repos := repository.NewRegistry(repository.Factory{})
	segments := shardworker.LocalSegments{Root: d.DataDir + "/segments"}

	coord, err := coordinator.New(d.CoordinatorConfig(), store, repos, segments)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	collector := metrics.NewCollector(coord)
	collector.Start()

	metrics.SetVersion(Version)
	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(d.MetricsAddr, nil); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", d.MetricsAddr)

	return coord, nil
}

func runUntilSignal(coord *coordinator.Coordinator, d config.Daemon) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	fmt.Println("shutdown complete")
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, joinCmd} {
		cmd.Flags().String("node-id", "", "Unique node ID (required)")
		cmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
		cmd.Flags().String("data-dir", "./snapguard-data", "Data directory for cluster state and segments")
		cmd.Flags().Int("shard-concurrency", shardworker.DefaultConcurrency, "Bounded concurrency of the local shard upload pool")
		cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus metrics endpoint")
		cmd.MarkFlagRequired("node-id")
	}
}
