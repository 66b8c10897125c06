// Package config is the flat, flag-populated configuration struct
// cmd/snapguardd builds before constructing a coordinator.Coordinator,
// generalizing the teacher's manager.Config/worker.Config shape (one
// struct per process, fields set directly from cobra flags in main) to
// also cover this daemon's logging and metrics surface.
package config

import "github.com/cuemby/snapguard/pkg/coordinator"

// Daemon holds snapguardd's settings. daemonConfigFromFlags fills NodeID,
// BindAddr, DataDir, ShardUploadConcurrency and MetricsAddr from flags;
// EffectConcurrency has no flag, and the log flags are applied by
// initLogging without passing through Daemon.
type Daemon struct {
	NodeID   string
	BindAddr string
	DataDir  string

	ShardUploadConcurrency int
	EffectConcurrency      int

	MetricsAddr string

	LogLevel string
	LogJSON  bool
}

// CoordinatorConfig projects the fields coordinator.New needs out of d.
func (d Daemon) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		NodeID:                 d.NodeID,
		BindAddr:               d.BindAddr,
		DataDir:                d.DataDir,
		ShardUploadConcurrency: d.ShardUploadConcurrency,
		EffectConcurrency:      d.EffectConcurrency,
	}
}
