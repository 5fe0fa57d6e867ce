// perchd is the per-workspace session runtime daemon. It owns the
// node's terminal and agent processes and serves the browser WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/perchhq/perch/internal/config"
	"github.com/perchhq/perch/internal/daemon"
	"github.com/perchhq/perch/internal/logger"
)

var (
	configPath string
	addr       string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:          "perchd",
	Short:        "Workspace session runtime daemon",
	Long:         "perchd runs inside a workspace VM, owning terminal and agent sessions and serving them to the browser over a multiplexed WebSocket.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/perch/perch.yaml", "path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("starting perchd", "node", cfg.NodeID, "workspace", cfg.WorkspaceID, "addr", cfg.Addr)

	d, err := daemon.New(cfg, logger.Log)
	if err != nil {
		return err
	}
	return d.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
