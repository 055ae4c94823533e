// Package cmd implements workhost's three-command process tree: the root
// command is the supervisor entry point an operator runs directly; `backend`
// and `__worker-exec` are hidden commands the supervisor and worker manager
// re-invoke the same binary as, respectively.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/relaycore/workhost/internal/config"
	"github.com/relaycore/workhost/internal/log"
	"github.com/relaycore/workhost/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "workhost",
	Short:   "Process supervisor and event bus for game-automation workers",
	Long:    "workhost supervises a backend process that in turn manages a pool of worker processes, and relays their state and log output to connected browsers over WebSocket.",
	Version: version,
	RunE:    runSupervisor,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .workhost/config.yaml or ~/.config/workhost/config.yaml)")
}

// runSupervisor loads configuration, then runs the supervisor lifecycle
// loop against a re-exec of this same binary as `backend`, forwarding the
// operator's own arguments verbatim.
func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, path, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cleanup, err := log.Init("")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatSupervisor, "workhost starting", "version", version, "config", path)

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	sup := supervisor.New(selfExe, os.Args[1:], path, cfg.Supervisor)
	code := sup.Run(context.Background())
	os.Exit(code)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string reported by --version, set from main
// via ldflags-injected build info.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
