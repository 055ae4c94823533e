package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/relaycore/workhost/internal/log"
	"github.com/relaycore/workhost/internal/workerhost"
	"github.com/spf13/cobra"
)

var (
	workerExecMod    string
	workerExecConfig string
)

// workerExecCmd is the hidden entry point workerhost.spawnWorkerProcess
// re-invokes the binary with: `<exe> __worker-exec --mod <mod> --config
// <config>`. It never runs interactively -- its stdin/stdout are the
// manager's command/event pipe pair.
var workerExecCmd = &cobra.Command{
	Use:    "__worker-exec",
	Hidden: true,
	RunE:   runWorkerExec,
}

func init() {
	workerExecCmd.Flags().StringVar(&workerExecMod, "mod", "", "registered mod entry point to run")
	workerExecCmd.Flags().StringVar(&workerExecConfig, "config", "", "config name identifying this worker instance")
	_ = workerExecCmd.MarkFlagRequired("mod")
	_ = workerExecCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(workerExecCmd)
}

func runWorkerExec(cmd *cobra.Command, args []string) error {
	entry, err := workerhost.LookupMod(workerExecMod)
	if err != nil {
		return fmt.Errorf("looking up mod %q: %w", workerExecMod, err)
	}

	bridge := workerhost.NewBridge(workerExecConfig, os.Stdin, os.Stdout)
	bridge.Run()
	defer bridge.Flush(time.Second)

	if err := entry(bridge, workerExecConfig); err != nil {
		log.ErrorErr(log.CatWorker, "mod exited with error", err, "mod", workerExecMod, "config", workerExecConfig)
		return err
	}
	return nil
}
