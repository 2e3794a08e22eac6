// TraceLake - view materialization and partition management daemon.
// Turns ingested telemetry block metadata into deduplicated columnar
// partitions and keeps them current as late data arrives.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracelake/tracelake/pkg/config"
	lkerrors "github.com/tracelake/tracelake/pkg/errors"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var lkErr *lkerrors.LakeError
		if verbose && errors.As(err, &lkErr) {
			fmt.Fprint(os.Stderr, lkErr.FormatStack())
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tracelake",
	Short: "TraceLake - materialize telemetry views into columnar partitions",
	Long: `TraceLake materializes registered views over ingested telemetry
(processes, streams, blocks) into deduplicated Parquet partitions, on a
schedule for global views and just in time for per-process instances.

Start the daemon with "tracelake serve"; admin commands operate on the
same lake directly.`,
	Version: fmt.Sprintf("%s (%s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path (default: search standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

// loadConfig resolves configuration from the standard hierarchy, or
// from an explicit file when --config is set.
func loadConfig() (*config.Config, error) {
	mgr := config.NewManager()
	if configFile != "" {
		if err := mgr.LoadFile(configFile); err != nil {
			return nil, err
		}
	} else if err := mgr.Load(); err != nil {
		return nil, err
	}

	cfg := mgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
