// Command idlesync runs idle-synchronization scenarios, prints effective
// idling policies, and serves metrics and diagnostics for a live engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Swind/go-idlesync/config"
	"github.com/Swind/go-idlesync/core"
)

var (
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger core.Logger
)

var rootCmd = &cobra.Command{
	Use:   "idlesync",
	Short: "Idle synchronization engine toolkit",
	Long: `idlesync waits for a main looper, its worker pools and registered idle
resources to go quiet. Use it to try the engine, inspect policies, or serve
metrics for a running instance.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logger = config.NewLogger(cfg.Log, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(serveCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
