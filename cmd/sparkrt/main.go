// Command sparkrt runs the demo system on the kernel and inspects it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sparkrt/internal/buildinfo"
	"sparkrt/internal/config"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Set by PersistentPreRunE.
	cfg    *config.File
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sparkrt",
	Short:         "sparkrt - a preemptive real-time kernel for Go",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `sparkrt runs tasks on a priority-preemptive kernel with queues,
semaphores, priority-inheriting mutexes, task notifications and software
timers. Time is virtual by default; --host drives the tick from the wall clock.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath == "" {
			cfg = config.DefaultConfig()
		} else if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if logger, err = cfg.NewLogger(verbose); err != nil {
			return err
		}
		logger.Debug("sparkrt", zap.String("version", buildinfo.Short()))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, tasksCmd, sizesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
