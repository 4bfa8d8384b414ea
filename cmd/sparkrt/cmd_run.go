package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sparkrt/app"
)

var (
	runTicks uint32
	runHost  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demo system until it halts",
	Long: `Run builds the demo system from the configuration and starts the kernel.
It stops after --ticks ticks (0 = the configured run_ticks), or on SIGINT.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := runDemo(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, tasksCmd} {
		c.Flags().Uint32Var(&runTicks, "ticks", 0, "halt after N ticks (0 = from config)")
		c.Flags().BoolVar(&runHost, "host", false, "drive the tick from the host clock")
	}
}

func runDemo(ctx context.Context) (app.Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	file := *cfg
	if runTicks > 0 {
		file.Demo.RunTicks = runTicks
	}
	if file.Demo.RunTicks == 0 && !runHost {
		return app.Report{}, fmt.Errorf("virtual time needs a tick limit: set --ticks or demo.run_ticks")
	}

	sys, err := app.New(&file, app.Options{Logger: logger, Host: runHost})
	if err != nil {
		return app.Report{}, err
	}
	rep, err := sys.Run(ctx)
	if err != nil {
		logger.Error("kernel halted", zap.Error(err))
		return rep, err
	}
	return rep, nil
}

func printReport(w io.Writer, rep app.Report) {
	fmt.Fprintf(w, "ticks:      %d\n", rep.Ticks)
	fmt.Fprintf(w, "samples:    %d published, %d delivered, %d logged\n", rep.Published, rep.Delivered, rep.Logged)
	fmt.Fprintf(w, "stats:      %d counted, %d high\n", rep.StatsCount, rep.StatsHigh)
	fmt.Fprintf(w, "heartbeats: %d (led on: %t)\n", rep.Beats, rep.LEDOn)
	fmt.Fprintf(w, "presses:    %d\n", rep.Presses)
	fmt.Fprintf(w, "checksum:   %#08x\n", rep.Checksum)
	fmt.Fprintf(w, "heap:       %d/%d bytes free (min %d)\n", rep.Heap.Free, rep.Heap.Total, rep.Heap.MinimumEverFree)
}
