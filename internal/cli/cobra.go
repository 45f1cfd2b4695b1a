package cli

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"thermalign/internal/config"
	"thermalign/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "thermalign",
		Short: "Co-register DJI thermal captures onto their RGB counterparts",
		Long: `thermalign pairs the thermal (_T) and visible (_Z) frames of a DJI flight by
capture index and timestamp, then resamples every thermal frame into the pixel
grid of its RGB frame.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newPairsCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		opts    alignOptions
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "align <input_dir> <output_dir>",
		Short: "Align every thermal/RGB pair in a directory",
		Long: `Align every thermal/RGB pair found in input_dir. For each pair the RGB frame
is copied to output_dir unchanged and the aligned thermal frame is written next
to it with the _Z suffix replaced by _AT.

Examples:
  # Align a flight using all CPUs
  thermalign align /data/flight-07 /data/flight-07-aligned

  # Force two pairs known to mis-register onto the centered fallback
  thermalign align in/ out/ --force-fallback DJI_20250101120005_0001 --force-fallback DJI_20250101120105_0002`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("timeout") {
				opts.timeout = config.Duration{Duration: timeout}
				opts.timeoutSet = true
			}
			_, err := root.runAlign(contextOf(cmd), cmd.OutOrStdout(), args[0], args[1], opts)
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "parallel pairs (default processing.parallel_jobs)")
	cmd.Flags().StringArrayVar(&opts.forceFallback, "force-fallback", nil, "pair ID to composite without estimation (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-pair estimation timeout, 0 disables (default alignment.estimate_timeout)")

	return cmd
}

func newPairsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "pairs <input_dir>",
		Short: "Show how captures in a directory would be paired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printPlan(cmd.OutOrStdout(), args[0])
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent alignment runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.printRuns(cmd.OutOrStdout(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server exposing the run ledger, run submission and a live
websocket feed of pair results.

Examples:
  thermalign serve --addr :8080
  curl -X POST localhost:8080/runs -d '{"input_dir":"/data/in","output_dir":"/data/out"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serve(contextOf(cmd), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("thermalign %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
