package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/moisson/synchro"
)

var (
	flagStatusAddr    string
	flagForce         bool
	flagMaxConcurrent int
	flagTimeout       int
)

var syncCmd = &cobra.Command{
	Use:   "sync [environment]",
	Short: "Run one full sync pass over the configured sources",
	Long: `Run one sync pass: fetch every enabled source, skip unchanged and
duplicated content, process and embed the rest, and print the run summary
as JSON on stdout.

Per-source failures degrade the summary but the process still exits 0,
so schedulers can distinguish "ran with failures" (inspect the summary)
from "could not run at all" (bad config, exit 1).

Example:
  moisson sync production -c sources.yaml --status-addr :8086`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			flagEnv = args[0]
		}
		cfg, err := synchro.LoadConfig(flagConfig, flagEnv)
		if err != nil {
			return err
		}
		if flagMaxConcurrent > 0 {
			cfg.Settings.MaxConcurrentSources = flagMaxConcurrent
		}
		if flagTimeout > 0 {
			cfg.Settings.TimeoutPerSourceSeconds = flagTimeout
		}
		if flagForce {
			for i := range cfg.Sources {
				cfg.Sources[i].ForceProcess = true
			}
		}

		svc, err := synchro.New(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if flagStatusAddr != "" {
			go func() {
				if err := svc.Serve(ctx, flagStatusAddr); err != nil {
					slog.Error("status server", "error", err)
				}
			}()
		}

		summary, err := svc.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

func init() {
	syncCmd.Flags().StringVar(&flagStatusAddr, "status-addr", env("STATUS_ADDR", ""), "serve live run status on this address, e.g. :8086")
	syncCmd.Flags().BoolVar(&flagForce, "force", false, "process every source even when unchanged or duplicated")
	syncCmd.Flags().IntVar(&flagMaxConcurrent, "max-concurrent", 0, "override max concurrent sources")
	syncCmd.Flags().IntVar(&flagTimeout, "timeout", 0, "override the per-source timeout in seconds")
	rootCmd.AddCommand(syncCmd)
}
