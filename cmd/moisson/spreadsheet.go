package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var flagTaskMaxAgeDays int

var spreadsheetCmd = &cobra.Command{
	Use:   "spreadsheet",
	Short: "Async spreadsheet task queue inspection and cleanup",
}

var spreadsheetStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show one task by id, or per-status counters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 1 {
			task, err := svc.Queue().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %q not found", args[0])
			}
			return printJSON(task)
		}

		stats, err := svc.Queue().Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var spreadsheetCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove consumed and terminal tasks older than the age limit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		maxAge := time.Duration(flagTaskMaxAgeDays) * 24 * time.Hour
		n, err := svc.Queue().Cleanup(cmd.Context(), maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d tasks\n", n)
		return nil
	},
}

func init() {
	spreadsheetCleanupCmd.Flags().IntVar(&flagTaskMaxAgeDays, "max-age-days", 30, "remove tasks older than this many days")
	spreadsheetCmd.AddCommand(spreadsheetStatusCmd)
	spreadsheetCmd.AddCommand(spreadsheetCleanupCmd)
	rootCmd.AddCommand(spreadsheetCmd)
}
