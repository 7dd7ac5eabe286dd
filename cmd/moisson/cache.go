package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Duplicate-detection cache maintenance",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache statistics as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		stats, err := svc.ContentCache().Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cache entries so the next run reprocesses every source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.ContentCache().Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
