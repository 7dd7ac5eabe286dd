package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var embeddingsCmd = &cobra.Command{
	Use:   "embeddings",
	Short: "Embedding cache transfer and statistics",
	Long: `The local embedding cache avoids recomputing vectors for content that
was embedded before. download seeds it from the remote index (useful on a
fresh machine); upload pushes locally computed vectors that have not been
mirrored remotely yet. Both run automatically during sync; these commands
exist for manual recovery.`,
}

var embeddingsDownloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Seed the local embedding cache from the remote index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := svc.Embed().Download(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("downloaded %d embeddings\n", n)
		return nil
	},
}

var embeddingsUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Push locally computed embeddings to the remote index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := svc.Embed().Upload(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("uploaded %d embeddings\n", n)
		return nil
	},
}

var embeddingsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print local embedding cache counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		total, dirty, err := svc.EmbedCache().Count(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"total": total, "pending_upload": dirty})
	},
}

func init() {
	embeddingsCmd.AddCommand(embeddingsDownloadCmd)
	embeddingsCmd.AddCommand(embeddingsUploadCmd)
	embeddingsCmd.AddCommand(embeddingsStatsCmd)
	rootCmd.AddCommand(embeddingsCmd)
}
