package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sync inspection tools over MCP on stdio",
	Long: `Expose sync_status, sync_summary, cache_stats, task_status,
sources_list and run_history as MCP tools on stdin/stdout, for use as a
local MCP server. Logs go to stderr so the protocol stream stays clean.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		svc, err := loadService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "moisson",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(srv)

		return srv.Run(ctx, &mcp.StdioTransport{})
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
