// Command moisson runs the content sync engine: one-shot sync passes over
// configured sources, plus maintenance commands for the caches, the async
// task queue, and an MCP inspection server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hazyhaar/moisson/synchro"

	_ "modernc.org/sqlite"
)

var (
	flagConfig   string
	flagEnv      string
	flagLogLevel string
	flagLogFile  string
)

var rootCmd = &cobra.Command{
	Use:   "moisson",
	Short: "Multi-source content sync engine",
	Long: `moisson synchronizes content sources (HTML pages, PDFs, spreadsheets,
preprocessing artifacts) into an embedding-backed search index.

A sync pass fetches each enabled source, skips unchanged or duplicated
content, extracts and chunks documents, embeds them through a local
vector cache, and indexes the result. One failing source never aborts
the pass; the summary reports per-source outcomes and overall health.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogger()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", env("MOISSON_CONFIG", "sources.yaml"), "sources configuration file")
	pf.StringVarP(&flagEnv, "environment", "e", env("MOISSON_ENV", "default"), "environment to resolve from the config")
	pf.StringVar(&flagLogLevel, "log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	pf.StringVar(&flagLogFile, "log-file", env("LOG_FILE", ""), "also write logs to this rotating file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger installs the default JSON logger. Logs go to stderr: stdout
// carries command output and, for the mcp command, the protocol stream.
func setupLogger() {
	var lvl slog.Level
	switch flagLogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	if flagLogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   flagLogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadService resolves the configuration and wires a Service for the
// maintenance commands. The sync command builds its own to apply overrides.
func loadService() (*synchro.Service, error) {
	cfg, err := synchro.LoadConfig(flagConfig, flagEnv)
	if err != nil {
		return nil, err
	}
	return synchro.New(cfg, slog.Default())
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
