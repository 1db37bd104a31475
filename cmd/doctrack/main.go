// Package main provides the doctrack binary entry point.
// Doctrack reads document details and manages attachments on a
// document-tracking API from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/doctrack/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "doctrack"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent root flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "doctrack",
		Short: "Document tracking client",
		Long: `Doctrack reads tracked documents and their attachments from a
document-tracking API.

It provides:
- The full detail view of a document (general information, OBR, salary,
  history, line items, payment breakdown, payment history, computation)
- Attachment listing per document and per office
- Attachment upload and removal

Every command prints JSON on stdout; logs go to stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		showCmd(g),
		formsCmd(),
		attachmentsCmd(g),
		watchCmd(g),
		configCmd(g),
		cacheCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// newLogger builds the stderr text logger for level.
func newLogger(w io.Writer, level string) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// loadConfig resolves configuration from the layered loader, or from the
// --config file in place of the project file when given.
func (g *globals) loadConfig(logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	if g.configPath != "" {
		return loader.LoadPath(g.configPath)
	}
	return loader.Load()
}

// app loads configuration and builds an App for cmd. The caller must Close
// the returned App.
func (g *globals) app(ctx context.Context, cmd *cobra.Command) (*App, error) {
	logger := newLogger(cmd.ErrOrStderr(), g.logLevel)
	slog.SetDefault(logger)

	cfg, err := g.loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewApp(ctx, cfg, logger)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
