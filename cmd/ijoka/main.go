// Command ijoka watches coding-agent transcripts and feature lists, accepts
// hook events over local HTTP and keeps a local activity cache with an
// optional graph mirror.
//
// Usage:
//
//	ijoka serve
//	ijoka reconcile /path/to/project
//	ijoka parse ~/.claude/projects/-home-me-app/<session>.jsonl
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/ijoka/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "ijoka",
	Short:         "Agent activity ingestion and sync pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, reconcileCmd, parseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger builds the root logger. Development uses the console writer on
// stderr.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Caller().Logger()

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Logger = logger
	return logger
}

// loadConfig is shared by every subcommand.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg, os.Stdout), nil
}
