package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName    = "tether"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Local companion process for command-line coding agents",
	Long: `Tether is the loopback endpoint a coding-agent wrapper talks to:
  - WebSocket stream of structured progress/output events for a live session
  - HTTP POST notifications from agent hooks
  - In-memory session tracking behind a pluggable event handler`,
	Version: appVersion,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a KDL config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

// setupLogging configures the global zerolog logger: human-readable on a
// terminal, JSON otherwise.
func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
