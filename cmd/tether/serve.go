package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codetether/tether/internal/config"
	"github.com/codetether/tether/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion daemon",
	Long: `Run the loopback daemon that agent wrappers connect to.

The daemon listens on a single TCP port for both HTTP POST notifications
and WebSocket upgrades. It runs until interrupted.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	cfg := loadConfig(cmd)
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}

	registry := daemon.NewSessionRegistry()
	d := daemon.New(daemon.Config{
		Addr:           cfg.Addr,
		MaxConnections: cfg.MaxConnections,
	}, registry, registry)

	if err := d.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start daemon")
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
		return cfg
	}

	wd, _ := os.Getwd()
	cfg, err := config.Load(wd)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return cfg
}
