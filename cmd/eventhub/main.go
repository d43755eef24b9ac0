// Command eventhub runs one Eventhub edge server process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/eventhub/eventhub/internal/config"
	"github.com/eventhub/eventhub/internal/logging"
	"github.com/eventhub/eventhub/internal/server"
)

// serverShutdownGrace bounds how long Shutdown waits for in-flight
// connections and goroutines to drain before main returns regardless.
const serverShutdownGrace = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[eventhub] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container's cgroup CPU limit.
	// The default worker pool size comes from runtime.NumCPU, which
	// GOMAXPROCS does not change.
	bootLogger.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	logger.Info().Msg("eventhub stopped")
}
