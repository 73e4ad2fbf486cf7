// Command runner is the agentic Runner process: owns the MCP Transport
// Layer, Tool Catalog, Maître d', and Agent Loop, exposed to the Gateway
// over an internal HTTP surface. Runs as its own binary because it alone
// owns the MCP Transport Layer's subprocess handles and connections and
// must shut them down in deterministic order.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/runner"
	"github.com/agentoven/router-core/internal/telemetry"
)

const (
	exitConfigError = 64
	exitBindFailure = 65
	exitInternal    = 70
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	env := config.LoadEnv()

	shutdownTelemetry, err := telemetry.Init(env.Telemetry)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize telemetry")
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runner.New(ctx, env)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize runner")
		os.Exit(exitConfigError)
	}
	rt.StartMaintenance(ctx)

	httpServer := &http.Server{
		Handler: rt.NewHandler(),
		ReadTimeout: 30 * time.Second,
		WriteTimeout: 0, // agent streams run open-ended up to the per-request deadline
		IdleTimeout: 120 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", env.RunnerPort))
	if err != nil {
		log.Error().Err(err).Int("port", env.RunnerPort).Msg("runner failed to bind")
		os.Exit(exitBindFailure)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("runner: shutting down gracefully")
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		httpServer.Shutdown(shutdownCtx)
		rt.Shutdown(shutdownCtx)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("runner: telemetry shutdown failed")
		}
	}()

	log.Info().Int("port", env.RunnerPort).Msg("runner listening")

	if err := httpServer.Serve(ln); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("runner server failed")
		os.Exit(exitInternal)
	}
}
