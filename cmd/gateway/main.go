// Command gateway is the public HTTP ingress process: signal-driven
// graceful shutdown, bounded server timeouts, and distinct exit codes for
// config, bind, and internal failures.
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
	"github.com/agentoven/router-core/internal/gateway"
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

	gw, err := gateway.New(ctx, env)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize gateway")
		os.Exit(exitConfigError)
	}
	gw.StartProbes(ctx)

	httpServer := &http.Server{
		Handler: gw.NewHandler(),
		ReadTimeout: 30 * time.Second,
		WriteTimeout: 0, // streaming responses run open-ended up to the per-request deadline
		IdleTimeout: 120 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", env.Port))
	if err != nil {
		log.Error().Err(err).Int("port", env.Port).Msg("gateway failed to bind")
		os.Exit(exitBindFailure)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("gateway: shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("gateway: telemetry shutdown failed")
		}
	}()

	log.Info().Int("port", env.Port).Str("runner_base", env.RunnerBase).Msg("gateway listening")

	if err := httpServer.Serve(ln); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("gateway server failed")
		os.Exit(exitInternal)
	}
}
