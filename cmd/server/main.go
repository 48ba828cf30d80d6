package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	fedapi "go.pilab.hu/awsfed/api/echo"
	"go.pilab.hu/awsfed/config"
	"go.pilab.hu/awsfed/internal/console"
	"go.pilab.hu/awsfed/internal/discovery"
	"go.pilab.hu/awsfed/internal/flowstate"
	"go.pilab.hu/awsfed/internal/metrics"
	"go.pilab.hu/awsfed/internal/oidc"
	"go.pilab.hu/awsfed/internal/roles"
	"go.pilab.hu/awsfed/internal/server"
	"go.pilab.hu/awsfed/tracing"
)

const metadataTTL = time.Hour

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if parseErr != nil {
		log.Warn().Str("configured_log_level", cfg.LogLevel).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}

	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("domain", cfg.DomainName).
		Str("discovery_url", cfg.DiscoveryURL).
		Str("roles_service", cfg.RolesServiceURL).
		Msg("Starting AWS console federation relying party")

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TracerProvider")
	}

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	timeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	flowTTL := time.Duration(cfg.FlowTTLMinutes) * time.Minute

	codec, err := flowstate.NewCodec(cfg.CookieSecret, flowTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize flow state codec")
	}

	disc := discovery.NewCache(cfg.DiscoveryURL, metadataTTL,
		discovery.WithHTTPClient(&http.Client{Timeout: timeout}))
	defer disc.Stop()

	flowAPI := fedapi.NewFlowAPI(
		cfg,
		codec,
		disc,
		oidc.NewExchanger(cfg.ClientID, timeout),
		oidc.NewValidator(disc, cfg.ClientID),
		roles.NewClient(cfg.RolesServiceURL, timeout),
		console.NewFederator(cfg.AWSRegion, timeout),
	)

	httpServer := server.NewHTTPServer(cfg, flowAPI)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("TracerProvider shutdown error")
	}

	log.Info().Msg("Server gracefully stopped")
}
