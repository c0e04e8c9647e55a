package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/config"
	"github.com/notewire/noterelay/internal/httpapi"
	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/relay"
	"github.com/notewire/noterelay/internal/store"
	"github.com/notewire/noterelay/internal/streamer"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "noterelay").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	st, err := store.Open(ctx, store.Config{
		URL:         cfg.DatabaseURL,
		MaxNoteSize: cfg.MaxNoteSize,
		Metrics:     m,
	})
	if err != nil {
		log.Fatal().Err(err).Str("database_url", cfg.DatabaseURL).Msg("failed to open store")
	}
	defer st.Close()

	str := streamer.New(st, m, streamer.DefaultTickInterval)
	streamerDone := make(chan struct{})
	go func() {
		defer close(streamerDone)
		str.Run(ctx)
	}()

	maint := store.NewMaintenance(st, store.MaintenanceConfig{
		RetentionDays: cfg.RetentionDays,
	}, m)
	if err := maint.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start maintenance")
	}

	svc := relay.New(st, str, m, relay.Config{MaxNoteSize: cfg.MaxNoteSize})

	srv := &httpapi.Server{
		Svc: svc,
		Cfg: httpapi.Config{
			MaxConnections: cfg.MaxConnections,
			RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		Registry: registry,
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     srv.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Shut the streamer down after the HTTP surface so no handler is left
	// subscribing against a stopped loop.
	cancel()
	select {
	case <-streamerDone:
	case <-shutdownCtx.Done():
		log.Error().Msg("streamer shutdown timed out")
	}

	maint.Stop()

	log.Info().Msg("server stopped")
}
