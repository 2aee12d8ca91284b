// SPDX-License-Identifier: MIT

// Command attendanced runs the running-club attendance service: HTTP API,
// live tally stream and optional Prometheus listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/runclub/attendanced/internal/api"
	"github.com/runclub/attendanced/internal/bus"
	"github.com/runclub/attendanced/internal/calendar"
	"github.com/runclub/attendanced/internal/code"
	"github.com/runclub/attendanced/internal/config"
	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/override"
	"github.com/runclub/attendanced/internal/registration"
	"github.com/runclub/attendanced/internal/store"
)

var version = "dev"

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "attendanced", Version: version})
		logger := log.Base()
		logger.Fatal().Err(err).Msg("configuration invalid")
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "attendanced", Version: version})
	logger := log.Base()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	issuer := code.NewIssuer(code.Config{
		Alphabet: cfg.SessionCodeAlphabet,
		Len:      cfg.SessionCodeLen,
		Key:      cfg.SigningKey,
		TTL:      cfg.QRTokenTTL,
		BaseURL:  cfg.PublicBaseURL,
	})
	eventBus := bus.NewMemoryBus()
	defer eventBus.Close() //nolint:errcheck

	cal := calendar.NewManager(st, issuer, cfg.TimeZone)
	engine := registration.NewEngine(st, issuer, eventBus, cfg.SessionCodeLen, cfg.TimeZone)
	overrides := override.NewService(st, issuer, eventBus, cfg.TimeZone)

	server := api.NewServer(cfg, api.Deps{
		Store:    st,
		Calendar: cal,
		Engine:   engine,
		Issuer:   issuer,
		Bus:      eventBus,
		Override: overrides,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: /events is long-lived.
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("version", version).Msg("api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("metrics shutdown incomplete")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("stopped")
}

// openStore selects the backing store. DATABASE_URL=memory runs without a
// database, for local development.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "memory" {
		logger := log.WithComponent("store")
		logger.Warn().Msg("using in-memory store, data is not durable")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}
