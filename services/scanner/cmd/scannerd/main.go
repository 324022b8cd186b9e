package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"nixfleet/pkg/bus"
	"nixfleet/pkg/db"
	"nixfleet/pkg/telemetry"
	"nixfleet/services/scanner"
)

type config struct {
	Addr        string        `env:"SCANNER_ADDR, default=:8082"`
	DatabaseDSN string        `env:"DATABASE_DSN, required"`
	NATSURL     string        `env:"NATS_URL, required"`
	BackendURL  string        `env:"SCANNER_BACKEND_URL, required"`
	MaxAttempts uint64        `env:"SCANNER_MAX_ATTEMPTS, default=3"`
	ScanTimeout time.Duration `env:"SCANNER_SCAN_TIMEOUT, default=5m"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	b, err := bus.New(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect bus")
	}
	defer b.Close()

	backend := scanner.NewHTTPBackend(cfg.BackendURL, cfg.ScanTimeout)
	s := scanner.New(pool, backend, log.Logger, scanner.Config{
		MaxAttempts: cfg.MaxAttempts,
		ScanTimeout: cfg.ScanTimeout,
	})

	sub, err := s.Start(ctx, b)
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe to completion events")
	}
	defer sub.Close()

	handler := http.Handler(scanner.NewAPI(s).Router())
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, middleware, _, err := telemetry.Init(ctx, "nixfleet-scanner")
		if err != nil {
			log.Fatal().Err(err).Msg("init telemetry")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown telemetry")
			}
		}()
		handler = middleware(handler)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting nixfleet-scanner")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
