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

	"nixfleet/pkg/db"
	"nixfleet/pkg/s3"
	"nixfleet/pkg/telemetry"
	"nixfleet/services/status"
)

type config struct {
	Addr        string        `env:"STATUS_ADDR, default=:8083"`
	DatabaseDSN string        `env:"DATABASE_DSN, required"`
	Staleness   time.Duration `env:"STATUS_STALENESS, default=15m"`
	LogBucket   string        `env:"LOG_BUCKET"`
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

	apiCfg := status.Config{Staleness: cfg.Staleness, LogBucket: cfg.LogBucket}
	if cfg.LogBucket != "" {
		s3c, err := s3.NewClientFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("init object storage")
		}
		apiCfg.Logs = s3c
	}

	api := status.New(status.NewStore(pool), log.Logger, apiCfg)

	handler := http.Handler(api.Router())
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, middleware, _, err := telemetry.Init(ctx, "nixfleet-status")
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
		log.Info().Str("addr", cfg.Addr).Msg("starting nixfleet-status")
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
