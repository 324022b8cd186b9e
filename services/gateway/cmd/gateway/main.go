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
	"nixfleet/pkg/fleetcfg"
	"nixfleet/pkg/telemetry"
	"nixfleet/services/gateway"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type config struct {
	Addr            string `env:"GATEWAY_ADDR, default=:8080"`
	DatabaseDSN     string `env:"DATABASE_DSN, required"`
	NATSURL         string `env:"NATS_URL"`
	FleetConfigPath string `env:"FLEET_CONFIG, default=/etc/nixfleet/fleet.yaml"`
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

	fleet, err := fleetcfg.Load(cfg.FleetConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load fleet config")
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("open orm")
	}

	var b *bus.Bus
	if cfg.NATSURL != "" {
		b, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect bus")
		}
		defer b.Close()
	}

	store := &gateway.Store{DB: pool, ORM: orm, Bus: b}
	api, err := gateway.New(store, gateway.Config{Fleet: fleet})
	if err != nil {
		log.Fatal().Err(err).Msg("init gateway")
	}

	if err := api.SyncFleetConfig(ctx, fleet); err != nil {
		log.Fatal().Err(err).Msg("sync fleet config")
	}

	if b != nil {
		ingestor, err := gateway.NewAuditIngestor(pool, b)
		if err != nil {
			log.Fatal().Err(err).Msg("init audit ingestor")
		}
		if err := ingestor.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("start audit ingestor")
		}
		defer ingestor.Close()
	}

	handler, err := api.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("build routes")
	}

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, middleware, _, err := telemetry.Init(ctx, "nixfleet-gateway")
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
		log.Info().Str("addr", cfg.Addr).Msg("starting nixfleet-gateway")
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
