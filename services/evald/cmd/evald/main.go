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
	"golang.org/x/sync/errgroup"

	"nixfleet/pkg/bus"
	"nixfleet/pkg/db"
	"nixfleet/pkg/fleetcfg"
	"nixfleet/pkg/s3"
	"nixfleet/pkg/telemetry"
	"nixfleet/services/evald"
)

type config struct {
	Addr            string        `env:"EVALD_ADDR, default=:8081"`
	DatabaseDSN     string        `env:"DATABASE_DSN, required"`
	NATSURL         string        `env:"NATS_URL"`
	FleetConfigPath string        `env:"FLEET_CONFIG, default=/etc/nixfleet/fleet.yaml"`
	BuilderURL      string        `env:"BUILDER_URL, required"`
	CommitSourceURL string        `env:"COMMIT_SOURCE_URL"`
	LogBucket       string        `env:"LOG_BUCKET"`
	Workers         int           `env:"EVALD_WORKERS, default=2"`
	MaxInFlight     int           `env:"EVALD_MAX_IN_FLIGHT, default=4"`
	RetryLimit      int           `env:"EVALD_RETRY_LIMIT, default=3"`
	LeaseTTL        time.Duration `env:"EVALD_LEASE_TTL, default=15m"`
	BuildTimeout    time.Duration `env:"EVALD_BUILD_TIMEOUT, default=10m"`
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

	var b *bus.Bus
	if cfg.NATSURL != "" {
		b, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect bus")
		}
		defer b.Close()
	}

	var logs *evald.LogArchive
	if cfg.LogBucket != "" {
		s3c, err := s3.NewClientFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("init object storage")
		}
		logs = evald.NewLogArchive(s3c, cfg.LogBucket)
	}

	queue, err := evald.NewQueue(pool, evald.QueueConfig{
		MaxInFlight: cfg.MaxInFlight,
		RetryLimit:  cfg.RetryLimit,
		LeaseTTL:    cfg.LeaseTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init queue")
	}

	builder := evald.NewHTTPBuilder(cfg.BuilderURL, cfg.BuildTimeout)
	workers := evald.NewPool(queue, builder, logs, b, log.Logger, evald.PoolConfig{
		Workers:      cfg.Workers,
		BuildTimeout: cfg.BuildTimeout,
	})
	scheduler := evald.NewScheduler(queue, log.Logger, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return workers.Run(gctx) })

	if cfg.CommitSourceURL != "" {
		source := evald.NewHTTPCommitSource(cfg.CommitSourceURL)
		poller := evald.NewPoller(queue, source, fleet, log.Logger)
		g.Go(func() error { return poller.Run(gctx) })
	}

	handler := http.Handler(evald.NewAPI(queue, pool).Router())
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, middleware, _, err := telemetry.Init(ctx, "nixfleet-evald")
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
		log.Info().Str("addr", cfg.Addr).Msg("starting nixfleet-evald")
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

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("background workers")
	}
}
