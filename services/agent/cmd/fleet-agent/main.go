package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"

	"nixfleet/pkg/credential"
	"nixfleet/services/agent"
)

type config struct {
	GatewayURL string        `env:"FLEET_GATEWAY_URL, required"`
	Hostname   string        `env:"FLEET_HOSTNAME"`
	KeyFile    string        `env:"FLEET_KEY_FILE, default=/etc/nixfleet/agent.key"`
	SystemLink string        `env:"FLEET_SYSTEM_LINK, default=/run/current-system"`
	Heartbeat  time.Duration `env:"FLEET_HEARTBEAT_INTERVAL, default=5m"`
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

	hostname, err := agent.Hostname(cfg.Hostname)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve hostname")
	}

	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("read agent key")
	}
	identity, err := credential.NewIdentity(strings.TrimSpace(string(raw)))
	if err != nil {
		log.Fatal().Err(err).Msg("parse agent key")
	}

	client := agent.NewClient(cfg.GatewayURL, hostname, identity)
	a := agent.New(client, log.Logger, agent.Config{
		SystemLink:        cfg.SystemLink,
		HeartbeatInterval: cfg.Heartbeat,
	})

	log.Info().Str("hostname", hostname).Str("gateway", cfg.GatewayURL).Msg("starting nixfleet-agent")
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("agent loop")
	}
}
