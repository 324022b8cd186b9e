package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nixfleet/pkg/drv"
)

// DefaultSystemLink is where the running system profile points on a NixOS
// host.
const DefaultSystemLink = "/run/current-system"

// Event kinds, matching the gateway's closed set.
const (
	kindStartup      = "startup"
	kindHeartbeat    = "heartbeat"
	kindConfigChange = "config_change"
)

// Config tunes the agent loop.
type Config struct {
	SystemLink        string        // symlink to the running system profile
	HeartbeatInterval time.Duration
}

// Agent reports the host's running artifact: startup once, heartbeats on a
// ticker, config_change whenever the profile symlink moves.
type Agent struct {
	client *Client
	log    zerolog.Logger
	cfg    Config

	lastArtifact string
}

// New builds an agent over the push client.
func New(client *Client, log zerolog.Logger, cfg Config) *Agent {
	if cfg.SystemLink == "" {
		cfg.SystemLink = DefaultSystemLink
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	return &Agent{client: client, log: log, cfg: cfg}
}

// CurrentArtifact resolves the running system's store hash from the
// profile symlink.
func CurrentArtifact(systemLink string) (string, error) {
	target, err := filepath.EvalSymlinks(systemLink)
	if err != nil {
		return "", fmt.Errorf("resolving system profile: %w", err)
	}
	hash, err := drv.Parse(filepath.Base(target))
	if err != nil {
		return "", fmt.Errorf("system profile %q: %w", target, err)
	}
	return hash.String(), nil
}

// Run reports startup, then heartbeats until ctx is cancelled. A changed
// profile symlink between ticks is reported as config_change before the
// heartbeat resumes on the new artifact.
func (a *Agent) Run(ctx context.Context) error {
	artifact, err := CurrentArtifact(a.cfg.SystemLink)
	if err != nil {
		return err
	}
	a.lastArtifact = artifact

	if err := a.push(ctx, kindStartup, artifact); err != nil {
		return fmt.Errorf("reporting startup: %w", err)
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		artifact, err := CurrentArtifact(a.cfg.SystemLink)
		if err != nil {
			a.log.Error().Err(err).Msg("reading system profile")
			continue
		}

		kind := kindHeartbeat
		if artifact != a.lastArtifact {
			kind = kindConfigChange
			a.lastArtifact = artifact
		}
		if err := a.push(ctx, kind, artifact); err != nil && ctx.Err() == nil {
			a.log.Error().Err(err).Str("kind", kind).Msg("pushing state event")
		}
	}
}

func (a *Agent) push(ctx context.Context, kind, artifact string) error {
	ack, err := a.client.Push(ctx, []Event{{
		Kind:       kind,
		ArtifactID: artifact,
		ObservedAt: time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if len(ack.Rejected) > 0 {
		return fmt.Errorf("gateway rejected event: %s", ack.Rejected[0].Reason)
	}
	a.log.Debug().Str("kind", kind).Str("artifact", artifact).Msg("event reported")
	return nil
}

// Hostname returns the host's reporting identity: the static override if
// set, otherwise the kernel hostname.
func Hostname(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(name)), nil
}
