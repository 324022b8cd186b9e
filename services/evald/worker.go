package evald

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nixfleet/pkg/bus"
)

// evalsCompletedTopic carries one message per successfully built artifact.
// The scanner consumes it with a durable subscription.
const evalsCompletedTopic = "fleet.evals.completed"

// CompletedEvent is the payload published after a successful build.
type CompletedEvent struct {
	EvaluationID uuid.UUID `json:"evaluation_id"`
	Repository   string    `json:"repository"`
	CommitHash   string    `json:"commit_hash"`
	Environment  string    `json:"environment"`
	ArtifactID   string    `json:"artifact_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Pool runs a fixed number of build workers against the queue.
type Pool struct {
	queue   *Queue
	builder Builder
	logs    *LogArchive
	bus     *bus.Bus
	log     zerolog.Logger

	workers      int
	buildTimeout time.Duration
	idleWait     time.Duration
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int
	BuildTimeout time.Duration
	IdleWait     time.Duration // pause after finding no claimable target
}

// NewPool assembles a worker pool. The log archive and the bus are both
// optional; without them logs stay in memory only and no completion events
// are published.
func NewPool(queue *Queue, builder Builder, logs *LogArchive, b *bus.Bus, log zerolog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 2 * time.Second
	}
	return &Pool{
		queue:        queue,
		builder:      builder,
		logs:         logs,
		bus:          b,
		log:          log,
		workers:      cfg.Workers,
		buildTimeout: cfg.BuildTimeout,
		idleWait:     cfg.IdleWait,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight builds.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.workerLoop(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) workerLoop(ctx context.Context, id int) error {
	log := p.log.With().Int("worker", id).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := p.queue.Claim(ctx)
		if errors.Is(err, ErrNotClaimable) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.idleWait):
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("claiming evaluation target")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.idleWait):
			}
			continue
		}

		p.runOne(ctx, log, c)
	}
}

func (p *Pool) runOne(ctx context.Context, log zerolog.Logger, c *claim) {
	log = log.With().
		Stringer("evaluation", c.EvaluationID).
		Str("repository", c.Repository).
		Str("commit", c.CommitHash).
		Str("environment", c.Environment).
		Logger()

	buildCtx, cancel := context.WithTimeout(ctx, p.buildTimeout)
	defer cancel()

	start := time.Now()
	result, err := p.builder.Build(buildCtx, c.Repository, c.CommitHash, c.Environment)
	elapsed := time.Since(start)
	metricBuildSeconds.Observe(elapsed.Seconds())

	if err != nil {
		if buildCtx.Err() != nil && ctx.Err() == nil {
			err = errors.Join(ErrTransientBuild, errors.New("build timed out"))
		}
		outcome := "transient"
		if errors.Is(err, ErrTerminalBuild) {
			outcome = "terminal"
		}
		metricBuilds.WithLabelValues(outcome).Inc()
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("build failed")

		// Recording the failure must survive shutdown, or the lease
		// only expires at the sweeper's pace.
		recCtx, recCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer recCancel()
		if ferr := p.queue.Fail(recCtx, c, err); ferr != nil {
			log.Error().Err(ferr).Msg("recording build failure")
		}
		return
	}

	recCtx, recCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer recCancel()

	logKey := ""
	if p.logs != nil && len(result.Log) > 0 {
		key, aerr := p.logs.Store(recCtx, c.EvaluationID, result.Log)
		if aerr != nil {
			log.Error().Err(aerr).Msg("archiving build log")
		} else {
			logKey = key
		}
	}

	if err := p.queue.Complete(recCtx, c, result.ArtifactID, elapsed, logKey); err != nil {
		metricBuilds.WithLabelValues("lost_claim").Inc()
		log.Error().Err(err).Msg("recording build completion")
		return
	}
	metricBuilds.WithLabelValues("complete").Inc()
	log.Info().Str("artifact", result.ArtifactID).Dur("elapsed", elapsed).Msg("build complete")

	if p.bus != nil {
		evt := CompletedEvent{
			EvaluationID: c.EvaluationID,
			Repository:   c.Repository,
			CommitHash:   c.CommitHash,
			Environment:  c.Environment,
			ArtifactID:   result.ArtifactID,
			CompletedAt:  time.Now().UTC(),
		}
		if err := p.bus.Publish(recCtx, evalsCompletedTopic, evt); err != nil {
			log.Error().Err(err).Msg("publishing completion event")
		}
	}
}
