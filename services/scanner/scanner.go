package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"nixfleet/pkg/bus"
	"nixfleet/pkg/db"
)

// evalsCompletedTopic is where the evaluation daemon announces built
// artifacts.
const evalsCompletedTopic = "fleet.evals.completed"

// completedEvent mirrors the payload published on eval completion.
type completedEvent struct {
	EvaluationID uuid.UUID `json:"evaluation_id"`
	ArtifactID   string    `json:"artifact_id"`
	Environment  string    `json:"environment"`
}

// Config tunes the scan stage.
type Config struct {
	MaxAttempts  uint64        // scan attempts per trigger before recording a failed run
	RetryBase    time.Duration // first retry delay
	RetryCap     time.Duration // ceiling on retry delay
	ScanTimeout  time.Duration // per-attempt budget
	ConsumerName string        // durable name for the JetStream subscription
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Minute
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 5 * time.Minute
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "scanner"
	}
}

// Scanner consumes built-artifact events and records scan runs.
type Scanner struct {
	pool    *pgxpool.Pool
	backend Backend
	log     zerolog.Logger
	cfg     Config

	mu       sync.Mutex
	inFlight map[string]*artifactLock // per-artifact serialization
}

// artifactLock serializes scans of one artifact. The refcount tracks how
// many goroutines hold or wait on the lock so the entry can be dropped from
// the map once the last one releases it.
type artifactLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs a Scanner.
func New(pool *pgxpool.Pool, backend Backend, log zerolog.Logger, cfg Config) *Scanner {
	cfg.applyDefaults()
	return &Scanner{
		pool:     pool,
		backend:  backend,
		log:      log,
		cfg:      cfg,
		inFlight: make(map[string]*artifactLock),
	}
}

// Start subscribes to completion events on the bus. The returned closer
// tears down the subscription.
func (s *Scanner) Start(ctx context.Context, b *bus.Bus) (io.Closer, error) {
	return b.Subscribe(ctx, evalsCompletedTopic, s.cfg.ConsumerName, func(ctx context.Context, data []byte) error {
		var evt completedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// Poison message; acking it via nil keeps the consumer moving.
			s.log.Error().Err(err).Msg("discarding malformed completion event")
			return nil
		}
		return s.ScanArtifact(ctx, evt.ArtifactID)
	})
}

// ScanArtifact runs the scan pipeline for one artifact: serialize per
// artifact, retry the backend with capped exponential delays, then record
// either a succeeded run with its findings or a failed run.
func (s *Scanner) ScanArtifact(ctx context.Context, artifactHash string) error {
	if artifactHash == "" {
		return fmt.Errorf("artifact hash is required")
	}

	s.acquireArtifact(artifactHash)
	defer s.releaseArtifact(artifactHash)

	started := time.Now().UTC()
	findings, attempts, scanErr := s.attemptScan(ctx, artifactHash)

	if scanErr != nil {
		metricScans.WithLabelValues(RunFailed).Inc()
		if err := s.recordFailure(ctx, artifactHash, attempts, started, scanErr); err != nil {
			return fmt.Errorf("recording failed scan run: %w", err)
		}
		s.log.Error().Err(scanErr).Str("artifact", artifactHash).Int("attempts", attempts).Msg("scan exhausted retries")
		return nil
	}

	if err := s.recordSuccess(ctx, artifactHash, attempts, started, findings); err != nil {
		return fmt.Errorf("recording scan run: %w", err)
	}
	metricScans.WithLabelValues(RunSucceeded).Inc()
	metricFindings.Add(float64(len(findings)))
	s.log.Info().Str("artifact", artifactHash).Int("findings", len(findings)).Int("attempts", attempts).Msg("scan complete")
	return nil
}

// attemptScan drives the backend with capped exponential retries until it
// yields findings or the attempt budget runs out.
func (s *Scanner) attemptScan(ctx context.Context, artifactHash string) ([]Finding, int, error) {
	attempts := 0
	var findings []Finding

	backoff := retry.WithMaxRetries(s.cfg.MaxAttempts-1, retry.WithCappedDuration(s.cfg.RetryCap, retry.NewExponential(s.cfg.RetryBase)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()

		result, err := s.backend.Scan(attemptCtx, artifactHash)
		if err != nil {
			s.log.Warn().Err(err).Str("artifact", artifactHash).Int("attempt", attempts).Msg("scan attempt failed")
			return retry.RetryableError(err)
		}
		findings = result
		return nil
	})
	return findings, attempts, err
}

func (s *Scanner) acquireArtifact(hash string) {
	s.mu.Lock()
	lock, ok := s.inFlight[hash]
	if !ok {
		lock = &artifactLock{}
		s.inFlight[hash] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
}

func (s *Scanner) releaseArtifact(hash string) {
	s.mu.Lock()
	lock := s.inFlight[hash]
	lock.refs--
	if lock.refs == 0 {
		delete(s.inFlight, hash)
	}
	s.mu.Unlock()

	lock.mu.Unlock()
}

// recordSuccess inserts the run and its findings batch in one transaction,
// so readers never observe a run without its findings.
func (s *Scanner) recordSuccess(ctx context.Context, artifactHash string, attempts int, started time.Time, findings []Finding) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		runID := uuid.New()
		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `
            INSERT INTO scan_runs (id, artifact_hash, status, attempts, started_at, finished_at, error)
            VALUES ($1, $2, $3, $4, $5, $6, '')`,
			runID, artifactHash, RunSucceeded, attempts, started, now,
		)
		if err != nil {
			return err
		}

		for _, f := range findings {
			_, err := tx.Exec(ctx, `
                INSERT INTO vulnerability_findings (id, scan_run_id, artifact_hash, cve_id, severity, package, discovered_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid.New(), runID, artifactHash, f.CVEID, f.Severity, f.Package, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scanner) recordFailure(ctx context.Context, artifactHash string, attempts int, started time.Time, scanErr error) error {
	now := time.Now().UTC()
	_, err := db.Exec(ctx, s.pool, `
        INSERT INTO scan_runs (id, artifact_hash, status, attempts, started_at, finished_at, error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), artifactHash, RunFailed, attempts, started, now, scanErr.Error(),
	)
	return err
}
