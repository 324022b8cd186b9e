package evald

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nixfleet/pkg/db"
)

// admissionLockKey serializes admission decisions across concurrent
// schedulers so the in-flight cap is never overshot.
const admissionLockKey = int64(0x6e697866) // "nixf"

// QueueConfig tunes scheduling behaviour.
type QueueConfig struct {
	MaxInFlight  int           // cap on queued + in_progress targets
	RetryLimit   int           // attempts before a target fails terminally
	LeaseTTL     time.Duration // how long a worker's claim stays valid
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
}

// Queue owns the evaluation target state machine in the store.
type Queue struct {
	pool *pgxpool.Pool
	cfg  QueueConfig
}

// NewQueue constructs a Queue over the provided pool.
func NewQueue(pool *pgxpool.Pool, cfg QueueConfig) (*Queue, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	cfg.applyDefaults()
	return &Queue{pool: pool, cfg: cfg}, nil
}

// RepositoryIDByName resolves a watched repository's row ID.
func (q *Queue) RepositoryIDByName(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.Get(ctx, q.pool, &id, `SELECT id FROM repositories WHERE name = $1`, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("repository %q: %w", name, err)
	}
	return id, nil
}

// Enqueue creates a pending evaluation target for (repository, commit,
// environment) unless one already exists. Returns true when a new target
// was created.
func (q *Queue) Enqueue(ctx context.Context, repositoryID uuid.UUID, commit Commit, environment string) (bool, error) {
	tag, err := db.Exec(ctx, q.pool, `
        INSERT INTO evaluations (id, repository_id, commit_hash, commit_time, environment, status, attempt_count, enqueued_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
        ON CONFLICT (repository_id, commit_hash, environment) DO NOTHING`,
		uuid.New(), repositoryID, commit.Hash, commit.Timestamp.UTC(), environment, StatusPending, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Admit promotes pending targets to queued while keeping the total of
// queued plus in_progress at or below the configured cap. The count and the
// promotion happen in one transaction under an advisory lock, so concurrent
// schedulers cannot admit past the cap between the count and the update.
func (q *Queue) Admit(ctx context.Context) (int, error) {
	var promoted int64
	err := db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
			return err
		}

		var inFlight int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM evaluations WHERE status IN ($1, $2)`,
			StatusQueued, StatusInProgress,
		).Scan(&inFlight)
		if err != nil {
			return err
		}

		slots := q.cfg.MaxInFlight - inFlight
		if slots <= 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, `
            UPDATE evaluations SET status = $1
            WHERE id IN (
                SELECT id FROM evaluations
                WHERE status = $2 AND (not_before IS NULL OR not_before <= now())
                ORDER BY enqueued_at
                LIMIT $3
                FOR UPDATE SKIP LOCKED)`,
			StatusQueued, StatusPending, slots,
		)
		if err != nil {
			return err
		}
		promoted = tag.RowsAffected()
		return nil
	})
	return int(promoted), err
}

// Claim moves the oldest queued target to in_progress under a fresh claim
// token with a lease expiry. Exactly one worker wins a given target; losers
// of the race see a different row or ErrNotClaimable. The attempt is
// counted here, when it starts, so attempt_count reflects attempts made
// whether the claim ends in Complete, Fail, or an expired lease.
func (q *Queue) Claim(ctx context.Context) (*claim, error) {
	token := uuid.New()
	expires := time.Now().UTC().Add(q.cfg.LeaseTTL)

	row := q.pool.QueryRow(ctx, `
        UPDATE evaluations e
        SET status = $1, claim_token = $2, claim_expires = $3, started_at = now(),
            attempt_count = e.attempt_count + 1
        FROM repositories r
        WHERE e.id = (
            SELECT id FROM evaluations
            WHERE status = $4
            ORDER BY enqueued_at
            LIMIT 1
            FOR UPDATE SKIP LOCKED)
          AND e.status = $4
          AND r.id = e.repository_id
        RETURNING e.id, e.repository_id, r.name, e.commit_hash, e.commit_time, e.environment, e.attempt_count`,
		StatusInProgress, token, expires, StatusQueued,
	)

	c := claim{Token: token}
	err := row.Scan(&c.EvaluationID, &c.RepositoryID, &c.Repository, &c.CommitHash, &c.CommitTime, &c.Environment, &c.AttemptCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Complete transitions a claimed target to complete and records its
// artifact, all in one transaction. The claim token guard means a reclaimed
// or expired lease cannot complete the target twice.
func (q *Queue) Complete(ctx context.Context, c *claim, artifactID string, duration time.Duration, logKey string) error {
	return db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            UPDATE evaluations
            SET status = $1, completed_at = now(), duration_ms = $2, artifact_id = $3,
                log_key = $4, claim_token = NULL, claim_expires = NULL
            WHERE id = $5 AND claim_token = $6 AND status = $7`,
			StatusComplete, duration.Milliseconds(), artifactID, logKey,
			c.EvaluationID, c.Token, StatusInProgress,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("evaluation %s: claim lost before completion", c.EvaluationID)
		}

		_, err = tx.Exec(ctx, `
            INSERT INTO artifacts (store_hash, repository_id, commit_hash, environment, evaluation_id, created_at)
            VALUES ($1, $2, $3, $4, $5, now())
            ON CONFLICT (store_hash) DO NOTHING`,
			artifactID, c.RepositoryID, c.CommitHash, c.Environment, c.EvaluationID,
		)
		return err
	})
}

// Fail records a build failure on a claimed target. The attempt was
// already counted at claim time; this only decides where the target goes
// next: back to pending after an exponential backoff, or failed for
// terminal errors and exhausted budgets.
func (q *Queue) Fail(ctx context.Context, c *claim, buildErr error) error {
	terminal := errors.Is(buildErr, ErrTerminalBuild)
	return db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT attempt_count FROM evaluations WHERE id = $1 AND claim_token = $2 AND status = $3 FOR UPDATE`,
			c.EvaluationID, c.Token, StatusInProgress,
		).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("evaluation %s: claim lost before failure was recorded", c.EvaluationID)
		}
		if err != nil {
			return err
		}

		next := nextAfterFailure(attempts, q.cfg.RetryLimit, terminal, time.Now().UTC(), q.cfg.BackoffBase, q.cfg.BackoffCap)

		_, err = tx.Exec(ctx, `
            UPDATE evaluations
            SET status = $1, not_before = $2, last_error = $3,
                claim_token = NULL, claim_expires = NULL
            WHERE id = $4`,
			next.Status, next.NotBefore, buildErr.Error(), c.EvaluationID,
		)
		return err
	})
}

// Sweep reclaims expired leases. A swept target whose artifact already
// exists is completed in place (the worker died after the build finished);
// otherwise the expired attempt, counted at claim time, is treated as a
// failure.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	swept := 0
	err := db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT e.id, e.attempt_count, a.store_hash
            FROM evaluations e
            LEFT JOIN artifacts a ON a.evaluation_id = e.id
            WHERE e.status = $1 AND e.claim_expires < now()
            FOR UPDATE OF e SKIP LOCKED`,
			StatusInProgress,
		)
		if err != nil {
			return err
		}

		type expired struct {
			id       uuid.UUID
			attempts int
			artifact *string
		}
		var targets []expired
		for rows.Next() {
			var t expired
			if err := rows.Scan(&t.id, &t.attempts, &t.artifact); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range targets {
			if t.artifact != nil {
				_, err = tx.Exec(ctx, `
                    UPDATE evaluations
                    SET status = $1, completed_at = now(), artifact_id = $2,
                        claim_token = NULL, claim_expires = NULL
                    WHERE id = $3`,
					StatusComplete, *t.artifact, t.id,
				)
				if err != nil {
					return err
				}
				swept++
				continue
			}

			next := nextAfterFailure(t.attempts, q.cfg.RetryLimit, false, time.Now().UTC(), q.cfg.BackoffBase, q.cfg.BackoffCap)
			_, err = tx.Exec(ctx, `
                UPDATE evaluations
                SET status = $1, not_before = $2, last_error = $3,
                    claim_token = NULL, claim_expires = NULL
                WHERE id = $4`,
				next.Status, next.NotBefore, "worker lease expired", t.id,
			)
			if err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}

// Cancel moves a non-terminal target straight to failed, regardless of its
// retry budget. Used when a repository is removed or an operator abandons a
// commit.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	tag, err := db.Exec(ctx, q.pool, `
        UPDATE evaluations
        SET status = $1, last_error = $2, claim_token = NULL, claim_expires = NULL, not_before = NULL
        WHERE id = $3 AND status IN ($4, $5, $6)`,
		StatusFailed, reason, id, StatusPending, StatusQueued, StatusInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("evaluation %s is not cancellable", id)
	}
	return nil
}

// Requeue returns a terminal target to pending with a fresh retry budget.
// A complete target is only re-run when force is set, preserving the
// at-most-one-successful-artifact guarantee for accidental re-enqueues.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID, force bool) error {
	return db.WithTx(ctx, q.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM evaluations WHERE id = $1 FOR UPDATE`, id,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("evaluation %s not found", id)
		}
		if err != nil {
			return err
		}

		switch status {
		case StatusComplete:
			if !force {
				return ErrAlreadyComplete
			}
		case StatusFailed:
			// always requeueable
		default:
			return fmt.Errorf("evaluation %s is %s; only terminal targets can be requeued", id, status)
		}

		_, err = tx.Exec(ctx, `
            UPDATE evaluations
            SET status = $1, attempt_count = 0, not_before = NULL, last_error = '',
                claim_token = NULL, claim_expires = NULL, enqueued_at = now()
            WHERE id = $2`,
			StatusPending, id,
		)
		return err
	})
}

// List returns recent evaluation targets, optionally filtered by status,
// newest first.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]Evaluation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
        SELECT e.id, e.repository_id, r.name AS repository, e.commit_hash, e.commit_time,
               e.environment, e.status, e.attempt_count, e.not_before, e.enqueued_at,
               e.started_at, e.completed_at, e.duration_ms, e.artifact_id,
               COALESCE(e.last_error, '') AS last_error, COALESCE(e.log_key, '') AS log_key
        FROM evaluations e
        JOIN repositories r ON r.id = e.repository_id`
	args := []any{limit}
	if status != "" {
		query += ` WHERE e.status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY e.enqueued_at DESC LIMIT $1`

	var evals []Evaluation
	if err := db.Select(ctx, q.pool, &evals, query, args...); err != nil {
		return nil, err
	}
	return evals, nil
}

// StatusCounts returns the number of targets per status.
func (q *Queue) StatusCounts(ctx context.Context) (map[string]int, error) {
	type row struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var rows []row
	if err := db.Select(ctx, q.pool, &rows, `SELECT status, count(*) AS n FROM evaluations GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
