package status

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"nixfleet/pkg/db"
)

// Store runs the read-model queries. All of them tolerate partial data:
// hosts without events, environments without builds, artifacts without
// scans. Anomalous rows are skipped and counted, never fatal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type hostFactsRow struct {
	Hostname        string     `db:"hostname"`
	Environment     string     `db:"environment"`
	CurrentArtifact string     `db:"current_artifact"`
	LastSeen        *time.Time `db:"last_seen"`
	CurrentSince    *time.Time `db:"current_since"`
	TargetArtifact  string     `db:"target_artifact"`
	TargetSince     *time.Time `db:"target_since"`
	FirstReported   *time.Time `db:"first_reported"`
}

// hostFactsQuery resolves, per host, the newest live event (insertion
// order breaks observed_at ties), the environment's newest complete build,
// when the current artifact became current, and when the host first
// reported the target. Flagged out-of-order rows are excluded throughout.
const hostFactsQuery = `
WITH latest AS (
    SELECT DISTINCT ON (e.host_id)
        e.host_id, e.artifact_id, e.observed_at
    FROM state_events e
    WHERE NOT e.out_of_order
    ORDER BY e.host_id, e.observed_at DESC, e.seq DESC
), targets AS (
    SELECT DISTINCT ON (ev.environment)
        ev.environment, ev.artifact_id, ev.completed_at
    FROM evaluations ev
    WHERE ev.status = 'complete' AND ev.artifact_id IS NOT NULL
    ORDER BY ev.environment, ev.completed_at DESC
)
SELECT
    h.hostname,
    h.environment,
    COALESCE(l.artifact_id, '') AS current_artifact,
    l.observed_at AS last_seen,
    cs.current_since,
    COALESCE(t.artifact_id, '') AS target_artifact,
    t.completed_at AS target_since,
    fr.first_reported
FROM hosts h
LEFT JOIN latest l ON l.host_id = h.id
LEFT JOIN targets t ON t.environment = h.environment
LEFT JOIN LATERAL (
    SELECT min(e.observed_at) AS current_since
    FROM state_events e
    WHERE e.host_id = h.id
      AND NOT e.out_of_order
      AND e.artifact_id = l.artifact_id
      AND e.observed_at > COALESCE((
          SELECT max(e2.observed_at)
          FROM state_events e2
          WHERE e2.host_id = h.id
            AND NOT e2.out_of_order
            AND e2.artifact_id <> l.artifact_id), '-infinity')
) cs ON l.host_id IS NOT NULL
LEFT JOIN LATERAL (
    SELECT min(e.observed_at) AS first_reported
    FROM state_events e
    WHERE e.host_id = h.id
      AND NOT e.out_of_order
      AND e.artifact_id = t.artifact_id
) fr ON t.environment IS NOT NULL
ORDER BY h.hostname`

// HostFacts loads reconciliation inputs for every host, or for a single
// hostname when one is given.
func (s *Store) HostFacts(ctx context.Context, hostname string) ([]HostFacts, error) {
	query := hostFactsQuery
	args := []any{}
	if hostname != "" {
		query = `SELECT * FROM (` + hostFactsQuery + `) f WHERE f.hostname = $1`
		args = append(args, hostname)
	}

	var rows []hostFactsRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("loading host facts: %w", err)
	}

	facts := make([]HostFacts, 0, len(rows))
	for _, r := range rows {
		f := HostFacts{
			Hostname:        r.Hostname,
			Environment:     r.Environment,
			CurrentArtifact: r.CurrentArtifact,
			TargetArtifact:  r.TargetArtifact,
		}
		if r.LastSeen != nil {
			f.LastSeen = *r.LastSeen
		}
		if r.CurrentSince != nil {
			f.CurrentSince = *r.CurrentSince
		}
		if r.TargetSince != nil {
			f.TargetSince = *r.TargetSince
		}
		if r.FirstReported != nil {
			f.FirstReportedTarget = *r.FirstReported
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// Queue reports evaluation queue depth and per-status breakdown.
func (s *Store) Queue(ctx context.Context) (QueueReport, error) {
	type row struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	var rows []row
	if err := db.Select(ctx, s.pool, &rows,
		`SELECT status, count(*) AS n FROM evaluations GROUP BY status`); err != nil {
		return QueueReport{}, err
	}

	report := QueueReport{ByStatus: make(map[string]int, len(rows))}
	for _, r := range rows {
		report.ByStatus[r.Status] = r.N
		if r.Status == "pending" || r.Status == "queued" || r.Status == "in_progress" {
			report.Depth += r.N
		}
	}

	var oldest *time.Time
	err := db.Get(ctx, s.pool, &oldest, `
        SELECT min(enqueued_at) FROM evaluations
        WHERE status = 'pending' AND (not_before IS NULL OR not_before <= now())`)
	if err != nil {
		return QueueReport{}, err
	}
	if oldest != nil {
		age := time.Since(*oldest).Seconds()
		report.OldestPendingAge = &age
	}
	return report, nil
}

type cveRow struct {
	ArtifactHash string  `db:"artifact_hash"`
	RunStatus    *string `db:"run_status"`
	Severity     *string `db:"severity"`
	N            int     `db:"n"`
}

// EnvironmentCVEs aggregates effective findings across the environment's
// current artifact set. For each artifact only the latest scan run counts;
// a failed latest run marks the artifact as a scan failure rather than
// contributing stale findings.
func (s *Store) EnvironmentCVEs(ctx context.Context, environment string) (CVESummary, error) {
	var rows []cveRow
	err := db.Select(ctx, s.pool, &rows, `
        WITH latest_runs AS (
            SELECT DISTINCT ON (sr.artifact_hash)
                sr.id, sr.artifact_hash, sr.status
            FROM scan_runs sr
            JOIN artifacts a ON a.store_hash = sr.artifact_hash
            WHERE a.environment = $1
            ORDER BY sr.artifact_hash, sr.started_at DESC
        )
        SELECT
            lr.artifact_hash,
            lr.status AS run_status,
            vf.severity,
            count(vf.id) AS n
        FROM latest_runs lr
        LEFT JOIN vulnerability_findings vf ON vf.scan_run_id = lr.id
        GROUP BY lr.artifact_hash, lr.status, vf.severity`,
		environment)
	if err != nil {
		return CVESummary{}, err
	}

	summary := CVESummary{
		Environment: environment,
		BySeverity:  map[string]int{},
	}

	scanned := map[string]bool{}
	for _, r := range rows {
		if !scanned[r.ArtifactHash] {
			scanned[r.ArtifactHash] = true
			summary.Artifacts++
			if r.RunStatus != nil && *r.RunStatus == "failed" {
				summary.ScanFailures++
			}
		}
		if r.Severity != nil && r.RunStatus != nil && *r.RunStatus == "succeeded" {
			summary.BySeverity[*r.Severity] += r.N
		}
	}

	// Artifacts with no scan runs at all.
	var total int
	if err := db.Get(ctx, s.pool, &total,
		`SELECT count(*) FROM artifacts WHERE environment = $1`, environment); err != nil {
		return CVESummary{}, err
	}
	summary.Unscanned = total - summary.Artifacts
	summary.Artifacts = total
	return summary, nil
}

// EvaluationLogKey returns the archived-log object key for an evaluation,
// empty when no log was recorded.
func (s *Store) EvaluationLogKey(ctx context.Context, id uuid.UUID) (string, error) {
	var key string
	err := db.Get(ctx, s.pool, &key,
		`SELECT COALESCE(log_key, '') FROM evaluations WHERE id = $1`, id)
	return key, err
}

// DriftSeries buckets complete evaluations into a coarse adoption
// timeline: per bucket, how many hosts had reported the then-current
// target (up to date) versus not. History is approximated from event
// arrival order.
func (s *Store) DriftSeries(ctx context.Context, environment string, bucket time.Duration, buckets int) ([]DriftPoint, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	if buckets <= 0 || buckets > 336 {
		buckets = 24
	}

	type row struct {
		Bucket   time.Time `db:"bucket"`
		UpToDate int       `db:"up_to_date"`
		Behind   int       `db:"behind"`
	}
	var rows []row
	err := db.Select(ctx, s.pool, &rows, `
        WITH buckets AS (
            SELECT generate_series(
                date_trunc('hour', now()) - ($2::int - 1) * make_interval(secs => $3),
                date_trunc('hour', now()),
                make_interval(secs => $3)) AS bucket
        ), target AS (
            SELECT DISTINCT ON (b.bucket) b.bucket, ev.artifact_id
            FROM buckets b
            JOIN evaluations ev
              ON ev.environment = $1 AND ev.status = 'complete' AND ev.completed_at <= b.bucket
            ORDER BY b.bucket, ev.completed_at DESC
        )
        SELECT
            b.bucket,
            count(*) FILTER (WHERE le.artifact_id = t.artifact_id) AS up_to_date,
            count(*) FILTER (WHERE le.artifact_id IS DISTINCT FROM t.artifact_id) AS behind
        FROM buckets b
        LEFT JOIN target t ON t.bucket = b.bucket
        CROSS JOIN hosts h
        LEFT JOIN LATERAL (
            SELECT e.artifact_id
            FROM state_events e
            WHERE e.host_id = h.id AND NOT e.out_of_order AND e.observed_at <= b.bucket
            ORDER BY e.observed_at DESC, e.seq DESC
            LIMIT 1
        ) le ON true
        WHERE h.environment = $1
        GROUP BY b.bucket
        ORDER BY b.bucket`,
		environment, buckets, bucket.Seconds())
	if err != nil {
		return nil, fmt.Errorf("loading drift series: %w", err)
	}

	points := make([]DriftPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, DriftPoint{Bucket: r.Bucket, UpToDate: r.UpToDate, Behind: r.Behind})
	}
	return points, nil
}
