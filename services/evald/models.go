package evald

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Evaluation statuses. Transitions: pending → queued → in_progress →
// {complete | failed}, with failed-but-retryable targets returning to
// pending after their backoff window.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// ErrTransientBuild marks builder failures worth retrying: unreachable
// backend, timeout, 5xx responses.
var ErrTransientBuild = errors.New("transient build failure")

// ErrTerminalBuild marks confirmed build-logic failures. No retry budget is
// spent on these; the target fails immediately.
var ErrTerminalBuild = errors.New("terminal build failure")

// ErrAlreadyComplete is returned when re-enqueueing a complete target
// without the force flag.
var ErrAlreadyComplete = errors.New("evaluation already complete")

// ErrNotClaimable is returned when no queued target is available to claim.
var ErrNotClaimable = errors.New("no claimable evaluation")

// Evaluation is one unit of scheduled work: build one commit of one
// repository for one environment.
type Evaluation struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	RepositoryID uuid.UUID  `json:"repository_id" db:"repository_id"`
	Repository   string     `json:"repository,omitempty" db:"repository"`
	CommitHash   string     `json:"commit_hash" db:"commit_hash"`
	CommitTime   time.Time  `json:"commit_time" db:"commit_time"`
	Environment  string     `json:"environment" db:"environment"`
	Status       string     `json:"status" db:"status"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	NotBefore    *time.Time `json:"not_before,omitempty" db:"not_before"`
	EnqueuedAt   time.Time  `json:"enqueued_at" db:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	ArtifactID   *string    `json:"artifact_id,omitempty" db:"artifact_id"`
	LastError    string     `json:"last_error,omitempty" db:"last_error"`
	LogKey       string     `json:"log_key,omitempty" db:"log_key"`
}

// Commit is one revision reported by the repository watcher input.
type Commit struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// claim identifies one worker's exclusive lease on an in-progress target.
type claim struct {
	EvaluationID uuid.UUID
	Token        uuid.UUID
	RepositoryID uuid.UUID
	Repository   string
	CommitHash   string
	CommitTime   time.Time
	Environment  string
	AttemptCount int
}
