// Package scanner runs the vulnerability scan stage: every artifact that
// finishes evaluation is handed to a scanner backend, and its findings are
// recorded as append-only scan runs. The latest run per artifact is the
// effective finding set.
package scanner

import (
	"time"

	"github.com/google/uuid"
)

// Scan run outcomes. A failed run is distinct from a succeeded run with
// zero findings; "clean" only ever means a scan actually completed.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Severity levels in descending order of urgency.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// severityRank orders severities for sorting and rollups. Unknown
// severities rank below low rather than being dropped.
func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Finding is one vulnerability reported by the backend for an artifact.
type Finding struct {
	CVEID    string `json:"cve_id"`
	Severity string `json:"severity"`
	Package  string `json:"package"`
}

// Run is a recorded scan attempt series for one artifact.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	ArtifactHash string     `json:"artifact_hash"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}
