// Package status is the read side of the fleet: it joins latest host state
// with the newest built artifact per environment and classifies drift. It
// persists nothing of its own; every answer is recomputed from the store.
package status

import (
	"time"

	"github.com/google/uuid"
)

// Host drift classifications. Exactly one applies to every host, so fleet
// summary counts partition the fleet. Heartbeat staleness is a separate
// flag, not a classification: a host can be behind and silent at once.
const (
	ClassUpToDate  = "up_to_date"
	ClassBehind    = "behind"
	ClassNeverSeen = "never_seen"
)

// DefaultStaleness is how old the newest event may be before a host is
// flagged no_heartbeat.
const DefaultStaleness = 15 * time.Minute

// HostStatus is the per-host reconciliation result.
type HostStatus struct {
	Hostname        string     `json:"hostname"`
	Environment     string     `json:"environment"`
	Classification  string     `json:"classification"`
	NoHeartbeat     bool       `json:"no_heartbeat"`
	CurrentArtifact string     `json:"current_artifact,omitempty"`
	TargetArtifact  string     `json:"target_artifact,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	DriftHours      float64    `json:"drift_hours"`
	ConvergenceLag  *float64   `json:"convergence_lag_seconds,omitempty"`
}

// FleetSummary counts hosts per classification. UpToDate, Behind and
// NeverSeen always sum to Total; NoHeartbeat overlaps them.
type FleetSummary struct {
	Total       int `json:"total"`
	UpToDate    int `json:"up_to_date"`
	Behind      int `json:"behind"`
	NeverSeen   int `json:"never_seen"`
	NoHeartbeat int `json:"no_heartbeat"`
}

// Consistent reports whether the partition invariant holds.
func (s FleetSummary) Consistent() bool {
	return s.UpToDate+s.Behind+s.NeverSeen == s.Total
}

// QueueReport describes evaluation queue health.
type QueueReport struct {
	Depth            int            `json:"depth"`
	ByStatus         map[string]int `json:"by_status"`
	OldestPendingAge *float64       `json:"oldest_pending_age_seconds,omitempty"`
}

// CVESummary aggregates effective findings across an environment's current
// artifacts. ScanFailures counts artifacts whose latest run failed; those
// artifacts contribute no findings and are surfaced separately so a broken
// scanner never masquerades as a clean fleet.
type CVESummary struct {
	Environment  string         `json:"environment"`
	Artifacts    int            `json:"artifacts"`
	BySeverity   map[string]int `json:"by_severity"`
	ScanFailures int            `json:"scan_failures"`
	Unscanned    int            `json:"unscanned"`
}

// DriftPoint is one bucket of the drift time series.
type DriftPoint struct {
	Bucket   time.Time `json:"bucket"`
	UpToDate int       `json:"up_to_date"`
	Behind   int       `json:"behind"`
}

// EvaluationLog is a presigned download handle for an archived build log.
type EvaluationLog struct {
	EvaluationID uuid.UUID `json:"evaluation_id"`
	URL          string    `json:"url"`
	ExpiresIn    float64   `json:"expires_in_seconds"`
}
