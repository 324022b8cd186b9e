package status

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	now := t0.Add(5 * time.Minute)

	tests := []struct {
		name      string
		facts     HostFacts
		wantClass string
		wantStale bool
	}{
		{
			name: "matching target is up to date",
			facts: HostFacts{
				CurrentArtifact: "aaa",
				TargetArtifact:  "aaa",
				LastSeen:        now.Add(-time.Minute),
			},
			wantClass: ClassUpToDate,
		},
		{
			name: "differing target is behind",
			facts: HostFacts{
				CurrentArtifact: "aaa",
				TargetArtifact:  "bbb",
				TargetSince:     now.Add(-2 * time.Hour),
				LastSeen:        now.Add(-time.Minute),
			},
			wantClass: ClassBehind,
		},
		{
			name:      "no events is never seen",
			facts:     HostFacts{TargetArtifact: "bbb"},
			wantClass: ClassNeverSeen,
		},
		{
			name: "no target built yet counts as up to date",
			facts: HostFacts{
				CurrentArtifact: "aaa",
				LastSeen:        now.Add(-time.Minute),
			},
			wantClass: ClassUpToDate,
		},
		{
			name: "stale heartbeat flagged independently",
			facts: HostFacts{
				CurrentArtifact: "aaa",
				TargetArtifact:  "bbb",
				TargetSince:     now.Add(-time.Hour),
				LastSeen:        now.Add(-20 * time.Minute),
			},
			wantClass: ClassBehind,
			wantStale: true,
		},
		{
			name: "stale but matching stays up to date",
			facts: HostFacts{
				CurrentArtifact: "aaa",
				TargetArtifact:  "aaa",
				LastSeen:        now.Add(-time.Hour),
			},
			wantClass: ClassUpToDate,
			wantStale: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Classify(tt.facts, now, DefaultStaleness)
			if st.Classification != tt.wantClass {
				t.Errorf("classification = %q, want %q", st.Classification, tt.wantClass)
			}
			if st.NoHeartbeat != tt.wantStale {
				t.Errorf("no_heartbeat = %v, want %v", st.NoHeartbeat, tt.wantStale)
			}
		})
	}
}

func TestClassifyDriftHours(t *testing.T) {
	now := t0.Add(6 * time.Hour)
	st := Classify(HostFacts{
		CurrentArtifact: "aaa",
		CurrentSince:    t0,
		TargetArtifact:  "bbb",
		TargetSince:     t0.Add(2 * time.Hour),
		LastSeen:        now.Add(-time.Minute),
	}, now, DefaultStaleness)

	// Drift started when the target appeared, two hours after the host
	// settled on its current artifact.
	if got, want := st.DriftHours, 4.0; got != want {
		t.Errorf("drift_hours = %v, want %v", got, want)
	}
}

func TestClassifyConvergenceLag(t *testing.T) {
	now := t0.Add(time.Hour)
	st := Classify(HostFacts{
		CurrentArtifact:     "bbb",
		TargetArtifact:      "bbb",
		TargetSince:         t0,
		FirstReportedTarget: t0.Add(7 * time.Minute),
		LastSeen:            now.Add(-time.Minute),
	}, now, DefaultStaleness)

	if st.ConvergenceLag == nil {
		t.Fatal("expected convergence lag")
	}
	if got, want := *st.ConvergenceLag, (7 * time.Minute).Seconds(); got != want {
		t.Errorf("convergence_lag = %v, want %v", got, want)
	}
}

// A host reporting startup(A), heartbeats on A, then config_change(B) and a
// heartbeat on B must resolve to B, and is only up to date if B is also the
// environment's target.
func TestReduceEventsConfigChangeWins(t *testing.T) {
	events := []Event{
		{Kind: "startup", ArtifactID: "A", ObservedAt: t0, Seq: 1},
		{Kind: "heartbeat", ArtifactID: "A", ObservedAt: t0.Add(10 * time.Second), Seq: 2},
		{Kind: "heartbeat", ArtifactID: "A", ObservedAt: t0.Add(20 * time.Second), Seq: 3},
		{Kind: "config_change", ArtifactID: "B", ObservedAt: t0.Add(80 * time.Second), Seq: 4},
		{Kind: "heartbeat", ArtifactID: "B", ObservedAt: t0.Add(90 * time.Second), Seq: 5},
	}

	artifact, since, lastSeen := ReduceEvents(events)
	if artifact != "B" {
		t.Fatalf("current artifact = %q, want B", artifact)
	}
	if !since.Equal(t0.Add(80 * time.Second)) {
		t.Errorf("current since = %v, want T0+80s", since)
	}
	if !lastSeen.Equal(t0.Add(90 * time.Second)) {
		t.Errorf("last seen = %v, want T0+90s", lastSeen)
	}

	now := t0.Add(2 * time.Minute)
	up := Classify(HostFacts{Hostname: "gray", CurrentArtifact: artifact, TargetArtifact: "B", LastSeen: lastSeen}, now, DefaultStaleness)
	if up.Classification != ClassUpToDate {
		t.Errorf("with target B, classification = %q, want up_to_date", up.Classification)
	}
	stale := Classify(HostFacts{Hostname: "gray", CurrentArtifact: artifact, TargetArtifact: "C", TargetSince: now, LastSeen: lastSeen}, now, DefaultStaleness)
	if stale.Classification != ClassBehind {
		t.Errorf("with target C, classification = %q, want behind", stale.Classification)
	}
}

func TestReduceEventsIgnoresFlaggedStragglers(t *testing.T) {
	events := []Event{
		{ArtifactID: "B", ObservedAt: t0.Add(time.Minute), Seq: 1},
		{ArtifactID: "A", ObservedAt: t0, Seq: 2, OutOfOrder: true},
	}
	artifact, _, _ := ReduceEvents(events)
	if artifact != "B" {
		t.Errorf("current artifact = %q, want B", artifact)
	}
}

func TestReduceEventsTieBrokenByInsertionOrder(t *testing.T) {
	events := []Event{
		{ArtifactID: "A", ObservedAt: t0, Seq: 10},
		{ArtifactID: "B", ObservedAt: t0, Seq: 11},
	}
	artifact, _, _ := ReduceEvents(events)
	if artifact != "B" {
		t.Errorf("current artifact = %q, want B (later insertion)", artifact)
	}
}

func TestReduceEventsEmpty(t *testing.T) {
	artifact, since, lastSeen := ReduceEvents(nil)
	if artifact != "" || !since.IsZero() || !lastSeen.IsZero() {
		t.Errorf("empty history should yield zero values, got %q %v %v", artifact, since, lastSeen)
	}
}

// The fleet summary must partition the fleet exactly: every host lands in
// one classification bucket, recomputed here from raw per-host histories.
func TestSummarizePartitionInvariant(t *testing.T) {
	now := t0.Add(time.Hour)
	target := "T"

	histories := map[string][]Event{
		"alpha": {
			{ArtifactID: "T", ObservedAt: now.Add(-time.Minute), Seq: 1},
		},
		"bravo": {
			{ArtifactID: "old", ObservedAt: now.Add(-2 * time.Minute), Seq: 2},
		},
		"charlie": {}, // enrolled, never reported
		"delta": {
			{ArtifactID: "old", ObservedAt: now.Add(-time.Hour), Seq: 3}, // behind and silent
		},
		"echo": {
			{ArtifactID: "T", ObservedAt: now.Add(-30 * time.Minute), Seq: 4}, // current but silent
		},
	}

	var statuses []HostStatus
	for hostname, events := range histories {
		artifact, since, lastSeen := ReduceEvents(events)
		statuses = append(statuses, Classify(HostFacts{
			Hostname:        hostname,
			CurrentArtifact: artifact,
			CurrentSince:    since,
			LastSeen:        lastSeen,
			TargetArtifact:  target,
			TargetSince:     now.Add(-3 * time.Hour),
		}, now, DefaultStaleness))
	}

	summary := Summarize(statuses)
	if !summary.Consistent() {
		t.Fatalf("partition violated: %+v", summary)
	}
	if summary.Total != 5 {
		t.Errorf("total = %d, want 5", summary.Total)
	}
	if summary.UpToDate != 2 || summary.Behind != 2 || summary.NeverSeen != 1 {
		t.Errorf("unexpected buckets: %+v", summary)
	}
	if summary.NoHeartbeat != 2 {
		t.Errorf("no_heartbeat = %d, want 2", summary.NoHeartbeat)
	}

	// Recount independently; the aggregate must reconcile exactly.
	recount := 0
	for _, st := range statuses {
		switch st.Classification {
		case ClassUpToDate, ClassBehind, ClassNeverSeen:
			recount++
		default:
			t.Fatalf("host %s has unknown classification %q", st.Hostname, st.Classification)
		}
	}
	if recount != summary.Total {
		t.Errorf("recount = %d, total = %d", recount, summary.Total)
	}
}
