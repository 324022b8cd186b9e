package status

import (
	"sort"
	"time"
)

// HostFacts is everything the classifier needs about one host, already
// resolved from the store.
type HostFacts struct {
	Hostname    string
	Environment string

	// CurrentArtifact is the artifact named by the host's newest event,
	// empty when the host has never reported. CurrentSince is when that
	// artifact was first observed running.
	CurrentArtifact string
	CurrentSince    time.Time
	LastSeen        time.Time

	// TargetArtifact is the newest complete evaluation for the host's
	// environment, empty when nothing has been built yet. TargetSince is
	// its completed_at.
	TargetArtifact string
	TargetSince    time.Time

	// FirstReportedTarget is the observed_at of the host's first event
	// referencing TargetArtifact, zero if it never has.
	FirstReportedTarget time.Time
}

// Classify derives a host's drift classification from its facts.
//
// A host with no events at all is never_seen. A host matching its
// environment's target, or whose environment has no target yet, is
// up_to_date. Anything else is behind: the target is by construction the
// newest complete build, so a differing current artifact is always older
// or unknown. The no_heartbeat flag is computed independently of the
// classification.
func Classify(f HostFacts, now time.Time, staleAfter time.Duration) HostStatus {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleness
	}

	st := HostStatus{
		Hostname:        f.Hostname,
		Environment:     f.Environment,
		CurrentArtifact: f.CurrentArtifact,
		TargetArtifact:  f.TargetArtifact,
	}

	if f.LastSeen.IsZero() {
		st.Classification = ClassNeverSeen
		return st
	}
	seen := f.LastSeen
	st.LastSeen = &seen
	st.NoHeartbeat = now.Sub(f.LastSeen) > staleAfter

	switch {
	case f.TargetArtifact == "" || f.CurrentArtifact == f.TargetArtifact:
		st.Classification = ClassUpToDate
	default:
		st.Classification = ClassBehind
		st.DriftHours = driftHours(f, now)
	}

	if st.Classification == ClassUpToDate && !f.FirstReportedTarget.IsZero() && !f.TargetSince.IsZero() {
		lag := f.FirstReportedTarget.Sub(f.TargetSince).Seconds()
		if lag >= 0 {
			st.ConvergenceLag = &lag
		}
	}
	return st
}

// driftHours measures how long the host has been running something other
// than the target: time since both the target existed and the host's
// current artifact was last seen changing.
func driftHours(f HostFacts, now time.Time) float64 {
	since := f.TargetSince
	if f.CurrentSince.After(since) {
		since = f.CurrentSince
	}
	if since.IsZero() || since.After(now) {
		return 0
	}
	return now.Sub(since).Hours()
}

// Summarize folds per-host statuses into fleet counts. The result always
// satisfies the partition invariant because every status carries exactly
// one classification.
func Summarize(statuses []HostStatus) FleetSummary {
	var s FleetSummary
	s.Total = len(statuses)
	for _, st := range statuses {
		switch st.Classification {
		case ClassUpToDate:
			s.UpToDate++
		case ClassBehind:
			s.Behind++
		case ClassNeverSeen:
			s.NeverSeen++
		}
		if st.NoHeartbeat {
			s.NoHeartbeat++
		}
	}
	return s
}

// Event is a host state event as the classifier sees it, used when
// recomputing a host's view from raw history.
type Event struct {
	Kind       string
	ArtifactID string
	ObservedAt time.Time
	Seq        int64
	OutOfOrder bool
}

// ReduceEvents replays a host's raw event history into the current-state
// facts the store query would produce: newest event by observed time wins,
// insertion order breaks ties, flagged stragglers are ignored. Aggregates
// use this to cross-check the store's answer.
func ReduceEvents(events []Event) (artifact string, since, lastSeen time.Time) {
	live := make([]Event, 0, len(events))
	for _, e := range events {
		if !e.OutOfOrder {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return "", time.Time{}, time.Time{}
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].ObservedAt.Equal(live[j].ObservedAt) {
			return live[i].ObservedAt.Before(live[j].ObservedAt)
		}
		return live[i].Seq < live[j].Seq
	})

	newest := live[len(live)-1]
	artifact = newest.ArtifactID
	lastSeen = newest.ObservedAt

	// Walk back to where this artifact first became current.
	since = newest.ObservedAt
	for i := len(live) - 1; i >= 0; i-- {
		if live[i].ArtifactID != artifact {
			break
		}
		since = live[i].ObservedAt
	}
	return artifact, since, lastSeen
}
