package ctl

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"nixfleet/services/status"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func renderHostStatuses(w io.Writer, statuses []status.HostStatus) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "HOST\tENV\tSTATE\tHEARTBEAT\tCURRENT\tTARGET\tDRIFT")
	for _, st := range statuses {
		heartbeat := "ok"
		if st.NoHeartbeat {
			heartbeat = "stale"
		}
		if st.Classification == status.ClassNeverSeen {
			heartbeat = "-"
		}
		drift := "-"
		if st.DriftHours > 0 {
			drift = fmt.Sprintf("%.1fh", st.DriftHours)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Hostname, st.Environment, st.Classification, heartbeat,
			shortHash(st.CurrentArtifact), shortHash(st.TargetArtifact), drift)
	}
	return tw.Flush()
}

func renderSummary(w io.Writer, s status.FleetSummary) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "TOTAL\tUP TO DATE\tBEHIND\tNEVER SEEN\tNO HEARTBEAT")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\n", s.Total, s.UpToDate, s.Behind, s.NeverSeen, s.NoHeartbeat)
	return tw.Flush()
}

func renderQueue(w io.Writer, q status.QueueReport) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "STATUS\tCOUNT")
	statuses := make([]string, 0, len(q.ByStatus))
	for s := range q.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, q.ByStatus[s])
	}
	fmt.Fprintf(tw, "depth\t%d\n", q.Depth)
	if q.OldestPendingAge != nil {
		fmt.Fprintf(tw, "oldest pending\t%s\n", (time.Duration(*q.OldestPendingAge) * time.Second).String())
	}
	return tw.Flush()
}

// severityOrder lists severities worst first for display.
var severityOrder = []string{"critical", "high", "medium", "low"}

func renderCVESummary(w io.Writer, s status.CVESummary) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "environment\t%s\n", s.Environment)
	fmt.Fprintf(tw, "artifacts\t%d\n", s.Artifacts)

	rendered := map[string]bool{}
	for _, sev := range severityOrder {
		if n, ok := s.BySeverity[sev]; ok {
			fmt.Fprintf(tw, "%s\t%d\n", sev, n)
			rendered[sev] = true
		}
	}
	var rest []string
	for sev := range s.BySeverity {
		if !rendered[sev] {
			rest = append(rest, sev)
		}
	}
	sort.Strings(rest)
	for _, sev := range rest {
		fmt.Fprintf(tw, "%s\t%d\n", sev, s.BySeverity[sev])
	}

	fmt.Fprintf(tw, "scan failures\t%d\n", s.ScanFailures)
	fmt.Fprintf(tw, "unscanned\t%d\n", s.Unscanned)
	return tw.Flush()
}

// shortHash abbreviates a store hash for table display.
func shortHash(h string) string {
	if h == "" {
		return "-"
	}
	if idx := strings.IndexByte(h, '-'); idx > 12 {
		h = h[:idx]
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
