package ctl

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"nixfleet/services/status"
)

func TestRenderHostStatuses(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := []status.HostStatus{
		{
			Hostname:        "web-01",
			Environment:     "prod",
			Classification:  status.ClassBehind,
			NoHeartbeat:     true,
			CurrentArtifact: "0c4kv6386hc9pfl3cfgab6cha2hnxg5n-nixos-system",
			TargetArtifact:  "1d5lw7497id0qgm4dghbc7dib3ioyh6p",
			LastSeen:        &seen,
			DriftHours:      3.5,
		},
		{
			Hostname:       "db-01",
			Environment:    "prod",
			Classification: status.ClassNeverSeen,
		},
	}

	var buf bytes.Buffer
	if err := renderHostStatuses(&buf, statuses); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{"web-01", "behind", "stale", "3.5h", "db-01", "never_seen", "0c4kv6386hc9"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "-nixos-system") {
		t.Error("store hash should be abbreviated")
	}
}

func TestRenderCVESummaryOrder(t *testing.T) {
	var buf bytes.Buffer
	err := renderCVESummary(&buf, status.CVESummary{
		Environment: "prod",
		Artifacts:   4,
		BySeverity: map[string]int{
			"low":      7,
			"critical": 1,
			"high":     3,
		},
		ScanFailures: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	crit := strings.Index(out, "critical")
	high := strings.Index(out, "high")
	low := strings.Index(out, "low")
	if crit < 0 || high < 0 || low < 0 {
		t.Fatalf("missing severities:\n%s", out)
	}
	if !(crit < high && high < low) {
		t.Errorf("severities not ordered worst first:\n%s", out)
	}
	if !strings.Contains(out, "scan failures") {
		t.Errorf("scan failures not surfaced:\n%s", out)
	}
}

func TestShortHash(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "-"},
		{"0c4kv6386hc9pfl3cfgab6cha2hnxg5n", "0c4kv6386hc9"},
		{"0c4kv6386hc9pfl3cfgab6cha2hnxg5n-nixos-system", "0c4kv6386hc9"},
		{"short", "short"},
	}
	for _, tt := range tests {
		if got := shortHash(tt.in); got != tt.want {
			t.Errorf("shortHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
