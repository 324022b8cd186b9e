package gateway

import (
	"errors"
	"testing"
	"time"
)

const testArtifact = "0c4kv6386hc9pfl3cfgab6cha2hnxg5n"

func TestValidateEvent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		event   agentEvent
		wantErr bool
	}{
		{
			name:  "valid heartbeat",
			event: agentEvent{Kind: KindHeartbeat, ArtifactID: testArtifact, ObservedAt: now},
		},
		{
			name:  "valid startup with store path",
			event: agentEvent{Kind: KindStartup, ArtifactID: "/nix/store/" + testArtifact + "-system", ObservedAt: now.Add(-time.Hour)},
		},
		{
			name:  "valid config change",
			event: agentEvent{Kind: KindConfigChange, ArtifactID: testArtifact, ObservedAt: now},
		},
		{
			name:    "unknown kind",
			event:   agentEvent{Kind: "reboot", ArtifactID: testArtifact, ObservedAt: now},
			wantErr: true,
		},
		{
			name:    "malformed artifact",
			event:   agentEvent{Kind: KindHeartbeat, ArtifactID: "nope", ObservedAt: now},
			wantErr: true,
		},
		{
			name:    "zero timestamp",
			event:   agentEvent{Kind: KindHeartbeat, ArtifactID: testArtifact},
			wantErr: true,
		},
		{
			name:    "far future timestamp",
			event:   agentEvent{Kind: KindHeartbeat, ArtifactID: testArtifact, ObservedAt: now.Add(time.Hour)},
			wantErr: true,
		},
		{
			name:  "slightly future timestamp within skew",
			event: agentEvent{Kind: KindHeartbeat, ArtifactID: testArtifact, ObservedAt: now.Add(time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEvent(tt.event, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error %v is not an ErrValidation", err)
			}
		})
	}
}

func TestCanonicalArtifact(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "bare digest", raw: testArtifact, want: testArtifact},
		{name: "digest with name", raw: testArtifact + "-nixos-system", want: testArtifact},
		{name: "full store path", raw: "/nix/store/" + testArtifact + "-nixos-system", want: testArtifact},
		{name: "malformed", raw: "not-a-hash", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalArtifact(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("error %v is not an ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalArtifact(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("canonicalArtifact(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
