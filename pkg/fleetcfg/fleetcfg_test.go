package fleetcfg

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"
)

func testKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(pub)
}

func validConfig(key string) string {
	return fmt.Sprintf(`
environments:
  - name: prod
    risk_profile: conservative
    compliance_level: strict
  - name: staging
    risk_profile: permissive
    compliance_level: basic
repositories:
  - name: infra
    url: https://git.example.com/infra.git
    auto_poll: true
    poll_interval: 2m
hosts:
  - hostname: gray
    public_key: %s
    environment: prod
    flake: infra
  - hostname: teal
    public_key: %s
    environment: staging
    flake: infra
`, key, key)
}

func TestParseValid(t *testing.T) {
	key := testKey(t)
	snap, err := Parse([]byte(validConfig(key)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(snap.Environments) != 2 || len(snap.Hosts) != 2 || len(snap.Repositories) != 1 {
		t.Fatalf("unexpected counts: %d envs, %d hosts, %d repos",
			len(snap.Environments), len(snap.Hosts), len(snap.Repositories))
	}

	prod, ok := snap.Environment("prod")
	if !ok {
		t.Fatal("prod environment missing")
	}
	if prod.ComplianceLevel != ComplianceStrict {
		t.Errorf("prod compliance = %v, want strict", prod.ComplianceLevel)
	}

	repo, ok := snap.Repository("infra")
	if !ok {
		t.Fatal("infra repository missing")
	}
	if repo.PollInterval != 2*time.Minute {
		t.Errorf("poll interval = %v, want 2m", repo.PollInterval)
	}

	host, ok := snap.Host("gray")
	if !ok {
		t.Fatal("host gray missing")
	}
	if host.Environment != "prod" || host.Flake != "infra" {
		t.Errorf("gray assignment = %s/%s, want prod/infra", host.Environment, host.Flake)
	}
}

func TestParseRejects(t *testing.T) {
	key := testKey(t)
	tests := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "unknown environment reference",
			mutate:  func(c string) string { return strings.Replace(c, "environment: prod", "environment: nowhere", 1) },
			wantSub: "unknown environment",
		},
		{
			name:    "unknown flake reference",
			mutate:  func(c string) string { return strings.Replace(c, "flake: infra", "flake: missing", 1) },
			wantSub: "unknown flake",
		},
		{
			name:    "bad public key",
			mutate:  func(c string) string { return strings.Replace(c, key, "not-base64!!", 1) },
			wantSub: "public_key",
		},
		{
			name:    "bad compliance level",
			mutate:  func(c string) string { return strings.Replace(c, "compliance_level: strict", "compliance_level: extreme", 1) },
			wantSub: "compliance level",
		},
		{
			name:    "duplicate host",
			mutate:  func(c string) string { return strings.Replace(c, "hostname: teal", "hostname: gray", 1) },
			wantSub: "duplicate host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validConfig(key))))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestEnvironmentsForFlake(t *testing.T) {
	key := testKey(t)
	snap, err := Parse([]byte(validConfig(key)))
	if err != nil {
		t.Fatal(err)
	}

	envs := snap.EnvironmentsForFlake("infra")
	if len(envs) != 2 {
		t.Fatalf("got %v, want both prod and staging", envs)
	}
	if envs := snap.EnvironmentsForFlake("other"); len(envs) != 0 {
		t.Errorf("unknown flake should map to no environments, got %v", envs)
	}
}

func TestComplianceOrdering(t *testing.T) {
	if !(ComplianceNone < ComplianceBasic && ComplianceBasic < ComplianceStandard && ComplianceStandard < ComplianceStrict) {
		t.Error("compliance levels are not strictly ordered")
	}
}
