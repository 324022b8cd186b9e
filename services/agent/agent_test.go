package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testHash = "0c4kv6386hc9pfl3cfgab6cha2hnxg5n"

func TestCurrentArtifact(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, testHash+"-nixos-system-host-26.05")
	if err := os.Mkdir(system, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "current-system")
	if err := os.Symlink(system, link); err != nil {
		t.Fatal(err)
	}

	got, err := CurrentArtifact(link)
	if err != nil {
		t.Fatalf("CurrentArtifact: %v", err)
	}
	if !strings.HasPrefix(got, testHash) {
		t.Errorf("artifact = %q, want prefix %q", got, testHash)
	}
}

func TestCurrentArtifactMissingLink(t *testing.T) {
	if _, err := CurrentArtifact(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing symlink")
	}
}

func TestCurrentArtifactMalformedTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "not-a-store-path")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "current-system")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if _, err := CurrentArtifact(link); err == nil {
		t.Fatal("expected error for malformed profile name")
	}
}

func TestHostnameOverride(t *testing.T) {
	got, err := Hostname("builder-07")
	if err != nil {
		t.Fatal(err)
	}
	if got != "builder-07" {
		t.Errorf("hostname = %q, want builder-07", got)
	}
}
