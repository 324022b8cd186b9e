package scanner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSeverityRank(t *testing.T) {
	order := []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, "negligible"}
	for i := 0; i < len(order)-1; i++ {
		if severityRank(order[i]) <= severityRank(order[i+1]) {
			t.Errorf("severityRank(%q) should outrank %q", order[i], order[i+1])
		}
	}
	if severityRank("unknown") != severityRank("negligible") {
		t.Error("unrecognized severities should share the bottom rank")
	}
}

func TestHTTPBackendScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
            {"cve_id":"CVE-2025-1111","severity":"Critical","package":"openssl"},
            {"cve_id":"CVE-2025-2222","severity":"low","package":"zlib"}
        ]`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Minute)
	findings, err := b.Scan(context.Background(), "0c4kv6386hc9pfl3cfgab6cha2hnxg5n")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}
	if findings[0].Severity != SeverityCritical {
		t.Errorf("severity should be lowercased, got %q", findings[0].Severity)
	}
}

func TestHTTPBackendScanError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scanner db not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, time.Minute)
	if _, err := b.Scan(context.Background(), "0c4kv6386hc9pfl3cfgab6cha2hnxg5n"); err == nil {
		t.Fatal("expected error from 503 response")
	}
}

// flakyBackend fails a fixed number of times before succeeding.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyBackend) Scan(ctx context.Context, artifactHash string) ([]Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("backend warming up")
	}
	return []Finding{{CVEID: "CVE-2025-3333", Severity: SeverityHigh, Package: "glibc"}}, nil
}

func TestAttemptScanFailTwiceSucceedThird(t *testing.T) {
	backend := &flakyBackend{failures: 2}
	s := New(nil, backend, testLogger(), Config{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryCap:    time.Millisecond,
	})

	findings, attempts, err := s.attemptScan(context.Background(), "hash")
	if err != nil {
		t.Fatalf("attemptScan: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(findings) != 1 || findings[0].CVEID != "CVE-2025-3333" {
		t.Errorf("unexpected findings %+v", findings)
	}
}

func TestAttemptScanExhaustsBudget(t *testing.T) {
	backend := &flakyBackend{failures: 100}
	s := New(nil, backend, testLogger(), Config{
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryCap:    time.Millisecond,
	})

	_, attempts, err := s.attemptScan(context.Background(), "hash")
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestArtifactLockSerializesPerArtifact(t *testing.T) {
	s := New(nil, &flakyBackend{}, testLogger(), Config{})

	s.acquireArtifact("hash-a")
	if s.inFlight["hash-a"] == nil {
		t.Fatal("expected an entry for the held artifact")
	}

	second := make(chan struct{})
	go func() {
		s.acquireArtifact("hash-a")
		close(second)
		s.releaseArtifact("hash-a")
	}()

	select {
	case <-second:
		t.Fatal("second acquire should block while the first holds the lock")
	case <-time.After(20 * time.Millisecond):
	}

	// A different artifact must not be blocked.
	s.acquireArtifact("hash-b")
	s.releaseArtifact("hash-b")

	s.releaseArtifact("hash-a")
	<-second

	// Wait for the goroutine's release, then the map must be empty again.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		n := len(s.inFlight)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock map not drained, %d entries remain", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.MaxAttempts == 0 || cfg.RetryBase <= 0 || cfg.RetryCap <= 0 || cfg.ScanTimeout <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ConsumerName == "" {
		t.Fatal("consumer name default missing")
	}
}
