package evald

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second
	cap := 30 * time.Minute

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first failure", 0, 30 * time.Second},
		{"second failure", 1, time.Minute},
		{"third failure", 2, 2 * time.Minute},
		{"fifth failure", 4, 8 * time.Minute},
		{"capped", 7, 30 * time.Minute},
		{"way past cap", 40, 30 * time.Minute},
		{"negative treated as zero", -3, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.attempt, base, cap); got != tt.want {
				t.Fatalf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	if got := backoffDelay(0, 0, 0); got != defaultBackoffBase {
		t.Fatalf("zero base should fall back to default, got %v", got)
	}
	if got := backoffDelay(100, 0, 0); got != defaultBackoffCap {
		t.Fatalf("large attempt should hit default cap, got %v", got)
	}
}

func TestNextAfterFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := 30 * time.Second
	cap := 30 * time.Minute
	limit := 3

	tests := []struct {
		name       string
		attempts   int
		terminal   bool
		wantStatus string
		wantDelay  time.Duration
	}{
		{"first transient failure retries after base", 1, false, StatusPending, 30 * time.Second},
		{"second transient failure doubles the wait", 2, false, StatusPending, time.Minute},
		{"third failure exhausts the budget", 3, false, StatusFailed, 0},
		{"past the budget stays failed", 4, false, StatusFailed, 0},
		{"terminal error fails immediately", 1, true, StatusFailed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := nextAfterFailure(tt.attempts, limit, tt.terminal, now, base, cap)
			if out.Status != tt.wantStatus {
				t.Fatalf("status = %q, want %q", out.Status, tt.wantStatus)
			}
			if tt.wantStatus == StatusFailed {
				if out.NotBefore != nil {
					t.Fatalf("terminal outcome should not schedule a retry, got %v", out.NotBefore)
				}
				return
			}
			if out.NotBefore == nil {
				t.Fatal("retryable outcome missing not_before")
			}
			if got := out.NotBefore.Sub(now); got != tt.wantDelay {
				t.Errorf("retry delay = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

// Two transient failures followed by a success must leave attempt_count at
// three: the attempt is counted when the claim starts, and completion never
// rewrites it.
func TestRetryAccountingFailTwiceSucceedThird(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limit := 3
	attempts := 0

	for i := 0; i < 2; i++ {
		attempts++ // claim
		out := nextAfterFailure(attempts, limit, false, now, 0, 0)
		if out.Status != StatusPending {
			t.Fatalf("attempt %d: status = %q, want pending", attempts, out.Status)
		}
	}

	attempts++ // third claim succeeds; Complete leaves the counter alone
	if attempts != 3 {
		t.Fatalf("attempt_count = %d, want 3", attempts)
	}
}

func TestAttemptCountNeverExceedsRetryLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limit := 3
	attempts := 0

	for {
		attempts++ // claim
		out := nextAfterFailure(attempts, limit, false, now, 0, 0)
		if out.Status == StatusFailed {
			break
		}
	}
	if attempts != limit {
		t.Fatalf("attempts at exhaustion = %d, want %d", attempts, limit)
	}
	if attempts > limit+1 {
		t.Fatalf("attempt_count %d exceeds retry limit bound", attempts)
	}
}

func TestQueueConfigDefaults(t *testing.T) {
	var cfg QueueConfig
	cfg.applyDefaults()

	if cfg.MaxInFlight <= 0 || cfg.RetryLimit <= 0 || cfg.LeaseTTL <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.BackoffBase != defaultBackoffBase || cfg.BackoffCap != defaultBackoffCap {
		t.Fatalf("backoff defaults not applied: %+v", cfg)
	}
}
