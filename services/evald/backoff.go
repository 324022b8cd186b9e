package evald

import "time"

const (
	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = 30 * time.Minute
)

// backoffDelay computes the wait before a failed target may be rescheduled:
// base doubled per completed attempt, capped. attempt is the number of
// attempts already spent.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// failureOutcome is the queue transition chosen after a failed attempt.
type failureOutcome struct {
	Status    string
	NotBefore *time.Time // nil for terminal outcomes
}

// nextAfterFailure decides where a target goes after its attempts'th
// attempt failed. attempts counts the attempt that just failed (it was
// incremented at claim time). Terminal errors and exhausted budgets land in
// failed; anything else returns to pending once the backoff elapses, with
// the first failure waiting base and each later one doubling it.
func nextAfterFailure(attempts, retryLimit int, terminal bool, now time.Time, base, cap time.Duration) failureOutcome {
	if terminal || attempts >= retryLimit {
		return failureOutcome{Status: StatusFailed}
	}
	nb := now.Add(backoffDelay(attempts-1, base, cap))
	return failureOutcome{Status: StatusPending, NotBefore: &nb}
}
