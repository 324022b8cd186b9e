package evald

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler periodically admits pending targets into the bounded in-flight
// window and reclaims expired worker leases.
type Scheduler struct {
	queue    *Queue
	log      zerolog.Logger
	interval time.Duration
}

// NewScheduler builds a scheduler ticking at interval (default 5s).
func NewScheduler(queue *Queue, log zerolog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{queue: queue, log: log, interval: interval}
}

// Run blocks until ctx is cancelled. Each tick runs one sweep and one
// admission pass; failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	swept, err := s.queue.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweeping expired leases")
	} else if swept > 0 {
		metricLeasesSwept.Add(float64(swept))
		s.log.Info().Int("count", swept).Msg("reclaimed expired leases")
	}

	promoted, err := s.queue.Admit(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("admitting pending targets")
	} else if promoted > 0 {
		s.log.Debug().Int("count", promoted).Msg("admitted targets")
	}

	counts, err := s.queue.StatusCounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("refreshing queue depth metrics")
		return
	}
	for _, status := range []string{StatusPending, StatusQueued, StatusInProgress, StatusComplete, StatusFailed} {
		metricQueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}
