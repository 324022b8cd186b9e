package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"nixfleet/pkg/drv"
)

type agentEvent struct {
	Kind       string    `json:"kind"`
	ArtifactID string    `json:"artifact_id"`
	ObservedAt time.Time `json:"observed_at"`
}

type eventsRequest struct {
	Events []agentEvent `json:"events"`
}

type rejectedEvent struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type eventsAck struct {
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Flagged    int             `json:"flagged"`
	Rejected   []rejectedEvent `json:"rejected,omitempty"`
}

// validateEvent checks a single reported event against the protocol rules:
// closed kind set, well-formed artifact identifier, and a usable timestamp.
func validateEvent(evt agentEvent, now time.Time) error {
	if !validKind(evt.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, evt.Kind)
	}
	if err := drv.Validate(evt.ArtifactID); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if evt.ObservedAt.IsZero() {
		return fmt.Errorf("%w: observed_at is required", ErrValidation)
	}
	if evt.ObservedAt.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: observed_at is in the future", ErrValidation)
	}
	return nil
}

// canonicalArtifact reduces a reported identifier to its bare digest.
// Agents report full store paths or digest-name pairs while builders record
// digests; identity is the digest alone, so the name suffix must never
// reach a stored artifact_id.
func canonicalArtifact(raw string) (string, error) {
	h, err := drv.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return h.Digest, nil
}

func (a *API) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	host, ok := hostFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrAuthentication)
		return
	}

	var req eventsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("events are required"))
		return
	}
	if len(req.Events) > maxBatchSize {
		respondError(w, http.StatusBadRequest, fmt.Errorf("batch exceeds %d events", maxBatchSize))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	now := time.Now().UTC()

	latest, err := a.latestObservedAt(ctx, host.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var ack eventsAck
	for i, evt := range req.Events {
		if err := validateEvent(evt, now); err != nil {
			ack.Rejected = append(ack.Rejected, rejectedEvent{Index: i, Reason: err.Error()})
			eventsRejectedTotal.Inc()
			continue
		}

		artifact, err := canonicalArtifact(evt.ArtifactID)
		if err != nil {
			ack.Rejected = append(ack.Rejected, rejectedEvent{Index: i, Reason: err.Error()})
			eventsRejectedTotal.Inc()
			continue
		}

		observed := evt.ObservedAt.UTC()

		// An event older than the newest state we have seen for this
		// host is stored for audit but flagged so current-state
		// derivation skips it. Out-of-order arrival is expected under
		// network partition and is not an error.
		outOfOrder := !latest.IsZero() && observed.Before(latest)
		if observed.After(latest) {
			latest = observed
		}

		inserted, err := a.insertStateEvent(ctx, stateEventModel{
			ID:         uuid.New(),
			HostID:     host.ID,
			Kind:       evt.Kind,
			ArtifactID: artifact,
			ObservedAt: observed,
			ReceivedAt: now,
			OutOfOrder: outOfOrder,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}

		if !inserted {
			ack.Duplicates++
			continue
		}
		ack.Accepted++
		if outOfOrder {
			ack.Flagged++
		}
		eventsIngestedTotal.WithLabelValues(evt.Kind).Inc()
	}

	a.publishEventsReceived(r.Context(), host, ack)

	respondJSON(w, http.StatusAccepted, ack)
}

// latestObservedAt returns the newest observed_at recorded for the host, or
// the zero time when no events exist.
func (a *API) latestObservedAt(ctx context.Context, hostID uuid.UUID) (time.Time, error) {
	var latest time.Time
	err := a.store.DB.QueryRow(ctx,
		`SELECT observed_at FROM state_events WHERE host_id = $1 ORDER BY observed_at DESC, seq DESC LIMIT 1`,
		hostID,
	).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return latest.UTC(), nil
}

// insertStateEvent appends one event row. Replay of an identical event is a
// no-op; the dedup index makes the insert idempotent.
func (a *API) insertStateEvent(ctx context.Context, model stateEventModel) (bool, error) {
	tag, err := a.store.DB.Exec(ctx, `
        INSERT INTO state_events (id, host_id, kind, artifact_id, observed_at, received_at, out_of_order)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (host_id, kind, artifact_id, observed_at) DO NOTHING`,
		model.ID, model.HostID, model.Kind, model.ArtifactID, model.ObservedAt, model.ReceivedAt, model.OutOfOrder,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (a *API) publishEventsReceived(ctx context.Context, host Host, ack eventsAck) {
	if a.store.Bus == nil {
		return
	}
	payload := map[string]any{
		"host_id":     host.ID,
		"hostname":    host.Hostname,
		"environment": host.Environment,
		"accepted":    ack.Accepted,
		"duplicates":  ack.Duplicates,
		"flagged":     ack.Flagged,
	}
	_ = a.store.Bus.Publish(ctx, eventsReceivedTopic, payload)
}
