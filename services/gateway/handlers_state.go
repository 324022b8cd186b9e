package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

type hostStateRow struct {
	ID         uuid.UUID `db:"id"`
	HostID     uuid.UUID `db:"host_id"`
	Hostname   string    `db:"hostname"`
	Kind       string    `db:"kind"`
	ArtifactID string    `db:"artifact_id"`
	ObservedAt time.Time `db:"observed_at"`
	ReceivedAt time.Time `db:"received_at"`
	OutOfOrder bool      `db:"out_of_order"`
}

func (r hostStateRow) toAPI() StateEvent {
	return StateEvent{
		ID:         r.ID,
		HostID:     r.HostID,
		Hostname:   r.Hostname,
		Kind:       r.Kind,
		ArtifactID: r.ArtifactID,
		ObservedAt: r.ObservedAt,
		ReceivedAt: r.ReceivedAt,
		OutOfOrder: r.OutOfOrder,
	}
}

// handleHostState serves the latest recorded state for one host.
func (a *API) handleHostState(w http.ResponseWriter, r *http.Request) {
	hostname := strings.TrimSpace(chi.URLParam(r, "hostname"))
	if hostname == "" {
		respondError(w, http.StatusBadRequest, errors.New("hostname is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var model hostModel
	if err := a.store.ORM.WithContext(ctx).First(&model, "hostname = ?", hostname).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, fmt.Errorf("host %s not found", hostname))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var row hostStateRow
	err := pgxscan.Get(ctx, a.store.DB, &row, `
        SELECT e.id, e.host_id, h.hostname, e.kind, e.artifact_id, e.observed_at, e.received_at, e.out_of_order
        FROM state_events e
        JOIN hosts h ON h.id = e.host_id
        WHERE e.host_id = $1
        ORDER BY e.observed_at DESC, e.seq DESC
        LIMIT 1`, model.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondJSON(w, http.StatusOK, map[string]any{"host": model.toAPI(), "state": nil})
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"host": model.toAPI(), "state": row.toAPI()})
}

// handleEnvironmentState serves the latest recorded state for every host in
// an environment. Hosts with no events yet appear with a null state.
func (a *API) handleEnvironmentState(w http.ResponseWriter, r *http.Request) {
	env := strings.TrimSpace(chi.URLParam(r, "environment"))
	if env == "" {
		respondError(w, http.StatusBadRequest, errors.New("environment is required"))
		return
	}
	if _, ok := a.config.Fleet.Environment(env); !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("environment %s not found", env))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var rows []hostStateRow
	err := pgxscan.Select(ctx, a.store.DB, &rows, `
        SELECT DISTINCT ON (e.host_id)
            e.id, e.host_id, h.hostname, e.kind, e.artifact_id, e.observed_at, e.received_at, e.out_of_order
        FROM state_events e
        JOIN hosts h ON h.id = e.host_id
        WHERE h.environment = $1
        ORDER BY e.host_id, e.observed_at DESC, e.seq DESC`, env)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	states := make(map[string]StateEvent, len(rows))
	for _, row := range rows {
		states[row.Hostname] = row.toAPI()
	}

	payload := make([]map[string]any, 0)
	for _, host := range a.config.Fleet.HostsInEnvironment(env) {
		entry := map[string]any{"hostname": host.Hostname}
		if state, ok := states[host.Hostname]; ok {
			entry["state"] = state
		} else {
			entry["state"] = nil
		}
		payload = append(payload, entry)
	}

	respondJSON(w, http.StatusOK, map[string]any{"environment": env, "hosts": payload})
}
