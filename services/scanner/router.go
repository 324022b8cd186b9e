package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nixfleet/pkg/db"
	"nixfleet/pkg/drv"
)

// API exposes the operator surface: trigger a re-scan of an existing
// artifact.
type API struct {
	scanner *Scanner
}

// NewAPI wraps the scanner for HTTP use.
func NewAPI(s *Scanner) *API {
	return &API{scanner: s}
}

// Router assembles the scanner's HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/artifacts/{hash}/rescan", a.handleRescan)
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), a.scanner.pool); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRescan validates the artifact, then runs a fresh scan batch in the
// background. The new run becomes the effective finding set once recorded.
func (a *API) handleRescan(w http.ResponseWriter, r *http.Request) {
	hash, err := drv.Parse(chi.URLParam(r, "hash"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed store hash"})
		return
	}

	var exists string
	err = db.Get(r.Context(), a.scanner.pool, &exists,
		`SELECT store_hash FROM artifacts WHERE store_hash = $1`, hash.Digest)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown artifact"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "artifact lookup failed"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := a.scanner.ScanArtifact(ctx, hash.Digest); err != nil {
			a.scanner.log.Error().Err(err).Str("artifact", hash.Digest).Msg("rescan failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"artifact": hash.Digest, "status": "scanning"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
