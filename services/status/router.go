package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"nixfleet/pkg/db"
	"nixfleet/pkg/s3"
)

const presignTTL = 15 * time.Minute

// API serves the fleet's read models.
type API struct {
	store     *Store
	logs      *s3.Client
	logBucket string
	staleness time.Duration
	log       zerolog.Logger
}

// Config tunes the status API.
type Config struct {
	Staleness time.Duration // no_heartbeat threshold
	Logs      *s3.Client    // optional; log URLs 404 without it
	LogBucket string
}

// New builds the API over the read store.
func New(store *Store, log zerolog.Logger, cfg Config) *API {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	return &API{
		store:     store,
		logs:      cfg.Logs,
		logBucket: cfg.LogBucket,
		staleness: cfg.Staleness,
		log:       log,
	}
}

// Router assembles the read-only HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/hosts/status", a.handleHostsStatus)
		r.Get("/hosts/{hostname}/status", a.handleHostStatus)
		r.Get("/fleet/summary", a.handleFleetSummary)
		r.Get("/fleet/drift", a.handleFleetDrift)
		r.Get("/queue", a.handleQueue)
		r.Get("/environments/{environment}/cve", a.handleEnvironmentCVEs)
		r.Get("/evaluations/{id}/log", a.handleEvaluationLog)
	})
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), a.store.pool); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) classifyAll(r *http.Request, hostname string) ([]HostStatus, error) {
	facts, err := a.store.HostFacts(r.Context(), hostname)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	statuses := make([]HostStatus, 0, len(facts))
	for _, f := range facts {
		statuses = append(statuses, Classify(f, now, a.staleness))
	}
	return statuses, nil
}

func (a *API) handleHostsStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.classifyAll(r, "")
	if err != nil {
		a.log.Error().Err(err).Msg("classifying fleet")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "classification failed"})
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (a *API) handleHostStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.classifyAll(r, chi.URLParam(r, "hostname"))
	if err != nil {
		a.log.Error().Err(err).Msg("classifying host")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "classification failed"})
		return
	}
	if len(statuses) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown host"})
		return
	}
	writeJSON(w, http.StatusOK, statuses[0])
}

func (a *API) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.classifyAll(r, "")
	if err != nil {
		a.log.Error().Err(err).Msg("summarizing fleet")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "summary failed"})
		return
	}
	summary := Summarize(statuses)
	if !summary.Consistent() {
		// Should be unreachable; a broken partition means a broken
		// classifier, which is worth paging over.
		a.log.Error().Interface("summary", summary).Msg("fleet summary partition violated")
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	report, err := a.store.Queue(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("loading queue report")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue report failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleEnvironmentCVEs(w http.ResponseWriter, r *http.Request) {
	summary, err := a.store.EnvironmentCVEs(r.Context(), chi.URLParam(r, "environment"))
	if err != nil {
		a.log.Error().Err(err).Msg("loading cve summary")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cve summary failed"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleFleetDrift(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("environment")
	if env == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "environment query parameter is required"})
		return
	}

	bucket := time.Hour
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed bucket duration"})
			return
		}
		bucket = d
	}
	buckets := 24
	if v := r.URL.Query().Get("buckets"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed bucket count"})
			return
		}
		buckets = n
	}

	points, err := a.store.DriftSeries(r.Context(), env, bucket, buckets)
	if err != nil {
		a.log.Error().Err(err).Msg("loading drift series")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "drift series failed"})
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (a *API) handleEvaluationLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed evaluation id"})
		return
	}

	key, err := a.store.EvaluationLogKey(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown evaluation"})
		return
	}
	if err != nil {
		a.log.Error().Err(err).Msg("resolving log key")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "log lookup failed"})
		return
	}
	if key == "" || a.logs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no archived log for this evaluation"})
		return
	}

	url, err := a.logs.PresignGet(r.Context(), a.logBucket, key, presignTTL)
	if err != nil {
		a.log.Error().Err(err).Msg("presigning log url")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "presign failed"})
		return
	}
	writeJSON(w, http.StatusOK, EvaluationLog{
		EvaluationID: id,
		URL:          url,
		ExpiresIn:    presignTTL.Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
