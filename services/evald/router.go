package evald

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nixfleet/pkg/db"
)

// API is the operator surface of the evaluation daemon: requeue, cancel,
// queue counts. Read models live in the status service.
type API struct {
	queue *Queue
	pool  *pgxpool.Pool
}

// NewAPI builds the operator API over the queue.
func NewAPI(queue *Queue, pool *pgxpool.Pool) *API {
	return &API{queue: queue, pool: pool}
}

// Router assembles the operator HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queue", a.handleQueueCounts)
		r.Get("/evaluations", a.handleList)
		r.Post("/evaluations/{id}/requeue", a.handleRequeue)
		r.Post("/evaluations/{id}/cancel", a.handleCancel)
	})
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), a.pool); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.queue.StatusCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing queue counts")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		limit = n
	}

	evals, err := a.queue.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing evaluations")
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

type requeueRequest struct {
	Force bool `json:"force"`
}

func (a *API) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed evaluation id")
		return
	}

	var req requeueRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	err = a.queue.Requeue(r.Context(), id, req.Force)
	switch {
	case errors.Is(err, ErrAlreadyComplete):
		writeError(w, http.StatusConflict, "target already complete; pass force to rebuild")
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": StatusPending})
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed evaluation id")
		return
	}

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	if err := a.queue.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusFailed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
