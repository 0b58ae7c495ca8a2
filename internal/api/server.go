package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"graphflow-scheduler/internal/breaker"
	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/scheduler"
	"graphflow-scheduler/internal/store"
	"graphflow-scheduler/internal/supervisor"
	"graphflow-scheduler/internal/telemetry"
)

// Server wires the HTTP control surface: job CRUD, graphflow process
// lifecycle, breaker introspection and run history.
type Server struct {
	store    *store.Store
	manager  *scheduler.Manager
	sup      *supervisor.Supervisor
	breakers *breaker.Registry
	history  *store.History
}

// New constructs the API server. history may be nil when Postgres is not
// configured.
func New(st *store.Store, m *scheduler.Manager, sup *supervisor.Supervisor, breakers *breaker.Registry, history *store.History) *Server {
	return &Server{
		store:    st,
		manager:  m,
		sup:      sup,
		breakers: breakers,
		history:  history,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/process/status", s.handleProcessStatus)
	r.Post("/process/start", s.handleProcessStart)
	r.Post("/process/stop", s.handleProcessStop)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Delete("/jobs/{id}", s.handleCancelJob)

	r.Get("/breakers", s.handleBreakers)
	r.Get("/history", s.handleHistory)
	r.Get("/activity", s.handleActivity)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status(r.Context()))
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	res := s.sup.Start(r.Context())
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	res := s.sup.Stop(r.Context())
	writeJSON(w, resultStatus(res), res)
}

// resultStatus maps lifecycle result codes onto HTTP statuses. Conflicting
// requests (already running, not running) are 409s, not errors.
func resultStatus(res supervisor.Result) int {
	switch res.Code {
	case supervisor.CodeOK:
		return http.StatusOK
	case supervisor.CodeAlreadyRunning, supervisor.CodeNotRunning:
		return http.StatusConflict
	case supervisor.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	def, err := s.manager.CreateJob(r.Context(), req)
	if err != nil {
		var ve *errs.ValidationError
		switch {
		case errors.As(err, &ve),
			errors.Is(err, errs.ErrInvalidSchedule),
			errors.Is(err, errs.ErrUnknownJobType):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.manager.ListJobs(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, err := s.manager.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshot()})
}

// handleHistory returns recent run records, optionally filtered by job id.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "run history not configured", http.StatusNotImplemented)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var err error
	var runs any
	if jobID := r.URL.Query().Get("job_id"); jobID != "" {
		runs, err = s.history.RunsForJob(r.Context(), jobID, limit)
	} else {
		runs, err = s.history.RecentRuns(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, "failed to read run history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleActivity pops the pending activity event, if any. Consumption is
// destructive: each event is delivered at most once.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	ev, found, err := s.store.ConsumeActivity(r.Context())
	if err != nil {
		http.Error(w, "failed to read activity", http.StatusInternalServerError)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"event": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
