package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
	"clip-scheduler/internal/ratelimit"
	"clip-scheduler/internal/scheduling"
	"clip-scheduler/internal/telemetry"
)

// Server wires HTTP handlers for the scheduling API. Authentication is an
// external collaborator; the caller identity arrives as X-User-ID, the way
// an auth proxy in front of this service injects it.
type Server struct {
	cfg     config.Config
	svc     *scheduling.Service
	queue   *queue.RedisQueue
	limiter *ratelimit.UserBucket
	log     zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, svc *scheduling.Service, q *queue.RedisQueue, limiter *ratelimit.UserBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		queue:   q,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/posts/schedule", s.handleSchedule)
	r.Post("/posts/schedule/bulk", s.handleBulkSchedule)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleJobStatus)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var req scheduling.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	res, err := s.svc.SchedulePost(r.Context(), userID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type bulkRequest struct {
	Posts []scheduling.ScheduleRequest `json:"posts"`
}

func (s *Server) handleBulkSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// A batch spends one rate-limit token per post, so splitting a burst
	// into bulk calls buys nothing.
	if !s.allowRate(w, r, userID, len(req.Posts)) {
		return
	}

	res, err := s.svc.BulkSchedulePosts(r.Context(), userID, req.Posts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	var status *models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := models.ParseJobStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &parsed
	}

	jobs, err := s.svc.ListUserJobs(r.Context(), userID, status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	snapshot, err := s.svc.GetScheduledJobStatus(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "no state for job")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.identify(w, r)
	if !ok {
		return
	}

	if err := s.svc.CancelScheduledJob(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDLQ returns the dead-letter queue contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// identify extracts the caller identity.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required")
		return "", false
	}
	return userID, true
}

// authorize layers the per-user rate limiter on top of identification for
// the single-post admission endpoint.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := s.identify(w, r)
	if !ok {
		return "", false
	}
	if !s.allowRate(w, r, userID, 1) {
		return "", false
	}
	return userID, true
}

// allowRate charges the user's admission budget, writing the rejection when
// the bucket cannot cover the cost.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, userID string, cost int) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.AllowN(r.Context(), userID, cost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var notOwned *scheduling.NotOwnedError
	var invalidState *scheduling.InvalidStateError
	switch {
	case errors.Is(err, scheduling.ErrContentNotFound), errors.Is(err, scheduling.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduling.ErrNotAuthorized), errors.As(err, &notOwned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &invalidState), errors.Is(err, scheduling.ErrContentAlreadyScheduled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduling.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduling.ErrLookaheadExceeded),
		errors.Is(err, scheduling.ErrConcurrencyLimitExceeded),
		errors.Is(err, scheduling.ErrEmptyBatch),
		errors.Is(err, scheduling.ErrBatchTooLarge),
		errors.Is(err, scheduling.ErrNoAccounts):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
