package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"edition-publisher/internal/archive"
	"edition-publisher/internal/config"
	"edition-publisher/internal/demand"
	"edition-publisher/internal/models"
	"edition-publisher/internal/publisher"
	"edition-publisher/internal/telemetry"
)

// Server wires HTTP handlers for the publisher.
type Server struct {
	cfg config.Config
	svc *publisher.Service
}

// New constructs the API server.
func New(cfg config.Config, svc *publisher.Service) *Server {
	return &Server{cfg: cfg, svc: svc}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())
	r.Handle(archive.URLPrefix+"*", http.StripPrefix(archive.URLPrefix, http.FileServer(http.Dir(s.cfg.ArchiveDir))))

	r.Route("/editions/{id}", func(r chi.Router) {
		r.Put("/", s.handlePutEdition)
		r.Post("/jobs", s.handleStart)
		r.Get("/job", s.handleEditionJob)
		r.Post("/demand", s.handleQueueDemand)
	})

	r.Get("/jobs", s.handleListJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Delete("/", s.handleRemoveJob)
		r.Post("/cancel", s.handleCancel)
		r.Post("/commit", s.handleCommit)
		r.Post("/archive", s.handleArchive)
	})

	r.Post("/items", s.handleItems)
	r.Post("/reference-ids", s.handleReferenceIDs)
	r.Get("/demand/{requestId}", s.handleDemandStatus)
	return r
}

type jobResponse struct {
	models.JobStatus
	Percent int  `json:"percent"`
	Active  bool `json:"active"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	editionID, ok := idParam(w, r)
	if !ok {
		return
	}
	jobID, err := s.svc.StartPublishingJob(r.Context(), editionID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": jobID, "edition_id": editionID})
}

func (s *Server) handlePutEdition(w http.ResponseWriter, r *http.Request) {
	editionID, ok := idParam(w, r)
	if !ok {
		return
	}
	var ed models.Edition
	if err := json.NewDecoder(r.Body).Decode(&ed); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ed.ID = editionID
	if err := s.svc.PutEdition(r.Context(), ed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ed)
}

func (s *Server) handleEditionJob(w http.ResponseWriter, r *http.Request) {
	editionID, ok := idParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"edition_id": editionID, "job_id": s.svc.GetEditionJobID(editionID)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var siteID int64
	if v := r.URL.Query().Get("site_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid site_id", http.StatusBadRequest)
			return
		}
		siteID = id
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": s.svc.GetActiveJobIDs(siteID)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := idParam(w, r)
	if !ok {
		return
	}
	st, err := s.svc.GetPublishingJobStatus(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{JobStatus: st, Percent: st.Percent(), Active: !st.State.Terminal()})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.RemovePublishingJobStatus(jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.svc.CancelPublishingJob(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type commitRequest struct {
	HasError bool `json:"has_error"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	jobID, ok := idParam(w, r)
	if !ok {
		return
	}
	var req commitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if err := s.svc.AcknowledgeJobCommit(jobID, req.HasError); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	jobID, ok := idParam(w, r)
	if !ok {
		return
	}
	url, err := s.svc.ArchivePubLog(r.Context(), jobID, &publisher.RequestContext{BaseURL: baseURL(r)})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	var batch []models.ItemStatus
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	accepted := 0
	for _, st := range batch {
		if s.svc.UpdateItemState(st) {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "dropped": len(batch) - accepted})
}

const maxReferenceIDs = 1000

// handleReferenceIDs hands out fresh reference ids to workers that split
// items into pages.
func (s *Server) handleReferenceIDs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxReferenceIDs {
			http.Error(w, "count must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		count = n
	}
	ids, err := s.svc.NextReferenceIDs(r.Context(), count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int64{"reference_ids": ids})
}

type demandRequest struct {
	Generator string              `json:"generator"`
	Items     []models.DemandItem `json:"items"`
	Unpublish bool                `json:"unpublish"`
}

func (s *Server) handleQueueDemand(w http.ResponseWriter, r *http.Request) {
	editionID, ok := idParam(w, r)
	if !ok {
		return
	}
	var req demandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}
	requestID, err := s.svc.QueueDemandWork(r.Context(), editionID, models.DemandWork{Items: req.Items, Unpublish: req.Unpublish}, req.Generator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

type demandStatusResponse struct {
	RequestID string          `json:"request_id"`
	JobID     int64           `json:"job_id,omitempty"`
	State     models.JobState `json:"state,omitempty"`
}

func (s *Server) handleDemandStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	state, err := s.svc.GetDemandWorkStatus(requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, _ := s.svc.GetDemandRequestJob(requestID)
	writeJSON(w, http.StatusOK, demandStatusResponse{RequestID: requestID, JobID: jobID, State: state})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func writeError(w http.ResponseWriter, err error) {
	var cfgErr *demand.ConfigError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, publisher.ErrEditionActive), errors.Is(err, publisher.ErrJobFinished):
		code = http.StatusConflict
	case errors.Is(err, publisher.ErrJobNotFound),
		errors.Is(err, publisher.ErrEditionNotFound),
		errors.Is(err, publisher.ErrDemandNotFound):
		code = http.StatusNotFound
	case errors.As(err, &cfgErr), errors.Is(err, publisher.ErrInvalidEdition):
		code = http.StatusBadRequest
	case errors.Is(err, publisher.ErrRateLimited):
		code = http.StatusTooManyRequests
	default:
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
