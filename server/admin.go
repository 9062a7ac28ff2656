package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/job"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 1000
	maxBodySize     = 64 << 10
)

type createJobRequest struct {
	MirrorType string `json:"mirror_type"`
	Force      bool   `json:"force"`
}

type jobRef struct {
	ID     uint64     `json:"id"`
	Status job.Status `json:"status,omitempty"`
}

// admin tags the request and applies the admin content type.
func (s *Server) admin(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetArea(r, telemetry.AreaAdmin)
		telemetry.SetEndpoint(r, endpoint)
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps job store errors to a status.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	case errors.Is(err, catalog.ErrUnknownMirror):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

// handleListJobs serves GET /-/jobs?mirror=&status=a,b&limit=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{MirrorType: q.Get("mirror"), Limit: defaultJobLimit}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxJobLimit)
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(st))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid status "+string(status))
				return
			}
			f.Status = append(f.Status, status)
		}
	}
	if f.MirrorType != "" {
		telemetry.SetMirror(r, f.MirrorType)
	}

	jobs, err := s.config.Jobs.List(r.Context(), f)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleCreateJob serves POST /-/jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MirrorType == "" {
		writeError(w, http.StatusBadRequest, "mirror_type is required")
		return
	}
	telemetry.SetMirror(r, req.MirrorType)

	id, err := s.config.Trigger.Enqueue(r.Context(), req.MirrorType, req.Force)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	j, err := s.config.Jobs.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/-/jobs/"+strconv.FormatUint(id, 10))
	writeJSON(w, http.StatusAccepted, jobRef{ID: id, Status: j.Status})
}

// handleGetJob serves GET /-/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	j, err := s.config.Jobs.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	telemetry.SetMirror(r, j.MirrorType)
	writeJSON(w, http.StatusOK, j)
}

// handleCancelJob serves POST /-/jobs/{id}/cancel. Finished jobs get 409.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.config.Trigger.Cancel(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	j, err := s.config.Jobs.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	telemetry.SetMirror(r, j.MirrorType)
	writeJSON(w, http.StatusAccepted, jobRef{ID: id, Status: j.Status})
}

// handleCacheStats serves GET /-/cache/stats.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.config.Cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading cache stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) monitorEnabled(w http.ResponseWriter) bool {
	if s.config.Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "monitor disabled")
		return false
	}
	return true
}

// handleMonitorLatest serves GET /-/monitor/latest.
func (s *Server) handleMonitorLatest(w http.ResponseWriter, r *http.Request) {
	if !s.monitorEnabled(w) {
		return
	}
	sample, err := s.config.Monitor.Latest(r.Context())
	if err != nil {
		s.logger.Error("sampling monitor", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// handleMonitorHistory serves GET /-/monitor/history?window=1h. Without a
// window the whole history is returned.
func (s *Server) handleMonitorHistory(w http.ResponseWriter, r *http.Request) {
	if !s.monitorEnabled(w) {
		return
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": s.config.Monitor.History(window)})
}

// handleMonitorHealth serves GET /-/monitor/health.
func (s *Server) handleMonitorHealth(w http.ResponseWriter, r *http.Request) {
	if !s.monitorEnabled(w) {
		return
	}
	h, err := s.config.Monitor.Health(r.Context())
	if err != nil {
		s.logger.Error("evaluating health", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, h)
}
