package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/id/uuid"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/retry"
	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/supervisor"
)

const (
	defaultJobLimit = 50
	maxBodyBytes    = 1 << 20
)

type enqueueRequest struct {
	Type   string          `json:"type" validate:"required"`
	Name   string          `json:"name" validate:"max=200"`
	Params json.RawMessage `json:"params"`
}

type listJobsQuery struct {
	Status string `validate:"omitempty,oneof=queued running completed failed cancelled"`
	Limit  int    `validate:"gte=0,lte=500"`
	Offset int    `validate:"gte=0"`
}

type logsQuery struct {
	After  int64 `validate:"gte=0"`
	Limit  int   `validate:"gte=0,lte=1000"`
	Follow bool
}

type entityKeyParam struct {
	Key string `validate:"required,max=128,printascii"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	job, err := s.svc.Enqueue(r.Context(), supervisor.EnqueueRequest{
		Type:   jobs.Type(req.Type),
		Name:   req.Name,
		Params: params,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := listJobsQuery{Status: strings.TrimSpace(q.Get("status"))}
	var err error
	if query.Limit, err = intParam(q.Get("limit"), defaultJobLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if query.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if err := s.validate.Struct(query); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	filter := jobs.ListFilter{Limit: query.Limit, Offset: query.Offset}
	if filter.Limit == 0 {
		filter.Limit = defaultJobLimit
	}
	if query.Status != "" {
		status := jobs.Status(query.Status)
		filter.Status = &status
	}
	out, err := s.svc.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.RequestCancel(r.Context(), jobID)
	if errors.Is(err, jobs.ErrTerminal) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "job already finished", "job": job})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var (
		query logsQuery
		err   error
	)
	after := q.Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	if after != "" {
		if query.After, err = strconv.ParseInt(after, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
	}
	if query.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	query.Follow = q.Get("follow") == "true"
	if err := s.validate.Struct(query); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if query.Follow {
		s.followLogs(w, r, jobID, query.After)
		return
	}
	entries, err := s.svc.StreamLogs(r.Context(), jobID, query.After, query.Limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	next := query.After
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "next_after": next})
}

// followLogs streams entries as server-sent events and closes with an "end"
// event carrying the final job status.
func (s *Server) followLogs(w http.ResponseWriter, r *http.Request, jobID string, after int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if _, err := s.svc.GetJob(r.Context(), jobID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.svc.FollowLogs(r.Context(), jobID, after, s.cfg.Server.LogFollowInterval, func(entries []jobs.LogEntry) error {
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode log entry: %w", err)
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.ID, data); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn("log follow ended", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	job, err := s.svc.GetJob(r.Context(), jobID)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: end\ndata: {\"status\":%q}\n\n", job.Status)
	flusher.Flush()
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.svc.ListWorkers(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) getRetry(w http.ResponseWriter, r *http.Request) {
	key, ok := s.entityKey(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.GetRetry(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retry": rec})
}

func (s *Server) resetRetry(w http.ResponseWriter, r *http.Request) {
	key, ok := s.entityKey(w, r)
	if !ok {
		return
	}
	deleted, err := s.svc.ResetRetry(r.Context(), key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "retry record not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return id, true
}

func (s *Server) entityKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := entityKeyParam{Key: strings.TrimSpace(chi.URLParam(r, "entity_key"))}
	if err := s.validate.Struct(p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity key")
		return "", false
	}
	return p.Key, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, retry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
}
