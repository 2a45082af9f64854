package api

import (
	"net/http"
	"strconv"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/storage"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Source == "" {
		s.writeError(w, r, &core.ValidationError{Field: "source", Message: "is required", Err: core.ErrInvalidParameters})
		return
	}

	job, err := s.ingestion.Start(r.Context(), ingestion.StartRequest{
		Source:     req.Source,
		Parameters: req.Parameters.toCore(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{
		JobID:     job.ID,
		Source:    string(job.Source),
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ingestion.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobFromCore(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.ingestion.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{JobID: job.ID, Status: string(job.Status)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := jobFilterFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	jobs, total, err := s.ingestion.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := jobListResponse{
		Jobs:   make([]jobJSON, 0, len(jobs)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobFromCore(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func jobFilterFromQuery(r *http.Request) (storage.JobFilter, error) {
	q := r.URL.Query()
	filter := storage.JobFilter{Limit: defaultListLimit}

	if v := q.Get("source"); v != "" {
		src, err := core.ParseSource(v)
		if err != nil {
			return filter, &core.ValidationError{Field: "source", Message: err.Error(), Err: core.ErrUnsupportedSource}
		}
		filter.Source = src
	}
	if v := q.Get("status"); v != "" {
		st, err := core.ParseJobStatus(v)
		if err != nil {
			return filter, &core.ValidationError{Field: "status", Message: err.Error(), Err: core.ErrInvalidParameters}
		}
		filter.Status = st
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit", defaultListLimit, 1, maxListLimit); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset", 0, 0, -1); err != nil {
		return filter, err
	}
	return filter, nil
}

// intParam parses an integer query parameter within [lo, hi]; hi < 0 means unbounded.
func intParam(raw, field string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		msg := "must be an integer of at least " + strconv.Itoa(lo)
		if hi >= 0 {
			msg = "must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi)
		}
		return 0, &core.ValidationError{Field: field, Message: msg, Err: core.ErrInvalidParameters}
	}
	return n, nil
}

func (s *Server) handleIngestionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ingestion.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestionStatsFromCore(stats))
}
