package api

import (
	"net/http"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/search"
)

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == nil {
		s.writeError(w, r, &core.ValidationError{Field: "query", Message: "is required", Err: core.ErrInvalidParameters})
		return
	}

	sources := make([]core.Source, 0, len(req.Sources))
	for _, name := range req.Sources {
		src, err := core.ParseSource(name)
		if err != nil {
			s.writeError(w, r, &core.ValidationError{Field: "sources", Message: err.Error(), Err: core.ErrUnsupportedSource})
			return
		}
		sources = append(sources, src)
	}

	resp, err := s.retrieval.Query(r.Context(), search.QueryRequest{
		Query:      *req.Query,
		MaxResults: req.MaxResults,
		Threshold:  req.Threshold,
		Sources:    sources,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Query:          resp.Query,
		Results:        hitsFromSearch(resp.Results),
		TotalResults:   resp.TotalResults,
		ProcessingTime: resp.ProcessingTime.Milliseconds(),
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Text == nil {
		s.writeError(w, r, &core.ValidationError{Field: "text", Message: "is required", Err: core.ErrInvalidParameters})
		return
	}

	res, err := s.retrieval.Embed(r.Context(), *req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embeddingsResponse{
		Embedding:      res.Vector,
		Model:          res.Model,
		Dimensions:     res.Dimensions,
		ProcessingTime: res.ProcessingTime.Milliseconds(),
		Truncated:      res.Truncated,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Embedding) == 0 {
		s.writeError(w, r, &core.ValidationError{Field: "embedding", Message: "is required", Err: core.ErrInvalidParameters})
		return
	}

	vreq := search.VectorRequest{
		Embedding:  req.Embedding,
		MaxResults: req.MaxResults,
		Threshold:  req.Threshold,
	}
	if f := req.Filters; f != nil {
		vreq.Filters = core.SearchFilters{
			ScientificName: f.ScientificName,
			Country:        f.Country,
		}
		if f.Source != "" {
			src, err := core.ParseSource(f.Source)
			if err != nil {
				s.writeError(w, r, &core.ValidationError{Field: "filters.source", Message: err.Error(), Err: core.ErrUnsupportedSource})
				return
			}
			vreq.Filters.Source = src
		}
		if f.Type != "" {
			typ, err := core.ParseDocumentType(f.Type)
			if err != nil {
				s.writeError(w, r, &core.ValidationError{Field: "filters.type", Message: err.Error(), Err: core.ErrInvalidParameters})
				return
			}
			vreq.Filters.Type = typ
		}
	}

	resp, err := s.retrieval.SearchVector(r.Context(), vreq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Results:        hitsFromSearch(resp.Results),
		TotalResults:   resp.TotalResults,
		ProcessingTime: resp.ProcessingTime.Milliseconds(),
	})
}

func (s *Server) handleRAGStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retrieval.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := ragStatsResponse{
		TotalDocuments:  stats.TotalDocuments,
		TotalEmbeddings: stats.TotalEmbeddings,
		Sources:         make(map[string]int, len(stats.Sources)),
		Types:           make(map[string]int, len(stats.Types)),
		Model:           stats.Model,
		Dimension:       stats.Dimension,
	}
	for src, n := range stats.Sources {
		resp.Sources[string(src)] = n
	}
	for typ, n := range stats.Types {
		resp.Types[string(typ)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}
