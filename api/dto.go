package api

import (
	"time"

	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/search"
)

type locationJSON struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Radius    float64  `json:"radius,omitempty"` // kilometres
	Country   string   `json:"country,omitempty"`
}

type dateRangeJSON struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type optionsJSON struct {
	DisableEmbedding bool `json:"disableEmbedding,omitempty"`
	BatchSize        int  `json:"batchSize,omitempty"`
}

type parametersJSON struct {
	Species    string         `json:"species,omitempty"`
	Location   *locationJSON  `json:"location,omitempty"`
	DateRange  *dateRangeJSON `json:"dateRange,omitempty"`
	RecordType string         `json:"recordType,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
	Options    *optionsJSON   `json:"options,omitempty"`
}

func (p parametersJSON) toCore() core.JobParameters {
	out := core.JobParameters{
		Species:    p.Species,
		RecordType: p.RecordType,
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if p.Location != nil {
		out.Location = &core.GeoLocation{
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
			RadiusKm:  p.Location.Radius,
			Country:   p.Location.Country,
		}
	}
	if p.DateRange != nil {
		out.DateRange = &core.DateRange{Start: p.DateRange.Start, End: p.DateRange.End}
	}
	if p.Options != nil {
		out.Options = core.JobOptions{DisableEmbedding: p.Options.DisableEmbedding, BatchSize: p.Options.BatchSize}
	}
	return out
}

func parametersFromCore(p core.JobParameters) parametersJSON {
	out := parametersJSON{
		Species:    p.Species,
		RecordType: p.RecordType,
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if p.Location != nil {
		out.Location = &locationJSON{
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
			Radius:    p.Location.RadiusKm,
			Country:   p.Location.Country,
		}
	}
	if p.DateRange != nil {
		out.DateRange = &dateRangeJSON{Start: p.DateRange.Start, End: p.DateRange.End}
	}
	if p.Options != (core.JobOptions{}) {
		out.Options = &optionsJSON{DisableEmbedding: p.Options.DisableEmbedding, BatchSize: p.Options.BatchSize}
	}
	return out
}

type startRequest struct {
	Source     string         `json:"source"`
	Parameters parametersJSON `json:"parameters"`
}

type startResponse struct {
	JobID     string    `json:"jobId"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type progressJSON struct {
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

type resultsJSON struct {
	DocumentsIngested int      `json:"documentsIngested"`
	EmbeddingsCreated int      `json:"embeddingsCreated"`
	Errors            int      `json:"errors"`
	ErrorMessages     []string `json:"errorMessages,omitempty"`
}

// jobJSON renders timestamps as RFC 3339 and omits the ones not reached yet.
type jobJSON struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase,omitempty"`
	Progress    progressJSON   `json:"progress"`
	Parameters  parametersJSON `json:"parameters"`
	Results     resultsJSON    `json:"results"`
	CreatedAt   string         `json:"createdAt"`
	StartedAt   string         `json:"startedAt,omitempty"`
	CompletedAt string         `json:"completedAt,omitempty"`
	Duration    *float64       `json:"duration,omitempty"` // seconds
	Error       string         `json:"error,omitempty"`
}

func jobFromCore(j *core.IngestionJob) jobJSON {
	out := jobJSON{
		ID:     j.ID,
		Source: string(j.Source),
		Status: string(j.Status),
		Phase:  string(j.Phase),
		Progress: progressJSON{
			Processed:  j.Progress.Processed,
			Total:      j.Progress.Total,
			Percentage: j.Progress.Percentage,
		},
		Parameters: parametersFromCore(j.Parameters),
		Results: resultsJSON{
			DocumentsIngested: j.Results.DocumentsIngested,
			EmbeddingsCreated: j.Results.EmbeddingsCreated,
			Errors:            j.Results.Errors,
			ErrorMessages:     j.Results.ErrorMessages,
		},
		CreatedAt:   isoTime(j.CreatedAt),
		StartedAt:   isoTime(j.StartedAt),
		CompletedAt: isoTime(j.CompletedAt),
		Error:       j.Error,
	}
	if d, ok := j.Duration(); ok {
		secs := d.Seconds()
		out.Duration = &secs
	}
	return out
}

func isoTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

type jobListResponse struct {
	Jobs   []jobJSON `json:"jobs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type cancelResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type sourceStatsJSON struct {
	Jobs          int    `json:"jobs"`
	Documents     int    `json:"documents"`
	Embeddings    int    `json:"embeddings"`
	LastIngestion string `json:"lastIngestion,omitempty"`
}

type ingestionStatsJSON struct {
	TotalJobs              int                        `json:"totalJobs"`
	ActiveJobs             int                        `json:"activeJobs"`
	CompletedJobs          int                        `json:"completedJobs"`
	FailedJobs             int                        `json:"failedJobs"`
	CancelledJobs          int                        `json:"cancelledJobs"`
	TotalDocumentsIngested int                        `json:"totalDocumentsIngested"`
	TotalEmbeddingsCreated int                        `json:"totalEmbeddingsCreated"`
	SourceStats            map[string]sourceStatsJSON `json:"sourceStats"`
	LastIngestion          *string                    `json:"lastIngestion"`
}

func ingestionStatsFromCore(s *ingestion.Stats) ingestionStatsJSON {
	out := ingestionStatsJSON{
		TotalJobs:              s.TotalJobs,
		ActiveJobs:             s.ActiveJobs,
		CompletedJobs:          s.CompletedJobs,
		FailedJobs:             s.FailedJobs,
		CancelledJobs:          s.CancelledJobs,
		TotalDocumentsIngested: s.TotalDocumentsIngested,
		TotalEmbeddingsCreated: s.TotalEmbeddingsCreated,
		SourceStats:            make(map[string]sourceStatsJSON, len(s.SourceStats)),
	}
	for src, st := range s.SourceStats {
		out.SourceStats[string(src)] = sourceStatsJSON{
			Jobs:          st.Jobs,
			Documents:     st.Documents,
			Embeddings:    st.Embeddings,
			LastIngestion: isoTime(st.LastIngestion),
		}
	}
	if last := isoTime(s.LastIngestion); last != "" {
		out.LastIngestion = &last
	}
	return out
}

type queryRequest struct {
	Query      *string  `json:"query"`
	MaxResults int      `json:"maxResults,omitempty"`
	Threshold  *float32 `json:"threshold,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

type searchRequest struct {
	Embedding  []float32 `json:"embedding"`
	MaxResults int       `json:"maxResults,omitempty"`
	Threshold  *float32  `json:"threshold,omitempty"`
	Filters    *struct {
		Source         string `json:"source,omitempty"`
		Type           string `json:"type,omitempty"`
		ScientificName string `json:"scientificName,omitempty"`
		Country        string `json:"country,omitempty"`
	} `json:"filters,omitempty"`
}

type embeddingsRequest struct {
	Text *string `json:"text"`
}

type metadataJSON struct {
	DocumentID     uint64   `json:"documentId"`
	Type           string   `json:"type,omitempty"`
	ScientificName string   `json:"scientificName,omitempty"`
	Country        string   `json:"country,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	OriginalID     string   `json:"originalId,omitempty"`
	JobID          string   `json:"jobId,omitempty"`
	IngestedAt     string   `json:"ingestedAt,omitempty"`
	ChunkIndex     int      `json:"chunkIndex"`
	TotalChunks    int      `json:"totalChunks"`
}

type hitJSON struct {
	ID           uint64       `json:"id"`
	Content      string       `json:"content"`
	Source       string       `json:"source"`
	Score        float32      `json:"score"`
	Metadata     metadataJSON `json:"metadata"`
	MatchedTerms []string     `json:"matchedTerms,omitempty"`
}

func hitsFromSearch(hits []search.Hit) []hitJSON {
	out := make([]hitJSON, 0, len(hits))
	for _, h := range hits {
		m := h.Metadata
		meta := metadataJSON{
			DocumentID:     uint64(h.DocumentID),
			Type:           string(m.Type),
			ScientificName: m.ScientificName,
			OriginalID:     m.OriginalID,
			JobID:          m.JobID,
			IngestedAt:     isoTime(m.IngestedAt),
			ChunkIndex:     m.ChunkIndex,
			TotalChunks:    m.TotalChunks,
		}
		if m.Location != nil {
			lat, lon := m.Location.Latitude, m.Location.Longitude
			meta.Country = m.Location.Country
			meta.Latitude, meta.Longitude = &lat, &lon
		}
		out = append(out, hitJSON{
			ID:           uint64(h.EmbeddingID),
			Content:      h.Content,
			Source:       string(h.Source),
			Score:        h.Score,
			Metadata:     meta,
			MatchedTerms: h.MatchedTerms,
		})
	}
	return out
}

type queryResponse struct {
	Query          string    `json:"query"`
	Results        []hitJSON `json:"results"`
	TotalResults   int       `json:"totalResults"`
	ProcessingTime int64     `json:"processingTime"` // milliseconds
}

type searchResponse struct {
	Results        []hitJSON `json:"results"`
	TotalResults   int       `json:"totalResults"`
	ProcessingTime int64     `json:"processingTime"`
}

type embeddingsResponse struct {
	Embedding      []float32 `json:"embedding"`
	Model          string    `json:"model"`
	Dimensions     int       `json:"dimensions"`
	ProcessingTime int64     `json:"processingTime"`
	Truncated      bool      `json:"truncated,omitempty"`
}

type ragStatsResponse struct {
	TotalDocuments  int            `json:"totalDocuments"`
	TotalEmbeddings int            `json:"totalEmbeddings"`
	Sources         map[string]int `json:"sources"`
	Types           map[string]int `json:"types"`
	Model           string         `json:"model"`
	Dimension       int            `json:"dimension"`
}

type providerHealthJSON struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string                        `json:"status"`
	Timestamp string                        `json:"timestamp"`
	Storage   string                        `json:"storage"`
	Providers map[string]providerHealthJSON `json:"providers"`
}
