package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngestion struct {
	started []ingestion.StartRequest
	jobs    map[string]*core.IngestionJob
	err     error
}

func (f *fakeIngestion) Start(_ context.Context, req ingestion.StartRequest) (*core.IngestionJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, req)
	return &core.IngestionJob{
		ID:        "job-1",
		Source:    core.Source(req.Source),
		Status:    core.JobStatusQueued,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeIngestion) Status(_ context.Context, id string) (*core.IngestionJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "job", ID: id}
	}
	return job, nil
}

type fakeRetrieval struct {
	last search.QueryRequest
	hits []search.Hit
	err  error
}

func (f *fakeRetrieval) Query(_ context.Context, req search.QueryRequest) (*search.QueryResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &search.QueryResponse{Query: req.Query, Results: f.hits, TotalResults: len(f.hits)}, nil
}

func (f *fakeRetrieval) Stats(context.Context) (*search.Stats, error) {
	return &search.Stats{
		TotalDocuments:  3,
		TotalEmbeddings: 5,
		Sources:         map[core.Source]int{core.SourceGBIF: 2, core.SourceOBIS: 1},
		Types:           map[core.DocumentType]int{core.DocumentTypeOccurrence: 3},
		Model:           "nomic-embed-text",
		Dimension:       768,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeIngestion, *fakeRetrieval) {
	t.Helper()
	ing := &fakeIngestion{jobs: map[string]*core.IngestionJob{}}
	ret := &fakeRetrieval{}
	s, err := NewServer(ing, ret)
	require.NoError(t, err)
	return s, ing, ret
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, &fakeRetrieval{})
	assert.Error(t, err)
	_, err = NewServer(&fakeIngestion{}, nil)
	assert.Error(t, err)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		tool     mcp.Tool
		name     string
		required []string
	}{
		{ragQueryTool(), "rag_query", []string{"query"}},
		{ingestionStartTool(), "ingestion_start", []string{"source"}},
		{jobStatusTool(), "job_status", []string{"jobId"}},
		{ragStatsTool(), "rag_stats", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.tool.Name)
			assert.NotEmpty(t, tt.tool.Description)
			assert.Equal(t, "object", tt.tool.InputSchema.Type)
			assert.Equal(t, tt.required, tt.tool.InputSchema.Required)
			for _, req := range tt.required {
				assert.Contains(t, tt.tool.InputSchema.Properties, req)
			}
		})
	}
}

func TestHandleRAGQuery(t *testing.T) {
	s, _, ret := newTestServer(t)
	ret.hits = []search.Hit{{
		DocumentID: 7,
		Content:    "Panthera onca observed in Mato Grosso",
		Source:     core.SourceGBIF,
		Score:      0.91,
		Metadata: core.DocumentMetadata{
			Source:         core.SourceGBIF,
			Type:           core.DocumentTypeOccurrence,
			ScientificName: "Panthera onca",
		},
		MatchedTerms: []string{"panthera"},
	}}

	res, err := s.handleRAGQuery(context.Background(), callRequest("rag_query", map[string]interface{}{
		"query":      "panthera in the pantanal",
		"maxResults": float64(3),
		"threshold":  0.5,
		"sources":    []interface{}{"gbif", "OBIS"},
	}))
	require.NoError(t, err)

	assert.Equal(t, "panthera in the pantanal", ret.last.Query)
	assert.Equal(t, 3, ret.last.MaxResults)
	require.NotNil(t, ret.last.Threshold)
	assert.InDelta(t, 0.5, *ret.last.Threshold, 1e-6)
	assert.Equal(t, []core.Source{core.SourceGBIF, core.SourceOBIS}, ret.last.Sources)

	out := resultJSON(t, res)
	assert.EqualValues(t, 1, out["total_results"])
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "gbif", first["source"])
	assert.Equal(t, "Panthera onca", first["scientific_name"])
	assert.EqualValues(t, 7, first["document_id"])
}

func TestHandleRAGQuery_Defaults(t *testing.T) {
	s, _, ret := newTestServer(t)

	_, err := s.handleRAGQuery(context.Background(), callRequest("rag_query", map[string]interface{}{"query": "harpy eagle"}))
	require.NoError(t, err)
	assert.Zero(t, ret.last.MaxResults)
	assert.Nil(t, ret.last.Threshold)
	assert.Empty(t, ret.last.Sources)
}

func TestHandleRAGQuery_Errors(t *testing.T) {
	tests := []struct {
		name string
		args interface{}
		err  error
		code int
	}{
		{name: "arguments not an object", args: "query", code: ErrorCodeInvalidParams},
		{name: "missing query", args: map[string]interface{}{}, code: ErrorCodeInvalidParams},
		{name: "blank query", args: map[string]interface{}{"query": "  "}, code: ErrorCodeInvalidParams},
		{name: "unknown source", args: map[string]interface{}{"query": "x", "sources": []interface{}{"flickr"}}, code: ErrorCodeInvalidParams},
		{name: "sources not an array", args: map[string]interface{}{"query": "x", "sources": "gbif"}, code: ErrorCodeInvalidParams},
		{
			name: "validation from retriever",
			args: map[string]interface{}{"query": "x", "maxResults": float64(500)},
			err:  &core.ValidationError{Field: "maxResults", Message: "must be between 1 and 100"},
			code: ErrorCodeInvalidParams,
		},
		{
			name: "embedding failure",
			args: map[string]interface{}{"query": "x"},
			err:  &core.RAGError{Message: "embedding generation failed", Err: errors.New("dial tcp 10.0.0.5:11434")},
			code: ErrorCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, ret := newTestServer(t)
			ret.err = tt.err
			req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: "rag_query", Arguments: tt.args}}

			res, err := s.handleRAGQuery(context.Background(), req)
			assert.Nil(t, res)
			mcpErr := requireMCPError(t, err, tt.code)
			assert.NotContains(t, mcpErr.Message, "10.0.0.5")
		})
	}
}

func TestHandleIngestionStart(t *testing.T) {
	s, ing, _ := newTestServer(t)

	res, err := s.handleIngestionStart(context.Background(), callRequest("ingestion_start", map[string]interface{}{
		"source":  "gbif",
		"species": "Inia geoffrensis",
		"country": "br",
		"limit":   float64(25),
	}))
	require.NoError(t, err)

	require.Len(t, ing.started, 1)
	req := ing.started[0]
	assert.Equal(t, "gbif", req.Source)
	assert.Equal(t, "Inia geoffrensis", req.Parameters.Species)
	assert.Equal(t, 25, req.Parameters.Limit)
	require.NotNil(t, req.Parameters.Location)
	assert.Equal(t, "BR", req.Parameters.Location.Country)

	out := resultJSON(t, res)
	assert.Equal(t, "job-1", out["job_id"])
	assert.Equal(t, "queued", out["status"])
}

func TestHandleIngestionStart_Errors(t *testing.T) {
	t.Run("missing source", func(t *testing.T) {
		s, ing, _ := newTestServer(t)
		_, err := s.handleIngestionStart(context.Background(), callRequest("ingestion_start", map[string]interface{}{}))
		requireMCPError(t, err, ErrorCodeInvalidParams)
		assert.Empty(t, ing.started)
	})

	t.Run("unsupported source", func(t *testing.T) {
		s, ing, _ := newTestServer(t)
		ing.err = &core.IngestionError{Message: `unsupported source "inat"`, Err: core.ErrUnsupportedSource}
		_, err := s.handleIngestionStart(context.Background(), callRequest("ingestion_start", map[string]interface{}{"source": "inat"}))
		mcpErr := requireMCPError(t, err, ErrorCodeInvalidParams)
		assert.Equal(t, core.CodeIngestion, mcpErr.Data.(map[string]interface{})["code"])
	})

	t.Run("pool saturated", func(t *testing.T) {
		s, ing, _ := newTestServer(t)
		ing.err = &core.ResourceExhaustedError{Resource: "ingestion worker pool"}
		_, err := s.handleIngestionStart(context.Background(), callRequest("ingestion_start", map[string]interface{}{"source": "gbif"}))
		requireMCPError(t, err, ErrorCodeUnavailable)
	})
}

func TestHandleJobStatus(t *testing.T) {
	s, ing, _ := newTestServer(t)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ing.jobs["job-9"] = &core.IngestionJob{
		ID:          "job-9",
		Source:      core.SourceOBIS,
		Status:      core.JobStatusCompleted,
		Phase:       core.PhaseCompleted,
		Progress:    core.Progress{Processed: 10, Total: 10, Percentage: 100},
		Results:     core.JobResults{DocumentsIngested: 9, EmbeddingsCreated: 12, Errors: 1, ErrorMessages: []string{"record \"x\" could not be normalized"}},
		CreatedAt:   started,
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
	}

	res, err := s.handleJobStatus(context.Background(), callRequest("job_status", map[string]interface{}{"jobId": "job-9"}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "obis", out["source"])
	assert.EqualValues(t, 9, out["documents_ingested"])
	assert.EqualValues(t, 12, out["embeddings_created"])
	assert.EqualValues(t, 1500, out["duration_ms"])
	assert.Len(t, out["error_messages"], 1)
	assert.NotContains(t, out, "error")

	_, err = s.handleJobStatus(context.Background(), callRequest("job_status", map[string]interface{}{"jobId": "nope"}))
	requireMCPError(t, err, ErrorCodeNotFound)

	_, err = s.handleJobStatus(context.Background(), callRequest("job_status", map[string]interface{}{}))
	requireMCPError(t, err, ErrorCodeInvalidParams)
}

func TestHandleRAGStats(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, err := s.handleRAGStats(context.Background(), callRequest("rag_stats", nil))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.EqualValues(t, 3, out["total_documents"])
	assert.EqualValues(t, 5, out["total_embeddings"])
	assert.Equal(t, map[string]interface{}{"gbif": float64(2), "obis": float64(1)}, out["sources"])
	assert.Equal(t, "nomic-embed-text", out["model"])
	assert.EqualValues(t, 768, out["dimension"])
}
