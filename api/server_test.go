package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/curupira/ai/mock"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/metrics"
	"github.com/poiesic/curupira/processor"
	"github.com/poiesic/curupira/provider"
	"github.com/poiesic/curupira/search"
	"github.com/poiesic/curupira/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 768

type stubClient struct {
	source  core.Source
	records []core.RawRecord
}

func (c *stubClient) Name() core.Source { return c.source }

func (c *stubClient) Search(_ context.Context, q provider.Query) (*provider.SearchResponse, error) {
	recs := c.records
	if q.Limit > 0 && q.Limit < len(recs) {
		recs = recs[:q.Limit]
	}
	return &provider.SearchResponse{Records: recs, Total: len(c.records), Limit: q.Limit, EndOfRecords: true}, nil
}

func (c *stubClient) HealthCheck(context.Context) provider.Health {
	return provider.Health{Provider: c.source, Status: provider.StatusHealthy, Latency: 12 * time.Millisecond}
}

type stubHealth struct {
	open      bool
	providers map[core.Source]provider.Health
}

func (h *stubHealth) Healthy() bool { return h.open }

func (h *stubHealth) ProviderHealth(context.Context) map[core.Source]provider.Health {
	return h.providers
}

type fixture struct {
	handler  http.Handler
	orch     *ingestion.Orchestrator
	jobs     *badger.JobRepository
	embedder *mock.MockEmbedder
	health   *stubHealth
}

func species(n int) []core.RawRecord {
	names := []string{"Inia geoffrensis", "Panthera onca", "Harpia harpyja", "Arapaima gigas"}
	recs := make([]core.RawRecord, n)
	for i := range recs {
		recs[i] = core.RawRecord{
			Source:         core.SourceGBIF,
			ID:             fmt.Sprintf("gbif-%d", i),
			ScientificName: names[i%len(names)],
			Country:        "BR",
			Locality:       "Amazonas",
		}
	}
	return recs
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store, jobs, backend, err := badger.NewMemoryStore(testDim)
	require.NoError(t, err)

	embedder := mock.NewMockEmbedder().WithDimension(testDim)
	gen, err := embedding.NewGenerator(embedder, embedding.WithModel(mock.MockModel),
		embedding.WithDimension(testDim), embedding.WithBatchDelay(0))
	require.NoError(t, err)

	proc, err := processor.New()
	require.NoError(t, err)

	registry := provider.NewRegistry(&stubClient{source: core.SourceGBIF, records: species(6)})
	orch, err := ingestion.NewOrchestrator(store, jobs, registry, proc, gen,
		ingestion.WithRetries(1, time.Millisecond), ingestion.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	retriever, err := search.NewRetriever(store, gen)
	require.NoError(t, err)

	health := &stubHealth{open: true, providers: registry.HealthCheckAll(context.Background())}
	srv, err := NewServer(orch, retriever, append([]Option{WithHealthChecker(health)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		orch.Close()
		store.Close()
		backend.Close()
	})
	return &fixture{handler: srv.Handler(), orch: orch, jobs: jobs, embedder: embedder, health: health}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorDetail {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[errorBody](t, rec)
	assert.Equal(t, code, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	assert.NotEmpty(t, body.Error.Timestamp)
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body.Error.RequestID)
	return body.Error
}

// ingest runs one gbif job to completion through the API.
func (f *fixture) ingest(t *testing.T, limit int) jobJSON {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/ingestion/start", map[string]any{
		"source":     "gbif",
		"parameters": map[string]any{"limit": limit},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[startResponse](t, rec)

	var job jobJSON
	require.Eventually(t, func() bool {
		job = decode[jobJSON](t, f.do(t, http.MethodGet, "/ingestion/job/"+started.JobID, nil))
		return core.JobStatus(job.Status).IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestNewServer_RequiresServices(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}

func TestStartJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/ingestion/start", map[string]any{
		"source":     "gbif",
		"parameters": map[string]any{"species": "Inia geoffrensis", "limit": 4},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[startResponse](t, rec)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "gbif", resp.Source)
	assert.Equal(t, "queued", resp.Status)
	assert.False(t, resp.CreatedAt.IsZero())
}

func TestStartJob_Rejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed json", `{"source": "gbif"`, http.StatusBadRequest, core.CodeValidation},
		{"wrong type", `{"source": 12}`, http.StatusBadRequest, core.CodeValidation},
		{"empty body", "", http.StatusBadRequest, core.CodeValidation},
		{"missing source", map[string]any{"parameters": map[string]any{}}, http.StatusUnprocessableEntity, core.CodeValidation},
		{"unsupported source", map[string]any{"source": "inaturalist"}, http.StatusUnprocessableEntity, core.CodeIngestion},
		{"negative limit", map[string]any{"source": "gbif", "parameters": map[string]any{"limit": -1}}, http.StatusUnprocessableEntity, core.CodeValidation},
		{"latitude out of range", map[string]any{"source": "gbif", "parameters": map[string]any{"location": map[string]any{"latitude": 91.0, "longitude": 0.0}}}, http.StatusUnprocessableEntity, core.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, f.do(t, http.MethodPost, "/ingestion/start", tt.body), tt.status, tt.code)
		})
	}
}

func TestJobStatus(t *testing.T) {
	f := newFixture(t)
	job := f.ingest(t, 4)

	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, "completed", job.Phase)
	assert.Equal(t, 4, job.Results.DocumentsIngested)
	assert.Positive(t, job.Results.EmbeddingsCreated)
	assert.Equal(t, 100.0, job.Progress.Percentage)
	require.NotNil(t, job.Duration)
	assert.GreaterOrEqual(t, *job.Duration, 0.0)

	for _, ts := range []string{job.CreatedAt, job.StartedAt, job.CompletedAt} {
		_, err := time.Parse(time.RFC3339Nano, ts)
		assert.NoError(t, err, ts)
	}

	assertError(t, f.do(t, http.MethodGet, "/ingestion/job/missing", nil), http.StatusNotFound, core.CodeNotFound)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.jobs.CreateJob(ctx, &core.IngestionJob{
		ID: "queued-1", Source: core.SourceGBIF, Status: core.JobStatusQueued, CreatedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodDelete, "/ingestion/job/queued-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cancelResponse{JobID: "queued-1", Status: "cancelled"}, decode[cancelResponse](t, rec))

	job := decode[jobJSON](t, f.do(t, http.MethodGet, "/ingestion/job/queued-1", nil))
	assert.Equal(t, "cancelled", job.Status)
	assert.NotEmpty(t, job.CompletedAt)
	assert.Nil(t, job.Duration, "never started")

	assertError(t, f.do(t, http.MethodDelete, "/ingestion/job/queued-1", nil), http.StatusConflict, core.CodeConflict)
	assertError(t, f.do(t, http.MethodDelete, "/ingestion/job/unknown", nil), http.StatusNotFound, core.CodeNotFound)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	first := f.ingest(t, 2)
	second := f.ingest(t, 3)

	rec := f.do(t, http.MethodGet, "/ingestion/jobs?source=gbif&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[jobListResponse](t, rec)
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, defaultListLimit, list.Limit)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, second.ID, list.Jobs[0].ID, "newest first")
	assert.Equal(t, first.ID, list.Jobs[1].ID)

	page := decode[jobListResponse](t, f.do(t, http.MethodGet, "/ingestion/jobs?limit=1&offset=1", nil))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, first.ID, page.Jobs[0].ID)

	empty := decode[jobListResponse](t, f.do(t, http.MethodGet, "/ingestion/jobs?status=failed", nil))
	assert.Zero(t, empty.Total)
	assert.NotNil(t, empty.Jobs)

	for _, q := range []string{"status=paused", "source=ebay", "limit=0", "limit=101", "offset=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			assertError(t, f.do(t, http.MethodGet, "/ingestion/jobs?"+q, nil), http.StatusUnprocessableEntity, core.CodeValidation)
		})
	}
}

func TestIngestionStats(t *testing.T) {
	f := newFixture(t)
	job := f.ingest(t, 3)

	stats := decode[ingestionStatsJSON](t, f.do(t, http.MethodGet, "/ingestion/stats", nil))
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.Equal(t, 3, stats.TotalDocumentsIngested)
	assert.Equal(t, job.Results.EmbeddingsCreated, stats.TotalEmbeddingsCreated)
	require.Contains(t, stats.SourceStats, "gbif")
	assert.Equal(t, 1, stats.SourceStats["gbif"].Jobs)
	require.NotNil(t, stats.LastIngestion)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	assertError(t, f.do(t, http.MethodGet, "/nowhere", nil), http.StatusNotFound, core.CodeNotFound)
}

func TestRequestID(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/ingestion/job/none", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-123", assertError(t, rec, http.StatusNotFound, core.CodeNotFound).RequestID)

	generated := f.do(t, http.MethodGet, "/ingestion/stats", nil).Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
}

func TestRecovery(t *testing.T) {
	srv := &Server{logger: discardLogger()}
	h := withRequestID(srv.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	detail := assertError(t, rec, http.StatusInternalServerError, core.CodeInternal)
	assert.Equal(t, "internal server error", detail.Message)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &core.ValidationError{Field: "query", Message: "is required"}, "validation: query: is required"},
		{"rag hides cause", &core.RAGError{Message: "embedding generation failed", Err: errors.New("dial tcp 10.0.0.1:11434")}, "rag: embedding generation failed"},
		{"database hides cause", &core.DatabaseError{Op: "get job", Err: errors.New("badger: corrupt")}, "database get job failed"},
		{"unknown", errors.New("secret"), "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, status := core.ErrorCode(tt.err)
			assert.Equal(t, tt.want, publicMessage(tt.err, status))
		})
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp := decode[healthResponse](t, f.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, healthHealthy, resp.Status)
	assert.Equal(t, "open", resp.Storage)
	require.Contains(t, resp.Providers, "gbif")
	assert.Equal(t, int64(12), resp.Providers["gbif"].LatencyMs)

	f.health.providers[core.SourceOBIS] = provider.Health{Provider: core.SourceOBIS, Status: provider.StatusUnhealthy, Error: "timeout"}
	resp = decode[healthResponse](t, f.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, healthDegraded, resp.Status)
	assert.Equal(t, "timeout", resp.Providers["obis"].Error)

	f.health.open = false
	delete(f.health.providers, core.SourceOBIS)
	resp = decode[healthResponse](t, f.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, healthDegraded, resp.Status)
	assert.Equal(t, "closed", resp.Storage)
}

func TestHealth_WithoutChecker(t *testing.T) {
	srv, err := NewServer(&ingestion.Orchestrator{}, &search.Retriever{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"healthy"`))
}

func TestMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	f := newFixture(t, WithMetrics(collector))
	f.ingest(t, 2)

	f.do(t, http.MethodGet, "/ingestion/stats", nil)
	f.do(t, http.MethodGet, "/ingestion/stats", nil)
	f.do(t, http.MethodGet, "/nowhere", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[metrics.Snapshot](t, rec)

	stats := snap.Operations[metrics.HTTPOperation("GET /ingestion/stats")]
	assert.Equal(t, int64(2), stats.Count)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, int64(1), snap.Operations[metrics.HTTPOperation("POST /ingestion/start")].Count)
	assert.Positive(t, snap.Operations[metrics.HTTPOperation("GET /ingestion/job/{id}")].Count)
	assert.Equal(t, int64(1), snap.Operations[metrics.HTTPOperation("/")].Count, "catch-all route")
	assert.Equal(t, int64(1), snap.ActiveRequests, "the /metrics request itself")
	assert.Equal(t, int64(1), collector.Snapshot().Operations[metrics.HTTPOperation("GET /metrics")].Count,
		"server records into the shared collector")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimit(2, time.Hour, false))

	for i := range 2 {
		rec := f.do(t, http.MethodGet, "/ingestion/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, fmt.Sprint(1-i), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := f.do(t, http.MethodGet, "/ingestion/stats", nil)
	detail := assertError(t, rec, http.StatusTooManyRequests, core.CodeRateLimit)
	assert.Contains(t, detail.Message, "rate limit exceeded")
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 1800, retry, 1, "one token refills every half hour")

	t.Run("exempt paths", func(t *testing.T) {
		for _, path := range []string{"/health", "/metrics"} {
			assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, nil).Code, path)
		}
	})

	t.Run("rejections are recorded", func(t *testing.T) {
		snap := decode[metrics.Snapshot](t, f.do(t, http.MethodGet, "/metrics", nil))
		assert.Equal(t, int64(1), snap.Operations[metrics.HTTPOperation("rate_limited")].Count)
	})
}

func TestRateLimit_ClientKey(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		headers    map[string]string
		want       string
	}{
		{"peer address", false, nil, "192.0.2.1"},
		{"forwarded ignored when untrusted", false, map[string]string{"X-Forwarded-For": "203.0.113.7"}, "192.0.2.1"},
		{"first forwarded hop", true, map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "203.0.113.7"},
		{"real ip", true, map[string]string{"X-Real-IP": "203.0.113.9"}, "203.0.113.9"},
		{"trusted without headers", true, nil, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := newRateLimiter(10, time.Minute, tt.trustProxy)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/rag/stats", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, l.clientKey(req))
		})
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	f := newFixture(t, WithRateLimit(1, time.Hour, true))

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/ingestion/stats", nil)
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
}

func TestWithRateLimit_Options(t *testing.T) {
	tests := []struct {
		name     string
		requests int
		window   time.Duration
		wantErr  bool
		enabled  bool
	}{
		{"disabled", 0, 0, false, false},
		{"enabled", 100, 15 * time.Minute, false, true},
		{"negative requests", -1, time.Minute, true, false},
		{"zero window", 10, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewServer(&ingestion.Orchestrator{}, &search.Retriever{}, WithRateLimit(tt.requests, tt.window, false))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.enabled, srv.limiter != nil)
		})
	}
}
