package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/ingestion"
	"github.com/poiesic/curupira/search"
)

// MCP error codes
const (
	ErrorCodeInvalidParams = -32602 // Invalid method parameters
	ErrorCodeInternalError = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound      = -32001 // Job does not exist
	ErrorCodeUnavailable   = -32002 // Worker pool saturated or provider down
)

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{Code: code, Message: message, Data: data}
}

func (s *Server) handleRAGQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	req := search.QueryRequest{
		Query:      query,
		MaxResults: getIntDefault(args, "maxResults", 0),
	}
	if v, ok := args["threshold"].(float64); ok {
		t := float32(v)
		req.Threshold = &t
	}
	sources, err := getSources(args)
	if err != nil {
		return nil, err
	}
	req.Sources = sources

	resp, err := s.retrieval.Query(ctx, req)
	if err != nil {
		return nil, s.toolError("rag_query", err)
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, hit := range resp.Results {
		r := map[string]interface{}{
			"content":         hit.Content,
			"source":          hit.Source,
			"score":           hit.Score,
			"document_id":     uint64(hit.DocumentID),
			"scientific_name": hit.Metadata.ScientificName,
			"type":            hit.Metadata.Type,
		}
		if loc := hit.Metadata.Location; loc != nil {
			r["country"] = loc.Country
			r["latitude"] = loc.Latitude
			r["longitude"] = loc.Longitude
		}
		if len(hit.MatchedTerms) > 0 {
			r["matched_terms"] = hit.MatchedTerms
		}
		results = append(results, r)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"query":              resp.Query,
		"results":            results,
		"total_results":      resp.TotalResults,
		"processing_time_ms": resp.ProcessingTime.Milliseconds(),
	})), nil
}

func (s *Server) handleIngestionStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	source, ok := args["source"].(string)
	if !ok || source == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "source parameter is required", map[string]interface{}{
			"param":  "source",
			"reason": "missing or empty",
		})
	}

	params := core.JobParameters{
		Species: getStringDefault(args, "species", ""),
		Limit:   getIntDefault(args, "limit", 0),
	}
	if country := getStringDefault(args, "country", ""); country != "" {
		params.Location = &core.GeoLocation{Country: strings.ToUpper(country)}
	}

	job, err := s.ingestion.Start(ctx, ingestion.StartRequest{Source: source, Parameters: params})
	if err != nil {
		return nil, s.toolError("ingestion_start", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"job_id":     job.ID,
		"source":     job.Source,
		"status":     job.Status,
		"created_at": job.CreatedAt,
	})), nil
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	id, ok := args["jobId"].(string)
	if !ok || id == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "jobId parameter is required", map[string]interface{}{
			"param":  "jobId",
			"reason": "missing or empty",
		})
	}

	job, err := s.ingestion.Status(ctx, id)
	if err != nil {
		return nil, s.toolError("job_status", err)
	}

	response := map[string]interface{}{
		"job_id":             job.ID,
		"source":             job.Source,
		"status":             job.Status,
		"phase":              job.Phase,
		"processed":          job.Progress.Processed,
		"total":              job.Progress.Total,
		"percentage":         job.Progress.Percentage,
		"documents_ingested": job.Results.DocumentsIngested,
		"embeddings_created": job.Results.EmbeddingsCreated,
		"errors":             job.Results.Errors,
	}
	if job.Error != "" {
		response["error"] = job.Error
	}
	if d, ok := job.Duration(); ok {
		response["duration_ms"] = d.Milliseconds()
	}
	if len(job.Results.ErrorMessages) > 0 {
		// Include first few errors
		msgs := job.Results.ErrorMessages
		if len(msgs) > 5 {
			msgs = msgs[:5]
		}
		response["error_messages"] = msgs
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

func (s *Server) handleRAGStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.retrieval.Stats(ctx)
	if err != nil {
		return nil, s.toolError("rag_stats", err)
	}

	sources := make(map[string]int, len(stats.Sources))
	for src, n := range stats.Sources {
		sources[string(src)] = n
	}
	types := make(map[string]int, len(stats.Types))
	for typ, n := range stats.Types {
		types[string(typ)] = n
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"total_documents":  stats.TotalDocuments,
		"total_embeddings": stats.TotalEmbeddings,
		"sources":          sources,
		"types":            types,
		"model":            stats.Model,
		"dimension":        stats.Dimension,
	})), nil
}

// toolError maps a service error onto an MCP error. Causes of internal
// failures are logged, not returned.
func (s *Server) toolError(tool string, err error) error {
	code, status := core.ErrorCode(err)
	data := map[string]interface{}{"code": code}

	switch {
	case status == http.StatusNotFound:
		return newMCPError(ErrorCodeNotFound, err.Error(), data)
	case status == http.StatusServiceUnavailable:
		return newMCPError(ErrorCodeUnavailable, err.Error(), data)
	case status < http.StatusInternalServerError:
		return newMCPError(ErrorCodeInvalidParams, err.Error(), data)
	}

	s.logger.Error("tool failed", "tool", tool, "err", err)
	msg := tool + " failed"
	var rerr *core.RAGError
	if errors.As(err, &rerr) {
		msg = "rag: " + rerr.Message
	}
	return newMCPError(ErrorCodeInternalError, msg, data)
}

// getSources extracts the optional sources array.
func getSources(args map[string]interface{}) ([]core.Source, error) {
	raw, ok := args["sources"]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "sources must be an array of strings", map[string]interface{}{
			"param": "sources",
		})
	}

	sources := make([]core.Source, 0, len(items))
	for _, item := range items {
		name, _ := item.(string)
		src, err := core.ParseSource(name)
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{
				"param":   "sources",
				"value":   item,
				"allowed": sourceNames(),
			})
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
