package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/search"
)

func sourceNames() []string {
	names := make([]string, 0, len(core.Sources))
	for _, s := range core.Sources {
		names = append(names, string(s))
	}
	return names
}

// ragQueryTool returns the tool definition for rag_query
func ragQueryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rag_query",
		Description: "Retrieve biodiversity records semantically similar to a natural language query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language query, e.g. 'jaguar sightings in the Pantanal'",
				},
				"maxResults": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return",
					"default":     search.DefaultMaxResults,
					"minimum":     1,
					"maximum":     search.MaxResultsCeiling,
				},
				"threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum cosine similarity of a result",
					"default":     search.DefaultThreshold,
					"minimum":     -1,
					"maximum":     1,
				},
				"sources": map[string]interface{}{
					"type":        "array",
					"description": "Restrict results to these providers",
					"items": map[string]interface{}{
						"type": "string",
						"enum": sourceNames(),
					},
				},
			},
			Required: []string{"query"},
		},
	}
}

// ingestionStartTool returns the tool definition for ingestion_start
func ingestionStartTool() mcp.Tool {
	return mcp.Tool{
		Name:        "ingestion_start",
		Description: "Schedule an ingestion job that fetches, embeds and stores records from one provider",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"source": map[string]interface{}{
					"type":        "string",
					"description": "Provider to ingest from",
					"enum":        sourceNames(),
				},
				"species": map[string]interface{}{
					"type":        "string",
					"description": "Scientific name to search for",
				},
				"country": map[string]interface{}{
					"type":        "string",
					"description": "ISO 3166-1 alpha-2 country code",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of records to fetch",
					"minimum":     0,
					"maximum":     core.MaxJobLimit,
				},
			},
			Required: []string{"source"},
		},
	}
}

// jobStatusTool returns the tool definition for job_status
func jobStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "job_status",
		Description: "Report the status, phase, progress and results of an ingestion job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"jobId": map[string]interface{}{
					"type":        "string",
					"description": "Job id returned by ingestion_start",
				},
			},
			Required: []string{"jobId"},
		},
	}
}

// ragStatsTool returns the tool definition for rag_stats
func ragStatsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rag_stats",
		Description: "Summarize the stored corpus: document and embedding counts by source and type",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
