// Package mcp exposes retrieval and ingestion as Model Context Protocol tools
// served over stdio, so analysis agents can query the corpus and schedule
// ingestion without going through the HTTP API.
package mcp
