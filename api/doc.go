// Package api exposes ingestion and retrieval over HTTP.
//
// Every response is JSON. Failures render as
//
//	{"error": {"message": ..., "code": ..., "timestamp": ..., "requestId": ...}}
//
// with the HTTP status taken from the error's place in the core taxonomy.
package api
