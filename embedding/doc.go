// Package embedding turns text into validated, fixed-dimension vectors.
//
// A Generator wraps an ai.Embedder and adds the checks the rest of the
// pipeline relies on: blank input is rejected, oversize input is truncated,
// returned vectors are validated against the configured dimension, and
// identical texts under the same model are served from an LRU cache.
//
// EmbedBatch processes texts in fixed-size batches. Items within a batch run
// concurrently on a bounded worker pool and fail independently; a short delay
// separates batches to respect upstream rate limits.
package embedding
