// Package reembed regenerates every stored embedding with the configured model.
//
// Run it after switching embedding models: each embedding's stored text is
// embedded again in batches, with retries and progress reporting, and the
// vector and model id are replaced in place. Metadata and filter indexes are
// left untouched. The new model must produce vectors of the store's dimension.
package reembed
