package search

import (
	"github.com/poiesic/curupira/core"
	"github.com/poiesic/curupira/embedding"
)

// SearchMonitor provides hooks to observe a query.
// Implement this interface to trace the intermediate steps of a search.
type SearchMonitor interface {
	Start(query string)
	AfterEmbedding(result *embedding.Result)
	AfterVectorSearch(source core.Source, results []*core.SearchResult)
	Finish(hits []Hit)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                                          {}
func (n *noopMonitor) AfterEmbedding(_ *embedding.Result)                      {}
func (n *noopMonitor) AfterVectorSearch(_ core.Source, _ []*core.SearchResult) {}
func (n *noopMonitor) Finish(_ []Hit)                                          {}
