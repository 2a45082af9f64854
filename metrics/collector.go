// Package metrics aggregates in-memory operation timings for the HTTP
// surface, ingestion jobs, embedding calls and vector searches.
//
// A nil *Collector is valid and records nothing, so components take one as
// an optional dependency.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names recorded by the service components.
const (
	OpEmbedding      = "embedding"
	OpEmbeddingBatch = "embedding_batch"
	OpProviderFetch  = "provider_fetch"
	OpIngestionJob   = "ingestion_job"
	OpVectorSearch   = "vector_search"
	OpRAGQuery       = "rag_query"
)

// HTTPOperation names the operation recorded for a routed request pattern.
func HTTPOperation(pattern string) string {
	if pattern == "" {
		pattern = "unmatched"
	}
	return "http " + pattern
}

// OperationMetrics holds aggregated metrics for a single operation.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`
}

// Snapshot represents the collected statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64                      `json:"uptimeSeconds"`
	ActiveRequests int64                        `json:"activeRequests"`
	Operations     map[string]OperationSnapshot `json:"operations"`
}

// Names returns the recorded operation names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Operations))
	for name := range s.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	active    atomic.Int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records one run of op that took duration.
func (c *Collector) RecordTiming(op string, duration time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	if failed {
		m.Failures++
	}
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// Observe records one run of op that started at start and ended with err.
func (c *Collector) Observe(op string, start time.Time, err error) {
	c.RecordTiming(op, time.Since(start), err != nil)
}

// RequestStarted counts an in-flight request until the returned func runs.
func (c *Collector) RequestStarted() (done func()) {
	if c == nil {
		return func() {}
	}
	c.active.Add(1)
	return func() { c.active.Add(-1) }
}

func snapshotOp(m *OperationMetrics) OperationSnapshot {
	return OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime) / float64(time.Millisecond) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{Operations: map[string]OperationSnapshot{}}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	ops := make(map[string]OperationSnapshot, len(c.ops))
	for name, m := range c.ops {
		ops[name] = snapshotOp(m)
	}
	return Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		ActiveRequests: c.active.Load(),
		Operations:     ops,
	}
}
