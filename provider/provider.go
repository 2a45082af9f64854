// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poiesic/curupira/core"
)

// DefaultTimeout bounds every provider request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body ends up in an error message.
const maxErrorBody = 512

// Client is one biodiversity data provider.
type Client interface {
	// Name identifies the provider.
	Name() core.Source

	// Search runs a normalized query against the provider.
	Search(ctx context.Context, q Query) (*SearchResponse, error)

	// HealthCheck performs a minimal request. It never returns an error.
	HealthCheck(ctx context.Context) Health
}

// Query is the provider independent search request.
type Query struct {
	ScientificName string
	Country        string // ISO 3166-1 alpha-2
	Latitude       *float64
	Longitude      *float64
	RadiusKm       float64
	RecordType     string
	StartDate      time.Time
	EndDate        time.Time
	Limit          int
	Offset         int
}

// HasPoint reports whether a geographic center is set.
func (q Query) HasPoint() bool {
	return q.Latitude != nil && q.Longitude != nil
}

// QueryFromParameters converts job parameters into a provider query.
func QueryFromParameters(p core.JobParameters) Query {
	q := Query{
		ScientificName: p.Species,
		RecordType:     p.RecordType,
		Limit:          p.Limit,
		Offset:         p.Offset,
	}
	if p.Location != nil {
		q.Country = p.Location.Country
		q.Latitude = p.Location.Latitude
		q.Longitude = p.Location.Longitude
		q.RadiusKm = p.Location.RadiusKm
	}
	if p.DateRange != nil {
		q.StartDate = p.DateRange.Start
		q.EndDate = p.DateRange.End
	}
	return q
}

// SearchResponse is the uniform result envelope.
type SearchResponse struct {
	Records      []core.RawRecord
	Total        int
	Offset       int
	Limit        int
	EndOfRecords bool
}

// HealthStatus is the outcome of a health check.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the structured result of a health check.
type Health struct {
	Provider  core.Source
	Status    HealthStatus
	Latency   time.Duration
	Error     string
	CheckedAt time.Time
}

// Option configures a provider client.
type Option func(*baseClient) error

// WithBaseURL overrides the provider endpoint.
func WithBaseURL(u string) Option {
	return func(c *baseClient) error {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("invalid base URL %q: %w", u, err)
		}
		c.baseURL = strings.TrimRight(u, "/")
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *baseClient) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *baseClient) error {
		if hc == nil {
			return errors.New("http client cannot be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithAPIKey sets the credential for providers that require one.
func WithAPIKey(key string) Option {
	return func(c *baseClient) error {
		c.apiKey = key
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *baseClient) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// baseClient holds the transport shared by all providers.
type baseClient struct {
	source     core.Source
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	apiKey     string
	logger     *slog.Logger
}

func newBaseClient(source core.Source, baseURL string, opts []Option) (*baseClient, error) {
	c := &baseClient{
		source:  source,
		baseURL: baseURL,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.logger = c.logger.With("component", "provider", "provider", string(source))
	return c, nil
}

// getJSON issues a GET to baseURL+path and decodes the JSON body into out.
func (c *baseClient) getJSON(ctx context.Context, path string, params url.Values, header http.Header, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return c.serviceError(0, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Debug("provider request", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return c.serviceError(resp.StatusCode, msg, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.transportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *baseClient) serviceError(status int, msg string, err error) error {
	return &core.ExternalServiceError{
		Provider:   c.source,
		StatusCode: status,
		Message:    msg,
		Err:        err,
	}
}

func (c *baseClient) transportError(err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	msg := err.Error()
	if timeout {
		msg = fmt.Sprintf("request timed out after %s", c.timeout)
	}
	return &core.ExternalServiceError{
		Provider: c.source,
		Message:  msg,
		Timeout:  timeout,
		Err:      err,
	}
}

// healthSearch runs a one-record search and reports the outcome.
func healthSearch(ctx context.Context, c Client, q Query) Health {
	start := time.Now()
	q.Limit = 1
	_, err := c.Search(ctx, q)

	h := Health{
		Provider:  c.Name(),
		Status:    StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}

// limitOrDefault returns limit capped at ceiling, or def when unset.
func limitOrDefault(limit, def, ceiling int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, ceiling)
}

// parseDate accepts the date formats the providers emit. The zero time is
// returned for anything unrecognized.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	// Ranges such as "2020-01-01/2020-01-31" use their start.
	if i := strings.IndexByte(s, '/'); i > 0 {
		s = s[:i]
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", time.DateOnly, "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func dateRange(start, end time.Time) string {
	if start.IsZero() && end.IsZero() {
		return ""
	}
	s, e := "*", "*"
	if !start.IsZero() {
		s = start.Format(time.DateOnly)
	}
	if !end.IsZero() {
		e = end.Format(time.DateOnly)
	}
	return s + "," + e
}
