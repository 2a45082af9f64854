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


package processor

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/curupira/core"
)

const (
	// DefaultChunkSize is the default window length in runes.
	DefaultChunkSize = 1000

	// DefaultOverlap is the default number of runes shared by adjacent windows.
	DefaultOverlap = 200

	missing = "N/A"
)

// ErrInvalidChunking is returned for a chunk size and overlap that cannot
// make progress through the text.
var ErrInvalidChunking = errors.New("chunk size must exceed overlap and overlap must not be negative")

// Processor normalizes raw records into documents.
type Processor struct {
	chunkSize int
	overlap   int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor) error

// WithChunkSize sets the maximum chunk length in runes.
func WithChunkSize(size int) Option {
	return func(p *Processor) error {
		p.chunkSize = size
		return nil
	}
}

// WithOverlap sets how many runes adjacent chunks share.
func WithOverlap(overlap int) Option {
	return func(p *Processor) error {
		p.overlap = overlap
		return nil
	}
}

// WithClock overrides the clock used for ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		p.now = now
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// New creates a Processor. Chunk size must be greater than overlap, and
// overlap must be non-negative.
func New(opts ...Option) (*Processor, error) {
	p := &Processor{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
		now:       func() time.Time { return core.Timestamp(time.Now()) },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.overlap < 0 || p.chunkSize <= p.overlap {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunking, p.chunkSize, p.overlap)
	}
	p.logger = p.logger.With("component", "document-processor")
	return p, nil
}

// ChunkSize returns the configured window length.
func (p *Processor) ChunkSize() int { return p.chunkSize }

// Overlap returns the configured window overlap.
func (p *Processor) Overlap() int { return p.overlap }

// Process converts one record into a document. It returns nil when the record
// carries neither a scientific name nor a provider id, or comes from an
// unknown source.
func (p *Processor) Process(rec core.RawRecord) *core.ProcessedDocument {
	if !rec.Source.Valid() {
		p.logger.Warn("skipping record from unknown source", "source", rec.Source, "id", rec.ID)
		return nil
	}
	if strings.TrimSpace(rec.ScientificName) == "" && strings.TrimSpace(rec.ID) == "" {
		p.logger.Warn("skipping record without name or id", "source", rec.Source)
		return nil
	}

	content := Summarize(rec)
	doc := &core.ProcessedDocument{
		Content: content,
		Metadata: core.DocumentMetadata{
			Source:         rec.Source,
			Type:           documentType(rec),
			ScientificName: strings.TrimSpace(rec.ScientificName),
			Location:       location(rec),
			IngestedAt:     p.now(),
			OriginalID:     rec.ID,
			ChunkIndex:     -1,
		},
	}

	if len([]rune(content)) > p.chunkSize {
		doc.Chunks = Chunk(content, p.chunkSize, p.overlap)
		doc.Metadata.TotalChunks = len(doc.Chunks)
	}
	return doc
}

// Summarize renders a record as labeled lines in a fixed order. Blank fields
// render as "N/A" so identical records always produce identical text.
func Summarize(rec core.RawRecord) string {
	var b strings.Builder
	line := func(label, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			value = missing
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	line("Source", strings.ToUpper(string(rec.Source)))
	line("Record Type", string(documentType(rec)))
	line("Scientific Name", rec.ScientificName)
	line("Common Name", rec.CommonName)
	line("Kingdom", rec.Kingdom)
	line("Phylum", rec.Phylum)
	line("Class", rec.Class)
	line("Order", rec.Order)
	line("Family", rec.Family)
	line("Genus", rec.Genus)
	line("Country", rec.Country)
	line("Locality", rec.Locality)
	line("Coordinates", coordinates(rec.Latitude, rec.Longitude))
	line("Date", formatDate(rec.EventDate))
	line("Conservation Status", rec.Category)
	if rec.Count > 0 {
		line("Individual Count", strconv.Itoa(rec.Count))
	}
	for _, k := range slices.Sorted(maps.Keys(rec.Extra)) {
		line(k, rec.Extra[k])
	}
	line("Record ID", rec.ID)

	return strings.TrimSuffix(b.String(), "\n")
}

func documentType(rec core.RawRecord) core.DocumentType {
	if rec.Type != "" {
		return rec.Type
	}
	switch rec.Source {
	case core.SourceEBird:
		return core.DocumentTypeObservation
	case core.SourceIUCN:
		return core.DocumentTypeAssessment
	}
	return core.DocumentTypeOccurrence
}

func location(rec core.RawRecord) *core.Location {
	country := strings.TrimSpace(rec.Country)
	hasCoords := rec.Latitude != nil && rec.Longitude != nil
	if country == "" && !hasCoords {
		return nil
	}
	loc := &core.Location{Country: country}
	if hasCoords {
		loc.Latitude = *rec.Latitude
		loc.Longitude = *rec.Longitude
	}
	return loc
}

func coordinates(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return ""
	}
	return strconv.FormatFloat(*lat, 'f', 6, 64) + ", " + strconv.FormatFloat(*lon, 'f', 6, 64)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}
