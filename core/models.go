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


package core

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for stored documents and embeddings.
// It is generated using content-based hashing or database sequences.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// Source identifies one of the supported biodiversity data providers.
type Source string

const (
	// SourceGBIF is the Global Biodiversity Information Facility.
	SourceGBIF Source = "gbif"
	// SourceOBIS is the Ocean Biodiversity Information System.
	SourceOBIS Source = "obis"
	// SourceEBird is the eBird bird observation network.
	SourceEBird Source = "ebird"
	// SourceIUCN is the IUCN Red List conservation status service.
	SourceIUCN Source = "iucn"
)

// Sources lists every supported provider in a stable order.
var Sources = []Source{SourceGBIF, SourceOBIS, SourceEBird, SourceIUCN}

// ParseSource converts a caller supplied name into a Source.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if !src.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, s)
	}
	return src, nil
}

// Valid reports whether s is one of the supported providers.
func (s Source) Valid() bool {
	switch s {
	case SourceGBIF, SourceOBIS, SourceEBird, SourceIUCN:
		return true
	}
	return false
}

// DocumentType classifies what a document describes.
type DocumentType string

const (
	DocumentTypeSpecies     DocumentType = "species"
	DocumentTypeOccurrence  DocumentType = "occurrence"
	DocumentTypeObservation DocumentType = "observation"
	DocumentTypeAssessment  DocumentType = "assessment"
)

// ParseDocumentType converts a caller supplied name into a DocumentType.
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown document type %q", ErrInvalidParameters, s)
	}
	return t, nil
}

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeSpecies, DocumentTypeOccurrence, DocumentTypeObservation, DocumentTypeAssessment:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
// Status only moves forward: queued → running → {completed, failed, cancelled}.
// A queued job may also be cancelled or failed before it starts running.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCancelled || next == JobStatusFailed
	case JobStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// ParseJobStatus converts a caller supplied name into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown job status %q", ErrInvalidParameters, s)
}

// Phase is the processing stage of a running job.
type Phase string

const (
	PhaseFetching   Phase = "fetching"
	PhaseProcessing Phase = "processing"
	PhaseEmbedding  Phase = "embedding"
	PhaseStoring    Phase = "storing"
	PhaseCompleted  Phase = "completed"
)

// Rank orders phases so callers can enforce forward-only movement.
// Embedding and storing interleave per batch and share a rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseFetching:
		return 1
	case PhaseProcessing:
		return 2
	case PhaseEmbedding, PhaseStoring:
		return 3
	case PhaseCompleted:
		return 4
	}
	return 0
}

// Progress tracks how far a job has come within its current phase.
type Progress struct {
	Processed  int
	Total      int
	Percentage float64
}

// GeoLocation narrows a provider query to a geographic area.
type GeoLocation struct {
	Latitude  *float64
	Longitude *float64
	RadiusKm  float64
	Country   string // ISO 3166-1 alpha-2
}

// DateRange limits a provider query to events within [Start, End].
type DateRange struct {
	Start time.Time
	End   time.Time
}

// JobOptions tunes how a job processes its records.
type JobOptions struct {
	// DisableEmbedding stores documents without generating embeddings.
	DisableEmbedding bool
	// BatchSize overrides the orchestrator batch size when positive.
	BatchSize int
}

// JobParameters is the request payload of an ingestion job.
type JobParameters struct {
	Species    string
	Location   *GeoLocation
	DateRange  *DateRange
	RecordType string
	Limit      int
	Offset     int
	Options    JobOptions
}

// JobResults summarizes what a job produced.
type JobResults struct {
	DocumentsIngested int
	EmbeddingsCreated int
	Errors            int
	ErrorMessages     []string
}

// IngestionJob is one asynchronous unit of ingestion work.
type IngestionJob struct {
	ID          string
	Source      Source
	Status      JobStatus
	Phase       Phase
	Progress    Progress
	Parameters  JobParameters
	Results     JobResults
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}

// Timestamp returns t in UTC at the microsecond precision records are stored
// with, so a value read back equals the value written.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.Truncate(time.Microsecond).UTC()
}

// Duration returns the elapsed run time when the job has both started and finished.
func (j *IngestionJob) Duration() (time.Duration, bool) {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0, false
	}
	return j.CompletedAt.Sub(j.StartedAt), true
}

// RawRecord is a single item returned by a provider.
// Only the fields needed to build a document are modeled; the rest lands in Extra.
type RawRecord struct {
	Source         Source
	ID             string
	Type           DocumentType
	ScientificName string
	CommonName     string
	Kingdom        string
	Phylum         string
	Class          string
	Order          string
	Family         string
	Genus          string
	Country        string
	Locality       string
	Latitude       *float64
	Longitude      *float64
	EventDate      time.Time
	Category       string // conservation category, e.g. "EN"
	Count          int
	Extra          map[string]string
}

// Location is where a document's subject was recorded.
type Location struct {
	Country   string
	Latitude  float64
	Longitude float64
}

// DocumentMetadata is attached to every document and denormalized onto its embeddings.
type DocumentMetadata struct {
	Source         Source
	Type           DocumentType
	ScientificName string
	Location       *Location
	IngestedAt     time.Time
	OriginalID     string
	JobID          string
	ChunkIndex     int // -1 for the whole document
	TotalChunks    int
}

// Country returns the metadata country or "" when no location is known.
func (m *DocumentMetadata) Country() string {
	if m.Location == nil {
		return ""
	}
	return m.Location.Country
}

// ProcessedDocument is the normalized form of a RawRecord.
type ProcessedDocument struct {
	Content  string
	Metadata DocumentMetadata
	Chunks   []string // populated only when Content exceeds the chunk size
}

// Document is a ProcessedDocument after it has been persisted.
type Document struct {
	ID        ID
	Content   string
	Metadata  DocumentMetadata
	CreatedAt time.Time
}

// StoredEmbedding is the persisted unit searched by similarity.
type StoredEmbedding struct {
	ID         ID
	DocumentID ID
	Vector     []float32
	Text       string
	Metadata   DocumentMetadata
	Model      string
	CreatedAt  time.Time
}

// SearchFilters are exact-match constraints applied before scoring.
// Empty fields do not constrain the search.
type SearchFilters struct {
	Source         Source
	Type           DocumentType
	ScientificName string
	Country        string
}

// IsEmpty reports whether no filter is set.
func (f SearchFilters) IsEmpty() bool {
	return f.Source == "" && f.Type == "" && f.ScientificName == "" && f.Country == ""
}

// Matches reports whether the metadata satisfies every set filter.
func (f SearchFilters) Matches(m *DocumentMetadata) bool {
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.ScientificName != "" && m.ScientificName != f.ScientificName {
		return false
	}
	if f.Country != "" && m.Country() != f.Country {
		return false
	}
	return true
}

// SearchResult pairs a stored embedding with its similarity to the query.
type SearchResult struct {
	Embedding *StoredEmbedding
	Score     float32
}

// StoreStatistics summarizes the contents of the vector store.
type StoreStatistics struct {
	TotalDocuments  int
	TotalEmbeddings int
	CountsBySource  map[Source]int
	CountsByType    map[DocumentType]int
}
