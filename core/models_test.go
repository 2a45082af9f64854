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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDFromContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantSame bool
	}{
		{
			name:     "same content produces same ID",
			content:  "test content",
			wantSame: true,
		},
		{
			name:     "empty string",
			content:  "",
			wantSame: true,
		},
		{
			name:     "long content",
			content:  "Scientific Name: Panthera onca | Kingdom: Animalia | Country: BR",
			wantSame: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := IDFromContent(tt.content)
			id2 := IDFromContent(tt.content)
			if tt.wantSame {
				assert.Equal(t, id1, id2)
			}
		})
	}

	assert.NotEqual(t, IDFromContent("a"), IDFromContent("b"))
}

func TestParseSource(t *testing.T) {
	for _, name := range []string{"gbif", "OBIS", " ebird ", "iucn"} {
		src, err := ParseSource(name)
		require.NoError(t, err, name)
		assert.True(t, src.Valid())
	}

	_, err := ParseSource("inaturalist")
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		allowed  bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCancelled, JobStatusCompleted, false},
		{JobStatusFailed, JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPhaseRankIsForwardOnly(t *testing.T) {
	order := []Phase{PhaseFetching, PhaseProcessing, PhaseEmbedding, PhaseCompleted}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank())
	}
	assert.Equal(t, PhaseEmbedding.Rank(), PhaseStoring.Rank())
}

func TestParseDocumentType(t *testing.T) {
	for _, name := range []string{"species", "Occurrence", " observation ", "assessment"} {
		typ, err := ParseDocumentType(name)
		require.NoError(t, err, name)
		assert.True(t, typ.Valid())
	}

	_, err := ParseDocumentType("specimen")
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestTimestamp(t *testing.T) {
	assert.True(t, Timestamp(time.Time{}).IsZero())

	sp := time.FixedZone("BRT", -3*60*60)
	in := time.Date(2025, 3, 1, 10, 0, 0, 123456789, sp)
	got := Timestamp(in)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
	assert.True(t, got.Equal(in.Truncate(time.Microsecond)))
	assert.Equal(t, got, Timestamp(got))
}

func TestJobDuration(t *testing.T) {
	job := &IngestionJob{}
	_, ok := job.Duration()
	assert.False(t, ok)

	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	job.StartedAt = start
	job.CompletedAt = start.Add(90 * time.Second)
	d, ok := job.Duration()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}

func TestSearchFiltersMatches(t *testing.T) {
	meta := &DocumentMetadata{
		Source:         SourceGBIF,
		Type:           DocumentTypeOccurrence,
		ScientificName: "Panthera onca",
		Location:       &Location{Country: "BR"},
	}

	assert.True(t, SearchFilters{}.Matches(meta))
	assert.True(t, SearchFilters{Source: SourceGBIF, Country: "BR"}.Matches(meta))
	assert.False(t, SearchFilters{Source: SourceOBIS}.Matches(meta))
	assert.False(t, SearchFilters{Type: DocumentTypeAssessment}.Matches(meta))
	assert.False(t, SearchFilters{ScientificName: "Puma concolor"}.Matches(meta))

	meta.Location = nil
	assert.False(t, SearchFilters{Country: "BR"}.Matches(meta))
}
