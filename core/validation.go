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
	"fmt"
	"math"
)

// MaxJobLimit bounds how many records a single job may request.
const MaxJobLimit = 10000

// ValidateJobParameters validates the request payload of an ingestion job.
//
// Validation rules:
//   - Limit and Offset must not be negative, Limit must not exceed MaxJobLimit
//   - Latitude must be within [-90, 90], longitude within [-180, 180]
//   - Radius must not be negative
//   - Country, when set, must be a two letter code
//   - DateRange end must not precede its start
//
// NOT validated:
//   - Species (free text forwarded to the provider)
//   - RecordType (each provider ignores types it does not know)
func ValidateJobParameters(p *JobParameters) error {
	if p == nil {
		return nil
	}
	if p.Limit < 0 || p.Limit > MaxJobLimit {
		return &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 0 and %d", MaxJobLimit), Err: ErrInvalidParameters}
	}
	if p.Offset < 0 {
		return &ValidationError{Field: "offset", Message: "must not be negative", Err: ErrInvalidParameters}
	}
	if p.Options.BatchSize < 0 {
		return &ValidationError{Field: "options.batchSize", Message: "must not be negative", Err: ErrInvalidParameters}
	}
	if loc := p.Location; loc != nil {
		if loc.Latitude != nil && (*loc.Latitude < -90 || *loc.Latitude > 90) {
			return &ValidationError{Field: "location.latitude", Message: "must be between -90 and 90", Err: ErrInvalidParameters}
		}
		if loc.Longitude != nil && (*loc.Longitude < -180 || *loc.Longitude > 180) {
			return &ValidationError{Field: "location.longitude", Message: "must be between -180 and 180", Err: ErrInvalidParameters}
		}
		if loc.RadiusKm < 0 {
			return &ValidationError{Field: "location.radius", Message: "must not be negative", Err: ErrInvalidParameters}
		}
		if loc.Country != "" && len(loc.Country) != 2 {
			return &ValidationError{Field: "location.country", Message: "must be an ISO 3166-1 alpha-2 code", Err: ErrInvalidParameters}
		}
	}
	if dr := p.DateRange; dr != nil && !dr.Start.IsZero() && !dr.End.IsZero() && dr.End.Before(dr.Start) {
		return &ValidationError{Field: "dateRange", Message: "end precedes start", Err: ErrInvalidParameters}
	}
	return nil
}

// ValidateVector checks that v has the expected dimension and only finite components.
func ValidateVector(v []float32, dimension int) error {
	if len(v) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dimension, len(v))
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: index %d", ErrNonFiniteVector, i)
		}
	}
	return nil
}

// ValidateTransition checks a job status change against the lifecycle.
func ValidateTransition(from, to JobStatus) error {
	if from == to || from.CanTransition(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
