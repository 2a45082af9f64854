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
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Domain validation errors
var (
	// ErrUnsupportedSource indicates a provider name outside the supported set.
	ErrUnsupportedSource = errors.New("unsupported source")

	// ErrInvalidParameters indicates malformed job or query parameters.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrDimensionMismatch indicates a vector of the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNonFiniteVector indicates a vector containing NaN or Inf.
	ErrNonFiniteVector = errors.New("vector contains non-finite values")

	// ErrInvalidTransition indicates a job status moving backwards.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrTruncatedRecord indicates a serialized record ended early.
	ErrTruncatedRecord = errors.New("truncated record")
)

// Machine readable error codes rendered at the API boundary.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND_ERROR"
	CodeConflict          = "CONFLICT_ERROR"
	CodeService           = "SERVICE_ERROR"
	CodeRateLimit         = "RATE_LIMIT_ERROR"
	CodeTimeout           = "TIMEOUT_ERROR"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED_ERROR"
	CodeIngestion         = "INGESTION_ERROR"
	CodeRAG               = "RAG_ERROR"
	CodeDatabase          = "DATABASE_ERROR"
	CodeConfiguration     = "CONFIGURATION_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// CodedError is implemented by every typed error in the taxonomy.
type CodedError interface {
	error
	Code() string
	HTTPStatus() int
}

// ExternalServiceError reports a failed provider call.
// StatusCode is zero when the failure happened before a response arrived.
type ExternalServiceError struct {
	Provider   Source
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *ExternalServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Code distinguishes rate limiting and timeouts from other provider failures.
func (e *ExternalServiceError) Code() string {
	switch {
	case e.Timeout:
		return CodeTimeout
	case e.StatusCode == http.StatusTooManyRequests:
		return CodeRateLimit
	}
	return CodeService
}

func (e *ExternalServiceError) HTTPStatus() int {
	switch e.Code() {
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

// Retryable reports whether repeating the call might succeed.
func (e *ExternalServiceError) Retryable() bool {
	if e.Timeout || e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// IngestionError is an orchestration level failure. It is always fatal to the job.
type IngestionError struct {
	JobID   string
	Message string
	Err     error
}

func (e *IngestionError) Error() string {
	if e.JobID == "" {
		return "ingestion: " + e.Message
	}
	return fmt.Sprintf("ingestion job %s: %s", e.JobID, e.Message)
}

func (e *IngestionError) Unwrap() error { return e.Err }
func (e *IngestionError) Code() string  { return CodeIngestion }

func (e *IngestionError) HTTPStatus() int {
	if errors.Is(e.Err, ErrUnsupportedSource) || errors.Is(e.Err, ErrInvalidParameters) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// RAGError is an embedding or similarity search failure.
type RAGError struct {
	Message string
	Err     error
	// Invalid marks failures caused by caller input such as blank text.
	Invalid bool
}

func (e *RAGError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rag: %s: %v", e.Message, e.Err)
	}
	return "rag: " + e.Message
}

func (e *RAGError) Unwrap() error { return e.Err }
func (e *RAGError) Code() string  { return CodeRAG }

func (e *RAGError) HTTPStatus() int {
	if e.Invalid {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error   { return e.Err }
func (e *ValidationError) Code() string    { return CodeValidation }
func (e *ValidationError) HTTPStatus() int { return http.StatusUnprocessableEntity }

// NotFoundError reports a missing job or document.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string   { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Code() string    { return CodeNotFound }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ConflictError reports an operation that is invalid for the current state.
type ConflictError struct {
	Message string
	Err     error
}

func (e *ConflictError) Error() string   { return e.Message }
func (e *ConflictError) Unwrap() error   { return e.Err }
func (e *ConflictError) Code() string    { return CodeConflict }
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// ResourceExhaustedError reports saturated worker capacity.
type ResourceExhaustedError struct {
	Resource string
	Err      error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted, retry later", e.Resource)
}

func (e *ResourceExhaustedError) Unwrap() error   { return e.Err }
func (e *ResourceExhaustedError) Code() string    { return CodeResourceExhausted }
func (e *ResourceExhaustedError) HTTPStatus() int { return http.StatusServiceUnavailable }

// RateLimitError reports a client that exceeded its request allowance.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", RetryAfterSeconds(e.RetryAfter))
}

func (e *RateLimitError) Code() string    { return CodeRateLimit }
func (e *RateLimitError) HTTPStatus() int { return http.StatusTooManyRequests }

// RetryAfterSeconds rounds d up to whole seconds, at least one.
func RetryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// DatabaseError wraps a storage failure.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string   { return fmt.Sprintf("database %s: %v", e.Op, e.Err) }
func (e *DatabaseError) Unwrap() error   { return e.Err }
func (e *DatabaseError) Code() string    { return CodeDatabase }
func (e *DatabaseError) HTTPStatus() int { return http.StatusInternalServerError }

// ConfigurationError reports an unusable configuration value.
type ConfigurationError struct {
	Key     string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Key, e.Message)
}

func (e *ConfigurationError) Code() string    { return CodeConfiguration }
func (e *ConfigurationError) HTTPStatus() int { return http.StatusInternalServerError }

// ErrorCode returns the code and status of the first CodedError in err's chain.
// Errors outside the taxonomy map to INTERNAL_ERROR / 500.
func ErrorCode(err error) (string, int) {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code(), coded.HTTPStatus()
	}
	return CodeInternal, http.StatusInternalServerError
}
