package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/poiesic/curupira/core"
)

// maxBodyBytes bounds request bodies. A 768 float vector is about 16 KiB of JSON.
const maxBodyBytes = 1 << 20

// malformedBodyError is a request body that is not valid JSON for the endpoint.
type malformedBodyError struct {
	err error
}

func (e *malformedBodyError) Error() string   { return "malformed request body: " + e.err.Error() }
func (e *malformedBodyError) Unwrap() error   { return e.err }
func (e *malformedBodyError) Code() string    { return core.CodeValidation }
func (e *malformedBodyError) HTTPStatus() int { return http.StatusBadRequest }

type errorDetail struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// decodeJSON reads a single JSON object into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		return &malformedBodyError{err: err}
	}
	if dec.More() {
		return &malformedBodyError{err: errors.New("unexpected data after JSON object")}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "err", err)
	}
}

// writeError renders err with the status and code of its taxonomy type.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := core.ErrorCode(err)
	requestID := RequestIDFromContext(r.Context())

	logger := s.logger.With("request_id", requestID, "method", r.Method, "path", r.URL.Path, "status", status)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	} else {
		logger.Info("request rejected", "err", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Message:   publicMessage(err, status),
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
	}})
}

// publicMessage keeps wrapped driver and network errors out of 5xx bodies.
func publicMessage(err error, status int) string {
	var coded core.CodedError
	if !errors.As(err, &coded) {
		return "internal server error"
	}
	if status < http.StatusInternalServerError {
		return coded.Error()
	}
	switch e := coded.(type) {
	case *core.RAGError:
		return "rag: " + e.Message
	case *core.DatabaseError:
		return fmt.Sprintf("database %s failed", e.Op)
	}
	return coded.Error()
}
