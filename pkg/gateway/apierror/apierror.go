// Package apierror renders the gateway's HTTP JSON error envelope.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrTooLarge       ErrorType = "request_too_large"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
)

// Error is the body of every non-2xx JSON response.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError maps err to a canonical error and HTTP status.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(apiErr.Type)
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &Error{
			Type:      ErrTooLarge,
			Message:   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			RequestID: requestID,
		}, http.StatusRequestEntityTooLarge
	}

	// Pipeline stage failures. Collaborator detail stays in the logs.
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) && stageErr != nil {
		switch stageErr.Stage {
		case pipeline.StageMemory:
			return &Error{
				Type:      ErrOverloaded,
				Message:   "conversation memory unavailable",
				Code:      "memory_unavailable",
				RequestID: requestID,
			}, http.StatusServiceUnavailable
		case pipeline.StageTranscribe:
			if errors.Is(err, pipeline.ErrEmptyTranscript) {
				return &Error{
					Type:      ErrInvalidRequest,
					Message:   "no speech recognized",
					Code:      "empty_transcript",
					RequestID: requestID,
				}, http.StatusUnprocessableEntity
			}
		}
		return &Error{
			Type:      ErrProvider,
			Message:   fmt.Sprintf("%s failed", stageErr.Stage),
			Code:      string(stageErr.Stage) + "_failed",
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write renders e with status as the JSON envelope.
func Write(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	case ErrProvider:
		return http.StatusBadGateway
	case ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
