package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"psdconverter/models"
	"psdconverter/services"

	"go.uber.org/zap"
)

// StatusClientClosedRequest reports a conversion abandoned because the client
// went away. It is never seen by that client, only by logs and proxies.
const StatusClientClosedRequest = 499

type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeValidation       ErrorCode = "VALIDATION_FAILED"
	ErrCodeOverloaded       ErrorCode = "OVERLOADED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeConversionFailed ErrorCode = "CONVERSION_FAILED"
	ErrCodeTimeout          ErrorCode = "CONVERSION_TIMEOUT"
	ErrCodeClientClosed     ErrorCode = "CLIENT_CLOSED_REQUEST"
	ErrCodeUploadTimeout    ErrorCode = "UPLOAD_TIMEOUT"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// BatchErrorResponse is returned when a multi-file request fails as a whole.
type BatchErrorResponse struct {
	Error       ErrorDetail `json:"error"`
	Details     []string    `json:"details,omitempty"`
	FailedFiles []string    `json:"failed_files,omitempty"`
}

// JSON sends a JSON response.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error sends an error response.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError sends a 500 without exposing err.
func InternalError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("internal error", zap.Error(err))
	}
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// validationReason extracts the client-safe reason from a validation error.
func validationReason(err error) string {
	var f *models.ConversionFailure
	if !errors.As(err, &f) {
		return strings.TrimPrefix(err.Error(), services.ErrValidation.Error()+": ")
	}
	if f.Err == nil {
		return f.Detail
	}
	reason := strings.TrimPrefix(f.Err.Error(), services.ErrValidation.Error()+": ")
	return f.Detail + ": " + reason
}

// writeFailure maps an orchestrator error to a response. Converter output and
// internal paths never reach the client.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		Error(w, http.StatusRequestTimeout, ErrCodeUploadTimeout, "upload timed out")
	case errors.Is(err, services.ErrValidation):
		Error(w, http.StatusBadRequest, ErrCodeValidation, validationReason(err))
	case errors.Is(err, services.ErrCanceled):
		Error(w, StatusClientClosedRequest, ErrCodeClientClosed, "client closed request")
	case errors.Is(err, services.ErrOverloaded):
		w.Header().Set("Retry-After", strconv.Itoa(h.retryAfter()))
		Error(w, http.StatusServiceUnavailable, ErrCodeOverloaded, "server is busy, retry later")
	case errors.Is(err, services.ErrTimeout):
		Error(w, http.StatusInternalServerError, ErrCodeTimeout, "conversion timed out")
	case errors.Is(err, services.ErrConversion):
		Error(w, http.StatusInternalServerError, ErrCodeConversionFailed, "conversion failed")
	default:
		InternalError(w, h.logger, nil)
	}
}
