package handler

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/devrev/pairdb/replicator/internal/errors"
	"github.com/devrev/pairdb/replicator/internal/middleware"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorWriter maps errors to HTTP error responses.
type ErrorWriter struct {
	logger *zap.Logger
}

// NewErrorWriter creates a new error writer.
func NewErrorWriter(logger *zap.Logger) *ErrorWriter {
	return &ErrorWriter{logger: logger}
}

// HandleError writes err with the status and code of its ReplicationError.
// Errors without a code are reported as internal errors.
func (e *ErrorWriter) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	e.WriteErrorResponse(w, r, apperrors.HTTPStatus(err), apperrors.GetCode(err).String(), err.Error())
}

// WriteErrorResponse writes a formatted error response.
func (e *ErrorWriter) WriteErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	requestID := middleware.GetRequestID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get(middleware.RequestIDHeader)
	}

	log := e.logger.Debug
	if statusCode >= http.StatusInternalServerError {
		log = e.logger.Warn
	}
	log("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", errorCode),
		zap.String("message", message),
		zap.String("request_id", requestID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

// WriteValidationError writes a 400 response.
func (e *ErrorWriter) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	e.WriteErrorResponse(w, r, http.StatusBadRequest, apperrors.ErrCodeInvalidArgument.String(), message)
}
