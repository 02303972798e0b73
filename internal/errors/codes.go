package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for replication operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeDocumentNotFound ErrorCode = 1001
	ErrCodeConflictPending  ErrorCode = 1002
	ErrCodeDatabaseNotFound ErrorCode = 1003

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeAllNodesUnreachable ErrorCode = 2001
	ErrCodeReplicationRejected ErrorCode = 2002
	ErrCodeScriptFailed        ErrorCode = 2003
	ErrCodeTransportFailed     ErrorCode = 2004
)

// String returns the wire name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_REQUEST"
	case ErrCodeDocumentNotFound:
		return "DOCUMENT_NOT_FOUND"
	case ErrCodeConflictPending:
		return "CONFLICT_PENDING"
	case ErrCodeDatabaseNotFound:
		return "DATABASE_NOT_FOUND"
	case ErrCodeAllNodesUnreachable:
		return "ALL_NODES_UNREACHABLE"
	case ErrCodeReplicationRejected:
		return "REPLICATION_REJECTED"
	case ErrCodeScriptFailed:
		return "SCRIPT_FAILED"
	case ErrCodeTransportFailed:
		return "TRANSPORT_FAILED"
	default:
		return "INTERNAL_ERROR"
	}
}

// ReplicationError represents a structured error with code and context
type ReplicationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ReplicationError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *ReplicationError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeDocumentNotFound, ErrCodeDatabaseNotFound:
		return http.StatusNotFound
	case ErrCodeConflictPending:
		return http.StatusConflict
	case ErrCodeReplicationRejected:
		return http.StatusUnprocessableEntity
	case ErrCodeAllNodesUnreachable, ErrCodeTransportFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewReplicationError creates a new ReplicationError
func NewReplicationError(code ErrorCode, message string, cause error) *ReplicationError {
	return &ReplicationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ReplicationError) WithDetail(key string, value interface{}) *ReplicationError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInvalidArgument, message, cause)
}

func DocumentNotFound(docID string) *ReplicationError {
	return NewReplicationError(ErrCodeDocumentNotFound, fmt.Sprintf("document not found: %s", docID), nil).
		WithDetail("doc_id", docID)
}

// ConflictPending reports a read that hit unresolved conflicting versions.
// Callers should retry after a short delay.
func ConflictPending(docID string, versions int) *ReplicationError {
	return NewReplicationError(ErrCodeConflictPending,
		fmt.Sprintf("document %s has %d conflicting versions pending resolution", docID, versions), nil).
		WithDetail("doc_id", docID).
		WithDetail("versions", versions)
}

func DatabaseNotFound(db string) *ReplicationError {
	return NewReplicationError(ErrCodeDatabaseNotFound, fmt.Sprintf("database not found: %s", db), nil).
		WithDetail("database", db)
}

func InternalError(message string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeInternal, message, cause)
}

// AllNodesUnreachable reports that every node in the topology failed one operation
func AllNodesUnreachable(db string, attempted int, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeAllNodesUnreachable,
		fmt.Sprintf("all %d nodes for database %s are unreachable", attempted, db), cause).
		WithDetail("database", db).
		WithDetail("attempted", attempted)
}

func ReplicationRejected(source, reason string) *ReplicationError {
	return NewReplicationError(ErrCodeReplicationRejected, fmt.Sprintf("replication from %s rejected: %s", source, reason), nil).
		WithDetail("source", source).
		WithDetail("reason", reason)
}

func ScriptFailed(collection string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeScriptFailed, fmt.Sprintf("resolution script for collection %s failed", collection), cause).
		WithDetail("collection", collection)
}

func TransportFailed(destination string, cause error) *ReplicationError {
	return NewReplicationError(ErrCodeTransportFailed, fmt.Sprintf("transport to %s failed", destination), cause).
		WithDetail("destination", destination)
}

// IsReplicationError checks if an error wraps a ReplicationError
func IsReplicationError(err error) bool {
	var re *ReplicationError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsConflictPending reports whether err signals unresolved conflicts
func IsConflictPending(err error) bool {
	return GetCode(err) == ErrCodeConflictPending
}

// IsAllNodesUnreachable reports whether err signals an exhausted topology
func IsAllNodesUnreachable(err error) bool {
	return GetCode(err) == ErrCodeAllNodesUnreachable
}

// IsNotFound reports whether err signals a missing document or database
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == ErrCodeDocumentNotFound || code == ErrCodeDatabaseNotFound
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	var re *ReplicationError
	if stderrors.As(err, &re) {
		return re.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ParseCode maps a wire name back to its code. Unknown names map to ErrCodeInternal.
func ParseCode(name string) ErrorCode {
	for _, c := range []ErrorCode{
		ErrCodeOK, ErrCodeInvalidArgument, ErrCodeDocumentNotFound, ErrCodeConflictPending,
		ErrCodeDatabaseNotFound, ErrCodeAllNodesUnreachable, ErrCodeReplicationRejected,
		ErrCodeScriptFailed, ErrCodeTransportFailed,
	} {
		if c.String() == name {
			return c
		}
	}
	return ErrCodeInternal
}
