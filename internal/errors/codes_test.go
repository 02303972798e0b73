package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *ReplicationError
		code       ErrorCode
		httpStatus int
	}{
		{"conflict pending", ConflictPending("users/1", 2), ErrCodeConflictPending, http.StatusConflict},
		{"document not found", DocumentNotFound("users/1"), ErrCodeDocumentNotFound, http.StatusNotFound},
		{"database not found", DatabaseNotFound("db1"), ErrCodeDatabaseNotFound, http.StatusNotFound},
		{"all nodes unreachable", AllNodesUnreachable("db1", 3, nil), ErrCodeAllNodesUnreachable, http.StatusServiceUnavailable},
		{"invalid argument", InvalidArgument("bad", nil), ErrCodeInvalidArgument, http.StatusBadRequest},
		{"rejected", ReplicationRejected("db2", "self"), ErrCodeReplicationRejected, http.StatusUnprocessableEntity},
		{"internal", InternalError("boom", nil), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus())
			assert.Equal(t, tt.code, GetCode(tt.err))
		})
	}
}

func TestWrappedErrorsKeepTheirCode(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := fmt.Errorf("get conflicts: %w", AllNodesUnreachable("db1", 3, cause))

	assert.True(t, IsAllNodesUnreachable(err))
	assert.False(t, IsConflictPending(err))
	assert.True(t, IsReplicationError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestConflictPendingIsDistinctFromNotFound(t *testing.T) {
	pending := ConflictPending("users/1", 2)

	assert.True(t, IsConflictPending(pending))
	assert.False(t, IsNotFound(pending))
	assert.True(t, IsNotFound(DocumentNotFound("users/1")))
	assert.Equal(t, 2, pending.Details["versions"])
}

func TestGetCodeForPlainErrors(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := TransportFailed("http://node-b", stderrors.New("timeout"))

	assert.Equal(t, "transport to http://node-b failed: timeout", err.Error())
	assert.Equal(t, "TRANSPORT_FAILED", err.Code.String())
}

func TestParseCode(t *testing.T) {
	for _, code := range []ErrorCode{ErrCodeDatabaseNotFound, ErrCodeConflictPending, ErrCodeInvalidArgument} {
		assert.Equal(t, code, ParseCode(code.String()))
	}
	assert.Equal(t, ErrCodeInternal, ParseCode("SOMETHING_ELSE"))
}
