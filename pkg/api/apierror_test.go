package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/ledger"
	"github.com/ohfixit/actiond/pkg/orchestrate"
)

func TestWriteErrorProblemDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")
	WriteError(rec, http.StatusBadRequest, "Bad Request", "missing field")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "https://ohfixit.dev/errors/400", p.Type)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "missing field", p.Detail)
	assert.Equal(t, "req-1", p.TraceID)
}

func TestWriteDomainErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{orchestrate.ErrUnmappedCheck, http.StatusNotFound},
		{action.ErrActionNotFound, http.StatusNotFound},
		{action.ErrMissingParameter, http.StatusBadRequest},
		{action.ErrInvalidParameter, http.StatusBadRequest},
		{captoken.ErrUnknownScope, http.StatusBadRequest},
		{captoken.ErrInvalidToken, http.StatusUnauthorized},
		{captoken.ErrMalformedToken, http.StatusUnauthorized},
		{orchestrate.ErrInvalidTransition, http.StatusConflict},
		{orchestrate.ErrApprovalExpired, http.StatusConflict},
		{orchestrate.ErrProposalNotFound, http.StatusNotFound},
		{orchestrate.ErrApprovalNotFound, http.StatusNotFound},
		{ledger.ErrLogNotFound, http.StatusNotFound},
		{ledger.ErrStorage, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteDomainError(rec, fmt.Errorf("wrapped: %w", tt.err))
		assert.Equal(t, tt.status, rec.Code, "error %v", tt.err)
	}
}

func TestWriteUnavailableSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnavailable(rec, "db down")
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 2)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestValidateReportShape(t *testing.T) {
	valid := [][]byte{
		[]byte(`{}`),
		[]byte(`{"success": true, "output": "ok"}`),
		[]byte(`{"artifacts": [{"type": "log", "uri": "file:///a"}]}`),
		[]byte(`{"rollbackPoint": {"method": "file_restore", "data": {"path": "/tmp/x"}}}`),
		[]byte(`{"unknownField": 42}`),
	}
	for _, raw := range valid {
		assert.NoError(t, validateReportShape(raw), string(raw))
	}

	invalid := [][]byte{
		[]byte(`{"success": "yes"}`),
		[]byte(`{"artifacts": [{"uri": "file:///a"}]}`),
		[]byte(`{"artifacts": [{"type": ""}]}`),
		[]byte(`{"rollbackPoint": {}}`),
		[]byte(`not json`),
	}
	for _, raw := range invalid {
		assert.Error(t, validateReportShape(raw), string(raw))
	}
}
