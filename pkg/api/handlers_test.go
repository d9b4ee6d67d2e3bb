package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/audit"
	"github.com/ohfixit/actiond/pkg/auth"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/ledger"
	"github.com/ohfixit/actiond/pkg/orchestrate"
	"github.com/ohfixit/actiond/pkg/presence"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := ledger.NewStore(db, ledger.DialectSQLite)
	require.NoError(t, store.Init(context.Background()))

	reg, err := action.NewRegistry(action.BuiltinCatalog())
	require.NoError(t, err)
	tokens, err := captoken.NewService("test-secret")
	require.NoError(t, err)

	helpers := presence.NewRegistry(presence.DefaultTTL)
	t.Cleanup(helpers.Close)

	return &Service{
		Registry:     reg,
		Previewer:    action.NewPreviewer(reg),
		Tokens:       tokens,
		Orchestrator: orchestrate.New(reg, tokens, store, orchestrate.Options{}),
		Presence:     helpers,
		Ingestor:     ledger.NewIngestor(store, nil),
		Audit:        audit.Nop(),
	}
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{UserID: userID}))
}

func asAnonymous(r *http.Request, anonID string) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), auth.Principal{AnonymousID: anonID}))
}

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleHealth(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListActionsAnonymousHidesTemplates(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := asAnonymous(httptest.NewRequest(http.MethodGet, "/api/automation/actions", nil), "anon-1")
	s.HandleListActions(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	actions := body["actions"].([]any)
	assert.Len(t, actions, 7)
	for _, a := range actions {
		m := a.(map[string]any)
		assert.NotContains(t, m, "commandTemplate")
		assert.NotEmpty(t, m["id"])
	}
}

func TestHandleListActionsUserSeesTemplates(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := asUser(httptest.NewRequest(http.MethodGet, "/api/automation/actions", nil), "user-1")
	s.HandleListActions(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	actions := decodeBody(t, rec)["actions"].([]any)
	first := actions[0].(map[string]any)
	assert.Contains(t, first, "commandTemplate")
}

func TestHandleListActionsFilters(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/automation/actions?category=network", nil)
	s.HandleListActions(rec, r)

	actions := decodeBody(t, rec)["actions"].([]any)
	assert.Len(t, actions, 2)
}

func TestHandlePreview(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandlePreview(rec, postJSON(t, "/api/automation/preview", map[string]any{
		"actionId": "clear-app-cache",
		"params":   map[string]string{"bundleId": "com.example.app"},
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "clear-app-cache", body["actionId"])
	commands := body["commands"].([]any)
	assert.Contains(t, commands[2], "com.example.app")
}

func TestHandlePreviewUnknownAction(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandlePreview(rec, postJSON(t, "/api/automation/preview", map[string]any{
		"actionId": "install-rootkit",
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandlePreviewInjectionRejected(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandlePreview(rec, postJSON(t, "/api/automation/preview", map[string]any{
		"actionId": "clear-app-cache",
		"params":   map[string]string{"bundleId": "x; rm -rf /"},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleProposeRequiresPrincipal(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandlePropose(rec, postJSON(t, "/api/automation/propose", map[string]any{"checkId": "dns-health"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleProposeUnmappedCheck(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := asUser(postJSON(t, "/api/automation/propose", map[string]any{"checkId": "mine-bitcoin"}), "user-1")
	s.HandlePropose(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFullFlowThroughHandlers(t *testing.T) {
	s := newTestService(t)
	mux := s.Routes()

	// Propose
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, asUser(postJSON(t, "/api/automation/propose", map[string]any{
		"checkId": "dns-health",
		"chatId":  "chat-1",
	}), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	proposal := decodeBody(t, rec)
	proposalID := proposal["proposalId"].(string)
	logID := proposal["actionLogId"].(string)
	require.NotEmpty(t, proposalID)
	preview := proposal["preview"].(map[string]any)
	assert.NotEmpty(t, preview["commands"])

	// Approve
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, asUser(postJSON(t, "/api/automation/approve", map[string]any{
		"proposalId": proposalID,
	}), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approvalID := decodeBody(t, rec)["approvalId"].(string)
	require.NotEmpty(t, approvalID)

	// Execute
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, asUser(postJSON(t, "/api/automation/execute", map[string]any{
		"approvalId": approvalID,
	}), "user-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	grant := decodeBody(t, rec)
	token := grant["token"].(string)
	jobID := grant["jobId"].(string)
	assert.Equal(t, orchestrate.ReportCallbackPath, grant["reportCallback"])

	// Handshake with the minted token
	rec = httptest.NewRecorder()
	hs := postJSON(t, "/api/automation/helper/handshake", map[string]any{})
	hs.Header.Set("Authorization", "Bearer "+token)
	mux.ServeHTTP(rec, hs)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "both", decodeBody(t, rec)["scope"])

	// Report success
	rec = httptest.NewRecorder()
	report := postJSON(t, "/api/automation/helper/report", map[string]any{
		"actionLogId": logID,
		"success":     true,
		"output":      "dns cache flushed",
	})
	report.Header.Set("Authorization", "Bearer "+token)
	mux.ServeHTTP(rec, report)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody(t, rec)
	assert.Equal(t, "success", result["outcome"])
	assert.Equal(t, false, result["late"])

	// Status by job id
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/automation/status?jobId="+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, logID, status["actionLogId"])
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, "success", status["outcome"])
}

func TestHandleReportRejectsExecuteScope(t *testing.T) {
	s := newTestService(t)

	token, err := s.Tokens.Issue(captoken.Claims{
		UserID:   "user-1",
		ActionID: "flush-dns-macos",
		Scope:    captoken.ScopeExecute,
	}, time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := postJSON(t, "/api/automation/helper/report", map[string]any{"success": true})
	r.Header.Set("Authorization", "Bearer "+token)
	s.HandleReport(rec, r)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleReportRequiresToken(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandleReport(rec, postJSON(t, "/api/automation/helper/report", map[string]any{"success": true}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleReportRejectsMalformedShape(t *testing.T) {
	s := newTestService(t)
	token, err := s.Tokens.Issue(captoken.Claims{
		UserID: "user-1",
		Scope:  captoken.ScopeReport,
	}, time.Minute)
	require.NoError(t, err)

	// success must be a boolean, artifacts entries need a type.
	for _, payload := range []map[string]any{
		{"success": "yes"},
		{"artifacts": []map[string]any{{"uri": "file:///tmp/a.log"}}},
		{"rollbackPoint": map[string]any{"data": "x"}},
	} {
		rec := httptest.NewRecorder()
		r := postJSON(t, "/api/automation/helper/report", payload)
		r.Header.Set("Authorization", "Bearer "+token)
		s.HandleReport(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %v", payload)
	}
}

func TestHandleReportUnknownLogID(t *testing.T) {
	s := newTestService(t)
	token, err := s.Tokens.Issue(captoken.Claims{
		UserID: "user-1",
		Scope:  captoken.ScopeBoth,
	}, time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r := postJSON(t, "/api/automation/helper/report", map[string]any{
		"actionLogId": "does-not-exist",
		"success":     true,
	})
	r.Header.Set("Authorization", "Bearer "+token)
	s.HandleReport(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMintToken(t *testing.T) {
	s := newTestService(t)

	rec := httptest.NewRecorder()
	r := asUser(postJSON(t, "/api/automation/token", map[string]any{
		"chatId":     "chat-1",
		"actionId":   "restart-finder",
		"scope":      "report",
		"ttlSeconds": 120,
	}), "user-1")
	s.HandleMintToken(rec, r)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, orchestrate.ReportCallbackPath, body["reportCallbackReference"])
	assert.Equal(t, float64(120), body["expiresInSeconds"])

	claims, err := s.Tokens.Verify(body["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, captoken.ScopeReport, claims.Scope)
	assert.Equal(t, "restart-finder", claims.ActionID)
}

func TestHandleMintTokenRequiresPrincipal(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandleMintToken(rec, postJSON(t, "/api/automation/token", map[string]any{}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMintTokenRejectsUnknownAction(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := asUser(postJSON(t, "/api/automation/token", map[string]any{
		"actionId": "install-rootkit",
	}), "user-1")
	s.HandleMintToken(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMintTokenRejectsUnknownScope(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	r := asUser(postJSON(t, "/api/automation/token", map[string]any{
		"scope": "admin",
	}), "user-1")
	s.HandleMintToken(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusRequiresQuery(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/automation/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusUnknownJob(t *testing.T) {
	s := newTestService(t)
	rec := httptest.NewRecorder()
	s.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/automation/status?jobId=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestService(t)
	mux := s.Routes()

	for _, path := range []string{
		"/api/automation/preview",
		"/api/automation/propose",
		"/api/automation/approve",
		"/api/automation/execute",
		"/api/automation/token",
		"/api/automation/helper/handshake",
		"/api/automation/helper/report",
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/automation/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
