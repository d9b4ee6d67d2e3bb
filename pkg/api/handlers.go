package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/audit"
	"github.com/ohfixit/actiond/pkg/auth"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/ledger"
	"github.com/ohfixit/actiond/pkg/observability"
	"github.com/ohfixit/actiond/pkg/orchestrate"
	"github.com/ohfixit/actiond/pkg/presence"
)

const maxBodyBytes = 1 << 20 // 1MB limit on all JSON bodies

// Service is the HTTP surface of the orchestrator core.
type Service struct {
	Registry     *action.Registry
	Previewer    *action.Previewer
	Tokens       *captoken.Service
	Orchestrator *orchestrate.Orchestrator
	Presence     *presence.Registry
	Ingestor     *ledger.Ingestor
	Audit        audit.Logger
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// Routes registers every endpoint on a fresh mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/api/automation/actions", s.HandleListActions)
	mux.HandleFunc("/api/automation/preview", s.HandlePreview)
	mux.HandleFunc("/api/automation/propose", s.HandlePropose)
	mux.HandleFunc("/api/automation/approve", s.HandleApprove)
	mux.HandleFunc("/api/automation/execute", s.HandleExecute)
	mux.HandleFunc("/api/automation/token", s.HandleMintToken)
	mux.HandleFunc("/api/automation/helper/handshake", s.HandleHandshake)
	mux.HandleFunc("/api/automation/helper/report", s.HandleReport)
	mux.HandleFunc("/api/automation/status", s.HandleStatus)
	return mux
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) auditLog() audit.Logger {
	if s.Audit != nil {
		return s.Audit
	}
	return audit.Nop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// requirePrincipal enforces an authenticated human session (registered or
// anonymous). Returns false after writing the error response.
func (s *Service) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "A session or anonymous identity is required")
		return auth.Principal{}, false
	}
	return p, true
}

// requireCapability verifies the bearer capability token and enforces the
// endpoint's declared scope. Each endpoint names the exact scope it accepts;
// everything else is rejected, execute-scoped tokens included.
func (s *Service) requireCapability(w http.ResponseWriter, r *http.Request, required captoken.Scope) (*captoken.Claims, bool) {
	tokenStr, ok := bearerToken(r)
	if !ok {
		WriteUnauthorized(w, "Missing bearer capability token")
		return nil, false
	}
	claims, err := s.Tokens.Verify(tokenStr)
	if err != nil {
		s.auditLog().Record(r.Context(), audit.EventAuth, "capability.rejected", r.URL.Path,
			map[string]any{"error": err.Error()})
		WriteDomainError(w, err)
		return nil, false
	}
	if required != "" && !claims.Scope.Allows(required) {
		s.auditLog().Record(r.Context(), audit.EventAuth, "capability.wrong_scope", r.URL.Path,
			map[string]any{"scope": string(claims.Scope), "required": string(required)})
		WriteForbidden(w, "Token scope does not cover this endpoint")
		return nil, false
	}
	return claims, true
}

// HandleHealth reports liveness.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actionView is the catalog projection returned by the list endpoint.
// Command templates are withheld from callers without a user session.
type actionView struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	OS              string   `json:"os"`
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	Reversible      bool     `json:"reversible"`
	EstimatedTime   string   `json:"estimatedTime"`
	Requirements    []string `json:"requirements,omitempty"`
	Risks           []string `json:"risks,omitempty"`
	CommandTemplate []string `json:"commandTemplate,omitempty"`
}

// HandleListActions returns the allowlist catalog.
func (s *Service) HandleListActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	includeTemplates := false
	if p, err := auth.GetPrincipal(r.Context()); err == nil && !p.Anonymous() {
		includeTemplates = true
	}

	filter := action.Filter{
		OS:       action.Platform(r.URL.Query().Get("os")),
		Category: r.URL.Query().Get("category"),
	}
	actions := s.Registry.List(filter)
	views := make([]actionView, 0, len(actions))
	for _, a := range actions {
		v := actionView{
			ID:            a.ID,
			Title:         a.Title,
			OS:            string(a.OS),
			Category:      a.Category,
			Description:   a.Implementation.Description,
			Reversible:    a.Implementation.Reversible,
			EstimatedTime: a.Implementation.EstimatedTime,
			Requirements:  a.Implementation.Requirements,
			Risks:         a.Implementation.Risks,
		}
		if includeTemplates {
			v.CommandTemplate = a.Implementation.CommandTemplate
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": views})
}

// HandlePreview renders a preview for an action instance. Pure; repeatable.
func (s *Service) HandlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req struct {
		ActionID string            `json:"actionId"`
		Params   map[string]string `json:"params"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ActionID == "" {
		WriteBadRequest(w, "Missing required field: actionId")
		return
	}
	pv, err := s.Previewer.Preview(req.ActionID, req.Params)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// HandlePropose maps a diagnostic check onto an action and opens the ledger
// trail for it, returning the rendered preview alongside the proposal.
func (s *Service) HandlePropose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		CheckID string            `json:"checkId"`
		ChatID  string            `json:"chatId"`
		Params  map[string]string `json:"params"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CheckID == "" {
		WriteBadRequest(w, "Missing required field: checkId")
		return
	}

	ctx := audit.WithActor(r.Context(), p.Actor(), req.ChatID)
	proposal, err := s.Orchestrator.Propose(ctx, orchestrate.ProposeRequest{
		CheckID:     req.CheckID,
		ChatID:      req.ChatID,
		UserID:      p.UserID,
		AnonymousID: p.AnonymousID,
		Params:      req.Params,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	pv, err := s.Orchestrator.Preview(ctx, proposal.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.Metrics.IncProposals(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId":  proposal.ID,
		"actionId":    proposal.ActionID,
		"actionLogId": proposal.LogID,
		"preview":     pv,
	})
}

// HandleApprove records the human confirmation for a proposal.
func (s *Service) HandleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		ProposalID string `json:"proposalId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		WriteBadRequest(w, "Missing required field: proposalId")
		return
	}
	ctx := audit.WithActor(r.Context(), p.Actor(), "")
	approval, err := s.Orchestrator.Approve(ctx, req.ProposalID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.Metrics.IncApprovals(ctx)
	writeJSON(w, http.StatusOK, approval)
}

// HandleExecute turns a live approval into an execution grant for the helper.
func (s *Service) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		ApprovalID string `json:"approvalId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" {
		WriteBadRequest(w, "Missing required field: approvalId")
		return
	}
	ctx := audit.WithActor(r.Context(), p.Actor(), "")
	grant, err := s.Orchestrator.RequestExecution(ctx, req.ApprovalID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.Metrics.IncExecutions(ctx)
	writeJSON(w, http.StatusOK, grant)
}

// HandleMintToken mints a capability token bound to the caller's identity.
func (s *Service) HandleMintToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		ChatID     string `json:"chatId"`
		ActionID   string `json:"actionId"`
		ApprovalID string `json:"approvalId"`
		Scope      string `json:"scope"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	scope, err := captoken.ParseScope(req.Scope)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if req.ActionID != "" {
		if _, err := s.Registry.Get(req.ActionID); err != nil {
			WriteDomainError(w, err)
			return
		}
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = captoken.DefaultTTL
	}
	token, err := s.Tokens.Issue(captoken.Claims{
		ChatID:      req.ChatID,
		UserID:      p.UserID,
		AnonymousID: p.AnonymousID,
		ActionID:    req.ActionID,
		ApprovalID:  req.ApprovalID,
		Scope:       scope,
	}, ttl)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	s.auditLog().Record(audit.WithActor(r.Context(), p.Actor(), req.ChatID),
		audit.EventAuth, "capability.minted", req.ActionID,
		map[string]any{"scope": string(scope), "approval_id": req.ApprovalID, "ttl_seconds": int(ttl / time.Second)})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":                   token,
		"reportCallbackReference": orchestrate.ReportCallbackPath,
		"expiresInSeconds":        int(ttl / time.Second),
	})
}

// HandleHandshake registers helper presence against a capability token. Any
// valid scope may handshake; the response tells the helper what it holds.
func (s *Service) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	claims, ok := s.requireCapability(w, r, "")
	if !ok {
		return
	}
	scope := s.Presence.Handshake(r.Context(), claims)
	s.auditLog().Record(audit.WithActor(r.Context(), claims.Actor(), claims.ChatID),
		audit.EventAccess, "helper.handshake", claims.ActionID,
		map[string]any{"scope": string(scope), "approval_id": claims.ApprovalID})
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"scope":  scope,
		"claims": map[string]string{
			"chatId":      claims.ChatID,
			"userId":      claims.UserID,
			"anonymousId": claims.AnonymousID,
			"actionId":    claims.ActionID,
			"approvalId":  claims.ApprovalID,
		},
	})
}

// HandleReport ingests a helper-reported outcome into the audit ledger.
// Accepts report/both scopes only; an execute-only token is rejected here.
func (s *Service) HandleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	claims, ok := s.requireCapability(w, r, captoken.ScopeReport)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return
	}
	if err := validateReportShape(raw); err != nil {
		WriteBadRequest(w, "Malformed report payload: "+err.Error())
		return
	}
	var report ledger.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		WriteBadRequest(w, "Malformed report payload")
		return
	}

	ctx := audit.WithActor(r.Context(), claims.Actor(), claims.ChatID)
	result, err := s.Ingestor.Ingest(ctx, claims, &report)
	if err != nil {
		if errors.Is(err, ledger.ErrLogNotFound) {
			WriteNotFound(w, err.Error())
			return
		}
		WriteDomainError(w, err)
		return
	}
	s.Orchestrator.NoteReport(ctx, result.ActionLogID, result.Outcome)
	s.Metrics.IncReports(ctx)

	s.auditLog().Record(ctx, audit.EventMutation, "helper.report", result.ActionLogID,
		map[string]any{"outcome": string(result.Outcome), "created": result.Created, "late": result.Late})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"actionLogId": result.ActionLogID,
		"outcome":     result.Outcome,
		"late":        result.Late,
	})
}

// HandleStatus resolves an ActionLog projection by jobId or actionLogId.
func (s *Service) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := orchestrate.StatusQuery{
		JobID:       r.URL.Query().Get("jobId"),
		ActionLogID: r.URL.Query().Get("actionLogId"),
	}
	if q.JobID == "" && q.ActionLogID == "" {
		WriteBadRequest(w, "Provide jobId or actionLogId")
		return
	}
	projection, err := s.Orchestrator.Status(r.Context(), q)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projection)
}
