// Package orchestrate drives the preview -> approve -> execute state machine
// for one remediation at a time. The orchestrator never runs a command
// itself: it maps diagnostic findings to allowlisted actions, collects the
// human approval, and mints the capability token the desktop helper consumes.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ohfixit/actiond/pkg/action"
	"github.com/ohfixit/actiond/pkg/audit"
	"github.com/ohfixit/actiond/pkg/captoken"
	"github.com/ohfixit/actiond/pkg/ledger"
)

// State is the lifecycle state of one remediation proposal.
type State string

const (
	StateProposed         State = "proposed"
	StatePreviewed        State = "previewed"
	StateApproved         State = "approved"
	StateExecuteRequested State = "execute_requested"
	StateReportedSuccess  State = "reported_success"
	StateReportedFailure  State = "reported_failure"
	StateTimedOut         State = "timed_out"
)

func (s State) terminal() bool {
	switch s {
	case StateReportedSuccess, StateReportedFailure, StateTimedOut:
		return true
	}
	return false
}

var (
	// ErrProposalNotFound indicates an unknown proposal id.
	ErrProposalNotFound = errors.New("orchestrate: proposal not found")
	// ErrApprovalNotFound indicates an unknown approval id.
	ErrApprovalNotFound = errors.New("orchestrate: approval not found")
	// ErrInvalidTransition indicates a request that does not fit the stored
	// state. Existing state is left untouched.
	ErrInvalidTransition = errors.New("orchestrate: invalid transition")
	// ErrApprovalExpired indicates the approval window lapsed before execution.
	ErrApprovalExpired = errors.New("orchestrate: approval expired")
)

// DefaultApprovalTTL bounds how long an approval stays executable.
const DefaultApprovalTTL = 10 * time.Minute

// ReportCallbackPath is handed to the helper alongside every execution grant.
const ReportCallbackPath = "/api/automation/helper/report"

// Proposal tracks one remediation instance through the state machine.
type Proposal struct {
	ID          string
	CheckID     string
	ActionID    string
	ChatID      string
	UserID      string
	AnonymousID string
	Params      map[string]string
	State       State
	ApprovalID  string
	JobID       string
	LogID       string
	CreatedAt   time.Time
	ApprovedAt  time.Time
	ExpiresAt   time.Time
}

func (p *Proposal) actor() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.AnonymousID
}

// ProposeRequest names a diagnostic finding and the actor behind it.
type ProposeRequest struct {
	CheckID     string
	ChatID      string
	UserID      string
	AnonymousID string
	Params      map[string]string
}

// Approval is the human-confirmed authorization for one proposal.
type Approval struct {
	ApprovalID string    `json:"approvalId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ExecutionGrant authorizes the helper to run one approved action.
type ExecutionGrant struct {
	JobID            string `json:"jobId"`
	Token            string `json:"token"`
	ReportCallback   string `json:"reportCallback"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

// StatusQuery selects a ledger row by job id or log id.
type StatusQuery struct {
	JobID       string
	ActionLogID string
}

// Orchestrator owns the proposal/approval state and the ledger rows that
// mirror it. All methods are safe for concurrent use.
type Orchestrator struct {
	mu         sync.Mutex
	proposals  map[string]*Proposal
	byApproval map[string]*Proposal
	byLog      map[string]*Proposal

	registry  *action.Registry
	previewer *action.Previewer
	tokens    *captoken.Service
	store     *ledger.Store
	audit     audit.Logger
	logger    *slog.Logger

	approvalTTL time.Duration
	tokenTTL    time.Duration
	tokenScope  captoken.Scope
	clock       func() time.Time
}

// Options tune orchestrator behavior; zero values select defaults.
type Options struct {
	ApprovalTTL time.Duration
	TokenTTL    time.Duration
	// TokenScope is the scope minted on execution grants. Defaults to "both"
	// so a single token covers the helper's execute call and its report.
	TokenScope captoken.Scope
	Audit      audit.Logger
	Logger     *slog.Logger
}

// New wires an orchestrator over its collaborators.
func New(registry *action.Registry, tokens *captoken.Service, store *ledger.Store, opts Options) *Orchestrator {
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = DefaultApprovalTTL
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = captoken.DefaultTTL
	}
	if opts.TokenScope == "" {
		opts.TokenScope = captoken.ScopeBoth
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		proposals:   make(map[string]*Proposal),
		byApproval:  make(map[string]*Proposal),
		byLog:       make(map[string]*Proposal),
		registry:    registry,
		previewer:   action.NewPreviewer(registry),
		tokens:      tokens,
		store:       store,
		audit:       opts.Audit,
		logger:      opts.Logger,
		approvalTTL: opts.ApprovalTTL,
		tokenTTL:    opts.TokenTTL,
		tokenScope:  opts.TokenScope,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Propose maps a diagnostic check id onto an allowlisted action and opens a
// ledger row for it. Unmapped checks and unknown actions are caller errors.
func (o *Orchestrator) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	actionID, err := MapCheck(req.CheckID)
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(actionID); err != nil {
		return nil, err
	}

	now := o.clock()
	p := &Proposal{
		ID:          uuid.New().String(),
		CheckID:     req.CheckID,
		ActionID:    actionID,
		ChatID:      req.ChatID,
		UserID:      req.UserID,
		AnonymousID: req.AnonymousID,
		Params:      req.Params,
		State:       StateProposed,
		LogID:       uuid.New().String(),
		CreatedAt:   now,
	}

	row := &ledger.ActionLog{
		ID:         p.LogID,
		ChatID:     p.ChatID,
		UserID:     p.actor(),
		ActionType: actionID,
		Status:     ledger.StatusProposed,
		Summary:    fmt.Sprintf("proposed %s for check %s", actionID, req.CheckID),
		Payload:    map[string]any{"actionId": actionID, "checkId": req.CheckID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.InsertLog(ctx, row); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.proposals[p.ID] = p
	o.byLog[p.LogID] = p
	o.mu.Unlock()

	o.audit.Record(ctx, audit.EventMutation, "action.propose", actionID,
		map[string]any{"proposal_id": p.ID, "check_id": req.CheckID, "action_log_id": p.LogID})
	return p, nil
}

// Preview renders the concrete command set for a proposal. Idempotent and
// side-effect-free beyond the proposed -> previewed marker; safe to repeat.
func (o *Orchestrator) Preview(ctx context.Context, proposalID string) (*action.ActionPreview, error) {
	o.mu.Lock()
	p, ok := o.proposals[proposalID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrProposalNotFound, proposalID)
	}
	actionID, params := p.ActionID, p.Params
	if p.State == StateProposed {
		p.State = StatePreviewed
	}
	o.mu.Unlock()

	pv, err := o.previewer.Preview(actionID, params)
	if err != nil {
		return nil, err
	}
	o.audit.Record(ctx, audit.EventAccess, "action.preview", actionID,
		map[string]any{"proposal_id": proposalID})
	return pv, nil
}

// Approve records the human confirmation for a proposal. Approving an
// already-approved proposal is a no-op returning the existing approval.
func (o *Orchestrator) Approve(ctx context.Context, proposalID string) (*Approval, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProposalNotFound, proposalID)
	}

	switch p.State {
	case StateApproved, StateExecuteRequested:
		return &Approval{ApprovalID: p.ApprovalID, ExpiresAt: p.ExpiresAt}, nil
	case StateProposed, StatePreviewed:
		// fall through to approve
	default:
		return nil, fmt.Errorf("%w: cannot approve from %q", ErrInvalidTransition, p.State)
	}

	now := o.clock()
	prior := p.State
	p.ApprovalID = uuid.New().String()
	p.ApprovedAt = now
	p.ExpiresAt = now.Add(o.approvalTTL)
	p.State = StateApproved
	o.byApproval[p.ApprovalID] = p

	row, err := o.store.GetLog(ctx, p.LogID)
	if err != nil {
		// Roll the in-memory transition back; nothing was persisted.
		delete(o.byApproval, p.ApprovalID)
		p.ApprovalID = ""
		p.State = prior
		return nil, err
	}
	row.Status = ledger.StatusApproved
	row.Payload["approvalId"] = p.ApprovalID
	row.UpdatedAt = now
	if err := o.store.UpdateLog(ctx, row); err != nil {
		delete(o.byApproval, p.ApprovalID)
		p.ApprovalID = ""
		p.State = prior
		return nil, err
	}

	o.audit.Record(ctx, audit.EventMutation, "action.approve", p.ActionID,
		map[string]any{"proposal_id": p.ID, "approval_id": p.ApprovalID, "expires_at": p.ExpiresAt})
	return &Approval{ApprovalID: p.ApprovalID, ExpiresAt: p.ExpiresAt}, nil
}

// RequestExecution validates a live approval, creates the job record and
// mints the capability token the helper will present back.
func (o *Orchestrator) RequestExecution(ctx context.Context, approvalID string) (*ExecutionGrant, error) {
	o.mu.Lock()
	p, ok := o.byApproval[approvalID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrApprovalNotFound, approvalID)
	}
	now := o.clock()
	if p.State != StateApproved {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot execute from %q", ErrInvalidTransition, p.State)
	}
	if now.After(p.ExpiresAt) {
		p.State = StateTimedOut
		o.mu.Unlock()
		o.expireLog(ctx, p)
		return nil, fmt.Errorf("%w: approval %q", ErrApprovalExpired, approvalID)
	}

	p.JobID = uuid.New().String()
	p.State = StateExecuteRequested
	claims := captoken.Claims{
		ChatID:      p.ChatID,
		UserID:      p.UserID,
		AnonymousID: p.AnonymousID,
		ActionID:    p.ActionID,
		ApprovalID:  p.ApprovalID,
		Scope:       o.tokenScope,
	}
	o.mu.Unlock()

	token, err := o.tokens.Issue(claims, o.tokenTTL)
	if err != nil {
		o.mu.Lock()
		p.State = StateApproved
		p.JobID = ""
		o.mu.Unlock()
		return nil, err
	}

	row, err := o.store.GetLog(ctx, p.LogID)
	if err == nil {
		row.Status = ledger.StatusQueued
		row.JobID = p.JobID
		row.Payload["jobId"] = p.JobID
		row.UpdatedAt = now
		err = o.store.UpdateLog(ctx, row)
	}
	if err != nil {
		o.mu.Lock()
		p.State = StateApproved
		p.JobID = ""
		o.mu.Unlock()
		return nil, err
	}

	o.audit.Record(ctx, audit.EventMutation, "action.execute_requested", p.ActionID,
		map[string]any{"approval_id": approvalID, "job_id": p.JobID, "scope": string(o.tokenScope)})
	return &ExecutionGrant{
		JobID:            p.JobID,
		Token:            token,
		ReportCallback:   ReportCallbackPath,
		ExpiresInSeconds: int(o.tokenTTL / time.Second),
	}, nil
}

// NoteReport moves the in-memory proposal for a reported log row into its
// terminal state. Out-of-band rows have no proposal; that is fine.
func (o *Orchestrator) NoteReport(ctx context.Context, actionLogID string, outcome ledger.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byLog[actionLogID]
	if !ok || p.State.terminal() {
		return
	}
	if outcome == ledger.OutcomeFailure {
		p.State = StateReportedFailure
	} else {
		p.State = StateReportedSuccess
	}
}

// Status resolves a ledger projection by job id or log id.
func (o *Orchestrator) Status(ctx context.Context, q StatusQuery) (*ledger.Projection, error) {
	var row *ledger.ActionLog
	var err error
	switch {
	case q.ActionLogID != "":
		row, err = o.store.GetLog(ctx, q.ActionLogID)
	case q.JobID != "":
		row, err = o.store.GetLogByJobID(ctx, q.JobID)
	default:
		return nil, fmt.Errorf("%w: empty status query", ErrProposalNotFound)
	}
	if err != nil {
		return nil, err
	}
	pr := row.Projection()
	return &pr, nil
}

// SweepExpired moves approvals past their window into timed_out, ledger rows
// included, unless a report already closed them. Returns the number swept.
func (o *Orchestrator) SweepExpired(ctx context.Context) int {
	now := o.clock()

	o.mu.Lock()
	var expired []*Proposal
	for _, p := range o.proposals {
		if p.State.terminal() || p.ExpiresAt.IsZero() {
			continue
		}
		if (p.State == StateApproved || p.State == StateExecuteRequested) && now.After(p.ExpiresAt) {
			p.State = StateTimedOut
			expired = append(expired, p)
		}
	}
	o.mu.Unlock()

	for _, p := range expired {
		o.expireLog(ctx, p)
		o.audit.Record(ctx, audit.EventSystem, "action.timed_out", p.ActionID,
			map[string]any{"proposal_id": p.ID, "approval_id": p.ApprovalID})
	}
	return len(expired)
}

// Run drives the periodic expiry sweep until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.SweepExpired(ctx); n > 0 {
				o.logger.Info("expired approvals swept", "count", n)
			}
		}
	}
}

// expireLog marks the backing ledger row timed_out unless already terminal.
func (o *Orchestrator) expireLog(ctx context.Context, p *Proposal) {
	row, err := o.store.GetLog(ctx, p.LogID)
	if err != nil {
		o.logger.Warn("expire sweep: log fetch failed", "action_log_id", p.LogID, "error", err)
		return
	}
	if row.Status == ledger.StatusCompleted || row.Status == ledger.StatusTimedOut {
		return
	}
	row.Status = ledger.StatusTimedOut
	row.UpdatedAt = o.clock()
	if err := o.store.UpdateLog(ctx, row); err != nil {
		o.logger.Warn("expire sweep: log update failed", "action_log_id", p.LogID, "error", err)
	}
}
