package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/ohfixit/actiond/pkg/captoken"
)

// DefaultLookback bounds how far back reconciliation searches for a pending
// row when a report carries only an action id.
const DefaultLookback = 30 * time.Minute

// Report is a helper-submitted execution outcome.
type Report struct {
	ActionLogID   string          `json:"actionLogId,omitempty"`
	ActionID      string          `json:"actionId,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Output        string          `json:"output,omitempty"`
	Host          string          `json:"host,omitempty"`
	Artifacts     []ArtifactInput `json:"artifacts,omitempty"`
	RollbackPoint *RollbackInput  `json:"rollbackPoint,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// ArtifactInput is the wire shape of one reported artifact.
type ArtifactInput struct {
	Type string `json:"type"`
	URI  string `json:"uri,omitempty"`
	Hash string `json:"hash,omitempty"`
	Data string `json:"data,omitempty"`
}

// RollbackInput is the wire shape of a reported rollback descriptor.
type RollbackInput struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IngestResult summarizes what reconciliation did with a report.
type IngestResult struct {
	ActionLogID string  `json:"actionLogId"`
	Created     bool    `json:"created"`
	Outcome     Outcome `json:"outcome"`
	Late        bool    `json:"late"`
}

// Ingestor reconciles helper reports against the ledger.
//
// Late-report policy: a report arriving after the approval window has lapsed
// (the matched row is already timed out, or older than lateAfter) is still
// accepted and persisted for audit completeness, but flagged late=true in the
// stored payload. Rejecting it would lose the only record of what actually
// ran on the user's machine.
type Ingestor struct {
	store     *Store
	logger    *slog.Logger
	lookback  time.Duration
	lateAfter time.Duration
	clock     func() time.Time
}

// NewIngestor creates an Ingestor with the default lookback window and a
// late threshold equal to the default token TTL.
func NewIngestor(store *Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     store,
		logger:    logger,
		lookback:  DefaultLookback,
		lateAfter: captoken.DefaultTTL,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (in *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	in.clock = clock
	return in
}

// WithLateThreshold overrides how old a matched row may be before its report
// is flagged late. Deployments with a longer token or approval TTL must raise
// this so timely reports are not mislabeled.
func (in *Ingestor) WithLateThreshold(d time.Duration) *Ingestor {
	if d > 0 {
		in.lateAfter = d
	}
	return in
}

// Ingest applies one report. Reconciliation order: explicit actionLogId
// first, then the most recent pending row carrying a matching action id
// within the lookback window, else a fresh out-of-band row. Artifact and
// rollback inserts run only after the log write resolved an id; a failed log
// write aborts them.
func (in *Ingestor) Ingest(ctx context.Context, claims *captoken.Claims, r *Report) (*IngestResult, error) {
	now := in.clock()
	outcome := deriveOutcome(r.Success)

	log, created, err := in.resolveLog(ctx, claims, r, now)
	if err != nil {
		return nil, err
	}

	late := !created && (log.Status == StatusTimedOut || now.Sub(log.CreatedAt) > in.lateAfter)

	log.Status = StatusCompleted
	log.Outcome = outcome
	if r.Host != "" {
		log.ExecutionHost = r.Host
	} else if log.ExecutionHost == "" {
		log.ExecutionHost = "desktop-helper"
	}
	if log.Summary == "" {
		log.Summary = fmt.Sprintf("%s reported %s", log.ActionType, outcome)
	}
	if log.Payload == nil {
		log.Payload = map[string]any{}
	}
	log.Payload["actionId"] = log.ActionType
	if claims.ApprovalID != "" {
		log.Payload["approvalId"] = claims.ApprovalID
	}
	if r.Output != "" {
		log.Payload["output"] = r.Output
	}
	if late {
		log.Payload["late"] = true
	}
	log.Payload["reportedAt"] = now.UTC().Format(time.RFC3339)
	log.PayloadHash = canonicalHash(log.Payload)
	log.UpdatedAt = now

	if created {
		if err := in.store.InsertLog(ctx, log); err != nil {
			return nil, err
		}
	} else {
		if err := in.store.UpdateLog(ctx, log); err != nil {
			return nil, err
		}
	}

	// The log id is resolved and durable; dependent appends may now run.
	for _, a := range r.Artifacts {
		hash := a.Hash
		if hash == "" && a.Data != "" {
			sum := sha256.Sum256([]byte(a.Data))
			hash = "sha256:" + hex.EncodeToString(sum[:])
		}
		art := &Artifact{
			ID:          uuid.New().String(),
			ActionLogID: log.ID,
			Type:        a.Type,
			URI:         a.URI,
			Hash:        hash,
			CreatedAt:   now,
		}
		if err := in.store.AppendArtifact(ctx, art); err != nil {
			return nil, err
		}
	}
	if r.RollbackPoint != nil {
		rp := &RollbackPoint{
			ID:          uuid.New().String(),
			ActionLogID: log.ID,
			Method:      r.RollbackPoint.Method,
			Data:        r.RollbackPoint.Data,
			CreatedAt:   now,
		}
		if err := in.store.AppendRollbackPoint(ctx, rp); err != nil {
			return nil, err
		}
	}

	if late {
		in.logger.Warn("late report accepted",
			"action_log_id", log.ID, "action", log.ActionType, "outcome", string(outcome))
	}

	return &IngestResult{
		ActionLogID: log.ID,
		Created:     created,
		Outcome:     outcome,
		Late:        late,
	}, nil
}

// resolveLog finds or fabricates the row a report belongs to.
func (in *Ingestor) resolveLog(ctx context.Context, claims *captoken.Claims, r *Report, now time.Time) (*ActionLog, bool, error) {
	if r.ActionLogID != "" {
		log, err := in.store.GetLog(ctx, r.ActionLogID)
		if err != nil {
			return nil, false, err
		}
		return log, false, nil
	}

	actionID := r.ActionID
	if actionID == "" {
		actionID = claims.ActionID
	}
	if actionID != "" {
		log, err := in.store.FindRecentPending(ctx, actionID, now.Add(-in.lookback))
		if err == nil {
			return log, false, nil
		}
		if !isNotFound(err) {
			return nil, false, err
		}
	}
	if actionID == "" {
		actionID = "out-of-band"
	}

	// Helper ran something the server holds no pending record for.
	return &ActionLog{
		ID:         uuid.New().String(),
		ChatID:     claims.ChatID,
		UserID:     claims.Actor(),
		ActionType: actionID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		Payload:    map[string]any{"outOfBand": true},
	}, true, nil
}

func deriveOutcome(success *bool) Outcome {
	if success != nil && !*success {
		return OutcomeFailure
	}
	return OptimisticOutcomeDefault
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrLogNotFound)
}

// canonicalHash hashes a payload map over its RFC 8785 canonical JSON form so
// equal payloads always hash equal regardless of key order.
func canonicalHash(payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
