package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect selects SQL placeholder style for the two supported backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store is the durable home of the three ledger tables.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore wraps an opened database handle. Call Init before first use.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS action_logs (
	id TEXT PRIMARY KEY,
	chat_id TEXT,
	user_id TEXT,
	action_type TEXT NOT NULL,
	job_id TEXT,
	status TEXT NOT NULL,
	outcome TEXT,
	execution_host TEXT,
	summary TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	payload_hash TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_logs_pending
	ON action_logs (action_type, status, created_at);
CREATE INDEX IF NOT EXISTS idx_action_logs_job
	ON action_logs (job_id);

CREATE TABLE IF NOT EXISTS action_artifacts (
	id TEXT PRIMARY KEY,
	action_log_id TEXT NOT NULL REFERENCES action_logs(id),
	type TEXT NOT NULL,
	uri TEXT,
	hash TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_artifacts_log
	ON action_artifacts (action_log_id);

CREATE TABLE IF NOT EXISTS rollback_points (
	id TEXT PRIMARY KEY,
	action_log_id TEXT NOT NULL REFERENCES action_logs(id),
	method TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rollback_points_log
	ON rollback_points (action_log_id);
`

// Init creates the ledger tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrStorage, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the Postgres backend.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		p = map[string]any{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal payload: %w", err)
	}
	return string(raw), nil
}

// InsertLog persists a new action log row.
func (s *Store) InsertLog(ctx context.Context, l *ActionLog) error {
	payload, err := marshalPayload(l.Payload)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO action_logs
		(id, chat_id, user_id, action_type, job_id, status, outcome, execution_host, summary, payload, payload_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		l.ID, l.ChatID, l.UserID, l.ActionType, l.JobID, string(l.Status), string(l.Outcome),
		l.ExecutionHost, l.Summary, payload, l.PayloadHash,
		l.CreatedAt.UTC().Format(time.RFC3339Nano), l.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert log: %v", ErrStorage, err)
	}
	return nil
}

// UpdateLog rewrites the mutable columns of an existing row.
func (s *Store) UpdateLog(ctx context.Context, l *ActionLog) error {
	payload, err := marshalPayload(l.Payload)
	if err != nil {
		return err
	}
	query := s.rebind(`UPDATE action_logs
		SET status = ?, outcome = ?, job_id = ?, execution_host = ?, summary = ?, payload = ?, payload_hash = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(l.Status), string(l.Outcome), l.JobID, l.ExecutionHost, l.Summary, payload, l.PayloadHash,
		l.UpdatedAt.UTC().Format(time.RFC3339Nano), l.ID)
	if err != nil {
		return fmt.Errorf("%w: update log: %v", ErrStorage, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id %q", ErrLogNotFound, l.ID)
	}
	return nil
}

const logColumns = `id, chat_id, user_id, action_type, job_id, status, outcome, execution_host, summary, payload, payload_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*ActionLog, error) {
	var l ActionLog
	var outcome, payload sql.NullString
	var chatID, userID, jobID, host, summary, payloadHash sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&l.ID, &chatID, &userID, &l.ActionType, &jobID, (*string)(&l.Status), &outcome,
		&host, &summary, &payload, &payloadHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.ChatID = chatID.String
	l.UserID = userID.String
	l.JobID = jobID.String
	l.Outcome = Outcome(outcome.String)
	l.ExecutionHost = host.String
	l.Summary = summary.String
	l.PayloadHash = payloadHash.String
	if payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &l.Payload); err != nil {
			return nil, fmt.Errorf("ledger: decode payload for %s: %w", l.ID, err)
		}
	}
	if l.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("ledger: decode created_at for %s: %w", l.ID, err)
	}
	if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("ledger: decode updated_at for %s: %w", l.ID, err)
	}
	return &l, nil
}

// GetLog fetches a row by primary id.
func (s *Store) GetLog(ctx context.Context, id string) (*ActionLog, error) {
	query := s.rebind(`SELECT ` + logColumns + ` FROM action_logs WHERE id = ?`)
	l, err := scanLog(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %q", ErrLogNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get log: %v", ErrStorage, err)
	}
	return l, nil
}

// GetLogByJobID fetches a row by its execution job id.
func (s *Store) GetLogByJobID(ctx context.Context, jobID string) (*ActionLog, error) {
	query := s.rebind(`SELECT ` + logColumns + ` FROM action_logs WHERE job_id = ?`)
	l, err := scanLog(s.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %q", ErrLogNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get log by job: %v", ErrStorage, err)
	}
	return l, nil
}

// FindRecentPending returns the most recent row for actionType still in an
// executable-pending state and created after the cutoff. Most recent matching
// pending row wins; sql.ErrNoRows is mapped to ErrLogNotFound.
func (s *Store) FindRecentPending(ctx context.Context, actionType string, cutoff time.Time) (*ActionLog, error) {
	query := s.rebind(`SELECT ` + logColumns + ` FROM action_logs
		WHERE action_type = ? AND status IN (?, ?, ?) AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`)
	l, err := scanLog(s.db.QueryRowContext(ctx, query, actionType,
		string(StatusProposed), string(StatusApproved), string(StatusQueued),
		cutoff.UTC().Format(time.RFC3339Nano)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no pending row for %q", ErrLogNotFound, actionType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find pending: %v", ErrStorage, err)
	}
	return l, nil
}

// AppendArtifact inserts one artifact row. Append-only.
func (s *Store) AppendArtifact(ctx context.Context, a *Artifact) error {
	query := s.rebind(`INSERT INTO action_artifacts (id, action_log_id, type, uri, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, a.ID, a.ActionLogID, a.Type, a.URI, a.Hash,
		a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append artifact: %v", ErrStorage, err)
	}
	return nil
}

// AppendRollbackPoint inserts one rollback point row. Append-only.
func (s *Store) AppendRollbackPoint(ctx context.Context, r *RollbackPoint) error {
	data := r.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	query := s.rebind(`INSERT INTO rollback_points (id, action_log_id, method, data, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ActionLogID, r.Method, string(data),
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append rollback point: %v", ErrStorage, err)
	}
	return nil
}

// ListArtifacts returns the artifacts attached to a log row, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, logID string) ([]*Artifact, error) {
	query := s.rebind(`SELECT id, action_log_id, type, uri, hash, created_at
		FROM action_artifacts WHERE action_log_id = ? ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, logID)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var uri, hash sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ActionLogID, &a.Type, &uri, &hash, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan artifact: %v", ErrStorage, err)
		}
		a.URI = uri.String
		a.Hash = hash.String
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("ledger: decode artifact time: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %v", ErrStorage, err)
	}
	return out, nil
}

// ListRollbackPoints returns the rollback points attached to a log row, oldest first.
func (s *Store) ListRollbackPoints(ctx context.Context, logID string) ([]*RollbackPoint, error) {
	query := s.rebind(`SELECT id, action_log_id, method, data, created_at
		FROM rollback_points WHERE action_log_id = ? ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, logID)
	if err != nil {
		return nil, fmt.Errorf("%w: list rollback points: %v", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RollbackPoint
	for rows.Next() {
		var r RollbackPoint
		var data, createdAt string
		if err := rows.Scan(&r.ID, &r.ActionLogID, &r.Method, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan rollback point: %v", ErrStorage, err)
		}
		r.Data = json.RawMessage(data)
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("ledger: decode rollback time: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list rollback points: %v", ErrStorage, err)
	}
	return out, nil
}
