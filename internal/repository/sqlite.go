// Package store persists the platform's state in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pairforge/pairforge/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for components that own their own
// transaction discipline (the credit ledger).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			target TEXT NOT NULL,
			project_id TEXT,
			status TEXT NOT NULL,
			intent TEXT,
			iterations INTEGER NOT NULL DEFAULT 0,
			iteration_budget INTEGER NOT NULL DEFAULT 0,
			reserved_credits INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS progress (
			entry_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			message TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_run ON progress(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			available_credits INTEGER NOT NULL DEFAULT 0,
			reserved_credits INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (reserved_credits >= 0),
			CHECK (available_credits >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			decided_by TEXT,
			reason TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			iteration INTEGER NOT NULL,
			conversation TEXT,
			telemetry TEXT,
			saved_at_ms INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.AgentRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, user_id, target, project_id, status, intent, iterations, iteration_budget, reserved_credits, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.UserID, run.Target, nullString(run.ProjectID), run.Status, nullString(string(run.Intent)),
		run.Iterations, run.IterationBudget, run.ReservedCredits, run.StartedAt)
	return err
}

// GetRun retrieves a run by ID. Returns nil, nil when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.AgentRun, error) {
	var run domain.AgentRun
	var projectID, intent, errData sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, user_id, target, project_id, status, intent, iterations, iteration_budget, reserved_credits, started_at, ended_at, error
		 FROM runs WHERE run_id = ?`,
		runID).Scan(&run.RunID, &run.UserID, &run.Target, &projectID, &run.Status, &intent,
		&run.Iterations, &run.IterationBudget, &run.ReservedCredits, &run.StartedAt, &endedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		run.ProjectID = projectID.String
	}
	if intent.Valid {
		run.Intent = domain.IntentClass(intent.String)
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// UpdateRunStatus updates the status of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE run_id = ?`, status, runID)
	return err
}

// UpdateRunIteration records iteration progress for a run.
func (s *SQLiteStore) UpdateRunIteration(ctx context.Context, runID string, iterations int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET iterations = ? WHERE run_id = ?`, iterations, runID)
	return err
}

// UpdateRunCompleted moves a run into a terminal state.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error {
	now := time.Now()
	var errStr sql.NullString
	if errData != nil {
		errStr = sql.NullString{String: string(errData), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE run_id = ?`,
		status, now, errStr, runID)
	return err
}

// CreateMessage creates a new conversation message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	var metadata sql.NullString
	if message.Metadata != nil {
		metadata = sql.NullString{String: string(message.Metadata), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, user_id, run_id, role, content, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.UserID, nullString(message.RunID), message.Role, message.Content, message.CreatedAt, metadata)
	return err
}

// GetMessages retrieves the newest messages for a user, returned oldest
// first so callers can use them directly as a conversation tail.
func (s *SQLiteStore) GetMessages(ctx context.Context, userID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, user_id, run_id, role, content, created_at, metadata FROM messages WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID, metadata sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.UserID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt, &metadata); err != nil {
			return nil, err
		}
		if runID.Valid {
			msg.RunID = runID.String
		}
		if metadata.Valid {
			msg.Metadata = json.RawMessage(metadata.String)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateProgress appends a progress entry for a run.
func (s *SQLiteStore) CreateProgress(ctx context.Context, entry *domain.ProgressEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (entry_id, run_id, message, category, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.EntryID, entry.RunID, entry.Message, entry.Category, entry.CreatedAt)
	return err
}

// GetProgress retrieves progress entries for a run in order.
func (s *SQLiteStore) GetProgress(ctx context.Context, runID string) ([]domain.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, run_id, message, category, created_at FROM progress WHERE run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ProgressEntry
	for rows.Next() {
		var e domain.ProgressEntry
		if err := rows.Scan(&e.EntryID, &e.RunID, &e.Message, &e.Category, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateEvent appends a stream event to the run's event log.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.StreamEvent) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Type, payload)
	return err
}

// GetEvents retrieves events for a run after the given timestamp.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.StreamEvent, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}
	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}
	query += ` ORDER BY ts ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StreamEvent
	for rows.Next() {
		var event domain.StreamEvent
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CreateApproval records a pending approval for a policy-gated tool call.
func (s *SQLiteStore) CreateApproval(ctx context.Context, ap *domain.Approval) error {
	var args sql.NullString
	if ap.Args != nil {
		args = sql.NullString{String: string(ap.Args), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, run_id, tool_name, args, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ap.ApprovalID, ap.RunID, ap.ToolName, args, ap.Status, time.Now())
	return err
}

// GetApproval retrieves an approval by ID. Returns nil, nil when absent.
func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*domain.Approval, error) {
	var ap domain.Approval
	var args, decidedBy, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, run_id, tool_name, args, status, decided_by, reason FROM approvals WHERE approval_id = ?`,
		approvalID).Scan(&ap.ApprovalID, &ap.RunID, &ap.ToolName, &args, &ap.Status, &decidedBy, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if args.Valid {
		ap.Args = json.RawMessage(args.String)
	}
	if decidedBy.Valid {
		ap.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		ap.Reason = reason.String
	}
	return &ap, nil
}

// DecideApproval records a decision on a pending approval. Returns false when
// the approval was already decided.
func (s *SQLiteStore) DecideApproval(ctx context.Context, approvalID string, status domain.ApprovalStatus, decidedBy, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_at = ?, decided_by = ?, reason = ? WHERE approval_id = ? AND status = ?`,
		status, time.Now(), decidedBy, reason, approvalID, domain.ApprovalStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// CreateIncident raises an incident record for later review.
func (s *SQLiteStore) CreateIncident(ctx context.Context, inc *domain.Incident) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (incident_id, run_id, user_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.RunID, inc.UserID, inc.Kind, inc.Detail, inc.CreatedAt)
	return err
}

// ListIncidents lists incidents for a user, newest first.
func (s *SQLiteStore) ListIncidents(ctx context.Context, userID string, limit int) ([]domain.Incident, error) {
	query := `SELECT incident_id, run_id, user_id, kind, detail, created_at FROM incidents WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		var detail sql.NullString
		if err := rows.Scan(&inc.IncidentID, &inc.RunID, &inc.UserID, &inc.Kind, &detail, &inc.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			inc.Detail = detail.String
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// SaveCheckpoint upserts a run's serialized iteration state.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (run_id, iteration, conversation, telemetry, saved_at_ms) VALUES (?, ?, ?, ?, ?)`,
		cp.RunID, cp.Iteration, nullStringBytes(cp.Conversation), nullStringBytes(cp.Telemetry), cp.SavedAtMs)
	return err
}

// GetCheckpoint retrieves a run's last saved state. Returns nil, nil when absent.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var conversation, telemetry sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, iteration, conversation, telemetry, saved_at_ms FROM checkpoints WHERE run_id = ?`,
		runID).Scan(&cp.RunID, &cp.Iteration, &conversation, &telemetry, &cp.SavedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conversation.Valid {
		cp.Conversation = json.RawMessage(conversation.String)
	}
	if telemetry.Valid {
		cp.Telemetry = json.RawMessage(telemetry.String)
	}
	return &cp, nil
}

// DeleteCheckpoint removes a run's checkpoint once the run is terminal.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
