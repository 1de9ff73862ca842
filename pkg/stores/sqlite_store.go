package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DefaultListLimit caps list queries that pass a non-positive limit.
const DefaultListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		config: cfg,
		now:    time.Now,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.config.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.config.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateSession creates a new session record. Zero timestamps are filled
// with the current time.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if session.State == "" {
		session.State = sandbox.StateIdle
	}
	if err := session.State.Validate(); err != nil {
		return err
	}
	now := s.now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	query := `
		INSERT INTO sessions (id, project_root, sandbox_id, framework, state, remote, last_error, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ProjectRoot,
		session.SandboxID,
		session.Framework,
		session.State,
		session.Remote,
		session.LastError,
		session.CreatedAt,
		session.UpdatedAt,
		session.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

const sessionColumns = `id, project_root, sandbox_id, framework, state, remote, last_error, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.ProjectRoot,
		&session.SandboxID,
		&session.Framework,
		&session.State,
		&session.Remote,
		&session.LastError,
		&session.CreatedAt,
		&session.UpdatedAt,
		&session.ClosedAt,
	)
	return session, err
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// UpdateSessionState records the latest lifecycle state of a session.
// Moving to closed also stamps closed_at.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id string, state sandbox.State, errMsg *string) error {
	if err := state.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET state = ?, last_error = COALESCE(?, last_error), updated_at = ?,
			closed_at = CASE WHEN ? = 'closed' THEN ? ELSE closed_at END
		WHERE id = ?
	`

	now := s.now()
	result, err := s.db.ExecContext(ctx, query, state, errMsg, now, state, now, id)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListSessions lists sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, listLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// SaveVerification upserts the verification metadata of a session.
func (s *SQLiteStore) SaveVerification(ctx context.Context, sessionID string, meta sandbox.VerificationMetadata) error {
	query := `
		INSERT INTO verification (
			session_id, environment_verified_at, runtime_version, container_hash,
			dependencies_locked_at, dependency_count, lockfile_hash, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			environment_verified_at = excluded.environment_verified_at,
			runtime_version = excluded.runtime_version,
			container_hash = excluded.container_hash,
			dependencies_locked_at = excluded.dependencies_locked_at,
			dependency_count = excluded.dependency_count,
			lockfile_hash = excluded.lockfile_hash,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		meta.EnvironmentVerifiedAt,
		meta.RuntimeVersion,
		meta.ContainerHash,
		meta.DependenciesLockedAt,
		meta.DependencyCount,
		meta.LockfileHash,
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save verification: %w", err)
	}

	return nil
}

// GetVerification retrieves the verification metadata of a session.
func (s *SQLiteStore) GetVerification(ctx context.Context, sessionID string) (*sandbox.VerificationMetadata, error) {
	query := `
		SELECT environment_verified_at, runtime_version, container_hash,
			   dependencies_locked_at, dependency_count, lockfile_hash
		FROM verification
		WHERE session_id = ?
	`

	meta := &sandbox.VerificationMetadata{}
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&meta.EnvironmentVerifiedAt,
		&meta.RuntimeVersion,
		&meta.ContainerHash,
		&meta.DependenciesLockedAt,
		&meta.DependencyCount,
		&meta.LockfileHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}

	return meta, nil
}

// RecordPainSignal stores a detected signal. Recording the same signal ID
// twice is a no-op.
func (s *SQLiteStore) RecordPainSignal(ctx context.Context, sessionID string, signal detector.PainSignal) error {
	if err := insertPainSignal(ctx, s.db, sessionID, &signal); err != nil {
		return fmt.Errorf("failed to record pain signal: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPainSignal(ctx context.Context, db execer, sessionID string, signal *detector.PainSignal) error {
	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}

	query := `
		INSERT INTO pain_signals (id, session_id, type, severity, message, context, file, line, suggestion, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := db.ExecContext(ctx, query,
		signal.ID,
		sessionID,
		signal.Type,
		signal.Severity,
		signal.Message,
		signal.Context,
		signal.File,
		signal.Line,
		signal.Suggestion,
		signal.Timestamp,
	)
	return err
}

// ListPainSignals lists the signals of a session, newest first.
func (s *SQLiteStore) ListPainSignals(ctx context.Context, sessionID string, limit int) ([]detector.PainSignal, error) {
	query := `
		SELECT id, type, severity, message, context, file, line, suggestion, detected_at
		FROM pain_signals
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list pain signals: %w", err)
	}
	defer rows.Close()

	signals := []detector.PainSignal{}
	for rows.Next() {
		var signal detector.PainSignal
		err := rows.Scan(
			&signal.ID,
			&signal.Type,
			&signal.Severity,
			&signal.Message,
			&signal.Context,
			&signal.File,
			&signal.Line,
			&signal.Suggestion,
			&signal.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pain signal: %w", err)
		}
		signals = append(signals, signal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pain signals: %w", err)
	}

	return signals, nil
}

// RecordHealRequest stores a triggered heal request together with the
// signal that caused it.
func (s *SQLiteStore) RecordHealRequest(ctx context.Context, sessionID string, req heal.PendingHealRequest) (*HealRecord, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	if err := insertPainSignal(ctx, tx, sessionID, &req.Signal); err != nil {
		return nil, fmt.Errorf("failed to record heal signal: %w", err)
	}

	record := &HealRecord{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		PendingHealRequest: req,
	}

	query := `
		INSERT INTO heal_requests (id, session_id, signal_id, error, suggestion, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		record.ID,
		sessionID,
		req.Signal.ID,
		req.Error,
		req.Suggestion,
		req.RequestedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record heal request: %w", err)
	}

	if err := s.CommitTx(tx); err != nil {
		return nil, fmt.Errorf("failed to commit heal request: %w", err)
	}

	return record, nil
}

// ListHealRequests lists the heal requests of a session, newest first,
// with their triggering signals.
func (s *SQLiteStore) ListHealRequests(ctx context.Context, sessionID string, limit int) ([]*HealRecord, error) {
	query := `
		SELECT h.id, h.session_id, h.error, h.suggestion, h.requested_at,
			   p.id, p.type, p.severity, p.message, p.context, p.file, p.line, p.suggestion, p.detected_at
		FROM heal_requests h
		JOIN pain_signals p ON p.id = h.signal_id
		WHERE h.session_id = ?
		ORDER BY h.seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list heal requests: %w", err)
	}
	defer rows.Close()

	records := []*HealRecord{}
	for rows.Next() {
		record := &HealRecord{}
		signal := &record.Signal
		err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.Error,
			&record.Suggestion,
			&record.RequestedAt,
			&signal.ID,
			&signal.Type,
			&signal.Severity,
			&signal.Message,
			&signal.Context,
			&signal.File,
			&signal.Line,
			&signal.Suggestion,
			&signal.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan heal request: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating heal requests: %w", err)
	}

	return records, nil
}

// RecordAttempt stores one execution attempt. It implements
// execution.AttemptRecorder.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, executionID string, attempt execution.Attempt) error {
	query := `
		INSERT INTO execution_attempts (execution_id, attempt, kind, retryable, retry_after_ms, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, attempt) DO UPDATE SET
			kind = excluded.kind,
			retryable = excluded.retryable,
			retry_after_ms = excluded.retry_after_ms,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			recorded_at = excluded.recorded_at
	`

	_, err := s.db.ExecContext(ctx, query,
		executionID,
		attempt.Number,
		attempt.Kind,
		attempt.Retryable,
		attempt.RetryAfter.Milliseconds(),
		attempt.Error,
		attempt.Duration.Milliseconds(),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// ListAttempts lists the attempts of an execution in attempt order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, executionID string) ([]execution.Attempt, error) {
	query := `
		SELECT attempt, kind, retryable, retry_after_ms, error, duration_ms
		FROM execution_attempts
		WHERE execution_id = ?
		ORDER BY attempt ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []execution.Attempt{}
	for rows.Next() {
		var (
			attempt      execution.Attempt
			retryAfterMS int64
			durationMS   int64
		)
		err := rows.Scan(
			&attempt.Number,
			&attempt.Kind,
			&attempt.Retryable,
			&retryAfterMS,
			&attempt.Error,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempt.RetryAfter = time.Duration(retryAfterMS) * time.Millisecond
		attempt.Duration = time.Duration(durationMS) * time.Millisecond
		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// AppendEvent appends a telemetry event to the audit log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	data := []byte("{}")
	if len(event.Data) > 0 {
		var err error
		data, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	query := `
		INSERT INTO events (id, type, source, session_id, execution_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Source,
		event.SessionID,
		event.ExecutionID,
		event.Level,
		event.Message,
		string(data),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves audit events matching q, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, q.ExecutionID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}

	query := `SELECT id, type, source, session_id, execution_id, level, message, data, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ? OFFSET ?"
	args = append(args, listLimit(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			event telemetry.Event
			data  string
		)
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Source,
			&event.SessionID,
			&event.ExecutionID,
			&event.Level,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

var _ Store = (*SQLiteStore)(nil)
