package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/telemetry"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Session is one sandbox session.
type Session struct {
	ID          string        `json:"id"`
	ProjectRoot string        `json:"project_root"`
	SandboxID   string        `json:"sandbox_id"`
	Framework   string        `json:"framework"`
	State       sandbox.State `json:"state"`
	Remote      bool          `json:"remote"`
	LastError   *string       `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}

// HealRecord is a persisted heal request.
type HealRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	heal.PendingHealRequest
}

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	SessionID   string
	ExecutionID string
	Type        string
	Limit       int
	Offset      int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionState(ctx context.Context, id string, state sandbox.State, errMsg *string) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Verification operations
	SaveVerification(ctx context.Context, sessionID string, meta sandbox.VerificationMetadata) error
	GetVerification(ctx context.Context, sessionID string) (*sandbox.VerificationMetadata, error)

	// Signal and heal operations
	RecordPainSignal(ctx context.Context, sessionID string, signal detector.PainSignal) error
	ListPainSignals(ctx context.Context, sessionID string, limit int) ([]detector.PainSignal, error)
	RecordHealRequest(ctx context.Context, sessionID string, req heal.PendingHealRequest) (*HealRecord, error)
	ListHealRequests(ctx context.Context, sessionID string, limit int) ([]*HealRecord, error)

	// Execution operations
	RecordAttempt(ctx context.Context, executionID string, attempt execution.Attempt) error
	ListAttempts(ctx context.Context, executionID string) ([]execution.Attempt, error)

	// Audit operations
	AppendEvent(ctx context.Context, event telemetry.Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ execution.AttemptRecorder = (Store)(nil)
