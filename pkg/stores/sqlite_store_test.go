package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/healloop/healloop/pkg/detector"
	"github.com/healloop/healloop/pkg/execution"
	"github.com/healloop/healloop/pkg/heal"
	"github.com/healloop/healloop/pkg/sandbox"
	"github.com/healloop/healloop/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestSession(t *testing.T, store *SQLiteStore, id string) *Session {
	t.Helper()
	session := &Session{
		ID:          id,
		ProjectRoot: "/work/" + id,
		SandboxID:   "sb-" + id,
		Framework:   "nextjs",
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession(%s) error = %v", id, err)
	}
	return session
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHealthCheckBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected error before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected Migrate to fail before Init")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"sessions", "verification", "pain_signals", "heal_requests", "execution_attempts", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "healloop.db")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	createTestSession(t, store, "persisted")
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetSession(ctx, "persisted"); err != nil {
		t.Fatalf("GetSession() after reopen error = %v", err)
	}
}

func TestSessionCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := createTestSession(t, store, "s1")
	if created.State != sandbox.StateIdle {
		t.Errorf("default state = %s, want idle", created.State)
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt was not filled in")
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ProjectRoot != "/work/s1" || got.Framework != "nextjs" || got.SandboxID != "sb-s1" {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.Remote {
		t.Error("Remote = true, want false")
	}
	if got.ClosedAt != nil || got.LastError != nil {
		t.Errorf("unexpected closed_at/last_error: %+v", got)
	}

	msg := "dev server exited with code 1"
	if err := store.UpdateSessionState(ctx, "s1", sandbox.StateError, &msg); err != nil {
		t.Fatalf("UpdateSessionState() error = %v", err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if got.State != sandbox.StateError {
		t.Errorf("State = %s, want error", got.State)
	}
	if got.LastError == nil || *got.LastError != msg {
		t.Errorf("LastError = %v, want %q", got.LastError, msg)
	}

	// A nil message keeps the previous error.
	if err := store.UpdateSessionState(ctx, "s1", sandbox.StateClosed, nil); err != nil {
		t.Fatalf("UpdateSessionState(closed) error = %v", err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if got.ClosedAt == nil {
		t.Error("ClosedAt not set on close")
	}
	if got.LastError == nil || *got.LastError != msg {
		t.Errorf("LastError = %v, want it kept", got.LastError)
	}
}

func TestSessionErrors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.UpdateSessionState(ctx, "missing", sandbox.StateRunning, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSessionState(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.CreateSession(ctx, &Session{}); err == nil {
		t.Error("expected error for session without id")
	}
	if err := store.CreateSession(ctx, &Session{ID: "x", State: "bogus"}); err == nil {
		t.Error("expected error for invalid state")
	}

	createTestSession(t, store, "dup")
	if err := store.CreateSession(ctx, &Session{ID: "dup"}); err == nil {
		t.Error("expected error for duplicate session")
	}
	if err := store.UpdateSessionState(ctx, "dup", "bogus", nil); err == nil {
		t.Error("expected error for invalid state update")
	}
}

func TestListSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		session := &Session{ID: id, ProjectRoot: "/p", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession(%s) error = %v", id, err)
		}
	}

	sessions, err := store.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Fatalf("ListSessions(2, 0) = %v", sessionIDs(sessions))
	}

	sessions, err = store.ListSessions(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "a" {
		t.Fatalf("ListSessions(0, 2) = %v", sessionIDs(sessions))
	}
	if !sessions[0].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", sessions[0].CreatedAt, base)
	}
}

func sessionIDs(sessions []*Session) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func TestVerification(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1")

	if _, err := store.GetVerification(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVerification() before save error = %v, want ErrNotFound", err)
	}

	verified := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	meta := sandbox.VerificationMetadata{
		EnvironmentVerifiedAt: &verified,
		RuntimeVersion:        "v20.11.0",
		ContainerHash:         "abc123",
	}
	if err := store.SaveVerification(ctx, "s1", meta); err != nil {
		t.Fatalf("SaveVerification() error = %v", err)
	}

	got, err := store.GetVerification(ctx, "s1")
	if err != nil {
		t.Fatalf("GetVerification() error = %v", err)
	}
	if got.RuntimeVersion != "v20.11.0" || got.ContainerHash != "abc123" {
		t.Errorf("GetVerification() = %+v", got)
	}
	if got.EnvironmentVerifiedAt == nil || !got.EnvironmentVerifiedAt.Equal(verified) {
		t.Errorf("EnvironmentVerifiedAt = %v, want %v", got.EnvironmentVerifiedAt, verified)
	}
	if got.DependenciesLockedAt != nil {
		t.Errorf("DependenciesLockedAt = %v, want nil", got.DependenciesLockedAt)
	}

	// Dependencies get locked after install.
	locked := verified.Add(time.Minute)
	meta.DependenciesLockedAt = &locked
	meta.DependencyCount = 6
	meta.LockfileHash = "def456"
	if err := store.SaveVerification(ctx, "s1", meta); err != nil {
		t.Fatalf("SaveVerification() update error = %v", err)
	}
	got, _ = store.GetVerification(ctx, "s1")
	if got.DependencyCount != 6 || got.LockfileHash != "def456" {
		t.Errorf("updated verification = %+v", got)
	}
	if got.DependenciesLockedAt == nil || !got.DependenciesLockedAt.Equal(locked) {
		t.Errorf("DependenciesLockedAt = %v, want %v", got.DependenciesLockedAt, locked)
	}

	if err := store.SaveVerification(ctx, "unknown", meta); err == nil {
		t.Error("expected foreign key error for unknown session")
	}
}

func testSignal(id string, painType detector.PainType, msg string) detector.PainSignal {
	return detector.PainSignal{
		ID:         id,
		Type:       painType,
		Severity:   detector.SeverityCritical,
		Message:    msg,
		Context:    "> " + msg,
		File:       "app/page.tsx",
		Line:       12,
		Suggestion: "fix it",
		Timestamp:  time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestPainSignals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1")
	createTestSession(t, store, "s2")

	first := testSignal("sig-1", detector.PainBuild, "Module not found")
	second := testSignal("sig-2", detector.PainRuntime, "x is not defined")
	for _, sig := range []detector.PainSignal{first, second} {
		if err := store.RecordPainSignal(ctx, "s1", sig); err != nil {
			t.Fatalf("RecordPainSignal(%s) error = %v", sig.ID, err)
		}
	}
	// Duplicate IDs are ignored.
	if err := store.RecordPainSignal(ctx, "s1", first); err != nil {
		t.Fatalf("RecordPainSignal(duplicate) error = %v", err)
	}
	if err := store.RecordPainSignal(ctx, "s2", testSignal("", detector.PainNetwork, "ECONNREFUSED")); err != nil {
		t.Fatalf("RecordPainSignal(no id) error = %v", err)
	}

	signals, err := store.ListPainSignals(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListPainSignals() error = %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("ListPainSignals() returned %d signals, want 2", len(signals))
	}
	if signals[0].ID != "sig-2" || signals[1].ID != "sig-1" {
		t.Errorf("order = [%s %s], want newest first", signals[0].ID, signals[1].ID)
	}
	got := signals[1]
	if got.Type != detector.PainBuild || got.Severity != detector.SeverityCritical ||
		got.File != "app/page.tsx" || got.Line != 12 || got.Suggestion != "fix it" {
		t.Errorf("round-tripped signal = %+v", got)
	}
	if !got.Timestamp.Equal(first.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, first.Timestamp)
	}

	limited, _ := store.ListPainSignals(ctx, "s1", 1)
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d signals", len(limited))
	}

	other, _ := store.ListPainSignals(ctx, "s2", 10)
	if len(other) != 1 || other[0].ID == "" {
		t.Errorf("s2 signals = %+v, want one with generated id", other)
	}

	if err := store.RecordPainSignal(ctx, "missing", testSignal("sig-3", detector.PainBuild, "orphan")); err == nil {
		t.Error("expected foreign key error for unknown session")
	}
}

func TestHealRequests(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1")

	sig := testSignal("sig-1", detector.PainBuild, "Module not found: Can't resolve 'lodash'")
	req := heal.PendingHealRequest{
		Error:      sig.Summary(),
		Suggestion: sig.Suggestion,
		Signal:     sig,
	}

	record, err := store.RecordHealRequest(ctx, "s1", req)
	if err != nil {
		t.Fatalf("RecordHealRequest() error = %v", err)
	}
	if record.ID == "" || record.SessionID != "s1" {
		t.Errorf("record = %+v", record)
	}
	if record.RequestedAt.IsZero() {
		t.Error("RequestedAt was not filled in")
	}

	// The signal was stored alongside the request.
	signals, _ := store.ListPainSignals(ctx, "s1", 0)
	if len(signals) != 1 || signals[0].ID != "sig-1" {
		t.Fatalf("signals = %+v, want the triggering signal", signals)
	}

	// A second heal for an already recorded signal still succeeds.
	if _, err := store.RecordHealRequest(ctx, "s1", req); err != nil {
		t.Fatalf("second RecordHealRequest() error = %v", err)
	}

	records, err := store.ListHealRequests(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListHealRequests() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListHealRequests() returned %d records, want 2", len(records))
	}
	got := records[1]
	if got.ID != record.ID {
		t.Errorf("oldest record = %s, want %s", got.ID, record.ID)
	}
	if got.Error != req.Error || got.Suggestion != "fix it" {
		t.Errorf("record = %+v", got)
	}
	if got.Signal.ID != "sig-1" || got.Signal.Type != detector.PainBuild || got.Signal.Line != 12 {
		t.Errorf("joined signal = %+v", got.Signal)
	}

	if _, err := store.RecordHealRequest(ctx, "missing", req); err == nil {
		t.Error("expected error for unknown session")
	}
	records, _ = store.ListHealRequests(ctx, "s1", 0)
	if len(records) != 2 {
		t.Errorf("failed request left %d records, want 2", len(records))
	}
}

func TestAttempts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var recorder execution.AttemptRecorder = store
	attempts := []execution.Attempt{
		{Number: 1, Kind: execution.ErrorKindRateLimit, Retryable: true, RetryAfter: 2 * time.Second, Error: "429", Duration: 150 * time.Millisecond},
		{Number: 2, Duration: 900 * time.Millisecond},
	}
	// Record out of order; listing is by attempt number.
	for i := len(attempts) - 1; i >= 0; i-- {
		if err := recorder.RecordAttempt(ctx, "exec-1", attempts[i]); err != nil {
			t.Fatalf("RecordAttempt(%d) error = %v", attempts[i].Number, err)
		}
	}
	if err := recorder.RecordAttempt(ctx, "exec-2", execution.Attempt{Number: 1}); err != nil {
		t.Fatalf("RecordAttempt(exec-2) error = %v", err)
	}

	got, err := store.ListAttempts(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListAttempts() returned %d attempts, want 2", len(got))
	}
	for i := range attempts {
		if got[i] != attempts[i] {
			t.Errorf("attempt %d = %+v, want %+v", i+1, got[i], attempts[i])
		}
	}
	if got[0].Succeeded() || !got[1].Succeeded() {
		t.Error("Succeeded() did not survive the round trip")
	}

	// Re-recording an attempt number replaces it.
	if err := recorder.RecordAttempt(ctx, "exec-1", execution.Attempt{Number: 2, Error: "late failure"}); err != nil {
		t.Fatalf("RecordAttempt(replace) error = %v", err)
	}
	got, _ = store.ListAttempts(ctx, "exec-1")
	if len(got) != 2 || got[1].Error != "late failure" {
		t.Errorf("after replace = %+v", got)
	}

	none, err := store.ListAttempts(ctx, "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("ListAttempts(unknown) = %v, %v", none, err)
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []telemetry.Event{
		{Type: telemetry.EventTypeSandboxBooted, Source: "sandbox", SessionID: "s1", Level: "info", Message: "booted"},
		{Type: telemetry.EventTypeExecutionRetry, Source: "execution", ExecutionID: "e1", Level: "warning", Message: "retry",
			Data: map[string]interface{}{"attempt": 1, "kind": "timeout"}},
		{Type: telemetry.EventTypeHealRequested, Source: "heal", SessionID: "s1", Level: "warning", Message: "heal"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent(%s) error = %v", e.Type, err)
		}
	}

	all, err := store.ListEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(all) != 3 || all[0].Type != telemetry.EventTypeHealRequested {
		t.Fatalf("ListEvents() = %d events, first %q", len(all), firstType(all))
	}
	for _, e := range all {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", e)
		}
	}

	bySession, _ := store.ListEvents(ctx, EventQuery{SessionID: "s1"})
	if len(bySession) != 2 {
		t.Errorf("session filter returned %d events, want 2", len(bySession))
	}

	byExec, _ := store.ListEvents(ctx, EventQuery{ExecutionID: "e1", Type: telemetry.EventTypeExecutionRetry})
	if len(byExec) != 1 {
		t.Fatalf("execution filter returned %d events, want 1", len(byExec))
	}
	if byExec[0].Data["kind"] != "timeout" || byExec[0].Data["attempt"] != float64(1) {
		t.Errorf("Data = %v", byExec[0].Data)
	}

	paged, _ := store.ListEvents(ctx, EventQuery{Limit: 1, Offset: 1})
	if len(paged) != 1 || paged[0].Type != telemetry.EventTypeExecutionRetry {
		t.Errorf("paged = %+v", paged)
	}
}

func firstType(events []telemetry.Event) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].Type
}

func TestSubscribePersistsEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "s1")

	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	store.Subscribe(ep, nil)

	_ = ep.PublishStateChanged("s1", "idle", "booting")
	_ = ep.PublishStateChanged("s1", "booting", "ready")
	_ = ep.PublishStateChanged("unknown", "idle", "booting")
	_ = ep.PublishHealRequested("s1", "[BUILD] boom", "fix")

	events, err := store.ListEvents(ctx, EventQuery{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("persisted %d events for s1, want 3", len(events))
	}

	session, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if session.State != sandbox.StateReady {
		t.Errorf("session state = %s, want ready", session.State)
	}
}

func TestSubscribeFilter(t *testing.T) {
	store := setupTestStore(t)

	ep, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	store.Subscribe(ep, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = ep.PublishSandboxBooted("s1", "v20")
	_ = ep.PublishInstallDegraded("s1", "timed out")

	events, _ := store.ListEvents(context.Background(), EventQuery{})
	if len(events) != 1 || events[0].Type != telemetry.EventTypeInstallDegraded {
		t.Errorf("events = %+v, want only the warning", events)
	}
}
