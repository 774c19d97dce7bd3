package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced at the store boundary.
var (
	// ErrDuplicateEvent reports an idempotency key collision on append.
	// Callers must treat it as a successful no-op.
	ErrDuplicateEvent = errors.New("duplicate event: idempotency key already indexed")

	// ErrNotFound reports that a requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// EventStore persists events, rule runs, and approvals.
type EventStore interface {
	AppendEvent(e *Event) error
	ExistsIdempotency(key string) (bool, error)
	GetEvent(eventID string) (*Event, error)
	ListEvents(f EventFilter) ([]*Event, error)
	ListEventsAfter(cursor *EventCursor, f EventFilter) ([]*Event, error)
	ListEventsSince(cursor *EventCursor, f EventFilter) ([]*Event, error)

	InsertRuleRun(r *RuleRun) error
	UpdateRuleRun(runID string, status RunStatus, reason string, durationMs int64, actionTraceID string) error
	HasRuleEventRun(ruleID, eventID string) (bool, error)
	HasRecentRuleSubjectRun(ruleID, subject string, window time.Duration) (bool, error)
	GetLastRuleRunAt(ruleID string) (*time.Time, error)
	ListRuleRuns(f RuleRunFilter) ([]*RuleRun, error)

	InsertApproval(a *Approval) error
	UpdateApproval(approvalID string, status ApprovalStatus) (bool, error)
	GetApproval(approvalID string) (*Approval, error)
	ListPendingApprovals() ([]*Approval, error)
	ListApprovals(status ApprovalStatus, limit int) ([]*Approval, error)
	ListPendingApprovalsBefore(cutoff time.Time) ([]*Approval, error)

	GetMetrics(since *time.Time) (*Metrics, error)
}

// GatewayStore persists conversations, context messages, and task runs.
type GatewayStore interface {
	GetOrCreateConversation(provider, gatewayKey, botID, chatID string) (*Conversation, error)
	GetConversation(id string) (*Conversation, error)
	ListConversations(provider string, limit int) ([]*Conversation, error)

	AppendMessage(m *ContextMessage) error
	ListMessages(conversationID string, limit int) ([]*ContextMessage, error)
	LatestAssistantMessageAt(conversationID string) (*time.Time, error)

	InsertTaskRun(r *TaskRun) error
	UpdateTaskRun(id string, status TaskStatus, resultSummary string, resultMetadata map[string]any) error
	GetTaskRun(id string) (*TaskRun, error)
	ListTaskRuns(conversationID string, limit int) ([]*TaskRun, error)
}

// ConfigStore persists runtime gateway configuration rows.
type ConfigStore interface {
	UpsertGatewayConfig(c *GatewayConfig) error
	GetGatewayConfig(provider, name string) (*GatewayConfig, error)
	ListGatewayConfigs() ([]*GatewayConfig, error)
}

// SQLStore implements EventStore, GatewayStore, and ConfigStore on a single
// relational database. The backend is SQLite by default; a DSN starting with
// postgres:// or postgresql:// selects PostgreSQL via the pgx stdlib driver.
type SQLStore struct {
	db         *sql.DB
	isPostgres bool
}

var (
	_ EventStore   = (*SQLStore)(nil)
	_ GatewayStore = (*SQLStore)(nil)
	_ ConfigStore  = (*SQLStore)(nil)
)

// Open connects to the database named by dsn. SQLite paths are opened with
// WAL journaling and a busy timeout so concurrent component writes do not
// fail on lock contention.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &SQLStore{db: db, isPostgres: true}, nil
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *SQLStore) IsPostgres() bool { return s.isPostgres }

// Initialize creates the schema. Statements are executed one at a time
// because the pgx driver does not accept multi-statement strings.
func (s *SQLStore) Initialize() error {
	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) schemaStatements() []string {
	ts := "DATETIME"
	if s.isPostgres {
		ts = "TIMESTAMPTZ"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			source          TEXT NOT NULL,
			subject         TEXT,
			payload         TEXT,
			risk_hint       TEXT,
			idempotency_key TEXT,
			created_at      ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key      TEXT PRIMARY KEY,
			event_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_runs (
			run_id          TEXT PRIMARY KEY,
			rule_id         TEXT NOT NULL,
			event_id        TEXT NOT NULL,
			decision        TEXT NOT NULL,
			reason          TEXT,
			status          TEXT NOT NULL,
			action_trace_id TEXT,
			duration_ms     INTEGER DEFAULT 0,
			created_at      ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			rule_id     TEXT NOT NULL,
			event_id    TEXT NOT NULL,
			risk_level  TEXT NOT NULL,
			context     TEXT,
			status      TEXT NOT NULL DEFAULT 'pending',
			created_at  ` + ts + ` NOT NULL,
			resolved_at ` + ts + `
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			provider        TEXT NOT NULL,
			gateway_key     TEXT NOT NULL UNIQUE,
			bot_id          TEXT NOT NULL,
			chat_id         TEXT NOT NULL,
			main_context_id TEXT,
			created_at      ` + ts + ` NOT NULL,
			updated_at      ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			metadata        TEXT,
			context_version INTEGER NOT NULL,
			created_at      ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id                 TEXT PRIMARY KEY,
			conversation_id    TEXT NOT NULL,
			runtime_session_id TEXT NOT NULL,
			source_message_id  TEXT,
			snapshot_version   INTEGER DEFAULT 0,
			status             TEXT NOT NULL,
			result_summary     TEXT,
			result_metadata    TEXT,
			created_at         ` + ts + ` NOT NULL,
			updated_at         ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_configs (
			provider   TEXT NOT NULL,
			name       TEXT NOT NULL,
			config     TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			PRIMARY KEY (provider, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(event_type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_runs_rule_event ON rule_runs(rule_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_runs_rule_created ON rule_runs(rule_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conv_version ON context_messages(conversation_id, context_version)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_conv ON task_runs(conversation_id, created_at)`,
	}
}

// rebind rewrites ? placeholders into $N placeholders when the store is
// backed by PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary-key or unique-index
// violation on either backend.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// --- Column helpers ---

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableMap(m map[string]any) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func mapOrNil(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}
