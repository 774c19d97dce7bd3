package store

import "time"

// RiskLevel classifies how dangerous an event or rule action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Event is an immutable record persisted in the event log. Events are
// append-only; once written a row never changes.
type Event struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Source         string         `json:"source"`
	Subject        string         `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	RiskHint       RiskLevel      `json:"risk_hint,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RunStatus is the lifecycle state of a rule run.
type RunStatus string

const (
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunSkipped          RunStatus = "skipped"
	RunPartial          RunStatus = "partial"
	RunFailed           RunStatus = "failed"
	RunAwaitingApproval RunStatus = "awaiting_approval"
)

// RuleRun records one application of one rule to one event. A row is
// inserted with status running at decision time and mutated exactly once
// to its final status.
type RuleRun struct {
	RunID         string    `json:"run_id"`
	RuleID        string    `json:"rule_id"`
	EventID       string    `json:"event_id"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason,omitempty"`
	Status        RunStatus `json:"status"`
	ActionTraceID string    `json:"action_trace_id,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is a human-in-the-loop gate created when a rule decision is ask.
// Resolution is terminal.
type Approval struct {
	ApprovalID string         `json:"approval_id"`
	RuleID     string         `json:"rule_id"`
	EventID    string         `json:"event_id"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Context    map[string]any `json:"context,omitempty"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Conversation is a long-lived per-gateway chat context. The gateway key
// is provider:bot_id:chat_id and is unique.
type Conversation struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	GatewayKey    string    `json:"gateway_key"`
	BotID         string    `json:"bot_id"`
	ChatID        string    `json:"chat_id"`
	MainContextID string    `json:"main_context_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ContextMessage is one entry in a conversation's append-ordered message
// log. ContextVersion is strictly monotonic per conversation.
type ContextMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ContextVersion int64          `json:"context_version"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TaskStatus is the lifecycle state of a gateway task run.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskRun records one isolated execution of the external task runner on
// behalf of a conversation message.
type TaskRun struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	RuntimeSessionID string         `json:"runtime_session_id"`
	SourceMessageID  string         `json:"source_message_id,omitempty"`
	SnapshotVersion  int64          `json:"snapshot_version"`
	Status           TaskStatus     `json:"status"`
	ResultSummary    string         `json:"result_summary,omitempty"`
	ResultMetadata   map[string]any `json:"result_metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// GatewayConfig is one stored gateway configuration row. Config holds the
// provider-specific settings (tokens, chat ids, addressing overrides) as an
// opaque document; validation happens in the gateway manager.
type GatewayConfig struct {
	Provider  string         `json:"provider"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Metrics is a point-in-time snapshot of store counters.
type Metrics struct {
	EventsTotal        int64 `json:"events_total"`
	RuleRunsTotal      int64 `json:"rule_runs_total"`
	RuleRunsCompleted  int64 `json:"rule_runs_completed"`
	RuleRunsSkipped    int64 `json:"rule_runs_skipped"`
	RuleRunsFailed     int64 `json:"rule_runs_failed"`
	ApprovalsTotal     int64 `json:"approvals_total"`
	ApprovalsPending   int64 `json:"approvals_pending"`
	ConversationsTotal int64 `json:"conversations_total"`
	TaskRunsTotal      int64 `json:"task_runs_total"`
}

// EventFilter narrows event listings. EventType and EventTypes are
// combined with OR when both are set.
type EventFilter struct {
	EventType  string
	EventTypes []string
	Limit      int
}

// RuleRunFilter narrows rule-run listings.
type RuleRunFilter struct {
	RuleID  string
	EventID string
	Status  string
	Limit   int
}

// EventCursor is a stable position in the (created_at, event_id) ordering
// used for dashboard pagination and live resume.
type EventCursor struct {
	CreatedAt time.Time
	EventID   string
}
