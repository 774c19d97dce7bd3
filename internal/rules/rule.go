package rules

import (
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/semibot/semibot/internal/store"
)

// ActionMode governs whether a matched rule dispatches automatically and
// whether human approval is required first.
type ActionMode string

const (
	ModeSkip    ActionMode = "skip"
	ModeAsk     ActionMode = "ask"
	ModeSuggest ActionMode = "suggest"
	ModeAuto    ActionMode = "auto"
)

// Action types understood by the router.
const (
	ActionNotify      = "notify"
	ActionRunAgent    = "run_agent"
	ActionExecutePlan = "execute_plan"
	ActionCallWebhook = "call_webhook"
	ActionLogOnly     = "log_only"
)

// ActionSpec is one action attached to a rule, executed in declaration
// order.
type ActionSpec struct {
	ActionType string         `json:"action_type"`
	Target     string         `json:"target,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// EventRule is a declarative mapping from an event type and condition to an
// action mode and action list. Rules are loaded from JSON files on disk.
type EventRule struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	EventType             string          `json:"event_type"`
	Conditions            *Condition      `json:"conditions,omitempty"`
	CELCondition          string          `json:"cel_condition,omitempty"`
	ActionMode            ActionMode      `json:"action_mode"`
	Actions               []ActionSpec    `json:"actions,omitempty"`
	RiskLevel             store.RiskLevel `json:"risk_level,omitempty"`
	Priority              int             `json:"priority"`
	DedupeWindowSeconds   int             `json:"dedupe_window_seconds,omitempty"`
	CooldownSeconds       int             `json:"cooldown_seconds,omitempty"`
	AttentionBudgetPerDay int             `json:"attention_budget_per_day,omitempty"`
	IsActive              bool            `json:"is_active"`

	// celProgram is compiled from CELCondition at load time and never
	// serialized.
	celProgram cel.Program
}

// Key identifies a rule for merge-by-name overriding across rule files.
func (r *EventRule) Key() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Condition is one node of a boolean expression tree over event fields.
// Exactly one of All, Any, Not, or the Field/Op/Value leaf form should be
// set; an empty node matches everything.
type Condition struct {
	All   []*Condition `json:"all,omitempty"`
	Any   []*Condition `json:"any,omitempty"`
	Not   *Condition   `json:"not,omitempty"`
	Field string       `json:"field,omitempty"`
	Op    string       `json:"op,omitempty"`
	Value any          `json:"value,omitempty"`
}

// Decision is the transient result of deciding one (rule, event) pair.
type Decision struct {
	Decision ActionMode `json:"decision"`
	Reason   string     `json:"reason"`
	RuleID   string     `json:"rule_id"`
}

// RouteReport aggregates the outcome of dispatching a rule's actions.
type RouteReport struct {
	TraceID  string   `json:"trace_id"`
	Executed int      `json:"executed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// ExecutionResult is what the engine reports per processed rule.
type ExecutionResult struct {
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Decision   ActionMode      `json:"decision"`
	Reason     string          `json:"reason,omitempty"`
	Status     store.RunStatus `json:"status"`
	ApprovalID string          `json:"approval_id,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Executed   int             `json:"executed"`
	Failed     int             `json:"failed"`
}

// SortRules orders rules by priority descending. The sort is stable so
// rules with equal priority keep their load order.
func SortRules(rules []*EventRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
