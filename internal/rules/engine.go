// Package rules implements the rule-driven core of the event engine:
// declarative rule loading, pure condition evaluation, governance gates
// (dedup window, cooldown, attention budget, risk escalation), and the
// engine that turns one event into persisted rule runs and dispatched
// actions.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/store"
)

// Router dispatches a decided action list to its executors. Implemented by
// the router package.
type Router interface {
	Route(ctx context.Context, decision ActionMode, evt *store.Event, rule *EventRule) RouteReport
}

// ApprovalRequester opens a pending approval for an ask decision.
// Implemented by the approval package.
type ApprovalRequester interface {
	Request(ctx context.Context, ruleID, eventID string, risk store.RiskLevel, actionContext map[string]any) (*store.Approval, error)
}

// HandleOptions control how Handle processes one event.
type HandleOptions struct {
	// Persist appends the event to the store before matching. Replays set
	// it false because the event already exists.
	Persist bool

	// BypassPriorRun skips the (rule, event) already-processed guard so an
	// explicit replay can re-dispatch. All other gates still apply.
	BypassPriorRun bool
}

// Engine matches events against the active rule set, applies governance
// gates, records rule runs, and dispatches actions through the router.
//
// Engine is safe for concurrent use. The rule set is replaced atomically by
// SetRules, so a reload never disturbs an in-flight event.
type Engine struct {
	mu    sync.RWMutex
	rules []*EventRule

	store     store.EventStore
	budget    *AttentionBudget
	router    Router
	approvals ApprovalRequester
	logger    *slog.Logger
}

// NewEngine creates a rules Engine. Call SetRules to populate it.
func NewEngine(st store.EventStore, budget *AttentionBudget, router Router, approvals ApprovalRequester, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		budget:    budget,
		router:    router,
		approvals: approvals,
		logger:    logger.With("component", "rules.Engine"),
	}
}

// SetRules atomically replaces the active rule set, sorted by priority
// descending with load order preserved for ties.
func (e *Engine) SetRules(rules []*EventRule) {
	sorted := make([]*EventRule, len(rules))
	copy(sorted, rules)
	SortRules(sorted)

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()

	e.logger.Info("rules loaded into engine", "count", len(sorted))
}

// AddRule appends one rule and re-sorts the active set.
func (e *Engine) AddRule(r *EventRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
	SortRules(e.rules)
}

// ListRules returns a copy of the active rule set in evaluation order.
func (e *Engine) ListRules() []*EventRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*EventRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// HandleEvent persists the event and processes it against the active rules.
// Duplicate idempotency keys are swallowed: the call returns an empty result
// list and no error.
func (e *Engine) HandleEvent(ctx context.Context, evt *store.Event) ([]ExecutionResult, error) {
	return e.Handle(ctx, evt, HandleOptions{Persist: true})
}

// Handle processes one event according to opts. Rules run sequentially in
// priority order; one rule's failure never stops the next.
func (e *Engine) Handle(ctx context.Context, evt *store.Event, opts HandleOptions) ([]ExecutionResult, error) {
	if evt.EventID == "" {
		evt.EventID = store.NewEventID()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	if opts.Persist {
		if err := e.store.AppendEvent(evt); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				e.logger.Debug("duplicate event ignored",
					"event_type", evt.EventType,
					"idempotency_key", evt.IdempotencyKey,
				)
				return []ExecutionResult{}, nil
			}
			return nil, fmt.Errorf("failed to append event: %w", err)
		}
	}

	matching := e.matchingRules(evt.EventType)
	results := make([]ExecutionResult, 0, len(matching))
	for _, rule := range matching {
		results = append(results, e.runRule(ctx, rule, evt, opts.BypassPriorRun))
	}
	return results, nil
}

// matchingRules returns active rules whose event_type equals the event's
// type or is the * wildcard, in priority order.
func (e *Engine) matchingRules(eventType string) []*EventRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*EventRule
	for _, r := range e.rules {
		if !r.IsActive {
			continue
		}
		if r.EventType == eventType || r.EventType == "*" {
			out = append(out, r)
		}
	}
	return out
}

// decide computes the decision for one (rule, event) pair, applying the
// governance gates in order: condition match, prior-run guard, dedup
// window, cooldown, attention budget, then risk coercions.
func (e *Engine) decide(rule *EventRule, evt *store.Event, bypassPriorRun bool) Decision {
	d := Decision{RuleID: rule.ID}

	if !e.ruleMatches(rule, evt) {
		d.Decision = ModeSkip
		d.Reason = "condition_not_met"
		return d
	}

	if !bypassPriorRun {
		done, err := e.store.HasRuleEventRun(rule.ID, evt.EventID)
		if err != nil {
			e.logger.Error("prior-run check failed", "rule_id", rule.ID, "error", err)
		}
		if done {
			d.Decision = ModeSkip
			d.Reason = "rule_event_already_processed"
			return d
		}
	}

	if rule.DedupeWindowSeconds > 0 && evt.Subject != "" {
		window := time.Duration(rule.DedupeWindowSeconds) * time.Second
		hit, err := e.store.HasRecentRuleSubjectRun(rule.ID, evt.Subject, window)
		if err != nil {
			e.logger.Error("dedup check failed", "rule_id", rule.ID, "error", err)
		}
		if hit {
			d.Decision = ModeSkip
			d.Reason = "dedupe_window_hit"
			return d
		}
	}

	if rule.CooldownSeconds > 0 {
		last, err := e.store.GetLastRuleRunAt(rule.ID)
		if err != nil {
			e.logger.Error("cooldown check failed", "rule_id", rule.ID, "error", err)
		}
		if last != nil {
			cooldown := time.Duration(rule.CooldownSeconds) * time.Second
			elapsed := time.Since(*last)
			if elapsed < cooldown {
				remaining := int(math.Ceil((cooldown - elapsed).Seconds()))
				d.Decision = ModeSkip
				d.Reason = fmt.Sprintf("cooldown_active:%ds", remaining)
				return d
			}
		}
	}

	if rule.AttentionBudgetPerDay > 0 {
		subject := evt.Subject
		if subject == "" {
			subject = "_"
		}
		if !e.budget.Allow(rule.ID+":"+subject, rule.AttentionBudgetPerDay) {
			d.Decision = ModeSkip
			d.Reason = "attention_budget_exceeded"
			return d
		}
	}

	d.Decision = rule.ActionMode
	d.Reason = "matched"
	switch d.Decision {
	case ModeSkip, ModeAsk, ModeSuggest, ModeAuto:
	default:
		d.Decision = ModeSuggest
		d.Reason = "unrecognized_action_mode"
	}

	if rule.RiskLevel == store.RiskHigh && d.Decision == ModeAuto {
		d.Decision = ModeAsk
		d.Reason = "high_risk_requires_approval"
	}

	// Approval lifecycle events must never require approval themselves.
	if strings.HasPrefix(evt.EventType, "approval.") && d.Decision == ModeAsk {
		d.Decision = ModeSuggest
		d.Reason = "approval_event_cannot_require_approval_again"
	}

	return d
}

// ruleMatches combines the condition tree with the optional compiled CEL
// condition. A CEL evaluation error counts as no match.
func (e *Engine) ruleMatches(rule *EventRule, evt *store.Event) bool {
	if !Evaluate(rule.Conditions, evt) {
		return false
	}
	if rule.celProgram != nil {
		ok, err := EvalCEL(rule.celProgram, evt)
		if err != nil {
			e.logger.Warn("cel condition failed", "rule_id", rule.ID, "error", err)
			return false
		}
		return ok
	}
	return true
}

// runRule decides, records, and dispatches one rule for one event.
func (e *Engine) runRule(ctx context.Context, rule *EventRule, evt *store.Event, bypassPriorRun bool) ExecutionResult {
	start := time.Now()
	d := e.decide(rule, evt, bypassPriorRun)

	res := ExecutionResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Decision: d.Decision,
		Reason:   d.Reason,
	}

	run := &store.RuleRun{
		RunID:     store.NewRunID(),
		RuleID:    rule.ID,
		EventID:   evt.EventID,
		Decision:  string(d.Decision),
		Reason:    d.Reason,
		Status:    store.RunRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertRuleRun(run); err != nil {
		e.logger.Error("failed to insert rule run",
			"rule_id", rule.ID,
			"event_id", evt.EventID,
			"error", err,
		)
		res.Status = store.RunFailed
		res.Reason = "rule_run_insert_failed"
		return res
	}
	res.RunID = run.RunID

	if d.Decision == ModeSkip {
		if err := e.store.UpdateRuleRun(run.RunID, store.RunSkipped, d.Reason, 0, ""); err != nil {
			e.logger.Error("failed to finalize skipped run", "run_id", run.RunID, "error", err)
		}
		res.Status = store.RunSkipped
		return res
	}

	var approvalID string
	if d.Decision == ModeAsk && e.approvals != nil {
		apr, err := e.approvals.Request(ctx, rule.ID, evt.EventID, ruleRisk(rule), approvalContext(rule, evt))
		if err != nil {
			e.logger.Error("failed to open approval",
				"rule_id", rule.ID,
				"event_id", evt.EventID,
				"error", err,
			)
		} else {
			approvalID = apr.ApprovalID
			res.ApprovalID = approvalID
		}
	}

	report := e.router.Route(ctx, d.Decision, evt, rule)
	res.TraceID = report.TraceID
	res.Executed = report.Executed
	res.Failed = report.Failed

	status := store.RunCompleted
	switch {
	case report.Failed > 0 && report.Executed > 0:
		status = store.RunPartial
	case report.Failed > 0:
		status = store.RunFailed
	case d.Decision == ModeAsk && approvalID != "":
		status = store.RunAwaitingApproval
	}

	reason := d.Reason
	if len(report.Errors) > 0 {
		reason = fmt.Sprintf("%s;errors=%d", reason, len(report.Errors))
	}

	if err := e.store.UpdateRuleRun(run.RunID, status, reason, time.Since(start).Milliseconds(), report.TraceID); err != nil {
		e.logger.Error("failed to finalize rule run", "run_id", run.RunID, "error", err)
	}

	res.Status = status
	res.Reason = reason
	return res
}

func ruleRisk(rule *EventRule) store.RiskLevel {
	switch rule.RiskLevel {
	case store.RiskLow, store.RiskMedium, store.RiskHigh:
		return rule.RiskLevel
	}
	return store.RiskLow
}

// approvalContext summarizes the deferred work so an approver can judge it
// without loading the rule file.
func approvalContext(rule *EventRule, evt *store.Event) map[string]any {
	actions := make([]map[string]any, 0, len(rule.Actions))
	for _, a := range rule.Actions {
		entry := map[string]any{"action_type": a.ActionType}
		if a.Target != "" {
			entry["target"] = a.Target
		}
		actions = append(actions, entry)
	}
	ctx := map[string]any{
		"rule_name":  rule.Name,
		"event_type": evt.EventType,
		"actions":    actions,
	}
	if evt.Subject != "" {
		ctx["subject"] = evt.Subject
	}
	return ctx
}
