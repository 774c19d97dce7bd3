// Package router dispatches decided rule actions to their executors:
// notification sink, structured log, outbound webhook, and the external
// task runner.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
	"github.com/semibot/semibot/internal/task"
)

// Notification is one notify action handed to the sink. Decision lets the
// sink phrase pending-approval pings differently from completed actions.
type Notification struct {
	TraceID  string           `json:"trace_id"`
	RuleID   string           `json:"rule_id"`
	RuleName string           `json:"rule_name"`
	Decision rules.ActionMode `json:"decision"`
	Event    *store.Event     `json:"event"`
	Target   string           `json:"target,omitempty"`
	Params   map[string]any   `json:"params,omitempty"`
}

// NotificationSink delivers notifications to humans. The gateway manager is
// the usual implementation; nil means notifications are logged and dropped.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// Paths carries the store and rules locations forwarded to the task runner
// so spawned runtimes see the same state as the engine.
type Paths struct {
	DBPath    string
	RulesPath string
}

// EventRouter executes rule actions and aggregates the outcome per call.
type EventRouter struct {
	mu     sync.RWMutex
	sink   NotificationSink
	runner task.Runner
	client *http.Client
	paths  Paths
	logger *slog.Logger
}

var _ rules.Router = (*EventRouter)(nil)

// New creates an EventRouter. runner must not be nil; pass
// task.Unconfigured() when no external runner is wired.
func New(runner task.Runner, paths Paths, logger *slog.Logger) *EventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRouter{
		runner: runner,
		client: &http.Client{Timeout: 10 * time.Second},
		paths:  paths,
		logger: logger.With("component", "router.EventRouter"),
	}
}

// SetSink wires the notification sink. Called after construction because
// the gateway manager is built later in the composition order.
func (r *EventRouter) SetSink(s NotificationSink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// Route executes the rule's actions for the given decision. Ask decisions
// dispatch only notify actions; everything else is deferred until the
// approval is granted and its approval.granted event re-enters the engine.
// On action failure the remaining actions still run.
func (r *EventRouter) Route(ctx context.Context, decision rules.ActionMode, evt *store.Event, rule *rules.EventRule) rules.RouteReport {
	report := rules.RouteReport{TraceID: store.NewTraceID()}

	switch decision {
	case rules.ModeSuggest, rules.ModeAuto, rules.ModeAsk:
	default:
		return report
	}

	for _, action := range rule.Actions {
		if decision == rules.ModeAsk && action.ActionType != rules.ActionNotify {
			continue
		}

		if err := r.execute(ctx, report.TraceID, decision, action, evt, rule); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", action.ActionType, err))
			r.logger.Error("action failed",
				"trace_id", report.TraceID,
				"rule_id", rule.ID,
				"action_type", action.ActionType,
				"error", err,
			)
			continue
		}
		report.Executed++
	}
	return report
}

func (r *EventRouter) execute(ctx context.Context, traceID string, decision rules.ActionMode, action rules.ActionSpec, evt *store.Event, rule *rules.EventRule) error {
	switch action.ActionType {
	case rules.ActionNotify:
		return r.executeNotify(ctx, traceID, decision, action, evt, rule)
	case rules.ActionLogOnly:
		r.executeLogOnly(traceID, action, evt, rule)
		return nil
	case rules.ActionCallWebhook:
		return r.executeWebhook(ctx, traceID, decision, action, evt, rule)
	case rules.ActionRunAgent:
		return r.executeTask(ctx, traceID, action, evt, rule, false)
	case rules.ActionExecutePlan:
		return r.executeTask(ctx, traceID, action, evt, rule, true)
	}
	return fmt.Errorf("unknown action type %q", action.ActionType)
}

func (r *EventRouter) executeNotify(ctx context.Context, traceID string, decision rules.ActionMode, action rules.ActionSpec, evt *store.Event, rule *rules.EventRule) error {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()

	if sink == nil {
		// Notifications are best effort; a missing sink is a deployment
		// choice, not a rule failure.
		r.logger.Warn("notification dropped: no sink configured",
			"trace_id", traceID,
			"rule_id", rule.ID,
			"event_type", evt.EventType,
		)
		return nil
	}

	return sink.Notify(ctx, Notification{
		TraceID:  traceID,
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Decision: decision,
		Event:    evt,
		Target:   action.Target,
		Params:   action.Params,
	})
}

func (r *EventRouter) executeLogOnly(traceID string, action rules.ActionSpec, evt *store.Event, rule *rules.EventRule) {
	r.logger.Info("rule action",
		"trace_id", traceID,
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"event_id", evt.EventID,
		"event_type", evt.EventType,
		"subject", evt.Subject,
		"params", action.Params,
	)
}

func (r *EventRouter) executeWebhook(ctx context.Context, traceID string, decision rules.ActionMode, action rules.ActionSpec, evt *store.Event, rule *rules.EventRule) error {
	url := action.Target
	if url == "" {
		if u, ok := action.Params["url"].(string); ok {
			url = u
		}
	}
	if url == "" {
		return fmt.Errorf("call_webhook requires a target URL")
	}

	body, err := json.Marshal(map[string]any{
		"trace_id": traceID,
		"decision": decision,
		"rule":     map[string]any{"id": rule.ID, "name": rule.Name},
		"event":    evt,
		"params":   action.Params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Semibot/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// executeTask hands the action to the external runner. run_agent sends the
// event and params as the task document; execute_plan additionally requires
// a pre-built plan in params.
func (r *EventRouter) executeTask(ctx context.Context, traceID string, action rules.ActionSpec, evt *store.Event, rule *rules.EventRule, requirePlan bool) error {
	doc := map[string]any{
		"trace_id": traceID,
		"event":    evt,
		"rule":     map[string]any{"id": rule.ID, "name": rule.Name},
		"params":   action.Params,
	}
	if requirePlan {
		plan, ok := action.Params["plan"]
		if !ok {
			return fmt.Errorf("execute_plan requires params.plan")
		}
		doc["plan"] = plan
	}

	taskBody, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode task document: %w", err)
	}

	req := task.Request{
		Task:      string(taskBody),
		DBPath:    r.paths.DBPath,
		RulesPath: r.paths.RulesPath,
		SessionID: store.NewSessionID("rule"),
	}
	if agentID, ok := action.Params["agent_id"].(string); ok {
		req.AgentID = agentID
	}
	if model, ok := action.Params["model"].(string); ok {
		req.Model = model
	}
	if prompt, ok := action.Params["system_prompt"].(string); ok {
		req.SystemPrompt = prompt
	}

	result, err := r.runner.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("task runner: %w", err)
	}
	if result.Failed() {
		return fmt.Errorf("task failed: %s", result.Error)
	}

	r.logger.Info("task completed",
		"trace_id", traceID,
		"rule_id", rule.ID,
		"session_id", req.SessionID,
	)
	return nil
}
