package rules

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/semibot/semibot/internal/store"
)

// --- Mocks ---

type runUpdate struct {
	runID   string
	status  store.RunStatus
	reason  string
	traceID string
}

type mockEventStore struct {
	appendErr error
	appended  []*store.Event

	priorRun  bool
	recentHit bool
	lastRunAt *time.Time

	insertRunErr error
	inserted     []*store.RuleRun
	updated      []runUpdate
}

func (m *mockEventStore) AppendEvent(e *store.Event) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, e)
	return nil
}

func (m *mockEventStore) ExistsIdempotency(string) (bool, error)      { return false, nil }
func (m *mockEventStore) GetEvent(string) (*store.Event, error)       { return nil, nil }
func (m *mockEventStore) ListEvents(store.EventFilter) ([]*store.Event, error) {
	return nil, nil
}
func (m *mockEventStore) ListEventsAfter(*store.EventCursor, store.EventFilter) ([]*store.Event, error) {
	return nil, nil
}
func (m *mockEventStore) ListEventsSince(*store.EventCursor, store.EventFilter) ([]*store.Event, error) {
	return nil, nil
}

func (m *mockEventStore) InsertRuleRun(r *store.RuleRun) error {
	if m.insertRunErr != nil {
		return m.insertRunErr
	}
	m.inserted = append(m.inserted, r)
	return nil
}

func (m *mockEventStore) UpdateRuleRun(runID string, status store.RunStatus, reason string, durationMs int64, actionTraceID string) error {
	m.updated = append(m.updated, runUpdate{runID, status, reason, actionTraceID})
	return nil
}

func (m *mockEventStore) HasRuleEventRun(string, string) (bool, error) { return m.priorRun, nil }
func (m *mockEventStore) HasRecentRuleSubjectRun(string, string, time.Duration) (bool, error) {
	return m.recentHit, nil
}
func (m *mockEventStore) GetLastRuleRunAt(string) (*time.Time, error) { return m.lastRunAt, nil }
func (m *mockEventStore) ListRuleRuns(store.RuleRunFilter) ([]*store.RuleRun, error) {
	return nil, nil
}

func (m *mockEventStore) InsertApproval(*store.Approval) error { return nil }
func (m *mockEventStore) UpdateApproval(string, store.ApprovalStatus) (bool, error) {
	return false, nil
}
func (m *mockEventStore) GetApproval(string) (*store.Approval, error)     { return nil, nil }
func (m *mockEventStore) ListPendingApprovals() ([]*store.Approval, error) { return nil, nil }
func (m *mockEventStore) ListApprovals(store.ApprovalStatus, int) ([]*store.Approval, error) {
	return nil, nil
}
func (m *mockEventStore) ListPendingApprovalsBefore(time.Time) ([]*store.Approval, error) {
	return nil, nil
}
func (m *mockEventStore) GetMetrics(*time.Time) (*store.Metrics, error) { return nil, nil }

type routeCall struct {
	decision ActionMode
	ruleID   string
}

type mockRouter struct {
	report RouteReport
	calls  []routeCall
}

func (m *mockRouter) Route(_ context.Context, decision ActionMode, _ *store.Event, rule *EventRule) RouteReport {
	m.calls = append(m.calls, routeCall{decision, rule.ID})
	return m.report
}

type approvalRequest struct {
	ruleID  string
	eventID string
	risk    store.RiskLevel
}

type mockApprovals struct {
	err      error
	requests []approvalRequest
}

func (m *mockApprovals) Request(_ context.Context, ruleID, eventID string, risk store.RiskLevel, _ map[string]any) (*store.Approval, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.requests = append(m.requests, approvalRequest{ruleID, eventID, risk})
	return &store.Approval{ApprovalID: "apr_test0001", Status: store.ApprovalPending}, nil
}

func newTestEngine(st store.EventStore, router Router, approvals ApprovalRequester) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(st, NewAttentionBudget(logger), router, approvals, logger)
}

func autoRule(id string, eventType string) *EventRule {
	return &EventRule{
		ID:         id,
		Name:       id,
		EventType:  eventType,
		ActionMode: ModeAuto,
		Actions:    []ActionSpec{{ActionType: ActionLogOnly}},
		RiskLevel:  store.RiskLow,
		IsActive:   true,
	}
}

func testEvent(eventType string) *store.Event {
	return &store.Event{
		EventType: eventType,
		Source:    "test",
		Subject:   "subj-1",
		Payload:   map[string]any{"status": "ok"},
	}
}

// --- Handle tests ---

func TestEngine_Handle_AutoCompletes(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{report: RouteReport{TraceID: "tr1", Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})
	eng.SetRules([]*EventRule{autoRule("r1", "a.b")})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatalf("HandleEvent error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	res := results[0]
	if res.Decision != ModeAuto || res.Status != store.RunCompleted {
		t.Errorf("got decision=%q status=%q, want auto/completed", res.Decision, res.Status)
	}
	if res.Reason != "matched" {
		t.Errorf("reason = %q, want matched", res.Reason)
	}
	if res.TraceID != "tr1" || res.Executed != 1 {
		t.Errorf("route report not propagated: %+v", res)
	}
	if len(st.appended) != 1 {
		t.Fatalf("event not persisted")
	}
	if len(router.calls) != 1 || router.calls[0].decision != ModeAuto {
		t.Fatalf("router calls = %+v", router.calls)
	}
	if len(st.updated) != 1 || st.updated[0].status != store.RunCompleted || st.updated[0].traceID != "tr1" {
		t.Errorf("rule run finalize = %+v", st.updated)
	}
}

func TestEngine_Handle_FillsEventIdentity(t *testing.T) {
	st := &mockEventStore{}
	eng := newTestEngine(st, &mockRouter{}, &mockApprovals{})

	evt := testEvent("a.b")
	if _, err := eng.HandleEvent(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(evt.EventID, "evt_") {
		t.Errorf("EventID = %q, want evt_ prefix", evt.EventID)
	}
	if evt.CreatedAt.IsZero() {
		t.Error("CreatedAt not filled")
	}
}

func TestEngine_Handle_DuplicateEventSwallowed(t *testing.T) {
	st := &mockEventStore{appendErr: store.ErrDuplicateEvent}
	router := &mockRouter{}
	eng := newTestEngine(st, router, &mockApprovals{})
	eng.SetRules([]*EventRule{autoRule("r1", "a.b")})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatalf("duplicate should not surface an error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
	if len(router.calls) != 0 {
		t.Error("duplicate event must not reach the router")
	}
}

func TestEngine_Handle_ConditionNotMet(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{}
	eng := newTestEngine(st, router, &mockApprovals{})

	rule := autoRule("r1", "a.b")
	rule.Conditions = &Condition{Field: "payload.status", Op: "eq", Value: "failed"}
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Decision != ModeSkip || res.Reason != "condition_not_met" || res.Status != store.RunSkipped {
		t.Errorf("got %+v, want skip/condition_not_met/skipped", res)
	}
	if len(router.calls) != 0 {
		t.Error("skipped rule must not dispatch")
	}
	if len(st.updated) != 1 || st.updated[0].status != store.RunSkipped {
		t.Errorf("skip must still be recorded as a run: %+v", st.updated)
	}
}

func TestEngine_Handle_CELConditionGates(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{}
	eng := newTestEngine(st, router, &mockApprovals{})

	l := newTestLoader(t)
	prg, err := l.cel.Compile(`payload.status == "failed"`)
	if err != nil {
		t.Fatal(err)
	}
	rule := autoRule("r1", "a.b")
	rule.celProgram = prg
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Reason != "condition_not_met" {
		t.Errorf("reason = %q, want condition_not_met", results[0].Reason)
	}
}

func TestEngine_Handle_PriorRunGuardAndBypass(t *testing.T) {
	st := &mockEventStore{priorRun: true}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})
	eng.SetRules([]*EventRule{autoRule("r1", "a.b")})

	evt := testEvent("a.b")
	evt.EventID = "evt_fixed"

	results, err := eng.Handle(context.Background(), evt, HandleOptions{Persist: true})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Reason != "rule_event_already_processed" || results[0].Status != store.RunSkipped {
		t.Errorf("got %+v, want prior-run skip", results[0])
	}

	results, err = eng.Handle(context.Background(), evt, HandleOptions{BypassPriorRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != store.RunCompleted {
		t.Errorf("bypass run status = %q, want completed", results[0].Status)
	}
	if len(router.calls) != 1 {
		t.Errorf("router calls = %d, want 1 (only the bypass run)", len(router.calls))
	}
}

func TestEngine_Handle_DedupeWindow(t *testing.T) {
	st := &mockEventStore{recentHit: true}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})

	rule := autoRule("r1", "a.b")
	rule.DedupeWindowSeconds = 300
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Reason != "dedupe_window_hit" || results[0].Status != store.RunSkipped {
		t.Errorf("got %+v, want dedupe skip", results[0])
	}

	// A subject-less event is never deduped.
	evt := testEvent("a.b")
	evt.Subject = ""
	results, err = eng.HandleEvent(context.Background(), evt)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != store.RunCompleted {
		t.Errorf("subject-less event status = %q, want completed", results[0].Status)
	}
}

func TestEngine_Handle_Cooldown(t *testing.T) {
	last := time.Now().UTC().Add(-10 * time.Second)
	st := &mockEventStore{lastRunAt: &last}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})

	rule := autoRule("r1", "a.b")
	rule.CooldownSeconds = 60
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Status != store.RunSkipped || !strings.HasPrefix(res.Reason, "cooldown_active:") {
		t.Fatalf("got %+v, want cooldown skip", res)
	}
	if !strings.HasSuffix(res.Reason, "s") {
		t.Errorf("reason %q should carry remaining seconds", res.Reason)
	}

	// Expired cooldown dispatches.
	expired := time.Now().UTC().Add(-2 * time.Minute)
	st.lastRunAt = &expired
	results, err = eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != store.RunCompleted {
		t.Errorf("expired cooldown status = %q, want completed", results[0].Status)
	}
}

func TestEngine_Handle_AttentionBudget(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})

	rule := autoRule("r1", "a.b")
	rule.AttentionBudgetPerDay = 1
	eng.SetRules([]*EventRule{rule})

	first, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Status != store.RunCompleted {
		t.Fatalf("first event should dispatch, got %+v", first[0])
	}

	second, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if second[0].Reason != "attention_budget_exceeded" || second[0].Status != store.RunSkipped {
		t.Errorf("got %+v, want budget skip", second[0])
	}

	// A different subject has its own daily budget.
	other := testEvent("a.b")
	other.Subject = "subj-2"
	third, err := eng.HandleEvent(context.Background(), other)
	if err != nil {
		t.Fatal(err)
	}
	if third[0].Status != store.RunCompleted {
		t.Errorf("different subject should dispatch, got %+v", third[0])
	}
}

func TestEngine_Handle_HighRiskAutoBecomesAsk(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{}
	approvals := &mockApprovals{}
	eng := newTestEngine(st, router, approvals)

	rule := autoRule("r1", "deploy.requested")
	rule.RiskLevel = store.RiskHigh
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("deploy.requested"))
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Decision != ModeAsk || res.Reason != "high_risk_requires_approval" {
		t.Errorf("got decision=%q reason=%q, want ask/high_risk_requires_approval", res.Decision, res.Reason)
	}
	if res.Status != store.RunAwaitingApproval {
		t.Errorf("status = %q, want awaiting_approval", res.Status)
	}
	if res.ApprovalID == "" {
		t.Error("expected an approval id on the result")
	}
	if len(approvals.requests) != 1 || approvals.requests[0].risk != store.RiskHigh {
		t.Errorf("approval requests = %+v", approvals.requests)
	}
	if len(router.calls) != 1 || router.calls[0].decision != ModeAsk {
		t.Errorf("router must still be invoked in ask mode for notifications: %+v", router.calls)
	}
}

func TestEngine_Handle_ApprovalEventNeverAsks(t *testing.T) {
	st := &mockEventStore{}
	approvals := &mockApprovals{}
	eng := newTestEngine(st, &mockRouter{}, approvals)

	rule := autoRule("r1", "approval.approved")
	rule.ActionMode = ModeAsk
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("approval.approved"))
	if err != nil {
		t.Fatal(err)
	}
	res := results[0]
	if res.Decision != ModeSuggest || res.Reason != "approval_event_cannot_require_approval_again" {
		t.Errorf("got decision=%q reason=%q, want suggest coercion", res.Decision, res.Reason)
	}
	if len(approvals.requests) != 0 {
		t.Error("no approval may be opened for an approval lifecycle event")
	}
}

func TestEngine_Handle_UnrecognizedModeDefaultsToSuggest(t *testing.T) {
	st := &mockEventStore{}
	eng := newTestEngine(st, &mockRouter{}, &mockApprovals{})

	rule := autoRule("r1", "a.b")
	rule.ActionMode = ActionMode("yolo")
	eng.SetRules([]*EventRule{rule})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Decision != ModeSuggest || results[0].Reason != "unrecognized_action_mode" {
		t.Errorf("got %+v, want suggest/unrecognized_action_mode", results[0])
	}
}

func TestEngine_Handle_StatusPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		report     RouteReport
		wantStatus store.RunStatus
		wantSuffix string
	}{
		{"all succeed", RouteReport{Executed: 2}, store.RunCompleted, ""},
		{"mixed outcome", RouteReport{Executed: 1, Failed: 1, Errors: []string{"boom"}}, store.RunPartial, ";errors=1"},
		{"all fail", RouteReport{Failed: 2, Errors: []string{"a", "b"}}, store.RunFailed, ";errors=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &mockEventStore{}
			eng := newTestEngine(st, &mockRouter{report: tt.report}, &mockApprovals{})
			eng.SetRules([]*EventRule{autoRule("r1", "a.b")})

			results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
			if err != nil {
				t.Fatal(err)
			}
			res := results[0]
			if res.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", res.Status, tt.wantStatus)
			}
			if tt.wantSuffix == "" && res.Reason != "matched" {
				t.Errorf("reason = %q, want matched", res.Reason)
			}
			if tt.wantSuffix != "" && !strings.HasSuffix(res.Reason, tt.wantSuffix) {
				t.Errorf("reason = %q, want suffix %q", res.Reason, tt.wantSuffix)
			}
		})
	}
}

func TestEngine_Handle_InactiveAndWildcardRules(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})

	inactive := autoRule("r-off", "a.b")
	inactive.IsActive = false
	wildcard := autoRule("r-any", "*")
	exact := autoRule("r-exact", "a.b")
	eng.SetRules([]*EventRule{inactive, wildcard, exact})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want wildcard + exact", len(results))
	}
	for _, res := range results {
		if res.RuleID == "r-off" {
			t.Error("inactive rule must not run")
		}
	}
}

func TestEngine_Handle_PriorityOrder(t *testing.T) {
	st := &mockEventStore{}
	router := &mockRouter{report: RouteReport{Executed: 1}}
	eng := newTestEngine(st, router, &mockApprovals{})

	low := autoRule("r-low", "a.b")
	low.Priority = 1
	high := autoRule("r-high", "a.b")
	high.Priority = 10
	eng.SetRules([]*EventRule{low, high})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].RuleID != "r-high" || results[1].RuleID != "r-low" {
		t.Errorf("results out of priority order: %+v", results)
	}
	if len(router.calls) != 2 || router.calls[0].ruleID != "r-high" {
		t.Errorf("router calls out of order: %+v", router.calls)
	}
}

func TestEngine_Handle_InsertRunFailureIsIsolated(t *testing.T) {
	st := &mockEventStore{insertRunErr: context.DeadlineExceeded}
	router := &mockRouter{}
	eng := newTestEngine(st, router, &mockApprovals{})
	eng.SetRules([]*EventRule{autoRule("r1", "a.b")})

	results, err := eng.HandleEvent(context.Background(), testEvent("a.b"))
	if err != nil {
		t.Fatalf("insert failure must not abort handling: %v", err)
	}
	if results[0].Status != store.RunFailed {
		t.Errorf("status = %q, want failed", results[0].Status)
	}
	if len(router.calls) != 0 {
		t.Error("no dispatch without a recorded run")
	}
}
