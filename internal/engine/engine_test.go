package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/semibot/semibot/internal/approval"
	"github.com/semibot/semibot/internal/bus"
	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

// --- test fixtures ---

type routeCall struct {
	decision rules.ActionMode
	ruleID   string
	eventID  string
}

type mockRouter struct {
	mu    sync.Mutex
	calls []routeCall
}

func (m *mockRouter) Route(ctx context.Context, decision rules.ActionMode, evt *store.Event, rule *rules.EventRule) rules.RouteReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, routeCall{decision: decision, ruleID: rule.ID, eventID: evt.EventID})
	return rules.RouteReport{TraceID: store.NewTraceID(), Executed: len(rule.Actions)}
}

func (m *mockRouter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRouter) callsFor(ruleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.ruleID == ruleID {
			n++
		}
	}
	return n
}

type testHarness struct {
	engine   *EventEngine
	store    *store.SQLStore
	router   *mockRouter
	rulesDir string
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New(logger)
	rt := &mockRouter{}
	approvals := approval.NewManager(st, b, logger)
	ruleEngine := rules.NewEngine(st, rules.NewAttentionBudget(logger), rt, approvals, logger)

	loader, err := rules.NewLoader(logger)
	if err != nil {
		t.Fatalf("failed to create rule loader: %v", err)
	}

	rulesDir := filepath.Join(t.TempDir(), "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatalf("failed to create rules dir: %v", err)
	}

	eng, err := New(Options{
		Store:     st,
		Bus:       b,
		Rules:     ruleEngine,
		Loader:    loader,
		Approvals: approvals,
		RulesPath: rulesDir,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &testHarness{engine: eng, store: st, router: rt, rulesDir: rulesDir}
}

func (h *testHarness) writeRuleFile(t *testing.T, name string, ruleDefs ...map[string]any) {
	t.Helper()
	data, err := json.MarshalIndent(map[string]any{"rules": ruleDefs}, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal rules: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.rulesDir, name), data, 0o644); err != nil {
		t.Fatalf("failed to write rule file: %v", err)
	}
}

func autoRuleDef(id, eventType string) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        id,
		"event_type":  eventType,
		"action_mode": "auto",
		"actions":     []map[string]any{{"action_type": "log_only"}},
		"is_active":   true,
	}
}

func testEvent(eventType, subject string) *store.Event {
	return &store.Event{
		EventType: eventType,
		Source:    "test",
		Subject:   subject,
		Payload:   map[string]any{"k": "v"},
	}
}

// --- tests ---

func TestEventEngine_EmitRunsRules(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "deploy.json", autoRuleDef("rule_deploy", "deploy.finished"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	results, err := h.engine.Emit(context.Background(), testEvent("deploy.finished", "api"))
	if err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", results[0].Status)
	}
	if h.router.callCount() != 1 {
		t.Errorf("router calls = %d, want 1", h.router.callCount())
	}

	// The event and its run were persisted.
	events, err := h.store.ListEvents(store.EventFilter{EventType: "deploy.finished"})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("stored events = %d, want 1", len(events))
	}
	runs, err := h.engine.ListRuleRuns(store.RuleRunFilter{RuleID: "rule_deploy"})
	if err != nil {
		t.Fatalf("ListRuleRuns() error: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("rule runs = %d, want 1", len(runs))
	}
}

func TestEventEngine_EmitPicksUpNewRuleFiles(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "a.json", autoRuleDef("rule_a", "ping"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	if _, err := h.engine.Emit(context.Background(), testEvent("ping", "")); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if h.router.callsFor("rule_b") != 0 {
		t.Fatal("rule_b should not exist yet")
	}

	// A new rule file appears; the next emit reloads before publishing.
	h.writeRuleFile(t, "b.json", autoRuleDef("rule_b", "ping"))
	if _, err := h.engine.Emit(context.Background(), testEvent("ping", "")); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	if h.router.callsFor("rule_b") != 1 {
		t.Errorf("rule_b calls = %d, want 1", h.router.callsFor("rule_b"))
	}
	if len(h.engine.ListRules()) != 2 {
		t.Errorf("loaded rules = %d, want 2", len(h.engine.ListRules()))
	}
}

func TestEventEngine_ReplayEvent(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "deploy.json", autoRuleDef("rule_deploy", "deploy.finished"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	evt := testEvent("deploy.finished", "api")
	if _, err := h.engine.Emit(context.Background(), evt); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	// Replay without bypass: the prior-run guard skips, but a new run row
	// is still recorded.
	results, err := h.engine.ReplayEvent(context.Background(), evt.EventID, false)
	if err != nil {
		t.Fatalf("ReplayEvent() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("replay results = %d, want 1", len(results))
	}
	if results[0].Status != store.RunSkipped {
		t.Errorf("replay status = %q, want skipped", results[0].Status)
	}
	if results[0].Reason != "rule_event_already_processed" {
		t.Errorf("replay reason = %q, want rule_event_already_processed", results[0].Reason)
	}

	// Replay with bypass dispatches again.
	results, err = h.engine.ReplayEvent(context.Background(), evt.EventID, true)
	if err != nil {
		t.Fatalf("ReplayEvent(bypass) error: %v", err)
	}
	if results[0].Status != store.RunCompleted {
		t.Errorf("bypass replay status = %q, want completed", results[0].Status)
	}
	if h.router.callCount() != 2 {
		t.Errorf("router calls = %d, want 2", h.router.callCount())
	}

	// Replays never append the event again.
	events, err := h.store.ListEvents(store.EventFilter{EventType: "deploy.finished"})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("stored events = %d, want 1", len(events))
	}
	runs, err := h.engine.ListRuleRuns(store.RuleRunFilter{RuleID: "rule_deploy"})
	if err != nil {
		t.Fatalf("ListRuleRuns() error: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("rule runs = %d, want 3 (original, skipped replay, bypass replay)", len(runs))
	}
}

func TestEventEngine_ReplayEventNotFound(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.engine.ReplayEvent(context.Background(), "evt_missing", false)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want store.ErrNotFound", err)
	}
}

func TestEventEngine_ReplayByType(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "deploy.json", autoRuleDef("rule_deploy", "deploy.finished"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.engine.Emit(ctx, testEvent("deploy.finished", fmt.Sprintf("svc-%d", i))); err != nil {
			t.Fatalf("Emit() error: %v", err)
		}
	}
	if _, err := h.engine.Emit(ctx, testEvent("build.finished", "svc-0")); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	count, err := h.engine.ReplayByType(ctx, "deploy.finished", nil)
	if err != nil {
		t.Fatalf("ReplayByType() error: %v", err)
	}
	if count != 2 {
		t.Errorf("replayed = %d, want 2", count)
	}

	future := time.Now().UTC().Add(time.Hour)
	count, err = h.engine.ReplayByType(ctx, "deploy.finished", &future)
	if err != nil {
		t.Fatalf("ReplayByType(future) error: %v", err)
	}
	if count != 0 {
		t.Errorf("replayed since future = %d, want 0", count)
	}
}

func TestEventEngine_RuleWatch(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "a.json", autoRuleDef("rule_a", "ping"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	if !h.engine.StartRuleWatch(20 * time.Millisecond) {
		t.Fatal("StartRuleWatch returned false")
	}
	if h.engine.StartRuleWatch(20 * time.Millisecond) {
		t.Error("second StartRuleWatch should return false")
	}

	h.writeRuleFile(t, "b.json", autoRuleDef("rule_b", "pong"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.engine.ListRules()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.engine.ListRules()) != 2 {
		t.Fatalf("rules after watch reload = %d, want 2", len(h.engine.ListRules()))
	}

	h.engine.StopRuleWatch()
	h.engine.StopRuleWatch() // idempotent

	if h.engine.StartRuleWatch(0) {
		t.Error("StartRuleWatch(0) should return false")
	}
}

func TestEventEngine_Observers(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "deploy.json", autoRuleDef("rule_deploy", "deploy.finished"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	var mu sync.Mutex
	var seen []*store.Event
	h.engine.AddObserver(func(evt *store.Event, results []rules.ExecutionResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt)
	})

	evt := testEvent("deploy.finished", "api")
	if _, err := h.engine.Emit(context.Background(), evt); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	mu.Lock()
	if len(seen) != 1 || seen[0].EventID != evt.EventID {
		t.Errorf("observer saw %d events, want the emitted one", len(seen))
	}
	mu.Unlock()

	// Replays are not live traffic and do not notify observers.
	if _, err := h.engine.ReplayEvent(context.Background(), evt.EventID, false); err != nil {
		t.Fatalf("ReplayEvent() error: %v", err)
	}
	mu.Lock()
	if len(seen) != 1 {
		t.Errorf("observer saw %d events after replay, want 1", len(seen))
	}
	mu.Unlock()
}

func TestEventEngine_SetRuleActive(t *testing.T) {
	h := newTestHarness(t)
	if err := h.engine.EnsureDefaultRules(); err != nil {
		t.Fatalf("EnsureDefaultRules() error: %v", err)
	}
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	if err := h.engine.SetRuleActive("rule_default_heartbeat", false); err != nil {
		t.Fatalf("SetRuleActive() error: %v", err)
	}

	var found *rules.EventRule
	for _, r := range h.engine.ListRules() {
		if r.ID == "rule_default_heartbeat" {
			found = r
		}
	}
	if found == nil {
		t.Fatal("rule_default_heartbeat not loaded")
	}
	if found.IsActive {
		t.Error("rule still active after SetRuleActive(false)")
	}

	if err := h.engine.SetRuleActive("rule_ghost", true); err == nil {
		t.Error("SetRuleActive on unknown rule should error")
	}
}

func TestEventEngine_HeartbeatTrigger(t *testing.T) {
	h := newTestHarness(t)

	if h.engine.StartHeartbeat(0, "", "", "", nil) {
		t.Error("StartHeartbeat(0) should return false")
	}

	if !h.engine.StartHeartbeat(0.02, "", "uptime", "", map[string]any{"env": "test"}) {
		t.Fatal("StartHeartbeat returned false")
	}

	deadline := time.Now().Add(2 * time.Second)
	var beats []*store.Event
	for time.Now().Before(deadline) {
		var err error
		beats, err = h.store.ListEvents(store.EventFilter{EventType: "health.heartbeat.tick"})
		if err != nil {
			t.Fatalf("ListEvents() error: %v", err)
		}
		if len(beats) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.engine.StopTriggers()

	if len(beats) == 0 {
		t.Fatal("no heartbeat events persisted")
	}
	if beats[0].Source != "uptime" {
		t.Errorf("heartbeat source = %q, want uptime", beats[0].Source)
	}
}

func TestEventEngine_ApprovalRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	askRule := autoRuleDef("rule_ask", "deploy.requested")
	askRule["action_mode"] = "ask"
	askRule["risk_level"] = "high"
	h.writeRuleFile(t, "ask.json", askRule)
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}

	results, err := h.engine.Emit(context.Background(), testEvent("deploy.requested", "api"))
	if err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Status != store.RunAwaitingApproval {
		t.Fatalf("status = %q, want awaiting_approval", results[0].Status)
	}
	if results[0].ApprovalID == "" {
		t.Fatal("no approval id in result")
	}

	res, err := h.engine.ResolveApproval(context.Background(), results[0].ApprovalID, "approved")
	if err != nil {
		t.Fatalf("ResolveApproval() error: %v", err)
	}
	if !res.Resolved || res.Status != store.ApprovalApproved {
		t.Errorf("resolution = %+v, want resolved approved", res)
	}

	stored, err := h.engine.GetApproval(results[0].ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval() error: %v", err)
	}
	if stored.Status != store.ApprovalApproved {
		t.Errorf("stored status = %q, want approved", stored.Status)
	}

	// Resolution feeds back through the bus as an approval.granted event.
	granted, err := h.store.ListEvents(store.EventFilter{EventType: approval.EventGranted})
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(granted) != 1 {
		t.Errorf("approval.granted events = %d, want 1", len(granted))
	}

	pending, err := h.engine.ListPendingApprovals()
	if err != nil {
		t.Fatalf("ListPendingApprovals() error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending approvals = %d, want 0", len(pending))
	}
}

func TestEventEngine_Metrics(t *testing.T) {
	h := newTestHarness(t)
	h.writeRuleFile(t, "deploy.json", autoRuleDef("rule_deploy", "deploy.finished"))
	if err := h.engine.ReloadRules(); err != nil {
		t.Fatalf("ReloadRules() error: %v", err)
	}
	if _, err := h.engine.Emit(context.Background(), testEvent("deploy.finished", "api")); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	m, err := h.engine.Metrics(nil)
	if err != nil {
		t.Fatalf("Metrics() error: %v", err)
	}
	if m.EventsTotal != 1 {
		t.Errorf("EventsTotal = %d, want 1", m.EventsTotal)
	}
	if m.RuleRunsTotal != 1 {
		t.Errorf("RuleRunsTotal = %d, want 1", m.RuleRunsTotal)
	}
}
