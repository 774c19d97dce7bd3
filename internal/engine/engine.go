// Package engine wires the store, bus, rule engine, approval manager, and
// trigger scheduler into the single facade the HTTP server and CLI talk to.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/approval"
	"github.com/semibot/semibot/internal/bus"
	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
	"github.com/semibot/semibot/internal/trigger"
)

// EmitObserver receives every event emitted through the engine together with
// the per-rule execution results. Dashboard feeds register here.
type EmitObserver func(evt *store.Event, results []rules.ExecutionResult)

// Options carries the collaborators New wires together.
type Options struct {
	Store     store.EventStore
	Bus       *bus.Bus
	Rules     *rules.Engine
	Loader    *rules.Loader
	Approvals *approval.Manager
	RulesPath string
	Logger    *slog.Logger
}

// EventEngine is the composition root. It subscribes the rule engine to the
// bus, keeps the in-memory rule set in sync with the rule files, and exposes
// delegation methods for every operation the outer surfaces need.
type EventEngine struct {
	store     store.EventStore
	bus       *bus.Bus
	rules     *rules.Engine
	loader    *rules.Loader
	approvals *approval.Manager
	scheduler *trigger.Scheduler
	rulesPath string
	logger    *slog.Logger

	// mu guards the rule-file mtime snapshot and watch lifecycle.
	mu          sync.Mutex
	fileMtimes  map[string]time.Time
	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup

	obsMu     sync.RWMutex
	observers []EmitObserver
}

var _ trigger.Emitter = (*EventEngine)(nil)

// New builds the engine and claims the bus subscription for the rule engine.
func New(opts Options) (*EventEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &EventEngine{
		store:      opts.Store,
		bus:        opts.Bus,
		rules:      opts.Rules,
		loader:     opts.Loader,
		approvals:  opts.Approvals,
		rulesPath:  opts.RulesPath,
		logger:     logger.With("component", "engine.EventEngine"),
		fileMtimes: map[string]time.Time{},
	}

	if err := opts.Bus.Subscribe(opts.Rules.HandleEvent); err != nil {
		return nil, fmt.Errorf("failed to subscribe rule engine: %w", err)
	}
	e.scheduler = trigger.New(e, logger)

	return e, nil
}

// Emit refreshes rules if their files changed, then publishes the event on
// the bus. By the time Emit returns, every non-deferred rule action has been
// attempted.
func (e *EventEngine) Emit(ctx context.Context, evt *store.Event) ([]rules.ExecutionResult, error) {
	if _, err := e.ReloadRulesIfChanged(); err != nil {
		e.logger.Warn("rule reload before emit failed", "error", err)
	}

	results, err := e.bus.Emit(ctx, evt)
	if err != nil {
		return results, err
	}
	e.notifyObservers(evt, results)
	return results, nil
}

// ReplayEvent re-runs a stored event through the rule engine without
// persisting it again. Prior-run dedup keeps the replay idempotent unless
// bypassPriorRun is set; either way each processed rule records a fresh run.
func (e *EventEngine) ReplayEvent(ctx context.Context, eventID string, bypassPriorRun bool) ([]rules.ExecutionResult, error) {
	evt, err := e.store.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, fmt.Errorf("event %s: %w", eventID, store.ErrNotFound)
	}
	return e.rules.Handle(ctx, evt, rules.HandleOptions{BypassPriorRun: bypassPriorRun})
}

// ReplayByType re-runs stored events of one type in chronological order and
// returns how many were processed. Events whose rules already ran skip via
// the usual dedup.
func (e *EventEngine) ReplayByType(ctx context.Context, eventType string, since *time.Time) (int, error) {
	var cursor *store.EventCursor
	if since != nil {
		cursor = &store.EventCursor{CreatedAt: *since}
	}
	events, err := e.store.ListEventsSince(cursor, store.EventFilter{EventType: eventType})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, evt := range events {
		if _, err := e.rules.Handle(ctx, evt, rules.HandleOptions{}); err != nil {
			e.logger.Warn("replay failed", "event_id", evt.EventID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// AddObserver registers a callback invoked after each successful Emit.
// Observers run synchronously; slow consumers should hand off internally.
func (e *EventEngine) AddObserver(fn EmitObserver) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *EventEngine) notifyObservers(evt *store.Event, results []rules.ExecutionResult) {
	e.obsMu.RLock()
	observers := make([]EmitObserver, len(e.observers))
	copy(observers, e.observers)
	e.obsMu.RUnlock()

	for _, fn := range observers {
		fn(evt, results)
	}
}

// --- Rule delegations ---

func (e *EventEngine) SetRules(rs []*rules.EventRule) {
	e.rules.SetRules(rs)
}

func (e *EventEngine) AddRule(r *rules.EventRule) {
	e.rules.AddRule(r)
}

func (e *EventEngine) ListRules() []*rules.EventRule {
	return e.rules.ListRules()
}

// SetRuleActive rewrites the rule's is_active flag in its source file and
// reloads, so the change survives restarts.
func (e *EventEngine) SetRuleActive(ruleID string, active bool) error {
	if err := e.loader.SetRuleActive(e.rulesPath, ruleID, active); err != nil {
		return err
	}
	return e.ReloadRules()
}

// EnsureDefaultRules seeds the rule path with the starter rules when empty.
func (e *EventEngine) EnsureDefaultRules() error {
	return e.loader.EnsureDefaultRules(e.rulesPath)
}

// --- Store delegations ---

func (e *EventEngine) GetEvent(eventID string) (*store.Event, error) {
	return e.store.GetEvent(eventID)
}

func (e *EventEngine) ListEvents(f store.EventFilter) ([]*store.Event, error) {
	return e.store.ListEvents(f)
}

func (e *EventEngine) ListEventsAfter(cursor *store.EventCursor, f store.EventFilter) ([]*store.Event, error) {
	return e.store.ListEventsAfter(cursor, f)
}

func (e *EventEngine) ListEventsSince(cursor *store.EventCursor, f store.EventFilter) ([]*store.Event, error) {
	return e.store.ListEventsSince(cursor, f)
}

func (e *EventEngine) ListRuleRuns(f store.RuleRunFilter) ([]*store.RuleRun, error) {
	return e.store.ListRuleRuns(f)
}

func (e *EventEngine) Metrics(since *time.Time) (*store.Metrics, error) {
	return e.store.GetMetrics(since)
}

// --- Approval delegations ---

func (e *EventEngine) ResolveApproval(ctx context.Context, approvalID string, decision store.ApprovalStatus) (*approval.Resolution, error) {
	return e.approvals.Resolve(ctx, approvalID, decision)
}

func (e *EventEngine) GetApproval(approvalID string) (*store.Approval, error) {
	return e.approvals.Get(approvalID)
}

func (e *EventEngine) ListPendingApprovals() ([]*store.Approval, error) {
	return e.approvals.ListPending()
}

func (e *EventEngine) ListApprovals(status store.ApprovalStatus, limit int) ([]*store.Approval, error) {
	return e.approvals.List(status, limit)
}

// --- Trigger delegations ---

// StartHeartbeat starts the periodic synthetic event. Returns false when
// intervalSeconds is not positive.
func (e *EventEngine) StartHeartbeat(intervalSeconds float64, eventType, source, subject string, payload map[string]any) bool {
	interval := time.Duration(intervalSeconds * float64(time.Second))
	return e.scheduler.StartHeartbeat(interval, eventType, source, subject, payload)
}

// StartCronJobs registers the given jobs and returns how many started.
func (e *EventEngine) StartCronJobs(jobs []trigger.Job) int {
	return e.scheduler.StartCronJobs(jobs)
}

// StopTriggers cancels the heartbeat and all cron jobs.
func (e *EventEngine) StopTriggers() {
	e.scheduler.Stop()
}

// Stop shuts down background work: triggers first so nothing new is emitted,
// then the rule watch.
func (e *EventEngine) Stop() {
	e.scheduler.Stop()
	e.StopRuleWatch()
}
