// Package approval manages the approval queue for deferred rule actions.
// Approvals are store-backed rows; lifecycle transitions are announced as
// approval.* events through the bus so rules can notify humans and react to
// decisions.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/semibot/semibot/internal/bus"
	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

const (
	EventRequested = "approval.requested"
	EventGranted   = "approval.granted"
	EventDenied    = "approval.denied"
)

// Resolution is the outcome of a Resolve call. Resolved is false when the
// approval was already terminal; Status then carries the existing state.
type Resolution struct {
	Resolved bool                 `json:"resolved"`
	Status   store.ApprovalStatus `json:"status"`
}

// Manager creates, lists, and resolves approvals.
type Manager struct {
	store  store.EventStore
	bus    *bus.Bus
	logger *slog.Logger
}

var _ rules.ApprovalRequester = (*Manager)(nil)

// NewManager creates an approval Manager publishing lifecycle events on b.
func NewManager(st store.EventStore, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		bus:    b,
		logger: logger.With("component", "approval.Manager"),
	}
}

// Request persists a pending approval and announces it. The announcement is
// dispatched in the background: Request is called from inside event handling
// and must not wait on the nested event's own rule processing.
func (m *Manager) Request(ctx context.Context, ruleID, eventID string, risk store.RiskLevel, actionContext map[string]any) (*store.Approval, error) {
	apr := &store.Approval{
		ApprovalID: store.NewApprovalID(),
		RuleID:     ruleID,
		EventID:    eventID,
		RiskLevel:  risk,
		Context:    actionContext,
		Status:     store.ApprovalPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertApproval(apr); err != nil {
		return nil, fmt.Errorf("failed to persist approval: %w", err)
	}

	m.logger.Info("approval requested",
		"approval_id", apr.ApprovalID,
		"rule_id", ruleID,
		"event_id", eventID,
		"risk_level", risk,
	)

	m.announce(EventRequested, apr, nil)
	return apr, nil
}

// Resolve applies a terminal decision to an approval. Resolution is
// idempotent: only the first caller flips the row, later callers get
// Resolved=false with the current status. The matching approval.granted or
// approval.denied event is emitted synchronously so the caller observes its
// rule side effects.
func (m *Manager) Resolve(ctx context.Context, approvalID string, decision store.ApprovalStatus) (*Resolution, error) {
	if decision != store.ApprovalApproved && decision != store.ApprovalRejected {
		return nil, fmt.Errorf("invalid approval decision %q", decision)
	}

	apr, err := m.store.GetApproval(approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	if apr == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, store.ErrNotFound)
	}

	claimed, err := m.store.UpdateApproval(approvalID, decision)
	if err != nil {
		return nil, fmt.Errorf("failed to update approval: %w", err)
	}
	if !claimed {
		// Lost the race or already terminal.
		current, err := m.store.GetApproval(approvalID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload approval: %w", err)
		}
		return &Resolution{Resolved: false, Status: current.Status}, nil
	}

	m.logger.Info("approval resolved",
		"approval_id", approvalID,
		"decision", decision,
	)

	eventType := EventDenied
	if decision == store.ApprovalApproved {
		eventType = EventGranted
	}
	apr.Status = decision
	if m.bus != nil {
		if _, err := m.bus.Emit(ctx, resolutionEvent(eventType, apr, nil)); err != nil {
			m.logger.Error("failed to emit resolution event",
				"approval_id", approvalID,
				"event_type", eventType,
				"error", err,
			)
		}
	}

	return &Resolution{Resolved: true, Status: decision}, nil
}

// ListPending returns all approvals still awaiting a decision.
func (m *Manager) ListPending() ([]*store.Approval, error) {
	return m.store.ListPendingApprovals()
}

// List returns approvals filtered by status; an empty status means all.
func (m *Manager) List(status store.ApprovalStatus, limit int) ([]*store.Approval, error) {
	return m.store.ListApprovals(status, limit)
}

// Get returns one approval, or (nil, nil) when it does not exist.
func (m *Manager) Get(approvalID string) (*store.Approval, error) {
	return m.store.GetApproval(approvalID)
}

// RunTimeoutSweeper rejects approvals that stay pending longer than timeout.
// It ticks every interval until ctx is cancelled. A non-positive timeout
// disables sweeping.
func (m *Manager) RunTimeoutSweeper(ctx context.Context, timeout, interval time.Duration) {
	if timeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(ctx, timeout)
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().UTC().Add(-timeout)
	expired, err := m.store.ListPendingApprovalsBefore(cutoff)
	if err != nil {
		m.logger.Error("timeout sweep failed", "error", err)
		return
	}

	for _, apr := range expired {
		claimed, err := m.store.UpdateApproval(apr.ApprovalID, store.ApprovalRejected)
		if err != nil {
			m.logger.Error("failed to expire approval", "approval_id", apr.ApprovalID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		m.logger.Warn("approval timed out",
			"approval_id", apr.ApprovalID,
			"rule_id", apr.RuleID,
			"pending_for", time.Since(apr.CreatedAt).Round(time.Second),
		)

		apr.Status = store.ApprovalRejected
		if m.bus != nil {
			if _, err := m.bus.Emit(ctx, resolutionEvent(EventDenied, apr, map[string]any{"reason": "timeout"})); err != nil {
				m.logger.Error("failed to emit timeout event", "approval_id", apr.ApprovalID, "error", err)
			}
		}
	}
}

// announce publishes a lifecycle event without blocking the caller.
func (m *Manager) announce(eventType string, apr *store.Approval, extra map[string]any) {
	if m.bus == nil {
		return
	}
	evt := resolutionEvent(eventType, apr, extra)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.bus.Emit(ctx, evt); err != nil {
			m.logger.Error("failed to emit approval event",
				"approval_id", apr.ApprovalID,
				"event_type", eventType,
				"error", err,
			)
		}
	}()
}

func resolutionEvent(eventType string, apr *store.Approval, extra map[string]any) *store.Event {
	payload := map[string]any{
		"approval_id": apr.ApprovalID,
		"rule_id":     apr.RuleID,
		"event_id":    apr.EventID,
		"risk_level":  string(apr.RiskLevel),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return &store.Event{
		EventID:   store.NewEventID(),
		EventType: eventType,
		Source:    "approval",
		Subject:   apr.ApprovalID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
