package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Events ---

// AppendEvent persists an event. When the event carries a non-empty
// idempotency key that is already indexed, the append fails with
// ErrDuplicateEvent and nothing is written.
func (s *SQLStore) AppendEvent(e *Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}

	if e.IdempotencyKey != "" {
		_, err = tx.Exec(s.rebind(`INSERT INTO idempotency (key, event_id) VALUES (?, ?)`),
			e.IdempotencyKey, e.EventID)
		if err != nil {
			tx.Rollback()
			if isUniqueViolation(err) {
				return ErrDuplicateEvent
			}
			return fmt.Errorf("failed to index idempotency key: %w", err)
		}
	}

	_, err = tx.Exec(s.rebind(`INSERT INTO events (event_id, event_type, source, subject, payload, risk_hint, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.EventID, e.EventType, e.Source, nullStr(e.Subject), nullableMap(e.Payload),
		nullStr(string(e.RiskHint)), nullStr(e.IdempotencyKey), e.CreatedAt.UTC(),
	)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return tx.Commit()
}

// ExistsIdempotency reports whether an event has already been appended
// under the given idempotency key.
func (s *SQLStore) ExistsIdempotency(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM idempotency WHERE key = ?`), key).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const eventColumns = `event_id, event_type, source, subject, payload, risk_hint, idempotency_key, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	e := &Event{}
	var subject, payload, riskHint, idemKey sql.NullString
	if err := row.Scan(&e.EventID, &e.EventType, &e.Source, &subject, &payload, &riskHint, &idemKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Subject = subject.String
	e.Payload = mapOrNil(payload)
	e.RiskHint = RiskLevel(riskHint.String)
	e.IdempotencyKey = idemKey.String
	return e, nil
}

func (s *SQLStore) GetEvent(eventID string) (*Event, error) {
	e, err := scanEvent(s.db.QueryRow(s.rebind(`SELECT `+eventColumns+` FROM events WHERE event_id = ?`), eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func buildEventWhere(f EventFilter) (string, []any) {
	var conds []string
	var args []any
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if len(f.EventTypes) > 0 {
		ph := strings.Repeat("?, ", len(f.EventTypes))
		conds = append(conds, "event_type IN ("+ph[:len(ph)-2]+")")
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEvents returns events newest first.
func (s *SQLStore) ListEvents(f EventFilter) ([]*Event, error) {
	where, args := buildEventWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT `+eventColumns+` FROM events`+where+
		` ORDER BY created_at DESC, event_id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsAfter pages through events newest first, returning rows strictly
// older than the cursor position. Ties on created_at are broken by event_id
// so pages never overlap. A nil cursor starts from the newest event.
func (s *SQLStore) ListEventsAfter(cursor *EventCursor, f EventFilter) ([]*Event, error) {
	where, args := buildEventWhere(f)
	if cursor != nil {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "(created_at < ? OR (created_at = ? AND event_id < ?))"
		args = append(args, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.EventID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT `+eventColumns+` FROM events`+where+
		` ORDER BY created_at DESC, event_id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsSince returns events strictly newer than the cursor position in
// chronological order. The live stream uses it to compute deltas between
// ticks.
func (s *SQLStore) ListEventsSince(cursor *EventCursor, f EventFilter) ([]*Event, error) {
	where, args := buildEventWhere(f)
	if cursor != nil {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "(created_at > ? OR (created_at = ? AND event_id > ?))"
		args = append(args, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.EventID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT `+eventColumns+` FROM events`+where+
		` ORDER BY created_at ASC, event_id ASC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Rule runs ---

func (s *SQLStore) InsertRuleRun(r *RuleRun) error {
	_, err := s.db.Exec(s.rebind(`INSERT INTO rule_runs (run_id, rule_id, event_id, decision, reason, status, action_trace_id, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.RunID, r.RuleID, r.EventID, r.Decision, nullStr(r.Reason), string(r.Status),
		nullStr(r.ActionTraceID), r.DurationMs, r.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) UpdateRuleRun(runID string, status RunStatus, reason string, durationMs int64, actionTraceID string) error {
	_, err := s.db.Exec(s.rebind(`UPDATE rule_runs SET status = ?, reason = ?, duration_ms = ?, action_trace_id = ? WHERE run_id = ?`),
		string(status), nullStr(reason), durationMs, nullStr(actionTraceID), runID)
	return err
}

// HasRuleEventRun reports whether a prior non-failed run exists for the
// (rule, event) pair. Replays rely on it to avoid double dispatch.
func (s *SQLStore) HasRuleEventRun(ruleID, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM rule_runs WHERE rule_id = ? AND event_id = ? AND status != ?`),
		ruleID, eventID, string(RunFailed)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasRecentRuleSubjectRun reports whether the rule produced a non-skipped
// run for the subject inside the dedup window.
func (s *SQLStore) HasRecentRuleSubjectRun(ruleID, subject string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM rule_runs r
		JOIN events e ON e.event_id = r.event_id
		WHERE r.rule_id = ? AND e.subject = ? AND r.status != ? AND r.created_at > ?`),
		ruleID, subject, string(RunSkipped), cutoff).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLastRuleRunAt returns the creation time of the rule's most recent
// non-skipped run, or nil if the rule never ran.
func (s *SQLStore) GetLastRuleRunAt(ruleID string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(s.rebind(`SELECT created_at FROM rule_runs WHERE rule_id = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1`), ruleID, string(RunSkipped)).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

func buildRuleRunWhere(f RuleRunFilter) (string, []any) {
	var conds []string
	var args []any
	if f.RuleID != "" {
		conds = append(conds, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.EventID != "" {
		conds = append(conds, "event_id = ?")
		args = append(args, f.EventID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) ListRuleRuns(f RuleRunFilter) ([]*RuleRun, error) {
	where, args := buildRuleRunWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT run_id, rule_id, event_id, decision, reason, status, action_trace_id, duration_ms, created_at
		FROM rule_runs`+where+` ORDER BY created_at DESC, run_id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RuleRun
	for rows.Next() {
		r := &RuleRun{}
		var reason, traceID sql.NullString
		var status string
		if err := rows.Scan(&r.RunID, &r.RuleID, &r.EventID, &r.Decision, &reason, &status,
			&traceID, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		r.Status = RunStatus(status)
		r.ActionTraceID = traceID.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Approvals ---

func (s *SQLStore) InsertApproval(a *Approval) error {
	_, err := s.db.Exec(s.rebind(`INSERT INTO approvals (approval_id, rule_id, event_id, risk_level, context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ApprovalID, a.RuleID, a.EventID, string(a.RiskLevel), nullableMap(a.Context),
		string(a.Status), a.CreatedAt.UTC(),
	)
	return err
}

// UpdateApproval moves a pending approval to a terminal status and stamps
// resolved_at. It returns false when the row is missing or already
// terminal, which makes resolution races idempotent.
func (s *SQLStore) UpdateApproval(approvalID string, status ApprovalStatus) (bool, error) {
	res, err := s.db.Exec(s.rebind(`UPDATE approvals SET status = ?, resolved_at = ? WHERE approval_id = ? AND status = ?`),
		string(status), time.Now().UTC(), approvalID, string(ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const approvalColumns = `approval_id, rule_id, event_id, risk_level, context, status, created_at, resolved_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	a := &Approval{}
	var ctx sql.NullString
	var status, risk string
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ApprovalID, &a.RuleID, &a.EventID, &risk, &ctx, &status, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.RiskLevel = RiskLevel(risk)
	a.Context = mapOrNil(ctx)
	a.Status = ApprovalStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func (s *SQLStore) GetApproval(approvalID string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRow(s.rebind(`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`), approvalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLStore) ListPendingApprovals() ([]*Approval, error) {
	return s.ListApprovals(ApprovalPending, 0)
}

func (s *SQLStore) ListApprovals(status ApprovalStatus, limit int) ([]*Approval, error) {
	where := ""
	var args []any
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT `+approvalColumns+` FROM approvals`+where+
		` ORDER BY created_at DESC, approval_id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListPendingApprovalsBefore returns pending approvals created before the
// cutoff. The timeout sweeper uses it to expire stale requests.
func (s *SQLStore) ListPendingApprovalsBefore(cutoff time.Time) ([]*Approval, error) {
	rows, err := s.db.Query(s.rebind(`SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND created_at < ? ORDER BY created_at ASC`),
		string(ApprovalPending), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows *sql.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- Metrics ---

// GetMetrics returns a snapshot of store counters. When since is non-nil,
// the counters cover rows created at or after that instant (pending
// approvals are always a live total).
func (s *SQLStore) GetMetrics(since *time.Time) (*Metrics, error) {
	m := &Metrics{}

	where := ""
	var args []any
	if since != nil {
		where = " WHERE created_at >= ?"
		args = append(args, since.UTC())
	}

	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM events"+where), args...).Scan(&m.EventsTotal)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM rule_runs"+where), args...).Scan(&m.RuleRunsTotal)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM approvals"+where), args...).Scan(&m.ApprovalsTotal)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM conversations"+where), args...).Scan(&m.ConversationsTotal)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM task_runs"+where), args...).Scan(&m.TaskRunsTotal)

	statusWhere := " WHERE status = ?"
	statusArgs := []any{}
	if since != nil {
		statusWhere = " WHERE created_at >= ? AND status = ?"
		statusArgs = append(statusArgs, since.UTC())
	}
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM rule_runs"+statusWhere), append(statusArgs, string(RunCompleted))...).Scan(&m.RuleRunsCompleted)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM rule_runs"+statusWhere), append(statusArgs, string(RunSkipped))...).Scan(&m.RuleRunsSkipped)
	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM rule_runs"+statusWhere), append(statusArgs, string(RunFailed))...).Scan(&m.RuleRunsFailed)

	s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM approvals WHERE status = ?"), string(ApprovalPending)).Scan(&m.ApprovalsPending)

	return m, nil
}
