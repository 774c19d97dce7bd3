package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/semibot/semibot/internal/gateway"
	"github.com/semibot/semibot/internal/store"
)

const maxListLimit = 500

// --- events ---

type emitEventRequest struct {
	EventType      string         `json:"event_type"`
	Source         string         `json:"source"`
	Subject        string         `json:"subject,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

type emitEventResponse struct {
	EventID      string `json:"event_id"`
	MatchedRules int    `json:"matched_rules"`
}

func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "event_type is required")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	evt := &store.Event{
		EventType:      req.EventType,
		Source:         source,
		Subject:        req.Subject,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.TraceID != "" {
		if evt.Payload == nil {
			evt.Payload = map[string]any{}
		}
		evt.Payload["trace_id"] = req.TraceID
	}

	results, err := s.engine.Emit(r.Context(), evt)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emitEventResponse{EventID: evt.EventID, MatchedRules: len(results)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	events, err := s.engine.ListEvents(store.EventFilter{
		EventType: r.URL.Query().Get("event_type"),
		Limit:     limit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.engine.GetEvent(r.PathValue("id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if evt == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

type replayRequest struct {
	BypassDedup bool `json:"bypass_dedup"`
}

func (s *Server) handleReplayEvent(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	results, err := s.engine.ReplayEvent(r.Context(), r.PathValue("id"), req.BypassDedup)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":      r.PathValue("id"),
		"matched_rules": len(results),
		"results":       results,
	})
}

type replayByTypeRequest struct {
	EventType string `json:"event_type"`
	Since     string `json:"since,omitempty"`
}

func (s *Server) handleReplayByType(w http.ResponseWriter, r *http.Request) {
	var req replayByTypeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "event_type is required")
		return
	}
	var since *time.Time
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "since must be RFC3339")
			return
		}
		since = &t
	}
	count, err := s.engine.ReplayByType(r.Context(), req.EventType, since)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_type": req.EventType, "count": count})
}

// handleWebhookEmit wraps an arbitrary JSON body into an event whose type
// comes from the path. The body becomes the payload untouched.
func (s *Server) handleWebhookEmit(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("event_type")
	if eventType == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "event type is required")
		return
	}
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}

	evt := &store.Event{
		EventType: eventType,
		Source:    "webhook",
		Payload:   payload,
	}
	results, err := s.engine.Emit(r.Context(), evt)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emitEventResponse{EventID: evt.EventID, MatchedRules: len(results)})
}

// --- approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := store.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.ApprovalPending, store.ApprovalApproved, store.ApprovalRejected:
	default:
		writeError(w, http.StatusBadRequest, codeValidation, "status must be pending, approved, or rejected")
		return
	}
	approvals, err := s.engine.ListApprovals(status, queryInt(r, "limit", 50))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

type resolveApprovalRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	decision := store.ApprovalStatus(req.Decision)
	if decision != store.ApprovalApproved && decision != store.ApprovalRejected {
		writeError(w, http.StatusBadRequest, codeValidation, "decision must be approved or rejected")
		return
	}

	id := r.PathValue("id")
	res, err := s.engine.ResolveApproval(r.Context(), id, decision)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !res.Resolved {
		writeError(w, http.StatusConflict, codeConflict,
			fmt.Sprintf("approval %s already %s", id, res.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": id,
		"status":      res.Status,
		"resolved":    true,
	})
}

// --- dashboard ---

func (s *Server) handleDashboardEvents(w http.ResponseWriter, r *http.Request) {
	cursor, err := decodeCursor(r.URL.Query().Get("resume_from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "resume_from is not a valid cursor")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	items, err := s.engine.ListEventsAfter(cursor, store.EventFilter{
		EventType: r.URL.Query().Get("event_type"),
		Limit:     limit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	next := ""
	if len(items) > 0 {
		last := items[len(items)-1]
		next = encodeCursor(&store.EventCursor{CreatedAt: last.CreatedAt, EventID: last.EventID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "next_cursor": next})
}

func (s *Server) handleRuleRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	runs, err := s.engine.ListRuleRuns(store.RuleRunFilter{
		RuleID:  r.URL.Query().Get("rule_id"),
		EventID: r.URL.Query().Get("event_id"),
		Status:  r.URL.Query().Get("status"),
		Limit:   limit,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_runs": runs})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.engine.Metrics(queryTime(r, "since"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.buildSummary()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type dashboardSummary struct {
	Metrics          *store.Metrics    `json:"metrics"`
	RulesTotal       int               `json:"rules_total"`
	RulesActive      int               `json:"rules_active"`
	PendingApprovals []*store.Approval `json:"pending_approvals"`
	RecentEvents     []*store.Event    `json:"recent_events"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

func (s *Server) buildSummary() (*dashboardSummary, error) {
	metrics, err := s.engine.Metrics(nil)
	if err != nil {
		return nil, err
	}
	pending, err := s.engine.ListPendingApprovals()
	if err != nil {
		return nil, err
	}
	recent, err := s.engine.ListEvents(store.EventFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	ruleSet := s.engine.ListRules()
	active := 0
	for _, rule := range ruleSet {
		if rule.IsActive {
			active++
		}
	}
	return &dashboardSummary{
		Metrics:          metrics,
		RulesTotal:       len(ruleSet),
		RulesActive:      active,
		PendingApprovals: pending,
		RecentEvents:     recent,
		GeneratedAt:      time.Now().UTC(),
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- provider webhooks ---

func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	outcome, err := s.gateways.IngestTelegramWebhook(r.Context(), body,
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleFeishuEvents(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	outcome, err := s.gateways.IngestFeishuEvents(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	// The URL-verification handshake expects a bare {challenge} echo.
	if outcome.Kind == gateway.KindChallenge {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": outcome.Challenge})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleFeishuCardActions(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	outcome, err := s.gateways.IngestFeishuCardAction(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if outcome.Kind == gateway.KindChallenge {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": outcome.Challenge})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type outboundTestRequest struct {
	ChatID string `json:"chat_id,omitempty"`
}

func (s *Server) handleOutboundTest(w http.ResponseWriter, r *http.Request) {
	var req outboundTestRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	provider := r.PathValue("provider")
	if err := s.gateways.OutboundTest(r.Context(), provider, req.ChatID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "sent": true})
}

// --- gateway config + conversations ---

func (s *Server) handleListGatewayConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.gateways.ListConfigs()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gateways": configs})
}

func (s *Server) handleGetGatewayConfig(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	cfg, err := s.gateways.GetConfig(provider)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, codeNotFound,
			fmt.Sprintf("no stored config for %s", provider))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutGatewayConfig(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body: "+err.Error())
		return
	}
	saved, err := s.gateways.PutConfig(r.PathValue("provider"), doc)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations(r.URL.Query().Get("provider"), queryInt(r, "limit", 50))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleConversationRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if conv, err := s.store.GetConversation(id); err != nil {
		writeMappedError(w, err)
		return
	} else if conv == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "conversation not found")
		return
	}
	runs, err := s.store.ListTaskRuns(id, queryInt(r, "limit", 50))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_runs": runs})
}

func (s *Server) handleConversationContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if conv, err := s.store.GetConversation(id); err != nil {
		writeMappedError(w, err)
		return
	} else if conv == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "conversation not found")
		return
	}
	msgs, err := s.store.ListMessages(id, queryInt(r, "limit", 200))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// --- body + cursor helpers ---

var errEmptyBody = errors.New("empty body")

// decodeBody decodes a JSON request body. A missing body returns
// errEmptyBody so optional-body endpoints can treat it as defaults.
func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

// encodeCursor renders an event position as an opaque resume token.
func encodeCursor(c *store.EventCursor) string {
	if c == nil {
		return ""
	}
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.EventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (*store.EventCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	ts, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, fmt.Errorf("malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &store.EventCursor{CreatedAt: at, EventID: id}, nil
}
