// Package gateway connects chat providers to the event engine. The
// ContextService keeps per-chat conversation contexts and runs addressed
// messages as isolated tasks; the Manager fronts webhook ingestion, stored
// gateway configuration, and outbound sends.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/store"
	"github.com/semibot/semibot/internal/task"
)

// ContextServiceOptions configures a ContextService. DBPath and RulesPath
// are forwarded to the task runner so spawned sessions talk to the same
// store and rule set as the engine.
type ContextServiceOptions struct {
	Store        store.GatewayStore
	Runner       task.Runner
	DBPath       string
	RulesPath    string
	Model        string
	SystemPrompt string
	Logger       *slog.Logger
}

// ContextService maintains gateway conversations and executes addressed
// messages through the external task runner. Executions are spawned as
// detached goroutines; different conversations run concurrently and a single
// conversation may run overlapping tasks.
type ContextService struct {
	store        store.GatewayStore
	runner       task.Runner
	dbPath       string
	rulesPath    string
	model        string
	systemPrompt string
	logger       *slog.Logger
	wg           sync.WaitGroup
}

// NewContextService creates a ContextService. A nil Runner falls back to
// task.Unconfigured so ingestion still records conversations and surfaces a
// clear failure instead of panicking.
func NewContextService(opts ContextServiceOptions) *ContextService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = task.Unconfigured()
	}
	return &ContextService{
		store:        opts.Store,
		runner:       runner,
		dbPath:       opts.DBPath,
		rulesPath:    opts.RulesPath,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		logger:       logger.With("component", "gateway.ContextService"),
	}
}

// IngestParams is one normalized inbound chat message. Event carries the
// provider payload with bot_id and chat_id already embedded by the adapter;
// Text is the user-visible message text.
type IngestParams struct {
	Provider     string
	Event        *store.Event
	Text         string
	AgentID      string
	ForceExecute bool
	Policy       Policy
	OnResult     func(text string)
}

// IngestResult reports what ingestion did with the message. TaskRunID and
// RuntimeSessionID are empty when the addressing policy declined execution.
type IngestResult struct {
	ConversationID   string `json:"conversation_id"`
	Addressed        bool   `json:"addressed"`
	ShouldExecute    bool   `json:"should_execute"`
	TaskRunID        string `json:"task_run_id,omitempty"`
	RuntimeSessionID string `json:"runtime_session_id,omitempty"`
	AddressReason    string `json:"address_reason"`
}

// IngestMessage records one inbound message in its conversation context and,
// when the addressing policy says so, queues an isolated task execution. The
// call returns as soon as the task run is queued; execution happens on a
// background goroutine with its own timeout.
func (s *ContextService) IngestMessage(p IngestParams) (*IngestResult, error) {
	if p.Event == nil {
		return nil, fmt.Errorf("ingest requires a normalized event")
	}
	botID := payloadString(p.Event.Payload, "bot_id")
	chatID := payloadString(p.Event.Payload, "chat_id")
	if botID == "" || chatID == "" {
		return nil, fmt.Errorf("message payload missing bot_id or chat_id")
	}

	gatewayKey := fmt.Sprintf("%s:%s:%s", p.Provider, botID, chatID)
	conv, err := s.store.GetOrCreateConversation(p.Provider, gatewayKey, botID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	continuationHit, err := s.continuationHit(conv.ID, p.Policy.SessionContinuationWindowSec)
	if err != nil {
		s.logger.Warn("continuation lookup failed", "conversation_id", conv.ID, "error", err)
	}

	isMention := payloadBool(p.Event.Payload, "is_mention")
	isReplyToBot := payloadBool(p.Event.Payload, "is_reply_to_bot")
	decision := DecideAddressing(p.Text, isMention, isReplyToBot, p.ForceExecute, continuationHit, p.Policy)

	userMsg := &store.ContextMessage{
		ID:             store.NewMessageID(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        p.Text,
		Metadata: map[string]any{
			"provider":        p.Provider,
			"event_id":        p.Event.EventID,
			"sender_id":       payloadString(p.Event.Payload, "sender_id"),
			"message_id":      payloadString(p.Event.Payload, "message_id"),
			"is_mention":      isMention,
			"is_reply_to_bot": isReplyToBot,
			"addressed":       decision.Addressed,
			"should_execute":  decision.ShouldExecute,
			"address_reason":  decision.Reason,
		},
	}
	if err := s.store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	result := &IngestResult{
		ConversationID: conv.ID,
		Addressed:      decision.Addressed,
		ShouldExecute:  decision.ShouldExecute,
		AddressReason:  decision.Reason,
	}
	if !decision.ShouldExecute {
		s.logger.Debug("message recorded without execution",
			"conversation_id", conv.ID,
			"reason", decision.Reason,
		)
		return result, nil
	}

	sessionID := store.NewSessionID(p.Provider)
	run := &store.TaskRun{
		ID:               store.NewTaskRunID(),
		ConversationID:   conv.ID,
		RuntimeSessionID: sessionID,
		SourceMessageID:  userMsg.ID,
		SnapshotVersion:  userMsg.ContextVersion,
		Status:           store.TaskQueued,
	}
	if err := s.store.InsertTaskRun(run); err != nil {
		return nil, fmt.Errorf("failed to queue task run: %w", err)
	}
	result.TaskRunID = run.ID
	result.RuntimeSessionID = sessionID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(run.ID, conv.ID, sessionID, p)
	}()

	s.logger.Info("task queued",
		"conversation_id", conv.ID,
		"task_run_id", run.ID,
		"runtime_session_id", sessionID,
		"reason", decision.Reason,
	)
	return result, nil
}

// Drain blocks until all in-flight task executions finish. Used during
// shutdown so writebacks are not lost.
func (s *ContextService) Drain() {
	s.wg.Wait()
}

// execute runs one queued task to completion. It deliberately uses a
// background context: the runner owns its own timeout, and an ingest caller
// going away must not cancel the task.
func (s *ContextService) execute(runID, conversationID, sessionID string, p IngestParams) {
	if err := s.store.UpdateTaskRun(runID, store.TaskRunning, "", nil); err != nil {
		s.logger.Error("failed to mark task running", "task_run_id", runID, "error", err)
	}

	res, err := s.runner.Run(context.Background(), task.Request{
		Task:         p.Text,
		DBPath:       s.dbPath,
		RulesPath:    s.rulesPath,
		AgentID:      p.AgentID,
		SessionID:    sessionID,
		Model:        s.model,
		SystemPrompt: s.systemPrompt,
	})
	if err == nil && res.Failed() {
		err = fmt.Errorf("%s", res.Error)
	}
	if err != nil {
		s.finishFailed(runID, conversationID, sessionID, err, p.OnResult)
		return
	}

	summary := res.FinalResponse
	if summary == "" {
		summary = "Task completed with no text output."
	}
	metadata := map[string]any{
		"status":         res.Status,
		"runtime_events": res.RuntimeEvents,
		"tool_results":   res.ToolResults,
	}
	if err := s.store.UpdateTaskRun(runID, store.TaskDone, summary, metadata); err != nil {
		s.logger.Error("failed to mark task done", "task_run_id", runID, "error", err)
	}
	s.writeback(conversationID, runID, sessionID, summary)
	if p.OnResult != nil {
		p.OnResult(summary)
	}
	s.logger.Info("task completed", "task_run_id", runID, "conversation_id", conversationID)
}

func (s *ContextService) finishFailed(runID, conversationID, sessionID string, cause error, onResult func(string)) {
	notice := fmt.Sprintf("Task failed: %v", cause)
	if err := s.store.UpdateTaskRun(runID, store.TaskFailed, notice, nil); err != nil {
		s.logger.Error("failed to mark task failed", "task_run_id", runID, "error", err)
	}
	s.writeback(conversationID, runID, sessionID, notice)
	if onResult != nil {
		onResult(notice)
	}
	s.logger.Warn("task failed", "task_run_id", runID, "conversation_id", conversationID, "error", cause)
}

// writeback appends the assistant's result to the conversation so follow-up
// addressing (session continuation) sees it.
func (s *ContextService) writeback(conversationID, runID, sessionID, content string) {
	msg := &store.ContextMessage{
		ID:             store.NewMessageID(),
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		Metadata: map[string]any{
			"minimal_writeback":  true,
			"task_run_id":        runID,
			"runtime_session_id": sessionID,
		},
	}
	if err := s.store.AppendMessage(msg); err != nil {
		s.logger.Error("failed to append assistant message", "conversation_id", conversationID, "error", err)
	}
}

func (s *ContextService) continuationHit(conversationID string, windowSec float64) (bool, error) {
	if windowSec <= 0 {
		return false, nil
	}
	last, err := s.store.LatestAssistantMessageAt(conversationID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	window := time.Duration(windowSec * float64(time.Second))
	return time.Since(*last) <= window, nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}
