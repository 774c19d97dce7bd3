package store

import (
	"testing"
	"time"
)

func TestGetOrCreateConversation(t *testing.T) {
	s := newTestStore(t)

	c1, err := s.GetOrCreateConversation("telegram", "telegram:bot1:-100001", "bot1", "-100001")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c1.ID == "" || c1.Provider != "telegram" || c1.ChatID != "-100001" {
		t.Fatalf("conversation fields: %+v", c1)
	}

	c2, err := s.GetOrCreateConversation("telegram", "telegram:bot1:-100001", "bot1", "-100001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c2.ID != c1.ID {
		t.Errorf("second call created a new conversation: %s != %s", c2.ID, c1.ID)
	}

	convs, err := s.ListConversations("telegram", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want 1", len(convs))
	}
}

func TestAppendMessage_MonotonicVersions(t *testing.T) {
	s := newTestStore(t)

	c, err := s.GetOrCreateConversation("feishu", "feishu:app1:oc_1", "app1", "oc_1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}

	for i := 0; i < 3; i++ {
		m := &ContextMessage{
			ID:             NewMessageID(),
			ConversationID: c.ID,
			Role:           RoleUser,
			Content:        "hello",
		}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.ContextVersion != int64(i+1) {
			t.Errorf("append %d: version = %d, want %d", i, m.ContextVersion, i+1)
		}
	}

	msgs, err := s.ListMessages(c.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ContextVersion <= msgs[i-1].ContextVersion {
			t.Errorf("context_version not strictly increasing: %d then %d",
				msgs[i-1].ContextVersion, msgs[i].ContextVersion)
		}
	}
}

func TestLatestAssistantMessageAt(t *testing.T) {
	s := newTestStore(t)

	c, _ := s.GetOrCreateConversation("telegram", "telegram:b:c", "b", "c")

	at, err := s.LatestAssistantMessageAt(c.ID)
	if err != nil {
		t.Fatalf("LatestAssistantMessageAt: %v", err)
	}
	if at != nil {
		t.Error("expected nil before any assistant message")
	}

	s.AppendMessage(&ContextMessage{ID: NewMessageID(), ConversationID: c.ID, Role: RoleUser, Content: "hi"})
	s.AppendMessage(&ContextMessage{ID: NewMessageID(), ConversationID: c.ID, Role: RoleAssistant, Content: "done"})

	at, err = s.LatestAssistantMessageAt(c.ID)
	if err != nil {
		t.Fatalf("LatestAssistantMessageAt: %v", err)
	}
	if at == nil {
		t.Fatal("expected assistant timestamp")
	}
	if time.Since(*at) > time.Minute {
		t.Errorf("timestamp too old: %v", at)
	}
}

func TestTaskRuns_Lifecycle(t *testing.T) {
	s := newTestStore(t)

	c, _ := s.GetOrCreateConversation("telegram", "telegram:b:c2", "b", "c2")
	now := time.Now().UTC()

	run := &TaskRun{
		ID:               NewTaskRunID(),
		ConversationID:   c.ID,
		RuntimeSessionID: "sess_telegram_0123456789ab",
		SourceMessageID:  "msg_1",
		SnapshotVersion:  1,
		Status:           TaskQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.InsertTaskRun(run); err != nil {
		t.Fatalf("InsertTaskRun: %v", err)
	}

	if err := s.UpdateTaskRun(run.ID, TaskDone, "all good", map[string]any{"events": float64(3)}); err != nil {
		t.Fatalf("UpdateTaskRun: %v", err)
	}

	got, err := s.GetTaskRun(run.ID)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if got.Status != TaskDone || got.ResultSummary != "all good" {
		t.Errorf("task run mismatch: %+v", got)
	}
	if got.ResultMetadata["events"] != float64(3) {
		t.Errorf("result metadata = %v", got.ResultMetadata)
	}

	runs, err := s.ListTaskRuns(c.ID, 10)
	if err != nil {
		t.Fatalf("ListTaskRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d task runs, want 1", len(runs))
	}
}

func TestGatewayConfigs_Upsert(t *testing.T) {
	s := newTestStore(t)

	cfg := &GatewayConfig{
		Provider: "telegram",
		Config:   map[string]any{"bot_token": "111:AAA", "default_chat_id": "-100001"},
	}
	if err := s.UpsertGatewayConfig(cfg); err != nil {
		t.Fatalf("UpsertGatewayConfig: %v", err)
	}

	got, err := s.GetGatewayConfig("telegram", "")
	if err != nil {
		t.Fatalf("GetGatewayConfig: %v", err)
	}
	if got == nil || got.Config["bot_token"] != "111:AAA" {
		t.Fatalf("config round trip failed: %+v", got)
	}

	cfg.Config["bot_token"] = "222:BBB"
	if err := s.UpsertGatewayConfig(cfg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetGatewayConfig("telegram", "default")
	if got.Config["bot_token"] != "222:BBB" {
		t.Errorf("upsert did not replace config: %v", got.Config)
	}

	all, err := s.ListGatewayConfigs()
	if err != nil {
		t.Fatalf("ListGatewayConfigs: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d configs, want 1", len(all))
	}
}
