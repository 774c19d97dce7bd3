package store

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Conversations ---

// GetOrCreateConversation returns the conversation for the gateway key,
// creating it when absent. Creation races resolve to the winning row.
func (s *SQLStore) GetOrCreateConversation(provider, gatewayKey, botID, chatID string) (*Conversation, error) {
	c, err := s.getConversationByKey(gatewayKey)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	now := time.Now().UTC()
	c = &Conversation{
		ID:         NewConversationID(),
		Provider:   provider,
		GatewayKey: gatewayKey,
		BotID:      botID,
		ChatID:     chatID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.Exec(s.rebind(`INSERT INTO conversations (id, provider, gateway_key, bot_id, chat_id, main_context_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Provider, c.GatewayKey, c.BotID, c.ChatID, nullStr(c.MainContextID), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.getConversationByKey(gatewayKey)
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

const conversationColumns = `id, provider, gateway_key, bot_id, chat_id, main_context_id, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	c := &Conversation{}
	var mainCtx sql.NullString
	if err := row.Scan(&c.ID, &c.Provider, &c.GatewayKey, &c.BotID, &c.ChatID, &mainCtx, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.MainContextID = mainCtx.String
	return c, nil
}

func (s *SQLStore) getConversationByKey(gatewayKey string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE gateway_key = ?`), gatewayKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) GetConversation(id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(s.rebind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) ListConversations(provider string, limit int) ([]*Conversation, error) {
	where := ""
	var args []any
	if provider != "" {
		where = " WHERE provider = ?"
		args = append(args, provider)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.Query(s.rebind(`SELECT `+conversationColumns+` FROM conversations`+where+
		` ORDER BY updated_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// --- Context messages ---

// AppendMessage appends a message to its conversation, assigning the next
// context_version. Concurrent appends to the same conversation serialize on
// the unique (conversation_id, context_version) index; losers retry with a
// fresh version.
func (s *SQLStore) AppendMessage(m *ContextMessage) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.appendMessageOnce(m)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("failed to append message after %d attempts: %w", maxAttempts, lastErr)
}

func (s *SQLStore) appendMessageOnce(m *ContextMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}

	var current int64
	err = tx.QueryRow(s.rebind(`SELECT COALESCE(MAX(context_version), 0) FROM context_messages WHERE conversation_id = ?`),
		m.ConversationID).Scan(&current)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to read context version: %w", err)
	}
	m.ContextVersion = current + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(s.rebind(`INSERT INTO context_messages (id, conversation_id, role, content, metadata, context_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.Role, m.Content, nullableMap(m.Metadata), m.ContextVersion, m.CreatedAt.UTC(),
	)
	if err != nil {
		tx.Rollback()
		return err
	}

	_, err = tx.Exec(s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		time.Now().UTC(), m.ConversationID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns the conversation log in append order.
func (s *SQLStore) ListMessages(conversationID string, limit int) ([]*ContextMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(s.rebind(`SELECT id, conversation_id, role, content, metadata, context_version, created_at
		FROM context_messages WHERE conversation_id = ? ORDER BY context_version ASC LIMIT ?`),
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ContextMessage
	for rows.Next() {
		m := &ContextMessage{}
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.ContextVersion, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Metadata = mapOrNil(metadata)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestAssistantMessageAt returns when the assistant last wrote to the
// conversation, or nil if it never has. The addressing policy uses it for
// session continuation.
func (s *SQLStore) LatestAssistantMessageAt(conversationID string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(s.rebind(`SELECT created_at FROM context_messages
		WHERE conversation_id = ? AND role = ? ORDER BY context_version DESC LIMIT 1`),
		conversationID, RoleAssistant).Scan(&at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// --- Task runs ---

func (s *SQLStore) InsertTaskRun(r *TaskRun) error {
	_, err := s.db.Exec(s.rebind(`INSERT INTO task_runs (id, conversation_id, runtime_session_id, source_message_id, snapshot_version, status, result_summary, result_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ConversationID, r.RuntimeSessionID, nullStr(r.SourceMessageID), r.SnapshotVersion,
		string(r.Status), nullStr(r.ResultSummary), nullableMap(r.ResultMetadata),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) UpdateTaskRun(id string, status TaskStatus, resultSummary string, resultMetadata map[string]any) error {
	_, err := s.db.Exec(s.rebind(`UPDATE task_runs SET status = ?, result_summary = ?, result_metadata = ?, updated_at = ? WHERE id = ?`),
		string(status), nullStr(resultSummary), nullableMap(resultMetadata), time.Now().UTC(), id)
	return err
}

const taskRunColumns = `id, conversation_id, runtime_session_id, source_message_id, snapshot_version, status, result_summary, result_metadata, created_at, updated_at`

func scanTaskRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	r := &TaskRun{}
	var sourceMsg, summary, metadata sql.NullString
	var status string
	if err := row.Scan(&r.ID, &r.ConversationID, &r.RuntimeSessionID, &sourceMsg, &r.SnapshotVersion,
		&status, &summary, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.SourceMessageID = sourceMsg.String
	r.Status = TaskStatus(status)
	r.ResultSummary = summary.String
	r.ResultMetadata = mapOrNil(metadata)
	return r, nil
}

func (s *SQLStore) GetTaskRun(id string) (*TaskRun, error) {
	r, err := scanTaskRun(s.db.QueryRow(s.rebind(`SELECT `+taskRunColumns+` FROM task_runs WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) ListTaskRuns(conversationID string, limit int) ([]*TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(s.rebind(`SELECT `+taskRunColumns+` FROM task_runs
		WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
