// Package feishu adapts Feishu (Lark) open-platform callbacks into
// normalized gateway events and sends outbound messages through the IM API.
// Normalization is pure; the gateway manager owns token checks and routing.
package feishu

import (
	"encoding/json"
	"strings"

	"github.com/semibot/semibot/internal/store"
)

// EventMessageReceived is the event type produced for im.message.receive_v1.
const EventMessageReceived = "chat.message.received"

// Source identifies events normalized from Feishu callbacks.
const Source = "gateway.feishu"

// NormalizeMessageEvent converts one event callback (schema 2.0 or the
// legacy envelope) into a normalized event. Only text messages are
// recognized; cards, media, and non-message callbacks return nil. The
// idempotency key is the message id, falling back to the envelope event id,
// so a redelivered callback maps onto the same event.
func NormalizeMessageEvent(body map[string]any, appID string) *store.Event {
	if body == nil {
		return nil
	}
	header := mapValue(body, "header")
	event := mapValue(body, "event")
	msg := mapValue(event, "message")
	if msg == nil {
		return nil
	}
	if et := stringValue(header, "event_type"); et != "" && et != "im.message.receive_v1" {
		return nil
	}

	chatID := stringValue(msg, "chat_id")
	if chatID == "" {
		return nil
	}
	if mt := stringValue(msg, "message_type"); mt != "" && mt != "text" {
		return nil
	}

	mentions, _ := msg["mentions"].([]any)
	text := extractText(stringValue(msg, "content"), mentions)
	if text == "" {
		return nil
	}

	chatType := stringValue(msg, "chat_type")
	sender := mapValue(mapValue(event, "sender"), "sender_id")

	botID := appID
	if botID == "" {
		botID = stringValue(header, "app_id")
	}
	if botID == "" {
		botID = "feishu_app"
	}

	return &store.Event{
		EventType: EventMessageReceived,
		Source:    Source,
		Subject:   chatID,
		Payload: map[string]any{
			"provider":          "feishu",
			"bot_id":            botID,
			"chat_id":           chatID,
			"chat_type":         chatType,
			"message_id":        stringValue(msg, "message_id"),
			"parent_message_id": stringValue(msg, "parent_id"),
			"sender_id":         stringValue(sender, "open_id"),
			"text":              text,
			"is_mention":        isMention(chatType, mentions),
			"is_reply_to_bot":   false,
			"tenant_key":        stringValue(header, "tenant_key"),
		},
		IdempotencyKey: idempotencyKey(msg, header, body),
	}
}

func idempotencyKey(msg, header, body map[string]any) string {
	if id := stringValue(msg, "message_id"); id != "" {
		return "feishu:message:" + id
	}
	if id := stringValue(header, "event_id"); id != "" {
		return "feishu:event:" + id
	}
	if id := stringValue(body, "uuid"); id != "" {
		return "feishu:event:" + id
	}
	return ""
}

// isMention reports whether the message addresses the bot. Direct chats are
// always addressed. Group messages reach an app only when it is mentioned
// or the app subscribes to all messages, so any mention entry counts.
func isMention(chatType string, mentions []any) bool {
	if chatType == "p2p" {
		return true
	}
	return len(mentions) > 0
}

// extractText pulls the text out of the content JSON and rewrites mention
// placeholders ("@_user_1") to the mentioned display names.
func extractText(content string, mentions []any) string {
	if content == "" {
		return ""
	}
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return ""
	}
	text := doc.Text
	for _, m := range mentions {
		mention, ok := m.(map[string]any)
		if !ok {
			continue
		}
		key := stringValue(mention, "key")
		if key == "" {
			continue
		}
		name := stringValue(mention, "name")
		if name != "" {
			text = strings.ReplaceAll(text, key, "@"+name)
		} else {
			text = strings.ReplaceAll(text, key, "")
		}
	}
	return strings.TrimSpace(text)
}

// CardAction is an approval decision extracted from a card interaction.
type CardAction struct {
	ApprovalID  string               `json:"approval_id,omitempty"`
	Decision    store.ApprovalStatus `json:"decision"`
	RawDecision string               `json:"raw_decision"`
	TraceID     string               `json:"trace_id,omitempty"`
}

// ParseCardAction extracts an approval decision from a card callback. The
// action value may be a map or a JSON string with action/approval_id/
// trace_id keys; both the flat callback shape and the schema 2.0 envelope
// (action under event) are accepted. Returns nil when no decision is found.
func ParseCardAction(body map[string]any) *CardAction {
	if body == nil {
		return nil
	}
	action := mapValue(body, "action")
	if action == nil {
		action = mapValue(mapValue(body, "event"), "action")
	}
	if action == nil {
		return nil
	}

	value := mapValue(action, "value")
	if value == nil {
		if s := stringValue(action, "value"); s != "" {
			var doc map[string]any
			if err := json.Unmarshal([]byte(s), &doc); err != nil {
				return nil
			}
			value = doc
		}
	}
	if value == nil {
		return nil
	}

	raw := stringValue(value, "action")
	if raw == "" {
		raw = stringValue(value, "decision")
	}
	decision, ok := decisionFromVerb(raw)
	if !ok {
		return nil
	}
	return &CardAction{
		ApprovalID:  stringValue(value, "approval_id"),
		Decision:    decision,
		RawDecision: raw,
		TraceID:     stringValue(value, "trace_id"),
	}
}

func decisionFromVerb(verb string) (store.ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "approve", "approved", "accept", "yes", "ok":
		return store.ApprovalApproved, true
	case "reject", "rejected", "deny", "denied", "no":
		return store.ApprovalRejected, true
	default:
		return "", false
	}
}

// VerifyToken checks the callback's verification token against the
// configured one. Schema 2.0 carries the token under header, the legacy
// envelope and URL verification at the top level. An empty configured token
// disables the check.
func VerifyToken(body map[string]any, configured string) bool {
	if configured == "" {
		return true
	}
	if body == nil {
		return false
	}
	token := stringValue(body, "token")
	if token == "" {
		token = stringValue(mapValue(body, "header"), "token")
	}
	return token == configured
}

// Challenge returns the echo value for a URL-verification handshake and
// whether the body is one.
func Challenge(body map[string]any) (string, bool) {
	if body == nil {
		return "", false
	}
	if stringValue(body, "type") != "url_verification" {
		return "", false
	}
	return stringValue(body, "challenge"), true
}

// --- loosely typed payload access ---

func mapValue(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
