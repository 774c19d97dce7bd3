// Package telegram adapts Telegram Bot API updates into normalized gateway
// events and sends outbound messages through the Bot API. Normalization is
// pure: no I/O, no clock; the gateway manager owns parsing and transport.
package telegram

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/semibot/semibot/internal/store"
)

// Event types produced by NormalizeUpdate.
const (
	EventMessageReceived = "chat.message.received"
	EventCardAction      = "chat.card.action"
)

// Source identifies events normalized from Telegram webhooks.
const Source = "gateway.telegram"

// NormalizeUpdate converts one Bot API update into a normalized event.
// Text messages become chat.message.received, callback queries become
// chat.card.action, anything else (edits, joins, media without text)
// returns nil. The idempotency key is derived from the update id so a
// redelivered webhook maps onto the same event.
func NormalizeUpdate(update map[string]any, botUsername, botID string) *store.Event {
	if update == nil {
		return nil
	}
	updateID := numberString(update, "update_id")

	if cq, ok := update["callback_query"].(map[string]any); ok {
		return normalizeCallback(cq, updateID, botUsername, botID)
	}

	msg, ok := update["message"].(map[string]any)
	if !ok {
		return nil
	}
	text := stringValue(msg, "text")
	if text == "" {
		return nil
	}
	chat := mapValue(msg, "chat")
	chatID := numberString(chat, "id")
	if chatID == "" {
		return nil
	}
	from := mapValue(msg, "from")

	return &store.Event{
		EventType: EventMessageReceived,
		Source:    Source,
		Subject:   chatID,
		Payload: map[string]any{
			"provider":        "telegram",
			"bot_id":          resolveBotID(botID, botUsername),
			"chat_id":         chatID,
			"chat_type":       stringValue(chat, "type"),
			"message_id":      numberString(msg, "message_id"),
			"sender_id":       numberString(from, "id"),
			"sender_username": stringValue(from, "username"),
			"text":            text,
			"is_mention":      isMention(msg, text, botUsername),
			"is_reply_to_bot": isReplyToBot(msg, botUsername, botID),
		},
		IdempotencyKey: idempotencyKey(updateID),
	}
}

func normalizeCallback(cq map[string]any, updateID, botUsername, botID string) *store.Event {
	msg := mapValue(cq, "message")
	chat := mapValue(msg, "chat")
	from := mapValue(cq, "from")
	chatID := numberString(chat, "id")

	return &store.Event{
		EventType: EventCardAction,
		Source:    Source,
		Subject:   chatID,
		Payload: map[string]any{
			"provider":        "telegram",
			"bot_id":          resolveBotID(botID, botUsername),
			"chat_id":         chatID,
			"callback_id":     stringValue(cq, "id"),
			"sender_id":       numberString(from, "id"),
			"sender_username": stringValue(from, "username"),
			"data":            stringValue(cq, "data"),
		},
		IdempotencyKey: idempotencyKey(updateID),
	}
}

// resolveBotID picks the bot identity for the gateway key. bot_id must be
// non-empty for conversations to resolve, so an unconfigured id falls back
// to the username and finally a fixed placeholder.
func resolveBotID(botID, botUsername string) string {
	if botID != "" {
		return botID
	}
	if botUsername != "" {
		return strings.TrimPrefix(botUsername, "@")
	}
	return "bot"
}

func idempotencyKey(updateID string) string {
	if updateID == "" {
		return ""
	}
	return "telegram:update:" + updateID
}

// isMention reports whether the message @-mentions the bot: a mention
// entity must be present, and when a bot username is configured the handle
// must appear in the text.
func isMention(msg map[string]any, text, botUsername string) bool {
	entities, _ := msg["entities"].([]any)
	hasMentionEntity := false
	for _, e := range entities {
		ent, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if t := stringValue(ent, "type"); t == "mention" || t == "text_mention" {
			hasMentionEntity = true
			break
		}
	}
	if !hasMentionEntity {
		return false
	}
	if botUsername == "" {
		return true
	}
	return containsFold(text, "@"+strings.TrimPrefix(botUsername, "@"))
}

func isReplyToBot(msg map[string]any, botUsername, botID string) bool {
	from := mapValue(mapValue(msg, "reply_to_message"), "from")
	if from == nil || !boolValue(from, "is_bot") {
		return false
	}
	if botID == "" && botUsername == "" {
		return true
	}
	if botID != "" && numberString(from, "id") == botID {
		return true
	}
	return botUsername != "" &&
		strings.EqualFold(stringValue(from, "username"), strings.TrimPrefix(botUsername, "@"))
}

// CardAction is an approval decision extracted from a callback query.
type CardAction struct {
	ApprovalID  string               `json:"approval_id,omitempty"`
	Decision    store.ApprovalStatus `json:"decision"`
	RawDecision string               `json:"raw_decision"`
	TraceID     string               `json:"trace_id,omitempty"`
}

// ParseCallbackAction extracts an approval decision from a callback query's
// data field. Two formats are understood: "<verb>:<approval_id>" and a JSON
// object with action/approval_id/trace_id keys. Returns nil when the body
// carries neither. Accepts a full update or a bare callback_query object.
func ParseCallbackAction(body map[string]any) *CardAction {
	if body == nil {
		return nil
	}
	cq, ok := body["callback_query"].(map[string]any)
	if !ok {
		cq = body
	}
	data := stringValue(cq, "data")
	if data == "" {
		return nil
	}

	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, "{") {
		var doc struct {
			Action     string `json:"action"`
			Decision   string `json:"decision"`
			ApprovalID string `json:"approval_id"`
			TraceID    string `json:"trace_id"`
		}
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return nil
		}
		raw := doc.Action
		if raw == "" {
			raw = doc.Decision
		}
		decision, ok := decisionFromVerb(raw)
		if !ok {
			return nil
		}
		return &CardAction{ApprovalID: doc.ApprovalID, Decision: decision, RawDecision: raw, TraceID: doc.TraceID}
	}

	verb, rest, found := strings.Cut(trimmed, ":")
	if !found {
		return nil
	}
	decision, ok := decisionFromVerb(verb)
	if !ok {
		return nil
	}
	return &CardAction{ApprovalID: strings.TrimSpace(rest), Decision: decision, RawDecision: verb}
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

// VerifySecret checks the X-Telegram-Bot-Api-Secret-Token header value
// against the configured webhook secret. An empty configured secret
// disables the check.
func VerifySecret(header, configured string) bool {
	return configured == "" || header == configured
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

func boolValue(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

// numberString renders a JSON number field without an exponent, so chat and
// update ids survive the float64 decode intact.
func numberString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return ""
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
