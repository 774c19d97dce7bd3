package gateway

import "strings"

// Addressing modes.
const (
	ModeAllMessages = "all_messages"
	ModeMentionOnly = "mention_only"
)

// Policy controls which inbound chat messages the bot treats as addressed
// to it, and which of those it executes as tasks.
type Policy struct {
	Mode                         string
	AllowReplyToBot              bool
	ExecuteOnUnaddressed         bool
	CommandPrefixes              []string
	SessionContinuationWindowSec float64
}

// DefaultPolicy returns the addressing defaults for a provider. Telegram
// bots usually live in dedicated chats and react to everything; Feishu bots
// sit in busy group chats and only answer mentions.
func DefaultPolicy(provider string) Policy {
	mode := ModeAllMessages
	if provider == "feishu" {
		mode = ModeMentionOnly
	}
	return Policy{
		Mode:                         mode,
		AllowReplyToBot:              true,
		ExecuteOnUnaddressed:         false,
		CommandPrefixes:              []string{"/ask", "/run", "/approve", "/reject"},
		SessionContinuationWindowSec: 300,
	}
}

// Decision is the outcome of the addressing policy for one message.
type Decision struct {
	Addressed     bool   `json:"addressed"`
	ShouldExecute bool   `json:"should_execute"`
	Reason        string `json:"reason"`
}

// DecideAddressing resolves whether a message is addressed to the bot and
// whether it should run as a task. Rows are evaluated top to bottom; the
// first match wins.
func DecideAddressing(text string, isMention, isReplyToBot, forceExecute, continuationHit bool, p Policy) Decision {
	switch {
	case forceExecute:
		return Decision{Addressed: true, ShouldExecute: true, Reason: "forced"}
	case hasCommandPrefix(text, p.CommandPrefixes):
		return Decision{Addressed: true, ShouldExecute: true, Reason: "command_prefix"}
	case isMention:
		return Decision{Addressed: true, ShouldExecute: true, Reason: "mention"}
	case isReplyToBot && p.AllowReplyToBot:
		return Decision{Addressed: true, ShouldExecute: true, Reason: "reply_to_bot"}
	case p.Mode == ModeAllMessages:
		return Decision{Addressed: true, ShouldExecute: true, Reason: "all_messages_mode"}
	case continuationHit:
		return Decision{Addressed: true, ShouldExecute: true, Reason: "session_continuation"}
	default:
		return Decision{Addressed: false, ShouldExecute: p.ExecuteOnUnaddressed, Reason: "not_addressed"}
	}
}

func hasCommandPrefix(text string, prefixes []string) bool {
	trimmed := strings.TrimSpace(text)
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
