package gateway

import (
	"strings"

	"github.com/semibot/semibot/internal/store"
)

// ApprovalCommand is a chat message recognized as an approval resolution.
type ApprovalCommand struct {
	Decision store.ApprovalStatus
	IDs      []string
}

// CommandResult reports what resolving an approval command did. Resolved is
// true when at least one approval transitioned; Status reflects the first
// named approval after the call (the requested decision when claimed, the
// prior terminal state otherwise).
type CommandResult struct {
	Resolved    bool                 `json:"resolved"`
	Status      store.ApprovalStatus `json:"status,omitempty"`
	ApprovalIDs []string             `json:"approval_ids"`
}

// ParseApprovalCommand recognizes approval resolutions written as chat text.
// Accepted forms: "/approve <id> [<id>...]", "/reject <id>", "approve:<id>",
// "reject:<id>", and the Chinese aliases "同意 <id>" and "拒绝 <id>".
// Returns nil when the text is not an approval command or names no id.
func ParseApprovalCommand(text string) *ApprovalCommand {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if verb, rest, found := strings.Cut(trimmed, ":"); found && !strings.ContainsAny(verb, " \t") {
		if decision, ok := commandDecision(verb); ok {
			if id := strings.TrimSpace(rest); id != "" {
				return &ApprovalCommand{Decision: decision, IDs: []string{id}}
			}
			return nil
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return nil
	}
	decision, ok := commandDecision(fields[0])
	if !ok {
		return nil
	}
	return &ApprovalCommand{Decision: decision, IDs: fields[1:]}
}

func commandDecision(verb string) (store.ApprovalStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "/approve", "approve", "同意":
		return store.ApprovalApproved, true
	case "/reject", "reject", "拒绝":
		return store.ApprovalRejected, true
	default:
		return "", false
	}
}
