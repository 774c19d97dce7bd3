package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ID constructors. ULIDs are used where creation-time ordering matters
// (events, runs, messages); short UUIDs elsewhere.

func NewEventID() string {
	return "evt_" + ulid.Make().String()
}

func NewRunID() string {
	return "run_" + ulid.Make().String()
}

func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}

func NewTraceID() string {
	return ulid.Make().String()
}

func NewApprovalID() string {
	return "apr_" + uuid.New().String()[:8]
}

func NewConversationID() string {
	return "conv_" + uuid.New().String()[:8]
}

func NewTaskRunID() string {
	return "task_" + uuid.New().String()[:8]
}

// NewSessionID builds a runtime session id, sess_<provider>_<12 hex>. Each
// task execution gets a fresh one so runtime state never leaks between runs.
func NewSessionID(provider string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "sess_" + provider + "_" + hex[:12]
}
