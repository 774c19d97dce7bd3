package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/approval"
	"github.com/semibot/semibot/internal/config"
	"github.com/semibot/semibot/internal/gateway/feishu"
	"github.com/semibot/semibot/internal/gateway/telegram"
	"github.com/semibot/semibot/internal/router"
	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

// ErrUnauthorized marks a webhook whose shared secret or verification token
// did not match. The HTTP layer maps it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrUnknownProvider marks a gateway provider outside telegram/feishu.
var ErrUnknownProvider = errors.New("unknown gateway provider")

// ErrInvalidConfig marks a config document that failed validation.
// The HTTP layer maps it to 400.
var ErrInvalidConfig = errors.New("invalid gateway config")

// Engine is the slice of the event engine the manager drives: raw event
// emission and approval resolution.
type Engine interface {
	Emit(ctx context.Context, evt *store.Event) ([]rules.ExecutionResult, error)
	ResolveApproval(ctx context.Context, approvalID string, decision store.ApprovalStatus) (*approval.Resolution, error)
}

// OutboundSender delivers text to one provider chat. telegram.Sender and
// feishu.Sender are the production implementations.
type OutboundSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Outcome kinds reported by the ingest entry points.
const (
	KindMessage         = "message"
	KindCardAction      = "card_action"
	KindApprovalCommand = "approval_command"
	KindEvent           = "event"
	KindChallenge       = "url_verification"
)

// IngestOutcome is what a webhook ingest did with the delivered body.
// Unrecognized bodies come back with Accepted=false and a reason; they are
// not errors.
type IngestOutcome struct {
	Accepted     bool           `json:"accepted"`
	Kind         string         `json:"kind,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Challenge    string         `json:"challenge,omitempty"`
	Ingest       *IngestResult  `json:"ingest,omitempty"`
	Command      *CommandResult `json:"command,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	MatchedRules int            `json:"matched_rules,omitempty"`
}

// ManagerOptions wires a Manager. FileConfig supplies provider credentials
// and addressing defaults; stored config rows override it per key.
type ManagerOptions struct {
	Configs    store.ConfigStore
	Contexts   *ContextService
	Engine     Engine
	FileConfig *config.Config
	Logger     *slog.Logger
}

// Manager fronts the chat providers: it verifies and routes webhook bodies,
// owns stored gateway configuration, sends outbound messages, and serves as
// the router's notification sink.
type Manager struct {
	configs  store.ConfigStore
	contexts *ContextService
	engine   Engine
	fileCfg  *config.Config
	logger   *slog.Logger

	mu      sync.Mutex
	senders map[string]OutboundSender
}

var _ router.NotificationSink = (*Manager)(nil)

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fileCfg := opts.FileConfig
	if fileCfg == nil {
		fileCfg = config.DefaultConfig()
	}
	return &Manager{
		configs:  opts.Configs,
		contexts: opts.Contexts,
		engine:   opts.Engine,
		fileCfg:  fileCfg,
		logger:   logger.With("component", "gateway.Manager"),
		senders:  make(map[string]OutboundSender),
	}
}

// SetFileConfig swaps the file-config defaults, typically after a config
// hot reload. Stored rows still win key by key.
func (m *Manager) SetFileConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	m.fileCfg = cfg
	m.mu.Unlock()
}

func (m *Manager) fileConfig() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileCfg
}

// --- stored configuration ---

// SeedConfigs writes file-config gateway sections into the runtime config
// store when no row exists yet for the provider. Stored rows win from then
// on; config-file edits no longer reach a seeded provider.
func (m *Manager) SeedConfigs() error {
	fileCfg := m.fileConfig()
	for provider, doc := range map[string]map[string]any{
		"telegram": telegramDoc(fileCfg.Gateways.Telegram),
		"feishu":   feishuDoc(fileCfg.Gateways.Feishu),
	} {
		if doc == nil {
			continue
		}
		existing, err := m.configs.GetGatewayConfig(provider, provider)
		if err != nil {
			return fmt.Errorf("failed to read %s config: %w", provider, err)
		}
		if existing != nil {
			continue
		}
		if err := m.configs.UpsertGatewayConfig(&store.GatewayConfig{
			Provider: provider,
			Name:     provider,
			Config:   doc,
		}); err != nil {
			return fmt.Errorf("failed to seed %s config: %w", provider, err)
		}
		m.logger.Info("seeded gateway config from file", "provider", provider)
	}
	return nil
}

// ListConfigs returns all stored gateway configs with secrets redacted.
func (m *Manager) ListConfigs() ([]*store.GatewayConfig, error) {
	rows, err := m.configs.ListGatewayConfigs()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row.Config = redactSecrets(row.Config)
	}
	return rows, nil
}

// GetConfig returns one stored gateway config, nil when absent.
func (m *Manager) GetConfig(provider string) (*store.GatewayConfig, error) {
	if _, err := m.fileSettings(provider); err != nil {
		return nil, err
	}
	row, err := m.configs.GetGatewayConfig(provider, provider)
	if err != nil || row == nil {
		return nil, err
	}
	row.Config = redactSecrets(row.Config)
	return row, nil
}

// PutConfig validates and stores a gateway config document, replacing any
// existing row for the provider.
func (m *Manager) PutConfig(provider string, doc map[string]any) (*store.GatewayConfig, error) {
	if _, err := m.fileSettings(provider); err != nil {
		return nil, err
	}
	if err := validateConfigDoc(provider, doc); err != nil {
		return nil, err
	}
	row := &store.GatewayConfig{Provider: provider, Name: provider, Config: doc}
	if err := m.configs.UpsertGatewayConfig(row); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.senders, provider)
	m.mu.Unlock()

	m.logger.Info("gateway config updated", "provider", provider)
	out := *row
	out.Config = redactSecrets(doc)
	return &out, nil
}

func validateConfigDoc(provider string, doc map[string]any) error {
	if doc == nil {
		return fmt.Errorf("%w: config document required", ErrInvalidConfig)
	}
	if enabled, ok := doc["enabled"].(bool); ok && enabled {
		switch provider {
		case "telegram":
			if docString(doc, "bot_token") == "" {
				return fmt.Errorf("%w: telegram requires bot_token when enabled", ErrInvalidConfig)
			}
		case "feishu":
			if docString(doc, "app_id") == "" || docString(doc, "app_secret") == "" {
				return fmt.Errorf("%w: feishu requires app_id and app_secret when enabled", ErrInvalidConfig)
			}
		}
	}
	if addressing, ok := doc["addressing"].(map[string]any); ok {
		if mode := docString(addressing, "mode"); mode != "" && mode != ModeAllMessages && mode != ModeMentionOnly {
			return fmt.Errorf("%w: addressing mode %q not recognized", ErrInvalidConfig, mode)
		}
	}
	return nil
}

// redactSecrets replaces credential values so config reads never echo them.
func redactSecrets(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, key := range []string{"bot_token", "webhook_secret", "app_secret", "verification_token"} {
		if s, ok := out[key].(string); ok && s != "" {
			out[key] = "[redacted]"
		}
	}
	return out
}

// --- webhook ingestion ---

// IngestTelegramWebhook routes one Bot API update. secretHeader is the
// X-Telegram-Bot-Api-Secret-Token value; a mismatch against the configured
// webhook secret returns ErrUnauthorized.
func (m *Manager) IngestTelegramWebhook(ctx context.Context, body map[string]any, secretHeader string) (*IngestOutcome, error) {
	s, err := m.settings("telegram")
	if err != nil {
		return nil, err
	}
	if !telegram.VerifySecret(secretHeader, s.webhookSecret) {
		return nil, fmt.Errorf("telegram webhook secret mismatch: %w", ErrUnauthorized)
	}

	evt := telegram.NormalizeUpdate(body, s.botUsername, s.botID)
	if evt == nil {
		return &IngestOutcome{Accepted: false, Reason: "unrecognized_update"}, nil
	}

	switch evt.EventType {
	case telegram.EventCardAction:
		if action := telegram.ParseCallbackAction(body); action != nil && action.ApprovalID != "" {
			res := m.resolveCommand(ctx, &ApprovalCommand{Decision: action.Decision, IDs: []string{action.ApprovalID}})
			return &IngestOutcome{Accepted: true, Kind: KindCardAction, Command: res}, nil
		}
		return m.emitRaw(ctx, evt)
	case telegram.EventMessageReceived:
		return m.ingestChatMessage(ctx, "telegram", s, evt)
	}
	return m.emitRaw(ctx, evt)
}

// IngestFeishuEvents routes one event callback: URL-verification handshake,
// message event, or unrecognized. A verification token mismatch returns
// ErrUnauthorized.
func (m *Manager) IngestFeishuEvents(ctx context.Context, body map[string]any) (*IngestOutcome, error) {
	s, err := m.settings("feishu")
	if err != nil {
		return nil, err
	}
	if !feishu.VerifyToken(body, s.verificationToken) {
		return nil, fmt.Errorf("feishu verification token mismatch: %w", ErrUnauthorized)
	}
	if challenge, ok := feishu.Challenge(body); ok {
		return &IngestOutcome{Accepted: true, Kind: KindChallenge, Challenge: challenge}, nil
	}

	evt := feishu.NormalizeMessageEvent(body, s.appID)
	if evt == nil {
		return &IngestOutcome{Accepted: false, Reason: "unrecognized_event"}, nil
	}
	return m.ingestChatMessage(ctx, "feishu", s, evt)
}

// IngestFeishuCardAction resolves an approval from a card interaction.
func (m *Manager) IngestFeishuCardAction(ctx context.Context, body map[string]any) (*IngestOutcome, error) {
	s, err := m.settings("feishu")
	if err != nil {
		return nil, err
	}
	if !feishu.VerifyToken(body, s.verificationToken) {
		return nil, fmt.Errorf("feishu verification token mismatch: %w", ErrUnauthorized)
	}
	if challenge, ok := feishu.Challenge(body); ok {
		return &IngestOutcome{Accepted: true, Kind: KindChallenge, Challenge: challenge}, nil
	}

	action := feishu.ParseCardAction(body)
	if action == nil || action.ApprovalID == "" {
		return &IngestOutcome{Accepted: false, Reason: "unrecognized_action"}, nil
	}
	res := m.resolveCommand(ctx, &ApprovalCommand{Decision: action.Decision, IDs: []string{action.ApprovalID}})
	return &IngestOutcome{Accepted: true, Kind: KindCardAction, Command: res}, nil
}

// ingestChatMessage hands a normalized chat message to the context service,
// intercepting approval commands first so "/approve apr_x" resolves the
// approval instead of spawning a task.
func (m *Manager) ingestChatMessage(ctx context.Context, provider string, s *providerSettings, evt *store.Event) (*IngestOutcome, error) {
	text := payloadString(evt.Payload, "text")
	chatID := payloadString(evt.Payload, "chat_id")

	if cmd := ParseApprovalCommand(text); cmd != nil {
		res := m.resolveCommand(ctx, cmd)
		m.confirmCommand(provider, chatID, cmd, res)
		return &IngestOutcome{Accepted: true, Kind: KindApprovalCommand, Command: res}, nil
	}

	result, err := m.contexts.IngestMessage(IngestParams{
		Provider: provider,
		Event:    evt,
		Text:     text,
		AgentID:  s.agentID,
		Policy:   s.policy,
		OnResult: m.resultSender(provider, chatID),
	})
	if err != nil {
		return nil, err
	}
	return &IngestOutcome{Accepted: true, Kind: KindMessage, Ingest: result}, nil
}

func (m *Manager) emitRaw(ctx context.Context, evt *store.Event) (*IngestOutcome, error) {
	results, err := m.engine.Emit(ctx, evt)
	if err != nil {
		return nil, err
	}
	return &IngestOutcome{
		Accepted:     true,
		Kind:         KindEvent,
		EventID:      evt.EventID,
		MatchedRules: len(results),
	}, nil
}

// resolveCommand resolves every approval named by the command. Status
// reflects the first approval's state after the call; ids that fail to load
// are logged and skipped.
func (m *Manager) resolveCommand(ctx context.Context, cmd *ApprovalCommand) *CommandResult {
	res := &CommandResult{ApprovalIDs: cmd.IDs}
	for _, id := range cmd.IDs {
		r, err := m.engine.ResolveApproval(ctx, id, cmd.Decision)
		if err != nil {
			m.logger.Warn("approval command failed", "approval_id", id, "error", err)
			continue
		}
		if res.Status == "" {
			res.Status = r.Status
		}
		if r.Resolved {
			res.Resolved = true
		}
	}
	return res
}

// confirmCommand sends a best-effort chat reply for a text approval command.
func (m *Manager) confirmCommand(provider, chatID string, cmd *ApprovalCommand, res *CommandResult) {
	if chatID == "" {
		return
	}
	var text string
	switch {
	case res.Resolved:
		text = fmt.Sprintf("Approval %s %s.", strings.Join(cmd.IDs, ", "), cmd.Decision)
	case res.Status != "":
		text = fmt.Sprintf("Approval %s already %s.", strings.Join(cmd.IDs, ", "), res.Status)
	default:
		text = fmt.Sprintf("Approval %s not found.", strings.Join(cmd.IDs, ", "))
	}
	m.sendAsync(provider, chatID, text)
}

// resultSender returns the task-result callback for a conversation: deliver
// the runner's final response back to the chat it came from.
func (m *Manager) resultSender(provider, chatID string) func(string) {
	if chatID == "" {
		return nil
	}
	return func(text string) {
		m.sendAsync(provider, chatID, text)
	}
}

func (m *Manager) sendAsync(provider, chatID, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Send(ctx, provider, chatID, text); err != nil {
			m.logger.Error("outbound send failed", "provider", provider, "chat_id", chatID, "error", err)
		}
	}()
}

// --- outbound ---

// Send delivers text through the provider's sender.
func (m *Manager) Send(ctx context.Context, provider, chatID, text string) error {
	s, err := m.settings(provider)
	if err != nil {
		return err
	}
	sender, err := m.sender(provider, s)
	if err != nil {
		return err
	}
	return sender.SendMessage(ctx, chatID, text)
}

// OutboundTest sends a canned message using the stored config, to the given
// chat or the provider's default chat.
func (m *Manager) OutboundTest(ctx context.Context, provider, chatID string) error {
	s, err := m.settings(provider)
	if err != nil {
		return err
	}
	if chatID == "" {
		chatID = s.defaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("%s outbound test needs a chat_id (none configured)", provider)
	}
	sender, err := m.sender(provider, s)
	if err != nil {
		return err
	}
	return sender.SendMessage(ctx, chatID, "semibot outbound test: configuration works.")
}

// SetSender overrides the cached sender for a provider. Tests inject fakes;
// production code lets the manager build senders from config.
func (m *Manager) SetSender(provider string, s OutboundSender) {
	m.mu.Lock()
	m.senders[provider] = s
	m.mu.Unlock()
}

func (m *Manager) sender(provider string, s *providerSettings) (OutboundSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.senders[provider]; ok {
		return existing, nil
	}
	var built OutboundSender
	switch provider {
	case "telegram":
		if s.botToken == "" {
			return nil, fmt.Errorf("telegram bot_token not configured")
		}
		built = telegram.NewSender(s.botToken, m.logger)
	case "feishu":
		if s.appID == "" || s.appSecret == "" {
			return nil, fmt.Errorf("feishu app credentials not configured")
		}
		built = feishu.NewSender(s.appID, s.appSecret, m.logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	m.senders[provider] = built
	return built, nil
}

// --- notification sink ---

// Notify implements router.NotificationSink: deliver a rule notification to
// a chat. The target chat comes from the action params, then the action
// target, then the provider's default chat.
func (m *Manager) Notify(ctx context.Context, n router.Notification) error {
	provider := payloadString(n.Params, "provider")
	if provider == "" {
		provider = m.defaultNotifyProvider()
	}
	if provider == "" {
		return fmt.Errorf("no notification gateway configured")
	}
	s, err := m.settings(provider)
	if err != nil {
		return err
	}

	chatID := payloadString(n.Params, "chat_id")
	if chatID == "" {
		chatID = n.Target
	}
	if chatID == "" {
		chatID = s.defaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("%s notification has no chat id", provider)
	}

	sender, err := m.sender(provider, s)
	if err != nil {
		return err
	}
	return sender.SendMessage(ctx, chatID, formatNotification(n))
}

func (m *Manager) defaultNotifyProvider() string {
	if s, err := m.settings("telegram"); err == nil && s.enabled && s.botToken != "" {
		return "telegram"
	}
	if s, err := m.settings("feishu"); err == nil && s.enabled && s.appID != "" {
		return "feishu"
	}
	return ""
}

func formatNotification(n router.Notification) string {
	var b strings.Builder
	if n.Decision == rules.ModeAsk {
		fmt.Fprintf(&b, "Approval needed: rule %s", n.RuleName)
	} else {
		fmt.Fprintf(&b, "Rule %s fired", n.RuleName)
	}
	if n.Event != nil {
		fmt.Fprintf(&b, "\nevent: %s", n.Event.EventType)
		if n.Event.Subject != "" {
			fmt.Fprintf(&b, " (%s)", n.Event.Subject)
		}
	}
	approvalID := payloadString(n.Params, "approval_id")
	if approvalID == "" && n.Event != nil {
		approvalID = payloadString(n.Event.Payload, "approval_id")
	}
	if approvalID != "" {
		fmt.Fprintf(&b, "\nreply \"/approve %s\" or \"/reject %s\"", approvalID, approvalID)
	}
	if n.TraceID != "" {
		fmt.Fprintf(&b, "\ntrace: %s", n.TraceID)
	}
	return b.String()
}
