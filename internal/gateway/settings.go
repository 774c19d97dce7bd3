package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/semibot/semibot/internal/config"
)

// providerSettings is the effective configuration of one provider: the file
// config section overlaid with the stored config row, key by key.
type providerSettings struct {
	enabled       bool
	botToken      string
	botID         string
	botUsername   string
	webhookSecret string

	appID             string
	appSecret         string
	verificationToken string

	defaultChatID string
	agentID       string
	policy        Policy
}

// settings resolves the effective provider settings: file config as the
// base, stored row keys override.
func (m *Manager) settings(provider string) (*providerSettings, error) {
	s, err := m.fileSettings(provider)
	if err != nil {
		return nil, err
	}
	row, err := m.configs.GetGatewayConfig(provider, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s config: %w", provider, err)
	}
	if row != nil {
		applyOverrides(s, row.Config)
	}
	return s, nil
}

func (m *Manager) fileSettings(provider string) (*providerSettings, error) {
	fileCfg := m.fileConfig()
	switch provider {
	case "telegram":
		tg := fileCfg.Gateways.Telegram
		return &providerSettings{
			enabled:       tg.Enabled,
			botToken:      tg.BotToken,
			botID:         tg.BotID,
			botUsername:   tg.BotUsername,
			webhookSecret: tg.WebhookSecret,
			defaultChatID: tg.DefaultChatID,
			agentID:       tg.AgentID,
			policy:        policyFromConfig(provider, tg.Addressing),
		}, nil
	case "feishu":
		fs := fileCfg.Gateways.Feishu
		return &providerSettings{
			enabled:           fs.Enabled,
			appID:             fs.AppID,
			appSecret:         fs.AppSecret,
			verificationToken: fs.VerificationToken,
			defaultChatID:     fs.DefaultChatID,
			agentID:           fs.AgentID,
			policy:            policyFromConfig(provider, fs.Addressing),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}

func policyFromConfig(provider string, ac config.AddressingConfig) Policy {
	p := DefaultPolicy(provider)
	if ac.Mode != "" {
		p = Policy{
			Mode:                         ac.Mode,
			AllowReplyToBot:              ac.AllowReplyToBot,
			ExecuteOnUnaddressed:         ac.ExecuteOnUnaddressed,
			CommandPrefixes:              ac.CommandPrefixes,
			SessionContinuationWindowSec: ac.SessionContinuationWindowSec,
		}
	}
	return p
}

// applyOverrides copies keys present in a stored config document onto the
// settings. Absent keys keep the file-config value.
func applyOverrides(s *providerSettings, doc map[string]any) {
	if doc == nil {
		return
	}
	overrideBool(&s.enabled, doc, "enabled")
	overrideString(&s.botToken, doc, "bot_token")
	overrideString(&s.botID, doc, "bot_id")
	overrideString(&s.botUsername, doc, "bot_username")
	overrideString(&s.webhookSecret, doc, "webhook_secret")
	overrideString(&s.appID, doc, "app_id")
	overrideString(&s.appSecret, doc, "app_secret")
	overrideString(&s.verificationToken, doc, "verification_token")
	overrideString(&s.defaultChatID, doc, "default_chat_id")
	overrideString(&s.agentID, doc, "agent_id")

	addressing, ok := doc["addressing"].(map[string]any)
	if !ok {
		return
	}
	overrideString(&s.policy.Mode, addressing, "mode")
	overrideBool(&s.policy.AllowReplyToBot, addressing, "allow_reply_to_bot")
	overrideBool(&s.policy.ExecuteOnUnaddressed, addressing, "execute_on_unaddressed")
	overrideFloat(&s.policy.SessionContinuationWindowSec, addressing, "session_continuation_window_sec")
	if prefixes, ok := addressing["command_prefixes"].([]any); ok {
		out := make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			if str, ok := p.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		s.policy.CommandPrefixes = out
	}
}

// telegramDoc renders the file-config Telegram section as a stored config
// document for seeding. Returns nil when the section is untouched.
func telegramDoc(tg config.TelegramConfig) map[string]any {
	if !tg.Enabled && tg.BotToken == "" {
		return nil
	}
	return map[string]any{
		"enabled":         tg.Enabled,
		"bot_token":       tg.BotToken,
		"bot_id":          tg.BotID,
		"bot_username":    tg.BotUsername,
		"webhook_secret":  tg.WebhookSecret,
		"default_chat_id": tg.DefaultChatID,
		"agent_id":        tg.AgentID,
		"addressing":      addressingDoc(tg.Addressing),
	}
}

func feishuDoc(fs config.FeishuConfig) map[string]any {
	if !fs.Enabled && fs.AppID == "" {
		return nil
	}
	return map[string]any{
		"enabled":            fs.Enabled,
		"app_id":             fs.AppID,
		"app_secret":         fs.AppSecret,
		"verification_token": fs.VerificationToken,
		"default_chat_id":    fs.DefaultChatID,
		"agent_id":           fs.AgentID,
		"addressing":         addressingDoc(fs.Addressing),
	}
}

func addressingDoc(ac config.AddressingConfig) map[string]any {
	prefixes := make([]any, 0, len(ac.CommandPrefixes))
	for _, p := range ac.CommandPrefixes {
		prefixes = append(prefixes, p)
	}
	return map[string]any{
		"mode":                            ac.Mode,
		"allow_reply_to_bot":              ac.AllowReplyToBot,
		"execute_on_unaddressed":          ac.ExecuteOnUnaddressed,
		"command_prefixes":                prefixes,
		"session_continuation_window_sec": ac.SessionContinuationWindowSec,
	}
}

// --- loosely typed config document access ---

func docString(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	v, _ := doc[key].(string)
	return v
}

func overrideString(dst *string, doc map[string]any, key string) {
	if v, ok := doc[key].(string); ok {
		*dst = v
	}
}

func overrideBool(dst *bool, doc map[string]any, key string) {
	if v, ok := doc[key].(bool); ok {
		*dst = v
	}
}

func overrideFloat(dst *float64, doc map[string]any, key string) {
	switch v := doc[key].(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	case int64:
		*dst = float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			*dst = f
		}
	}
}
