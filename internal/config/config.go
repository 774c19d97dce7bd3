package config

// Config is the top-level semibot configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Rules      RulesConfig      `yaml:"rules"`
	Triggers   TriggersConfig   `yaml:"triggers"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	TaskRunner TaskRunnerConfig `yaml:"task_runner"`
	Gateways   GatewaysConfig   `yaml:"gateways"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	// APIToken guards the management API when non-empty. Provider webhook
	// endpoints authenticate with their own secrets and are exempt.
	APIToken string `yaml:"api_token"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	// Path is a SQLite file path, or a postgres:// DSN to use Postgres.
	Path string `yaml:"path"`
}

type RulesConfig struct {
	// Path is a rule JSON file or a directory of them.
	Path string `yaml:"path"`
	// WatchIntervalSeconds controls how often rule file mtimes are polled.
	// Zero or negative disables the watch.
	WatchIntervalSeconds float64 `yaml:"watch_interval_seconds"`
}

type TriggersConfig struct {
	// HeartbeatIntervalSeconds enables the periodic heartbeat event when
	// positive.
	HeartbeatIntervalSeconds float64         `yaml:"heartbeat_interval_seconds"`
	HeartbeatSource          string          `yaml:"heartbeat_source"`
	HeartbeatSubject         string          `yaml:"heartbeat_subject"`
	HeartbeatPayload         map[string]any  `yaml:"heartbeat_payload"`
	CronJobs                 []CronJobConfig `yaml:"cron_jobs"`
}

// CronJobConfig declares one scheduled event emission.
type CronJobConfig struct {
	Name      string         `yaml:"name"`
	Schedule  string         `yaml:"schedule"` // "@every:<seconds>" or "*/N * * * *"
	EventType string         `yaml:"event_type"`
	Source    string         `yaml:"source"`
	Subject   string         `yaml:"subject"`
	Payload   map[string]any `yaml:"payload"`
}

type ApprovalsConfig struct {
	// TimeoutSeconds auto-rejects pending approvals older than this.
	// Zero or negative means approvals never expire.
	TimeoutSeconds       float64 `yaml:"timeout_seconds"`
	SweepIntervalSeconds float64 `yaml:"sweep_interval_seconds"`
}

type TaskRunnerConfig struct {
	// Command is the external task runner binary. Empty means task actions
	// fail fast with a configuration error.
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
	Model          string   `yaml:"model"`
	SystemPrompt   string   `yaml:"system_prompt"`
}

type GatewaysConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Feishu   FeishuConfig   `yaml:"feishu"`
}

type TelegramConfig struct {
	Enabled       bool             `yaml:"enabled"`
	BotToken      string           `yaml:"bot_token"`
	BotID         string           `yaml:"bot_id"`
	BotUsername   string           `yaml:"bot_username"`
	WebhookSecret string           `yaml:"webhook_secret"`
	DefaultChatID string           `yaml:"default_chat_id"`
	AgentID       string           `yaml:"agent_id"`
	Addressing    AddressingConfig `yaml:"addressing"`
}

type FeishuConfig struct {
	Enabled           bool             `yaml:"enabled"`
	AppID             string           `yaml:"app_id"`
	AppSecret         string           `yaml:"app_secret"`
	VerificationToken string           `yaml:"verification_token"`
	DefaultChatID     string           `yaml:"default_chat_id"`
	AgentID           string           `yaml:"agent_id"`
	Addressing        AddressingConfig `yaml:"addressing"`
}

// AddressingConfig decides which inbound chat messages the bot treats as
// addressed to it, and which of those it executes as tasks.
type AddressingConfig struct {
	// Mode is "all_messages" or "mention_only".
	Mode                         string   `yaml:"mode"`
	AllowReplyToBot              bool     `yaml:"allow_reply_to_bot"`
	ExecuteOnUnaddressed         bool     `yaml:"execute_on_unaddressed"`
	CommandPrefixes              []string `yaml:"command_prefixes"`
	SessionContinuationWindowSec float64  `yaml:"session_continuation_window_sec"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup. Telegram defaults to reacting to every message in a chat, Feishu
// to mentions only.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8787,
			LogLevel: "info",
			CORS:     true,
		},
		Storage: StorageConfig{
			Path: "./semibot.db",
		},
		Rules: RulesConfig{
			Path:                 "./rules",
			WatchIntervalSeconds: 2,
		},
		Triggers: TriggersConfig{
			HeartbeatSource: "scheduler",
		},
		Approvals: ApprovalsConfig{
			SweepIntervalSeconds: 60,
		},
		TaskRunner: TaskRunnerConfig{
			TimeoutSeconds: 300,
		},
		Gateways: GatewaysConfig{
			Telegram: TelegramConfig{
				Addressing: defaultAddressing("all_messages"),
			},
			Feishu: FeishuConfig{
				Addressing: defaultAddressing("mention_only"),
			},
		},
	}
}

func defaultAddressing(mode string) AddressingConfig {
	return AddressingConfig{
		Mode:                         mode,
		AllowReplyToBot:              true,
		ExecuteOnUnaddressed:         false,
		CommandPrefixes:              []string{"/ask", "/run", "/approve", "/reject"},
		SessionContinuationWindowSec: 300,
	}
}
