package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")

	yamlContent := `
server:
  host: 127.0.0.1
  port: 8080
  log_level: debug
  api_token: sekrit
  cors: false

storage:
  path: ./test.db

rules:
  path: ./test-rules
  watch_interval_seconds: 5

triggers:
  heartbeat_interval_seconds: 30
  heartbeat_source: uptime
  cron_jobs:
    - name: nightly-report
      schedule: "@every:86400"
      event_type: report.nightly.due
      payload:
        scope: all

approvals:
  timeout_seconds: 3600
  sweep_interval_seconds: 30

task_runner:
  command: /usr/local/bin/agent
  args: ["--quiet"]
  timeout_seconds: 120
  model: small-fast

gateways:
  telegram:
    enabled: true
    bot_token: tg-token
    bot_id: "42"
    bot_username: semibot
    default_chat_id: "-100001"
    addressing:
      mode: mention_only
      allow_reply_to_bot: false
  feishu:
    enabled: true
    app_id: cli_x
    app_secret: fs-secret
    verification_token: vt_1
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	// Server
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want \"127.0.0.1\"", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if cfg.Server.APIToken != "sekrit" {
		t.Errorf("Server.APIToken = %q, want \"sekrit\"", cfg.Server.APIToken)
	}
	if cfg.Server.CORS {
		t.Error("Server.CORS = true, want false")
	}

	// Storage and rules
	if cfg.Storage.Path != "./test.db" {
		t.Errorf("Storage.Path = %q, want \"./test.db\"", cfg.Storage.Path)
	}
	if cfg.Rules.Path != "./test-rules" {
		t.Errorf("Rules.Path = %q, want \"./test-rules\"", cfg.Rules.Path)
	}
	if cfg.Rules.WatchIntervalSeconds != 5 {
		t.Errorf("Rules.WatchIntervalSeconds = %v, want 5", cfg.Rules.WatchIntervalSeconds)
	}

	// Triggers
	if cfg.Triggers.HeartbeatIntervalSeconds != 30 {
		t.Errorf("Triggers.HeartbeatIntervalSeconds = %v, want 30", cfg.Triggers.HeartbeatIntervalSeconds)
	}
	if cfg.Triggers.HeartbeatSource != "uptime" {
		t.Errorf("Triggers.HeartbeatSource = %q, want \"uptime\"", cfg.Triggers.HeartbeatSource)
	}
	if len(cfg.Triggers.CronJobs) != 1 {
		t.Fatalf("CronJobs length = %d, want 1", len(cfg.Triggers.CronJobs))
	}
	job := cfg.Triggers.CronJobs[0]
	if job.Name != "nightly-report" {
		t.Errorf("CronJobs[0].Name = %q, want \"nightly-report\"", job.Name)
	}
	if job.Schedule != "@every:86400" {
		t.Errorf("CronJobs[0].Schedule = %q, want \"@every:86400\"", job.Schedule)
	}
	if job.EventType != "report.nightly.due" {
		t.Errorf("CronJobs[0].EventType = %q, want \"report.nightly.due\"", job.EventType)
	}
	if job.Payload["scope"] != "all" {
		t.Errorf("CronJobs[0].Payload[scope] = %v, want \"all\"", job.Payload["scope"])
	}

	// Approvals and task runner
	if cfg.Approvals.TimeoutSeconds != 3600 {
		t.Errorf("Approvals.TimeoutSeconds = %v, want 3600", cfg.Approvals.TimeoutSeconds)
	}
	if cfg.Approvals.SweepIntervalSeconds != 30 {
		t.Errorf("Approvals.SweepIntervalSeconds = %v, want 30", cfg.Approvals.SweepIntervalSeconds)
	}
	if cfg.TaskRunner.Command != "/usr/local/bin/agent" {
		t.Errorf("TaskRunner.Command = %q, want \"/usr/local/bin/agent\"", cfg.TaskRunner.Command)
	}
	if len(cfg.TaskRunner.Args) != 1 || cfg.TaskRunner.Args[0] != "--quiet" {
		t.Errorf("TaskRunner.Args = %v, want [--quiet]", cfg.TaskRunner.Args)
	}
	if cfg.TaskRunner.TimeoutSeconds != 120 {
		t.Errorf("TaskRunner.TimeoutSeconds = %v, want 120", cfg.TaskRunner.TimeoutSeconds)
	}

	// Gateways
	tg := cfg.Gateways.Telegram
	if !tg.Enabled {
		t.Error("Telegram.Enabled = false, want true")
	}
	if tg.BotToken != "tg-token" {
		t.Errorf("Telegram.BotToken = %q, want \"tg-token\"", tg.BotToken)
	}
	if tg.DefaultChatID != "-100001" {
		t.Errorf("Telegram.DefaultChatID = %q, want \"-100001\"", tg.DefaultChatID)
	}
	if tg.Addressing.Mode != "mention_only" {
		t.Errorf("Telegram.Addressing.Mode = %q, want \"mention_only\"", tg.Addressing.Mode)
	}
	if tg.Addressing.AllowReplyToBot {
		t.Error("Telegram.Addressing.AllowReplyToBot = true, want false")
	}
	// Fields absent from the file keep their defaults.
	if len(tg.Addressing.CommandPrefixes) != 4 {
		t.Errorf("Telegram.Addressing.CommandPrefixes = %v, want 4 defaults", tg.Addressing.CommandPrefixes)
	}
	if tg.Addressing.SessionContinuationWindowSec != 300 {
		t.Errorf("Telegram.Addressing.SessionContinuationWindowSec = %v, want 300",
			tg.Addressing.SessionContinuationWindowSec)
	}

	fs := cfg.Gateways.Feishu
	if !fs.Enabled {
		t.Error("Feishu.Enabled = false, want true")
	}
	if fs.AppSecret != "fs-secret" {
		t.Errorf("Feishu.AppSecret = %q, want \"fs-secret\"", fs.AppSecret)
	}
	if fs.Addressing.Mode != "mention_only" {
		t.Errorf("Feishu.Addressing.Mode = %q, want default \"mention_only\"", fs.Addressing.Mode)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	// Verify defaults
	if cfg.Server.Port != 8787 {
		t.Errorf("default Server.Port = %d, want 8787", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("default Server.LogLevel = %q, want \"info\"", cfg.Server.LogLevel)
	}
	if cfg.Storage.Path != "./semibot.db" {
		t.Errorf("default Storage.Path = %q, want \"./semibot.db\"", cfg.Storage.Path)
	}
	if cfg.Rules.Path != "./rules" {
		t.Errorf("default Rules.Path = %q, want \"./rules\"", cfg.Rules.Path)
	}
	if cfg.Triggers.HeartbeatIntervalSeconds != 0 {
		t.Errorf("default heartbeat interval = %v, want 0 (disabled)",
			cfg.Triggers.HeartbeatIntervalSeconds)
	}
	if cfg.Approvals.TimeoutSeconds != 0 {
		t.Errorf("default Approvals.TimeoutSeconds = %v, want 0 (never)", cfg.Approvals.TimeoutSeconds)
	}
	if cfg.TaskRunner.TimeoutSeconds != 300 {
		t.Errorf("default TaskRunner.TimeoutSeconds = %v, want 300", cfg.TaskRunner.TimeoutSeconds)
	}
	if cfg.Gateways.Telegram.Addressing.Mode != "all_messages" {
		t.Errorf("default Telegram mode = %q, want \"all_messages\"",
			cfg.Gateways.Telegram.Addressing.Mode)
	}
	if cfg.Gateways.Feishu.Addressing.Mode != "mention_only" {
		t.Errorf("default Feishu mode = %q, want \"mention_only\"",
			cfg.Gateways.Feishu.Addressing.Mode)
	}
	if !cfg.Gateways.Telegram.Addressing.AllowReplyToBot {
		t.Error("default AllowReplyToBot = false, want true")
	}
	if cfg.Gateways.Telegram.Addressing.ExecuteOnUnaddressed {
		t.Error("default ExecuteOnUnaddressed = true, want false")
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")

	// Write initial config
	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	// Overwrite with new config
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	err := loader.Reload()
	if err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_SB_PORT", "9999")
	os.Setenv("TEST_SB_SECRET", "my-secret")
	defer os.Unsetenv("TEST_SB_PORT")
	defer os.Unsetenv("TEST_SB_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "port: ${TEST_SB_PORT}",
			want:  "port: 9999",
		},
		{
			name:  "multiple substitutions",
			input: "port: ${TEST_SB_PORT}\nsecret: ${TEST_SB_SECRET}",
			want:  "port: 9999\nsecret: my-secret",
		},
		{
			name:  "undefined variable",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ}",
			want:  "value: ",
		},
		{
			name:  "default value syntax",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}",
			want:  "value: default-val",
		},
		{
			name:  "default value not used when env var set",
			input: "port: ${TEST_SB_PORT:-1234}",
			want:  "port: 9999",
		},
		{
			name:  "no env vars",
			input: "port: 8080",
			want:  "port: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSubstituteEnvVars_InConfigLoad(t *testing.T) {
	os.Setenv("TEST_SB_CFG_TOKEN", "tok_777")
	defer os.Unsetenv("TEST_SB_CFG_TOKEN")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")

	yamlContent := `
server:
  api_token: ${TEST_SB_CFG_TOKEN}
  log_level: info
gateways:
  telegram:
    bot_token: ${TEST_SB_CFG_MISSING:-fallback-token}
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.APIToken != "tok_777" {
		t.Errorf("Server.APIToken with env var = %q, want \"tok_777\"", cfg.Server.APIToken)
	}
	if cfg.Gateways.Telegram.BotToken != "fallback-token" {
		t.Errorf("Telegram.BotToken = %q, want \"fallback-token\"", cfg.Gateways.Telegram.BotToken)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("SEMIBOT_DB_PATH", "/data/override.db")
	os.Setenv("SEMIBOT_HTTP_ADDR", "127.0.0.1:9090")
	os.Setenv("SEMIBOT_TELEGRAM_BOT_TOKEN", "env-bot-token")
	defer os.Unsetenv("SEMIBOT_DB_PATH")
	defer os.Unsetenv("SEMIBOT_HTTP_ADDR")
	defer os.Unsetenv("SEMIBOT_TELEGRAM_BOT_TOKEN")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")
	yamlContent := `
storage:
  path: ./file.db
server:
  port: 8080
gateways:
  telegram:
    bot_token: file-bot-token
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Storage.Path != "/data/override.db" {
		t.Errorf("Storage.Path = %q, want env override \"/data/override.db\"", cfg.Storage.Path)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Server addr = %s:%d, want 127.0.0.1:9090", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Gateways.Telegram.BotToken != "env-bot-token" {
		t.Errorf("Telegram.BotToken = %q, want env override \"env-bot-token\"",
			cfg.Gateways.Telegram.BotToken)
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	// Verify it's valid YAML by loading it
	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.Port != 8787 {
		t.Errorf("generated config port = %d, want 8787", cfg.Server.Port)
	}
	if len(cfg.Gateways.Telegram.Addressing.CommandPrefixes) != 4 {
		t.Errorf("generated command prefixes = %v, want 4 defaults",
			cfg.Gateways.Telegram.Addressing.CommandPrefixes)
	}
}

func TestLoader_WatchConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "semibot.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	changed := make(chan string, 4)
	if err := loader.WatchConfig(configPath, func(path string) {
		changed <- path
	}); err != nil {
		t.Fatalf("WatchConfig() error: %v", err)
	}
	defer loader.StopWatch()

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	select {
	case path := <-changed:
		if path != configPath {
			t.Errorf("onReload path = %q, want %q", path, configPath)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}

	// StopWatch is safe to call twice.
	loader.StopWatch()
	loader.StopWatch()
}
