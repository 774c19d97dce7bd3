package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads and hot-reloads the YAML config file. It starts from
// DefaultConfig, so a loader that never calls Load still returns a usable
// configuration.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
	logger   *slog.Logger

	// watcher state
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader returns a loader holding the default configuration with
// SEMIBOT_* environment overrides already applied.
func NewLoader() *Loader {
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	return &Loader{
		cfg:    cfg,
		logger: slog.Default().With("component", "config.Loader"),
	}
}

// Load reads the config file at path, substitutes ${VAR} references in the
// raw YAML, unmarshals over a fresh default config and applies environment
// overrides on top.
func (l *Loader) Load(path string) error {
	cfg, err := parseFile(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last Load call.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded, call Load first")
	}
	return l.Load(path)
}

// Get returns the current configuration. The returned pointer is shared;
// callers must not mutate it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded config file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	text := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} and ${VAR:-default} references in the raw
// YAML text. Unset variables without a default expand to the empty string.
func substituteEnvVars(text string) string {
	return envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

// applyEnvOverrides lets a handful of SEMIBOT_* variables override the file,
// so containers can configure core paths and secrets without editing YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEMIBOT_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SEMIBOT_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("SEMIBOT_HTTP_ADDR"); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			if host != "" {
				cfg.Server.Host = host
			}
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = p
			}
		}
	}
	if v := os.Getenv("SEMIBOT_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("SEMIBOT_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("SEMIBOT_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Gateways.Telegram.BotToken = v
	}
	if v := os.Getenv("SEMIBOT_TELEGRAM_WEBHOOK_SECRET"); v != "" {
		cfg.Gateways.Telegram.WebhookSecret = v
	}
	if v := os.Getenv("SEMIBOT_FEISHU_APP_ID"); v != "" {
		cfg.Gateways.Feishu.AppID = v
	}
	if v := os.Getenv("SEMIBOT_FEISHU_APP_SECRET"); v != "" {
		cfg.Gateways.Feishu.AppSecret = v
	}
	if v := os.Getenv("SEMIBOT_FEISHU_VERIFICATION_TOKEN"); v != "" {
		cfg.Gateways.Feishu.VerificationToken = v
	}
}

// GenerateDefault writes a default config file to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := "# semibot configuration.\n" +
		"# Values may reference environment variables as ${VAR} or ${VAR:-default}.\n\n"

	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// WatchConfig starts an fsnotify watcher on the given config file path.
// When the file is written or recreated, onReload is called with the
// absolute path of the changed file. Call StopWatch to clean up.
func (l *Loader) WatchConfig(configPath string, onReload func(path string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(absPath, onReload)

	l.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, onReload func(string)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("config file changed, triggering reload", "path", targetPath)
				onReload(targetPath)
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the config file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		// Wait for the goroutine to exit.
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
