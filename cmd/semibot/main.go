package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/semibot/semibot/internal/approval"
	"github.com/semibot/semibot/internal/bus"
	"github.com/semibot/semibot/internal/config"
	"github.com/semibot/semibot/internal/engine"
	"github.com/semibot/semibot/internal/gateway"
	"github.com/semibot/semibot/internal/router"
	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/server"
	"github.com/semibot/semibot/internal/store"
	"github.com/semibot/semibot/internal/task"
	"github.com/semibot/semibot/internal/trigger"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "semibot",
		Short: "Rule-driven event engine with chat gateways",
		Long: "Semibot — a persistent event engine that matches events against\n" +
			"declarative rules, gates risky actions behind human approvals, and\n" +
			"bridges Telegram and Feishu chats to an external task runner.",
	}

	var configFile string
	var addr string
	var apiToken string

	// ─── serve ───
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event engine and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: semibot.yaml)")

	// ─── init ───
	var initDir string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file and default rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(initDir)
		},
	}
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to initialize")

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show metrics and pending work of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(newAPIClient(addr, apiToken))
		},
	}

	// ─── rules ───
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Rule file management commands",
	}

	rulesListCmd := &cobra.Command{
		Use:   "list",
		Short: "List rules defined in the rule files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesList(configFile)
		},
	}

	rulesEnableCmd := &cobra.Command{
		Use:   "enable [rule-id]",
		Short: "Activate a rule in its defining file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuleSetActive(configFile, args[0], true)
		},
	}

	rulesDisableCmd := &cobra.Command{
		Use:   "disable [rule-id]",
		Short: "Deactivate a rule in its defining file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuleSetActive(configFile, args[0], false)
		},
	}

	for _, c := range []*cobra.Command{rulesListCmd, rulesEnableCmd, rulesDisableCmd} {
		c.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: semibot.yaml)")
	}
	rulesCmd.AddCommand(rulesListCmd, rulesEnableCmd, rulesDisableCmd)

	// ─── events ───
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Emit and replay events through a running instance",
	}

	var emitType, emitSource, emitSubject, emitPayload, emitKey string
	eventsEmitCmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit one event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsEmit(newAPIClient(addr, apiToken), emitType, emitSource, emitSubject, emitPayload, emitKey)
		},
	}
	eventsEmitCmd.Flags().StringVar(&emitType, "type", "", "Event type (required)")
	eventsEmitCmd.Flags().StringVar(&emitSource, "source", "cli", "Event source")
	eventsEmitCmd.Flags().StringVar(&emitSubject, "subject", "", "Event subject")
	eventsEmitCmd.Flags().StringVar(&emitPayload, "payload", "", "Payload as a JSON object")
	eventsEmitCmd.Flags().StringVar(&emitKey, "idempotency-key", "", "Idempotency key for exactly-once emission")
	_ = eventsEmitCmd.MarkFlagRequired("type")

	var bypassDedup bool
	eventsReplayCmd := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Re-run a stored event through the rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsReplay(newAPIClient(addr, apiToken), args[0], bypassDedup)
		},
	}
	eventsReplayCmd.Flags().BoolVar(&bypassDedup, "bypass-dedup", false, "Skip the prior-run guard")

	eventsCmd.AddCommand(eventsEmitCmd, eventsReplayCmd)

	// ─── approvals ───
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Approval queue commands",
	}

	var approvalStatus string
	approvalsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(newAPIClient(addr, apiToken), approvalStatus)
		},
	}
	approvalsListCmd.Flags().StringVar(&approvalStatus, "status", "pending", "Filter: pending, approved, or rejected")

	var decision string
	approvalsResolveCmd := &cobra.Command{
		Use:   "resolve [approval-id]",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsResolve(newAPIClient(addr, apiToken), args[0], decision)
		},
	}
	approvalsResolveCmd.Flags().StringVar(&decision, "decision", "", "approved or rejected (required)")
	_ = approvalsResolveCmd.MarkFlagRequired("decision")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsResolveCmd)

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("semibot %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// Remote commands share the instance address and bearer token flags.
	for _, c := range []*cobra.Command{statusCmd, eventsEmitCmd, eventsReplayCmd, approvalsListCmd, approvalsResolveCmd} {
		c.Flags().StringVar(&addr, "addr", "", "Base URL of the running instance (default: http://localhost:8787)")
		c.Flags().StringVar(&apiToken, "token", "", "Bearer token (default: $SEMIBOT_API_TOKEN)")
	}

	rootCmd.AddCommand(serveCmd, initCmd, statusCmd, rulesCmd, eventsCmd, approvalsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── serve ───

func runServe(configFile string) error {
	cfgLoader, configFile, err := newConfigLoader(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()

	// Setup logger
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	// Open storage
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Task runner shared by rule actions and gateway conversations.
	var runner task.Runner = task.Unconfigured()
	if cfg.TaskRunner.Command != "" {
		runner = task.NewCommandRunner(
			cfg.TaskRunner.Command,
			cfg.TaskRunner.Args,
			time.Duration(cfg.TaskRunner.TimeoutSeconds*float64(time.Second)),
			logger,
		)
	}

	// Core engine wiring: bus, approvals, budget, router, rule engine.
	b := bus.New(logger)
	approvals := approval.NewManager(st, b, logger)
	budget := rules.NewAttentionBudget(logger)
	eventRouter := router.New(runner, router.Paths{
		DBPath:    cfg.Storage.Path,
		RulesPath: cfg.Rules.Path,
	}, logger)
	ruleEngine := rules.NewEngine(st, budget, eventRouter, approvals, logger)

	ruleLoader, err := rules.NewLoader(logger)
	if err != nil {
		return fmt.Errorf("failed to create rule loader: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Store:     st,
		Bus:       b,
		Rules:     ruleEngine,
		Loader:    ruleLoader,
		Approvals: approvals,
		RulesPath: cfg.Rules.Path,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	if err := eng.EnsureDefaultRules(); err != nil {
		logger.Warn("failed to seed default rules", "error", err)
	}
	if err := eng.ReloadRules(); err != nil {
		logger.Warn("failed to load rules", "error", err)
	}

	// Gateway layer: conversation contexts and the provider manager. The
	// manager doubles as the router's notification sink.
	contexts := gateway.NewContextService(gateway.ContextServiceOptions{
		Store:        st,
		Runner:       runner,
		DBPath:       cfg.Storage.Path,
		RulesPath:    cfg.Rules.Path,
		Model:        cfg.TaskRunner.Model,
		SystemPrompt: cfg.TaskRunner.SystemPrompt,
		Logger:       logger,
	})
	defer contexts.Drain()

	gateways := gateway.NewManager(gateway.ManagerOptions{
		Configs:    st,
		Contexts:   contexts,
		Engine:     eng,
		FileConfig: cfg,
		Logger:     logger,
	})
	if err := gateways.SeedConfigs(); err != nil {
		logger.Warn("failed to seed gateway configs", "error", err)
	}
	eventRouter.SetSink(gateways)

	// Background work: triggers, rule watch, approval sweeper.
	if cfg.Triggers.HeartbeatIntervalSeconds > 0 {
		eng.StartHeartbeat(cfg.Triggers.HeartbeatIntervalSeconds, "health.heartbeat.tick",
			cfg.Triggers.HeartbeatSource, cfg.Triggers.HeartbeatSubject, cfg.Triggers.HeartbeatPayload)
	}
	if len(cfg.Triggers.CronJobs) > 0 {
		jobs := make([]trigger.Job, 0, len(cfg.Triggers.CronJobs))
		for _, j := range cfg.Triggers.CronJobs {
			jobs = append(jobs, trigger.Job{
				Name:      j.Name,
				Schedule:  j.Schedule,
				EventType: j.EventType,
				Source:    j.Source,
				Subject:   j.Subject,
				Payload:   j.Payload,
			})
		}
		if started := eng.StartCronJobs(jobs); started > 0 {
			logger.Info("cron jobs scheduled", "count", started)
		}
	}
	if cfg.Rules.WatchIntervalSeconds > 0 {
		eng.StartRuleWatch(time.Duration(cfg.Rules.WatchIntervalSeconds * float64(time.Second)))
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	if cfg.Approvals.TimeoutSeconds > 0 {
		go approvals.RunTimeoutSweeper(sweepCtx,
			time.Duration(cfg.Approvals.TimeoutSeconds*float64(time.Second)),
			time.Duration(cfg.Approvals.SweepIntervalSeconds*float64(time.Second)))
	}

	srv := server.New(server.Options{
		Config:   cfg.Server,
		Engine:   eng,
		Gateways: gateways,
		Store:    st,
		Logger:   logger,
	})

	// Print startup banner
	driver := "sqlite"
	if st.IsPostgres() {
		driver = "postgres"
	}
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║             semibot " + version + "                  ║")
	fmt.Println("  ║   Rule-driven events with human approvals ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/v1\n", cfg.Server.Port)
	fmt.Printf("  → Live:      http://localhost:%d/v1/dashboard/live\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Path, driver)
	fmt.Printf("  → Rules:     %s (%d loaded)\n", cfg.Rules.Path, len(eng.ListRules()))
	if cfg.Gateways.Telegram.Enabled {
		fmt.Printf("  → Telegram:  http://localhost:%d/v1/integrations/telegram/webhook\n", cfg.Server.Port)
	}
	if cfg.Gateways.Feishu.Enabled {
		fmt.Printf("  → Feishu:    http://localhost:%d/v1/integrations/feishu/events\n", cfg.Server.Port)
	}
	if cfg.TaskRunner.Command != "" {
		fmt.Printf("  → Runner:    %s\n", cfg.TaskRunner.Command)
	}
	if cfg.Server.APIToken != "" {
		fmt.Println("  → Auth:      bearer token required")
	}
	fmt.Println()

	// Hot-reload config file. Stored gateway rows still win; the reload
	// refreshes file defaults and seeds providers that have no row yet.
	if configFile != "" {
		if err := cfgLoader.WatchConfig(configFile, func(string) {
			if err := cfgLoader.Reload(); err != nil {
				logger.Error("config reload failed", "error", err)
				return
			}
			gateways.SetFileConfig(cfgLoader.Get())
			if err := gateways.SeedConfigs(); err != nil {
				logger.Error("gateway config re-seed failed", "error", err)
			}
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	err = srv.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	eng.Stop()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// ─── init ───

func runInit(dir string) error {
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	configPath := filepath.Join(dir, "semibot.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	rulesDir := filepath.Join(dir, "rules")
	loader, err := rules.NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	if err := loader.EnsureDefaultRules(rulesDir); err != nil {
		return err
	}
	fmt.Printf("  ✓ Seeded %s\n", filepath.Join(rulesDir, "default.json"))

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    semibot serve                          # Start the engine")
	fmt.Println("    semibot events emit --type demo.ping   # Emit a test event")
	fmt.Println("    semibot status                         # Check metrics")
	return nil
}

// ─── status ───

func runStatus(client *apiClient) error {
	var metrics map[string]any
	if err := client.get("/v1/metrics/events", &metrics); err != nil {
		fmt.Printf("semibot is not reachable at %s\n", client.base)
		return nil
	}

	var summary struct {
		RulesTotal       int              `json:"rules_total"`
		RulesActive      int              `json:"rules_active"`
		PendingApprovals []map[string]any `json:"pending_approvals"`
		RecentEvents     []map[string]any `json:"recent_events"`
	}
	if err := client.get("/v1/dashboard/summary", &summary); err != nil {
		return err
	}

	fmt.Println("Semibot Status")
	fmt.Println("──────────────")
	for _, k := range []string{
		"events_total", "rule_runs_total", "rule_runs_completed",
		"rule_runs_skipped", "rule_runs_failed", "approvals_total",
		"approvals_pending", "conversations_total", "task_runs_total",
	} {
		if v, ok := metrics[k]; ok {
			fmt.Printf("  %-22s %v\n", k+":", v)
		}
	}
	fmt.Printf("  %-22s %d active / %d total\n", "rules:", summary.RulesActive, summary.RulesTotal)

	if len(summary.PendingApprovals) > 0 {
		fmt.Println()
		fmt.Println("Pending approvals:")
		for _, a := range summary.PendingApprovals {
			fmt.Printf("  %v  rule=%v risk=%v\n", a["approval_id"], a["rule_id"], a["risk_level"])
		}
	}
	if len(summary.RecentEvents) > 0 {
		fmt.Println()
		fmt.Println("Recent events:")
		for _, e := range summary.RecentEvents {
			fmt.Printf("  %-28v %v\n", truncate(str(e["event_type"]), 28), e["event_id"])
		}
	}
	return nil
}

// ─── rules ───

func runRulesList(configFile string) error {
	cfgLoader, _, err := newConfigLoader(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()

	loader, err := rules.NewLoader(warnLogger())
	if err != nil {
		return err
	}
	rs, err := loader.LoadRules(cfg.Rules.Path)
	if err != nil {
		return fmt.Errorf("failed to load rules from %s: %w", cfg.Rules.Path, err)
	}
	if len(rs) == 0 {
		fmt.Printf("No rules found in %s\n", cfg.Rules.Path)
		return nil
	}

	fmt.Printf("%-24s %-28s %-8s %-10s %s\n", "ID", "NAME", "ACTIVE", "MODE", "EVENT TYPE")
	fmt.Println(strings.Repeat("─", 90))
	for _, r := range rs {
		fmt.Printf("%-24s %-28s %-8v %-10s %s\n",
			truncate(r.ID, 24), truncate(r.Name, 28), r.IsActive, r.ActionMode, r.EventType)
	}
	return nil
}

func runRuleSetActive(configFile, ruleID string, active bool) error {
	cfgLoader, _, err := newConfigLoader(configFile)
	if err != nil {
		return err
	}
	cfg := cfgLoader.Get()

	loader, err := rules.NewLoader(warnLogger())
	if err != nil {
		return err
	}
	if err := loader.SetRuleActive(cfg.Rules.Path, ruleID, active); err != nil {
		return err
	}
	if active {
		fmt.Printf("✓ Rule %s enabled\n", ruleID)
	} else {
		fmt.Printf("✓ Rule %s disabled\n", ruleID)
	}
	return nil
}

// ─── events ───

func runEventsEmit(client *apiClient, eventType, source, subject, payloadJSON, idempotencyKey string) error {
	payload := map[string]any{}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("--payload must be a JSON object: %w", err)
		}
	}

	body := map[string]any{
		"event_type": eventType,
		"source":     source,
		"subject":    subject,
		"payload":    payload,
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}

	var out struct {
		EventID      string `json:"event_id"`
		MatchedRules int    `json:"matched_rules"`
	}
	if err := client.post("/v1/events", body, &out); err != nil {
		return err
	}
	fmt.Printf("✓ Event %s emitted (%d rules matched)\n", out.EventID, out.MatchedRules)
	return nil
}

func runEventsReplay(client *apiClient, eventID string, bypassDedup bool) error {
	var out struct {
		EventID      string           `json:"event_id"`
		MatchedRules int              `json:"matched_rules"`
		Results      []map[string]any `json:"results"`
	}
	body := map[string]any{"bypass_dedup": bypassDedup}
	if err := client.post("/v1/events/"+url.PathEscape(eventID)+"/replay", body, &out); err != nil {
		return err
	}

	fmt.Printf("✓ Event %s replayed (%d rules matched)\n", out.EventID, out.MatchedRules)
	for _, r := range out.Results {
		line := fmt.Sprintf("  %v → %v", r["rule_id"], r["status"])
		if reason := str(r["reason"]); reason != "" {
			line += " (" + reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

// ─── approvals ───

func runApprovalsList(client *apiClient, status string) error {
	path := "/v1/approvals"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	var out struct {
		Approvals []map[string]any `json:"approvals"`
	}
	if err := client.get(path, &out); err != nil {
		return err
	}
	if len(out.Approvals) == 0 {
		fmt.Println("No approvals found.")
		return nil
	}

	fmt.Printf("%-14s %-24s %-10s %-10s %s\n", "ID", "RULE", "RISK", "STATUS", "CREATED")
	fmt.Println(strings.Repeat("─", 85))
	for _, a := range out.Approvals {
		fmt.Printf("%-14v %-24v %-10v %-10v %v\n",
			a["approval_id"], truncate(str(a["rule_id"]), 24), a["risk_level"], a["status"], a["created_at"])
	}
	return nil
}

func runApprovalsResolve(client *apiClient, approvalID, decision string) error {
	var out struct {
		ApprovalID string `json:"approval_id"`
		Status     string `json:"status"`
		Resolved   bool   `json:"resolved"`
	}
	body := map[string]any{"decision": decision}
	if err := client.post("/v1/approvals/"+url.PathEscape(approvalID)+"/resolve", body, &out); err != nil {
		return err
	}
	fmt.Printf("✓ Approval %s %s\n", out.ApprovalID, out.Status)
	return nil
}

// ─── shared helpers ───

// apiClient is a minimal client for the management API of a running
// instance. Remote subcommands stay thin: they render what the server says.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(addr, token string) *apiClient {
	if addr == "" {
		if v := os.Getenv("SEMIBOT_HTTP_ADDR"); v != "" {
			addr = "http://" + v
		} else {
			addr = "http://localhost:8787"
		}
	}
	if token == "" {
		token = os.Getenv("SEMIBOT_API_TOKEN")
	}
	return &apiClient{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to semibot at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// newConfigLoader loads the given config file, or the first one found in the
// default locations. No file at all still yields a default configuration.
func newConfigLoader(configFile string) (*config.Loader, string, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader, configFile, nil
}

func findConfigFile() string {
	candidates := []string{
		"semibot.yaml",
		"semibot.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "semibot", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func warnLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
