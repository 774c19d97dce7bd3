// Package task defines the external task runner boundary. The engine and
// gateway hand work to a Runner and never retry: implementations must be
// idempotent for the same (SessionID, Task) pair.
package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Request is one isolated execution request.
type Request struct {
	Task         string `json:"task"`
	DBPath       string `json:"db_path,omitempty"`
	RulesPath    string `json:"rules_path,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	SessionID    string `json:"session_id"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Result is the runner's outcome. Error carries the failure message when
// Status is not ok; RuntimeEvents and ToolResults are opaque to the core and
// persisted as metadata.
type Result struct {
	Status        string           `json:"status"`
	FinalResponse string           `json:"final_response"`
	Error         string           `json:"error,omitempty"`
	RuntimeEvents []map[string]any `json:"runtime_events,omitempty"`
	ToolResults   []map[string]any `json:"tool_results,omitempty"`
}

// Failed reports whether the result describes a failed execution.
func (r *Result) Failed() bool {
	return r.Error != "" || r.Status == "failed" || r.Status == "error"
}

// Runner executes one task in an isolated runtime session.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Unconfigured returns a Runner that fails every request with a clear
// message. Wired as the default so run_agent actions surface a useful error
// instead of a nil dereference.
func Unconfigured() Runner {
	return RunnerFunc(func(context.Context, Request) (*Result, error) {
		return nil, fmt.Errorf("no task runner configured")
	})
}

// CommandRunner shells out to an external executable per task. The request
// is written to the child's stdin as one JSON document; the child must print
// a Result JSON document to stdout and exit zero.
type CommandRunner struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommandRunner creates a CommandRunner. A non-positive timeout defaults
// to five minutes.
func NewCommandRunner(command string, args []string, timeout time.Duration, logger *slog.Logger) *CommandRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger.With("component", "task.CommandRunner"),
	}
}

// Run executes one task subprocess and decodes its stdout.
func (r *CommandRunner) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.logger.Debug("task subprocess finished",
		"session_id", req.SessionID,
		"duration", time.Since(start).Round(time.Millisecond),
		"error", runErr,
	)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("task timed out after %s", r.timeout)
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, fmt.Errorf("task runner failed: %s", msg)
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("task runner returned malformed output: %w", err)
	}
	return &result, nil
}
