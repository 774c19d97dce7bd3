package engine

import (
	"context"
	"fmt"
	"os"
	"time"
)

// ReloadRules loads the rule files from disk and swaps them into the rule
// engine, refreshing the mtime snapshot used by change detection.
func (e *EventEngine) ReloadRules() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadLocked()
}

// ReloadRulesIfChanged reloads only when a rule file was added, removed, or
// rewritten since the last load. Returns whether a reload happened.
func (e *EventEngine) ReloadRulesIfChanged() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.rulesChangedLocked() {
		return false, nil
	}
	if err := e.reloadLocked(); err != nil {
		return true, err
	}
	return true, nil
}

func (e *EventEngine) reloadLocked() error {
	loaded, err := e.loader.LoadRules(e.rulesPath)
	if err != nil {
		return fmt.Errorf("failed to load rules from %s: %w", e.rulesPath, err)
	}
	e.rules.SetRules(loaded)
	e.fileMtimes = e.snapshotMtimes()
	return nil
}

func (e *EventEngine) rulesChangedLocked() bool {
	current := e.snapshotMtimes()
	if len(current) != len(e.fileMtimes) {
		return true
	}
	for path, mtime := range current {
		prev, ok := e.fileMtimes[path]
		if !ok || !mtime.Equal(prev) {
			return true
		}
	}
	return false
}

func (e *EventEngine) snapshotMtimes() map[string]time.Time {
	files, err := e.loader.ListRuleFiles(e.rulesPath)
	if err != nil {
		e.logger.Warn("failed to list rule files", "path", e.rulesPath, "error", err)
		return map[string]time.Time{}
	}

	snapshot := make(map[string]time.Time, len(files))
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		snapshot[file] = info.ModTime()
	}
	return snapshot
}

// StartRuleWatch polls rule file mtimes and reloads on change. Returns false
// when the interval is not positive or a watch is already running.
func (e *EventEngine) StartRuleWatch(pollInterval time.Duration) bool {
	if pollInterval <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchCancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.watchCancel = cancel
	e.watchWG.Add(1)
	go e.watchLoop(ctx, pollInterval)

	e.logger.Info("rule watch started", "path", e.rulesPath, "poll_interval", pollInterval)
	return true
}

func (e *EventEngine) watchLoop(ctx context.Context, interval time.Duration) {
	defer e.watchWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := e.ReloadRulesIfChanged()
			if err != nil {
				e.logger.Warn("rule reload failed", "error", err)
				continue
			}
			if changed {
				e.logger.Info("rule files changed, rules reloaded", "path", e.rulesPath)
			}
		}
	}
}

// StopRuleWatch stops the polling goroutine, if running.
func (e *EventEngine) StopRuleWatch() {
	e.mu.Lock()
	cancel := e.watchCancel
	e.watchCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		e.watchWG.Wait()
	}
}
