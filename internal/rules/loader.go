package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultRulesFile = "default.json"

// defaultRulesJSON seeds a fresh rules directory. The heartbeat rule gives
// a new install visible rule activity without side effects; the approval
// rule pings the notification sink whenever a rule defers for approval.
const defaultRulesJSON = `[
  {
    "id": "rule_default_heartbeat",
    "name": "heartbeat-log",
    "event_type": "health.heartbeat.tick",
    "action_mode": "auto",
    "actions": [
      {
        "action_type": "log_only",
        "params": {}
      }
    ],
    "risk_level": "low",
    "priority": 0,
    "is_active": true
  },
  {
    "id": "rule_default_approval_notify",
    "name": "approval-notify",
    "event_type": "approval.requested",
    "action_mode": "auto",
    "actions": [
      {
        "action_type": "notify",
        "params": {}
      }
    ],
    "risk_level": "low",
    "priority": 10,
    "is_active": true
  }
]
`

// Loader reads rule files from disk and compiles them into evaluation-ready
// EventRule values. A load never fails because of one bad file or rule;
// malformed entries are logged and skipped.
type Loader struct {
	cel    *CELCompiler
	logger *slog.Logger
}

// NewLoader creates a rule Loader.
func NewLoader(logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc, err := NewCELCompiler()
	if err != nil {
		return nil, err
	}
	return &Loader{
		cel:    cc,
		logger: logger.With("component", "rules.Loader"),
	}, nil
}

// LoadRules reads every rule file under path (or path itself when it is a
// file), merges rules by name with later files overriding earlier ones, and
// returns them sorted by priority descending. A missing path yields zero
// rules, not an error.
func (l *Loader) LoadRules(path string) ([]*EventRule, error) {
	files, err := l.ListRuleFiles(path)
	if err != nil {
		return nil, err
	}

	var ordered []*EventRule
	index := map[string]int{}

	for _, file := range files {
		fileRules, err := l.loadFile(file)
		if err != nil {
			l.logger.Warn("skipping unreadable rule file", "file", file, "error", err)
			continue
		}
		for _, r := range fileRules {
			if i, seen := index[r.Key()]; seen {
				ordered[i] = r
				continue
			}
			index[r.Key()] = len(ordered)
			ordered = append(ordered, r)
		}
	}

	rules := make([]*EventRule, 0, len(ordered))
	for _, r := range ordered {
		if r.CELCondition != "" {
			prg, err := l.cel.Compile(r.CELCondition)
			if err != nil {
				l.logger.Error("skipping rule with invalid CEL condition",
					"rule_id", r.ID,
					"rule_name", r.Name,
					"error", err,
				)
				continue
			}
			r.celProgram = prg
		}
		rules = append(rules, r)
	}

	SortRules(rules)

	l.logger.Info("rules loaded",
		"path", path,
		"files", len(files),
		"rules", len(rules),
	)
	return rules, nil
}

// ListRuleFiles returns the rule files considered for path, in load order:
// default.json first, then the remaining *.json sorted by name. A file path
// is returned as-is; a missing path yields an empty list.
func (l *Loader) ListRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var names []string
	hasDefault := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if e.Name() == defaultRulesFile {
			hasDefault = true
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]string, 0, len(names)+1)
	if hasDefault {
		files = append(files, filepath.Join(path, defaultRulesFile))
	}
	for _, n := range names {
		files = append(files, filepath.Join(path, n))
	}
	return files, nil
}

// loadFile parses one rule file, accepting an array of rule objects, a
// single rule object, or a {"rules": [...]} wrapper document.
func (l *Loader) loadFile(file string) ([]*EventRule, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var rules []*EventRule
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("malformed rule array: %w", err)
		}
	} else {
		var doc struct {
			Rules []*EventRule `json:"rules"`
		}
		if err := json.Unmarshal(data, &doc); err == nil && doc.Rules != nil {
			rules = doc.Rules
		} else {
			var r EventRule
			if err := json.Unmarshal(data, &r); err != nil {
				return nil, fmt.Errorf("malformed rule object: %w", err)
			}
			rules = []*EventRule{&r}
		}
	}

	if len(rules) == 0 {
		return nil, nil
	}

	valid := rules[:0]
	for _, r := range rules {
		if r.ID == "" && r.Name == "" {
			l.logger.Warn("skipping rule without id or name", "file", file)
			continue
		}
		valid = append(valid, r)
	}
	return valid, nil
}

// EnsureDefaultRules writes the seed default.json when the rules path has
// no such file yet. Path may be a directory (created if needed) or a .json
// file path.
func (l *Loader) EnsureDefaultRules(path string) error {
	target := path
	if !strings.HasSuffix(path, ".json") {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create rules directory: %w", err)
		}
		target = filepath.Join(path, defaultRulesFile)
	}

	if _, err := os.Stat(target); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", target, err)
	}

	if err := os.WriteFile(target, []byte(defaultRulesJSON), 0o644); err != nil {
		return fmt.Errorf("failed to write default rules: %w", err)
	}
	l.logger.Info("seeded default rules", "file", target)
	return nil
}

// SetRuleActive flips is_active on the rule with the given id, rewriting
// the file that defines it. Files are handled as generic JSON so fields the
// loader does not model survive the rewrite.
func (l *Loader) SetRuleActive(path, ruleID string, active bool) error {
	files, err := l.ListRuleFiles(path)
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			l.logger.Warn("skipping unreadable rule file", "file", file, "error", err)
			continue
		}

		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}

		changed := false
		switch v := doc.(type) {
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok && m["id"] == ruleID {
					m["is_active"] = active
					changed = true
				}
			}
		case map[string]any:
			if v["id"] == ruleID {
				v["is_active"] = active
				changed = true
			}
			if arr, ok := v["rules"].([]any); ok {
				for _, item := range arr {
					if m, ok := item.(map[string]any); ok && m["id"] == ruleID {
						m["is_active"] = active
						changed = true
					}
				}
			}
		}
		if !changed {
			continue
		}

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", file, err)
		}
		if err := os.WriteFile(file, append(out, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to rewrite %s: %w", file, err)
		}
		l.logger.Info("rule activation changed", "rule_id", ruleID, "active", active, "file", file)
		return nil
	}

	return fmt.Errorf("rule %s: %w", ruleID, ErrRuleNotFound)
}

// ErrRuleNotFound reports that SetRuleActive found no rule with the
// requested id in any rule file.
var ErrRuleNotFound = errors.New("rule not found")
