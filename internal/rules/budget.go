package rules

import (
	"log/slog"
	"sync"
	"time"
)

// AttentionBudget is an in-memory per-scope daily rate limiter. Counters
// key on a scope string (rule id plus subject) and reset when the UTC day
// changes. Budgets are not persisted; they reset on restart.
type AttentionBudget struct {
	mu       sync.Mutex
	counters map[string]*budgetCounter
	now      func() time.Time
	logger   *slog.Logger
}

type budgetCounter struct {
	day   string
	count int
}

// NewAttentionBudget creates an AttentionBudget.
func NewAttentionBudget(logger *slog.Logger) *AttentionBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttentionBudget{
		counters: make(map[string]*budgetCounter),
		now:      time.Now,
		logger:   logger.With("component", "rules.AttentionBudget"),
	}
}

// Allow checks and consumes one unit of the scope's daily budget. A
// non-positive dailyMax means unlimited.
func (b *AttentionBudget) Allow(scopeKey string, dailyMax int) bool {
	if dailyMax <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.now().UTC().Format("2006-01-02")
	c := b.counters[scopeKey]
	if c == nil || c.day != day {
		c = &budgetCounter{day: day}
		b.counters[scopeKey] = c
	}

	if c.count >= dailyMax {
		b.logger.Warn("attention budget exceeded",
			"scope", scopeKey,
			"daily_max", dailyMax,
		)
		return false
	}
	c.count++
	return true
}
