// Package bus provides the in-process event bus connecting event producers
// to the rules engine. Delivery is synchronous: Emit returns only after the
// subscriber has finished, so callers observe every non-deferred side effect.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

// ErrAlreadySubscribed reports a second Subscribe call. The engine holds the
// only subscriber slot.
var ErrAlreadySubscribed = errors.New("event bus already has a subscriber")

// ErrNoSubscriber reports an Emit before any Subscribe.
var ErrNoSubscriber = errors.New("event bus has no subscriber")

// Handler consumes one published event and reports the per-rule outcomes.
type Handler func(ctx context.Context, evt *store.Event) ([]rules.ExecutionResult, error)

// Bus is a single-subscriber synchronous event bus.
type Bus struct {
	mu      sync.RWMutex
	handler Handler
	logger  *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "bus.Bus")}
}

// Subscribe registers the handler. Only one subscriber is allowed; a second
// registration returns ErrAlreadySubscribed.
func (b *Bus) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return ErrAlreadySubscribed
	}
	b.handler = h
	return nil
}

// Emit publishes the event to the subscriber and waits for it to finish.
func (b *Bus) Emit(ctx context.Context, evt *store.Event) ([]rules.ExecutionResult, error) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()

	if h == nil {
		return nil, fmt.Errorf("cannot emit %s: %w", evt.EventType, ErrNoSubscriber)
	}

	b.logger.Debug("publishing event", "event_type", evt.EventType, "source", evt.Source)
	return h(ctx, evt)
}
