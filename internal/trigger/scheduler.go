// Package trigger emits synthetic periodic events: a heartbeat and a narrow
// cron-style job set. Firing times follow the monotonic clock with the next
// target computed from the previous target, so long-running handlers do not
// accumulate drift. Missed targets are skipped, not replayed.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

// DefaultHeartbeatType is the event type emitted when none is configured.
const DefaultHeartbeatType = "health.heartbeat.tick"

// Job is one cron-style trigger definition.
type Job struct {
	Name      string         `json:"name" yaml:"name"`
	Schedule  string         `json:"schedule" yaml:"schedule"`
	EventType string         `json:"event_type" yaml:"event_type"`
	Source    string         `json:"source" yaml:"source"`
	Subject   string         `json:"subject" yaml:"subject"`
	Payload   map[string]any `json:"payload" yaml:"payload"`
}

// Emitter publishes a scheduler event into the engine.
type Emitter interface {
	Emit(ctx context.Context, evt *store.Event) ([]rules.ExecutionResult, error)
}

type jobSpec struct {
	name      string
	interval  time.Duration
	eventType string
	source    string
	subject   string
	payload   map[string]any
}

// Scheduler owns the trigger goroutines. Stop cancels all of them and waits
// until they settle.
type Scheduler struct {
	emitter Emitter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a Scheduler.
func New(emitter Emitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		emitter: emitter,
		logger:  logger.With("component", "trigger.Scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartHeartbeat begins a repeating heartbeat emission. Returns false and
// starts nothing when interval is not positive.
func (s *Scheduler) StartHeartbeat(interval time.Duration, eventType, source, subject string, payload map[string]any) bool {
	if interval <= 0 {
		return false
	}
	if eventType == "" {
		eventType = DefaultHeartbeatType
	}
	if source == "" {
		source = "trigger"
	}
	s.spawn(jobSpec{
		name:      "heartbeat",
		interval:  interval,
		eventType: eventType,
		source:    source,
		subject:   subject,
		payload:   payload,
	})
	return true
}

// StartCronJobs starts every job with a parseable schedule and returns how
// many were started. Malformed schedules are logged and skipped so a typo in
// one job never blocks the rest.
func (s *Scheduler) StartCronJobs(jobs []Job) int {
	started := 0
	for _, job := range jobs {
		interval, err := ParseSchedule(job.Schedule)
		if err != nil {
			s.logger.Warn("skipping cron job with invalid schedule",
				"job", job.Name,
				"schedule", job.Schedule,
				"error", err,
			)
			continue
		}

		spec := jobSpec{
			name:      job.Name,
			interval:  interval,
			eventType: job.EventType,
			source:    job.Source,
			subject:   job.Subject,
			payload:   job.Payload,
		}
		if spec.eventType == "" {
			spec.eventType = "cron." + job.Name
		}
		if spec.source == "" {
			spec.source = "trigger"
		}
		s.spawn(spec)
		started++
	}
	return started
}

// Stop cancels all trigger goroutines and waits for in-flight emissions to
// finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) spawn(spec jobSpec) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("scheduler already stopped; job not started", "job", spec.name)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("trigger started",
		"job", spec.name,
		"interval", spec.interval,
		"event_type", spec.eventType,
	)
	go s.run(spec)
}

func (s *Scheduler) run(spec jobSpec) {
	defer s.wg.Done()

	next := time.Now().Add(spec.interval)
	timer := time.NewTimer(spec.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.fire(spec)

			next = next.Add(spec.interval)
			if wait := time.Until(next); wait > 0 {
				timer.Reset(wait)
			} else {
				// Fell behind; jump to the next future target.
				missed := time.Since(next)/spec.interval + 1
				next = next.Add(time.Duration(missed) * spec.interval)
				timer.Reset(time.Until(next))
			}
		}
	}
}

// fire emits one tick. Errors are logged and swallowed; the next tick still
// happens.
func (s *Scheduler) fire(spec jobSpec) {
	payload := make(map[string]any, len(spec.payload)+1)
	for k, v := range spec.payload {
		payload[k] = v
	}
	payload["trigger"] = spec.name

	evt := &store.Event{
		EventType: spec.eventType,
		Source:    spec.source,
		Subject:   spec.subject,
		Payload:   payload,
	}
	if _, err := s.emitter.Emit(s.ctx, evt); err != nil {
		s.logger.Warn("trigger emission failed",
			"job", spec.name,
			"event_type", spec.eventType,
			"error", err,
		)
	}
}

// ParseSchedule understands two schedule forms: "@every:<seconds>" with a
// float seconds value, and the cron subset "*/N * * * *" meaning every N
// minutes.
func ParseSchedule(schedule string) (time.Duration, error) {
	sched := strings.TrimSpace(schedule)
	if sched == "" {
		return 0, fmt.Errorf("empty schedule")
	}

	if rest, ok := strings.CutPrefix(sched, "@every:"); ok {
		seconds, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid @every seconds %q: %w", rest, err)
		}
		if seconds <= 0 {
			return 0, fmt.Errorf("@every seconds must be positive, got %v", seconds)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}

	fields := strings.Fields(sched)
	if len(fields) == 5 {
		rest, ok := strings.CutPrefix(fields[0], "*/")
		if !ok {
			return 0, fmt.Errorf("unsupported cron expression %q", schedule)
		}
		for _, f := range fields[1:] {
			if f != "*" {
				return 0, fmt.Errorf("unsupported cron expression %q: only */N * * * * is recognized", schedule)
			}
		}
		minutes, err := strconv.Atoi(rest)
		if err != nil || minutes <= 0 {
			return 0, fmt.Errorf("invalid cron minute step %q", fields[0])
		}
		return time.Duration(minutes) * time.Minute, nil
	}

	return 0, fmt.Errorf("unrecognized schedule %q", schedule)
}
