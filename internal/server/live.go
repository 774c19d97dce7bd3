package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/semibot/semibot/internal/store"
)

// Live stream modes. snapshot_delta sends one snapshot tick and then
// switches to deltas.
const (
	liveSnapshot      = "snapshot"
	liveDelta         = "delta"
	liveSnapshotDelta = "snapshot_delta"
)

const liveSnapshotEvents = 50

// liveChannels selects which sections each tick carries.
type liveChannels struct {
	metrics   bool
	approvals bool
	events    bool
}

func parseLiveChannels(raw string) (liveChannels, error) {
	if raw == "" {
		return liveChannels{metrics: true, approvals: true, events: true}, nil
	}
	var ch liveChannels
	for _, name := range strings.Split(raw, ",") {
		switch strings.TrimSpace(name) {
		case "metrics":
			ch.metrics = true
		case "approvals":
			ch.approvals = true
		case "events":
			ch.events = true
		case "":
		default:
			return ch, fmt.Errorf("unknown channel %q", name)
		}
	}
	return ch, nil
}

// handleLive streams dashboard ticks as server-sent events. Each tick is a
// JSON object whose stream_mode key says whether it is a full snapshot or a
// delta since the previous tick's cursor.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode := q.Get("mode")
	if mode == "" {
		mode = liveSnapshot
	}
	switch mode {
	case liveSnapshot, liveDelta, liveSnapshotDelta:
	default:
		writeError(w, http.StatusBadRequest, codeValidation, "mode must be snapshot, delta, or snapshot_delta")
		return
	}

	channels, err := parseLiveChannels(q.Get("channels"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	cursor, err := decodeCursor(q.Get("resume_from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "resume_from is not a valid cursor")
		return
	}

	interval := time.Duration(queryFloat(r, "interval", 2) * float64(time.Second))
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	maxTicks := queryInt(r, "max_ticks", 0)
	eventType := q.Get("event_type")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}

	// Delta streams without an explicit resume point start at the newest
	// stored event so the first tick only carries what arrives after connect.
	if cursor == nil && mode == liveDelta {
		cursor = s.newestEventCursor(eventType)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		tickMode := mode
		if mode == liveSnapshotDelta {
			if tick == 1 {
				tickMode = liveSnapshot
			} else {
				tickMode = liveDelta
			}
		}

		payload, next, err := s.buildLiveTick(tickMode, tick, channels, eventType, cursor)
		if err != nil {
			s.logger.Error("live tick failed", "tick", tick, "error", err)
			_ = writeSSE(w, "error", fmt.Sprintf(`{"message":%q}`, err.Error()))
			flusher.Flush()
			return
		}
		cursor = next

		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("live tick marshal failed", "error", err)
			return
		}
		if err := writeSSE(w, "tick", string(data)); err != nil {
			return
		}
		flusher.Flush()

		if maxTicks > 0 && tick >= maxTicks {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// buildLiveTick assembles one tick payload and the cursor the next delta
// should continue from.
func (s *Server) buildLiveTick(mode string, tick int, ch liveChannels, eventType string, cursor *store.EventCursor) (map[string]any, *store.EventCursor, error) {
	payload := map[string]any{
		"stream_mode": mode,
		"tick":        tick,
		"at":          time.Now().UTC(),
	}

	if ch.metrics {
		metrics, err := s.engine.Metrics(nil)
		if err != nil {
			return nil, cursor, fmt.Errorf("metrics: %w", err)
		}
		payload["metrics"] = metrics
	}
	if ch.approvals {
		pending, err := s.engine.ListPendingApprovals()
		if err != nil {
			return nil, cursor, fmt.Errorf("approvals: %w", err)
		}
		payload["approvals"] = pending
	}
	if ch.events {
		var events []*store.Event
		var err error
		switch mode {
		case liveSnapshot:
			events, err = s.engine.ListEvents(store.EventFilter{EventType: eventType, Limit: liveSnapshotEvents})
			if err == nil && len(events) > 0 {
				cursor = &store.EventCursor{CreatedAt: events[0].CreatedAt, EventID: events[0].EventID}
			}
		case liveDelta:
			events, err = s.engine.ListEventsSince(cursor, store.EventFilter{EventType: eventType})
			if err == nil && len(events) > 0 {
				last := events[len(events)-1]
				cursor = &store.EventCursor{CreatedAt: last.CreatedAt, EventID: last.EventID}
			}
		}
		if err != nil {
			return nil, cursor, fmt.Errorf("events: %w", err)
		}
		if events == nil {
			events = []*store.Event{}
		}
		payload["events"] = events
		payload["next_cursor"] = encodeCursor(cursor)
	}

	return payload, cursor, nil
}

// newestEventCursor positions a fresh delta stream after the latest stored
// event, or at the epoch when the store is empty.
func (s *Server) newestEventCursor(eventType string) *store.EventCursor {
	events, err := s.engine.ListEvents(store.EventFilter{EventType: eventType, Limit: 1})
	if err != nil || len(events) == 0 {
		return nil
	}
	return &store.EventCursor{CreatedAt: events[0].CreatedAt, EventID: events[0].EventID}
}

func writeSSE(w http.ResponseWriter, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
