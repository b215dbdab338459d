package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/gantry/internal/engine"
	"github.com/seantiz/gantry/internal/model"
)

// eventsPollInterval is how often an open event stream asks the engine for
// the run state, so streams progress without the background reconciler.
const eventsPollInterval = 5 * time.Second

// handleRunEvents streams run status changes as server-sent events. The
// first event is the current status; the stream ends with a done event once
// the run is terminal.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	wfID, runID := chi.URLParam(r, "id"), chi.URLParam(r, "runID")

	run, events, unsub, err := s.runs.Watch(r.Context(), p, wfID, runID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	last := run.Status
	if err := writeRunEvent(w, engine.RunEvent{RunID: run.ID, Status: run.Status, At: time.Now().UTC()}); err != nil {
		return
	}
	if model.RunTerminal(last) {
		_ = writeSSEEvent(w, "done", last)
		flush()
		return
	}
	flush()

	ticker := time.NewTicker(eventsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Run finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", last)
				flush()
				return
			}
			if ev.Status == last {
				continue
			}
			last = ev.Status
			if err := writeRunEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-ticker.C:
			// Changes found here normally arrive through the broker too; the
			// returned run covers ones recorded by another reconciler.
			cur, err := s.runs.ReconcileAndGet(r.Context(), p, wfID, runID)
			if err != nil {
				s.logger.Warn("poll run for events", "run_id", runID, "error", err)
				continue
			}
			if cur.Status != last {
				last = cur.Status
				if err := writeRunEvent(w, engine.RunEvent{RunID: cur.ID, Status: cur.Status, At: time.Now().UTC()}); err != nil {
					return
				}
				flush()
			}
			if model.RunTerminal(last) {
				_ = writeSSEEvent(w, "done", last)
				flush()
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeRunEvent(w http.ResponseWriter, ev engine.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
