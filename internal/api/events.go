package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-harvester/internal/metrics"
	"github.com/JakeFAU/grant-harvester/internal/progress"
)

const streamBuffer = 64

// streamEvents relays a job's bus events as server-sent events. The stream
// opens with a snapshot of the job, sends a comment heartbeat while idle and
// ends after a terminal event or when the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the job so no transition slips between the two.
	events := make(chan progress.Event, streamBuffer)
	terminal := make(chan progress.Event, 1)
	var dropped atomic.Int64
	unsubscribe := s.jobs.SubscribeToJobUpdates(jobID, func(evt progress.Event) {
		if evt.Terminal() {
			select {
			case terminal <- evt:
			default:
			}
			return
		}
		select {
		case events <- evt:
		default:
			dropped.Add(1)
		}
	})
	defer unsubscribe()

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	if err := writeSSE(w, "snapshot", job); err != nil {
		return
	}
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-events:
			if err := writeSSE(w, string(evt.Kind), evt); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-terminal:
			for drained := false; !drained; {
				select {
				case pending := <-events:
					_ = writeSSE(w, string(pending.Kind), pending)
				default:
					drained = true
				}
			}
			_ = writeSSE(w, string(evt.Kind), evt)
			flusher.Flush()
			if n := dropped.Load(); n > 0 {
				s.logger.Warn("event stream dropped events",
					zap.String("job_id", jobID),
					zap.Int64("dropped", n),
				)
			}
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
