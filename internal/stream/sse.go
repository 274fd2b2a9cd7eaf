package stream

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
)

// TransportConfig configures the SSE and WebSocket transports.
type TransportConfig struct {
	RetryDelay    time.Duration
	SinkBuffer    int
	AllowedOrigin string
	IsDev         bool
	WriteTimeout  time.Duration
}

// Transport serves hub subscriptions over SSE and WebSocket. Callers
// authorize the request before handing it over.
type Transport struct {
	hub    *Hub
	cfg    TransportConfig
	logger *slog.Logger
}

// NewTransport creates a Transport for hub.
func NewTransport(hub *Hub, cfg TransportConfig, logger *slog.Logger) *Transport {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{hub: hub, cfg: cfg, logger: logger}
}

// ParseSubscribeOptions reads Last-Event-ID (header or lastEventId query)
// and ?reconnect=1 from a request.
func ParseSubscribeOptions(r *http.Request) SubscribeOptions {
	var opts SubscribeOptions
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil && parsed > 0 {
			opts.AfterID = parsed
			opts.Reconnect = true
		}
	}
	switch r.URL.Query().Get("reconnect") {
	case "1", "true":
		opts.Reconnect = true
	}
	return opts
}

// FinalProgress builds the closing progress snapshot of a finished task from
// its stored record. It returns nil while the task is still active.
func FinalProgress(task *domain.Task) *domain.Progress {
	if task == nil || !task.Status.IsTerminal() {
		return nil
	}
	p := &domain.Progress{
		TaskID:          task.ID,
		Status:          task.Status,
		StepNumber:      len(task.Actions),
		StepBudget:      len(task.Actions),
		ProgressPercent: 100,
		StartedAt:       task.StartedAt,
		ElapsedSeconds:  task.Duration().Seconds(),
	}
	if task.EndedAt != nil {
		p.UpdatedAt = *task.EndedAt
	}
	return p
}

func taskSubscribeOptions(r *http.Request, task *domain.Task) SubscribeOptions {
	opts := ParseSubscribeOptions(r)
	opts.Final = FinalProgress(task)
	return opts
}

// drainBuffered writes the frames already queued on sink without waiting for
// more.
func drainBuffered(sink *ChanSink, write func(Frame) error) error {
	for {
		select {
		case f := <-sink.Frames():
			if err := write(f); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// ServeSSE streams a task's frames as server-sent events until the client
// disconnects, the sink is dropped, or a terminal event has been written.
// A task that already finished gets its replay and final progress, then the
// response ends.
func (t *Transport) ServeSSE(w http.ResponseWriter, r *http.Request, task *domain.Task) {
	taskID := task.ID
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	opts := taskSubscribeOptions(r, task)
	if opts.AfterID > 0 {
		t.logger.Info("SSE client reconnecting with Last-Event-ID", "task_id", taskID, "last_event_id", opts.AfterID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", t.cfg.RetryDelay.Milliseconds())); err != nil {
		t.logger.Warn("Failed to write SSE retry header", "error", err, "task_id", taskID)
		return
	}
	flusher.Flush()

	sink := NewChanSink(t.cfg.SinkBuffer)
	defer sink.Close()
	sub, err := t.hub.Subscribe(taskID, opts, sink)
	if err != nil {
		t.logger.Warn("SSE subscribe failed", "error", err, "task_id", taskID)
		return
	}
	defer sub.Unsubscribe()

	if sub.Ended() {
		if err := drainBuffered(sink, func(f Frame) error { return writeFrameSSE(w, f) }); err != nil {
			t.logger.Debug("SSE write failed", "error", err, "task_id", taskID)
		}
		flusher.Flush()
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			t.logger.Debug("SSE subscriber dropped", "task_id", taskID)
			return
		case f := <-sink.Frames():
			if err := writeFrameSSE(w, f); err != nil {
				t.logger.Debug("SSE write failed", "error", err, "task_id", taskID)
				return
			}
			flusher.Flush()
			if f.Type == FrameEvent && f.Event != nil && isTerminal(f.Event.Type) {
				return
			}
		}
	}
}

func writeFrameSSE(w io.Writer, f Frame) error {
	data, err := f.Payload()
	if err != nil {
		return err
	}
	if f.Type == FrameEvent && f.Event != nil {
		return writeSSEWithID(w, f.Event.ID, f.Event.Type, string(data))
	}
	return writeSSE(w, f.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
