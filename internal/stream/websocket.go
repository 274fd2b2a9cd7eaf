package stream

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashureev/firmdesk/internal/domain"
)

type wsMessage struct {
	Type string `json:"type"`
}

// ServeWebSocket streams a task's frames as JSON WebSocket messages. Clients
// may send {"type":"ping"} and receive {"type":"pong"}. The connection is
// closed after the replay when the task already finished.
func (t *Transport) ServeWebSocket(w http.ResponseWriter, r *http.Request, task *domain.Task) {
	taskID := task.ID
	if !t.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		t.logger.Error("Failed to accept WebSocket", "error", err, "task_id", taskID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			t.logger.Debug("Failed to close websocket", "error", closeErr, "task_id", taskID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := NewChanSink(t.cfg.SinkBuffer)
	defer sink.Close()
	sub, err := t.hub.Subscribe(taskID, taskSubscribeOptions(r, task), sink)
	if err != nil {
		t.logger.Warn("WebSocket subscribe failed", "error", err, "task_id", taskID)
		return
	}
	defer sub.Unsubscribe()

	if sub.Ended() {
		if err := drainBuffered(sink, func(f Frame) error { return t.writeJSON(ctx, ws, f) }); err != nil {
			t.logger.Debug("WebSocket write failed", "error", err, "task_id", taskID)
		}
		return
	}

	go func() {
		defer cancel()
		t.readLoop(ctx, ws, taskID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			t.logger.Debug("WebSocket subscriber dropped", "task_id", taskID)
			return
		case f := <-sink.Frames():
			if err := t.writeJSON(ctx, ws, f); err != nil {
				t.logger.Debug("WebSocket write failed", "error", err, "task_id", taskID)
				return
			}
			if f.Type == FrameEvent && f.Event != nil && isTerminal(f.Event.Type) {
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, ws *websocket.Conn, taskID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				t.logger.Debug("WebSocket closed by client", "task_id", taskID)
			}
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := t.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				t.logger.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (t *Transport) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || t.cfg.AllowedOrigin == "" || t.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == t.cfg.AllowedOrigin {
		return true
	}
	t.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", t.cfg.AllowedOrigin)
	return false
}

func isTerminal(eventType string) bool {
	return domain.IsTerminalEvent(eventType)
}
