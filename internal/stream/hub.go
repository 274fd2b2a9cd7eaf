// Package stream fans task events out to live subscribers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
)

// HubConfig holds buffer and timer settings for a Hub.
type HubConfig struct {
	RingSize          int
	ReplayLimit       int
	ReconnectReplay   int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		RingSize:          500,
		ReplayLimit:       50,
		ReconnectReplay:   100,
		HeartbeatInterval: 15 * time.Second,
		SweepInterval:     5 * time.Minute,
		Retention:         time.Hour,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.RingSize <= 0 {
		c.RingSize = d.RingSize
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = d.ReplayLimit
	}
	if c.ReconnectReplay <= 0 {
		c.ReconnectReplay = d.ReconnectReplay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// SubscribeOptions controls history replay for a new subscriber.
type SubscribeOptions struct {
	Reconnect bool
	AfterID   int64
	// Final is the stored end state of a task that already finished. The
	// subscriber gets the replay and this snapshot, and is not registered.
	Final *domain.Progress
}

// Observer is notified of every published event after fan-out.
type Observer interface {
	Observe(owner string, ev domain.Event)
}

// Releaser is implemented by observers holding per-task resources. Release
// is called when the hub discards a task's stream.
type Releaser interface {
	Release(taskID string)
}

// HistoryResult is the buffered state of one task stream.
type HistoryResult struct {
	Events   []domain.Event   `json:"events"`
	Progress *domain.Progress `json:"progress,omitempty"`
	Total    int              `json:"total"`
}

type taskStream struct {
	mu         sync.Mutex
	owner      string
	ring       *EventRing
	sinks      map[int64]Sink
	progress   *domain.Progress
	lastID     int64
	terminalAt time.Time
	lastActive time.Time
}

// Hub owns all per-task streams. Create one with NewHub, call Start to run
// heartbeats and the sweeper, and Stop on shutdown.
type Hub struct {
	cfg       HubConfig
	logger    *slog.Logger
	mu        sync.Mutex
	streams   map[string]*taskStream
	observers []Observer
	nextSub   atomic.Int64
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Observers receive events in publish order.
func NewHub(cfg HubConfig, logger *slog.Logger, observers ...Observer) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		streams:   make(map[string]*taskStream),
		observers: observers,
		now:       time.Now,
	}
}

// Start launches the heartbeat and sweep goroutines.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(2)
	go h.loop(ctx, h.cfg.HeartbeatInterval, h.heartbeat)
	go h.loop(ctx, h.cfg.SweepInterval, func() { h.Sweep(h.now()) })
}

// Stop halts the background goroutines and waits for them to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Hub) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Open records the owner of a task stream. The owner is passed to observers.
func (h *Hub) Open(taskID, owner string) {
	ts := h.lockStream(taskID)
	ts.owner = owner
	ts.mu.Unlock()
}

// lockStream returns the task's stream, creating it if needed, with its
// mutex held. Taking it under h.mu keeps Sweep from discarding the stream
// between lookup and use.
func (h *Hub) lockStream(taskID string) *taskStream {
	h.mu.Lock()
	ts := h.streamLocked(taskID)
	ts.mu.Lock()
	h.mu.Unlock()
	return ts
}

func (h *Hub) streamLocked(taskID string) *taskStream {
	ts, ok := h.streams[taskID]
	if !ok {
		ts = &taskStream{
			ring:       NewEventRing(h.cfg.RingSize),
			sinks:      make(map[int64]Sink),
			lastActive: h.now(),
		}
		h.streams[taskID] = ts
	}
	return ts
}

func (h *Hub) lookup(taskID string) *taskStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[taskID]
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	hub    *Hub
	taskID string
	id     int64
	ended  bool
	once   sync.Once
}

// Ended reports whether the task had already finished when the subscription
// was made. No further frames follow the replay.
func (s *Subscription) Ended() bool {
	return s.ended
}

// Unsubscribe removes the sink. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.ended {
			return
		}
		ts := s.hub.lookup(s.taskID)
		if ts == nil {
			return
		}
		ts.mu.Lock()
		delete(ts.sinks, s.id)
		ts.lastActive = s.hub.now()
		ts.mu.Unlock()
	})
}

// Subscribe registers sink for taskID and sends it the connected frame,
// buffered history and the latest progress snapshot. Publishes for the task
// are held until the replay has been queued, so no event is seen twice or
// skipped. A task that has already finished is replayed and not registered,
// and no stream is created for it.
func (h *Hub) Subscribe(taskID string, opts SubscribeOptions, sink Sink) (*Subscription, error) {
	sub := &Subscription{hub: h, taskID: taskID, id: h.nextSub.Add(1)}

	h.mu.Lock()
	ts, ok := h.streams[taskID]
	if !ok && opts.Final != nil {
		h.mu.Unlock()
		sub.ended = true
		p := *opts.Final
		p.TaskID = taskID
		return sub, sendFrames(sink, []Frame{
			{Type: FrameConnected, TaskID: taskID},
			{Type: FrameHistory, TaskID: taskID, Events: []domain.Event{}},
			{Type: FrameProgress, TaskID: taskID, Progress: &p},
		})
	}
	if !ok {
		ts = h.streamLocked(taskID)
	}
	ts.mu.Lock()
	h.mu.Unlock()
	defer ts.mu.Unlock()

	limit := h.cfg.ReplayLimit
	if opts.Reconnect || opts.AfterID > 0 {
		limit = h.cfg.ReconnectReplay
	}
	var history []domain.Event
	if opts.AfterID > 0 {
		history = ts.ring.After(opts.AfterID, limit)
	} else {
		history = ts.ring.Last(limit)
	}

	frames := []Frame{
		{Type: FrameConnected, TaskID: taskID},
		{Type: FrameHistory, TaskID: taskID, Events: history},
	}
	switch {
	case ts.progress != nil:
		p := *ts.progress
		frames = append(frames, Frame{Type: FrameProgress, TaskID: taskID, Progress: &p})
	case opts.Final != nil:
		p := *opts.Final
		p.TaskID = taskID
		frames = append(frames, Frame{Type: FrameProgress, TaskID: taskID, Progress: &p})
	}

	sub.ended = !ts.terminalAt.IsZero() || opts.Final != nil
	if err := sendFrames(sink, frames); err != nil {
		return nil, err
	}
	if sub.ended {
		return sub, nil
	}
	ts.sinks[sub.id] = sink
	ts.lastActive = h.now()
	return sub, nil
}

func sendFrames(sink Sink, frames []Frame) error {
	for _, f := range frames {
		if err := sink.Send(f); err != nil {
			return fmt.Errorf("send %s frame: %w", f.Type, err)
		}
	}
	return nil
}

// Publish appends an event to the task's ring and delivers it to every
// subscriber. data may be nil, a json.RawMessage, or any JSON-encodable value.
func (h *Hub) Publish(taskID, eventType string, data any) domain.Event {
	raw, err := encodeData(data)
	if err != nil {
		h.logger.Warn("Failed to encode event data", "task_id", taskID, "type", eventType, "error", err)
	}

	ts := h.lockStream(taskID)
	ts.lastID++
	ev := domain.Event{
		ID:        ts.lastID,
		TaskID:    taskID,
		Type:      eventType,
		Data:      raw,
		Timestamp: h.now().UTC(),
	}
	ts.ring.Push(ev)
	ts.lastActive = ev.Timestamp
	if domain.IsTerminalEvent(eventType) {
		ts.terminalAt = ev.Timestamp
	}
	h.fanOutLocked(taskID, ts, Frame{Type: FrameEvent, TaskID: taskID, Event: &ev})
	owner := ts.owner
	ts.mu.Unlock()

	for _, o := range h.observers {
		o.Observe(owner, ev)
	}
	return ev
}

// UpdateProgress stores the latest snapshot and delivers it to subscribers.
func (h *Hub) UpdateProgress(taskID string, p domain.Progress) {
	now := h.now().UTC()
	p.TaskID = taskID
	p.UpdatedAt = now
	if p.StartedAt != nil {
		p.ElapsedSeconds = now.Sub(*p.StartedAt).Seconds()
	}
	if p.StepBudget > 0 && p.ProgressPercent == 0 {
		p.ProgressPercent = min(100, p.StepNumber*100/p.StepBudget)
	}

	ts := h.lockStream(taskID)
	defer ts.mu.Unlock()
	ts.progress = &p
	ts.lastActive = now
	snapshot := p
	h.fanOutLocked(taskID, ts, Frame{Type: FrameProgress, TaskID: taskID, Progress: &snapshot})
}

// History returns up to limit of the most recent buffered events.
func (h *Hub) History(taskID string, limit int) HistoryResult {
	ts := h.lookup(taskID)
	if ts == nil {
		return HistoryResult{Events: []domain.Event{}}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	res := HistoryResult{
		Events: ts.ring.Last(limit),
		Total:  ts.ring.Len(),
	}
	if ts.progress != nil {
		p := *ts.progress
		res.Progress = &p
	}
	return res
}

// SubscriberCount returns the number of live sinks for a task.
func (h *Hub) SubscriberCount(taskID string) int {
	ts := h.lookup(taskID)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.sinks)
}

func (h *Hub) fanOutLocked(taskID string, ts *taskStream, f Frame) {
	for id, sink := range ts.sinks {
		if err := sink.Send(f); err != nil {
			delete(ts.sinks, id)
			h.logger.Warn("Dropped stream subscriber", "task_id", taskID, "frame", f.Type, "error", err)
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.streams))
	streams := make([]*taskStream, 0, len(h.streams))
	for id, ts := range h.streams {
		ids = append(ids, id)
		streams = append(streams, ts)
	}
	h.mu.Unlock()

	now := h.now().UTC()
	for i, ts := range streams {
		ts.mu.Lock()
		if len(ts.sinks) > 0 {
			status := "unknown"
			if ts.progress != nil {
				status = string(ts.progress.Status)
			}
			h.fanOutLocked(ids[i], ts, Frame{Type: FrameHeartbeat, TaskID: ids[i], Status: status, ServerTime: &now})
		}
		ts.mu.Unlock()
	}
}

// Sweep discards streams that went terminal more than the retention period
// before now, and streams nobody has published to or watched for that long.
// Terminal streams with live subscribers are cleared but kept so their sinks
// stay registered.
func (h *Hub) Sweep(now time.Time) int {
	var released []string

	h.mu.Lock()
	for id, ts := range h.streams {
		ts.mu.Lock()
		terminalExpired := !ts.terminalAt.IsZero() && now.Sub(ts.terminalAt) > h.cfg.Retention
		idle := len(ts.sinks) == 0 && now.Sub(ts.lastActive) > h.cfg.Retention
		switch {
		case (terminalExpired || idle) && len(ts.sinks) == 0:
			delete(h.streams, id)
			released = append(released, id)
		case terminalExpired:
			ts.ring.Reset()
			ts.progress = nil
			ts.terminalAt = time.Time{}
			released = append(released, id)
		}
		ts.mu.Unlock()
	}
	h.mu.Unlock()

	for _, id := range released {
		for _, o := range h.observers {
			if r, ok := o.(Releaser); ok {
				r.Release(id)
			}
		}
	}
	if len(released) > 0 {
		h.logger.Debug("Swept task streams", "count", len(released))
	}
	return len(released)
}

// StreamCount returns the number of task streams held in memory.
func (h *Hub) StreamCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
