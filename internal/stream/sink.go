package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
)

// Frame types delivered to subscribers.
const (
	FrameConnected = "connected"
	FrameHistory   = "history"
	FrameEvent     = "event"
	FrameProgress  = "progress"
	FrameHeartbeat = "heartbeat"
)

// ErrSinkClosed is returned when a frame cannot be delivered to a sink.
var ErrSinkClosed = errors.New("stream sink closed")

// Frame is one message delivered to a subscriber.
type Frame struct {
	Type       string           `json:"type"`
	TaskID     string           `json:"task_id"`
	Event      *domain.Event    `json:"event,omitempty"`
	Events     []domain.Event   `json:"events,omitempty"`
	Progress   *domain.Progress `json:"progress,omitempty"`
	Status     string           `json:"status,omitempty"`
	ServerTime *time.Time       `json:"server_time,omitempty"`
}

// Payload returns the JSON body transports send for the frame.
func (f Frame) Payload() ([]byte, error) {
	if f.Type == FrameEvent && f.Event != nil {
		return json.Marshal(f.Event)
	}
	return json.Marshal(f)
}

// Sink receives frames for one subscriber. Send must not block; a returned
// error makes the hub drop the sink.
type Sink interface {
	Send(f Frame) error
}

// ChanSink is a Sink backed by a buffered channel. A full buffer is a
// delivery failure and closes the sink.
type ChanSink struct {
	ch     chan Frame
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewChanSink creates a sink buffering up to size frames.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 256
	}
	return &ChanSink{
		ch:   make(chan Frame, size),
		done: make(chan struct{}),
	}
}

// Send queues a frame without blocking.
func (s *ChanSink) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- f:
		return nil
	default:
		s.closeLocked()
		return ErrSinkClosed
	}
}

// Frames returns the channel frames are delivered on.
func (s *ChanSink) Frames() <-chan Frame {
	return s.ch
}

// Done is closed once the sink stops accepting frames.
func (s *ChanSink) Done() <-chan struct{} {
	return s.done
}

// Close stops the sink. Safe to call more than once.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *ChanSink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
