package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ashureev/firmdesk/internal/domain"
)

// TranscriptConfig configures the per-task NDJSON transcript.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
	// Compress archives a transcript as <task>.ndjson.zst once the task
	// reaches a terminal event.
	Compress bool
}

type transcriptLine struct {
	Timestamp time.Time       `json:"ts"`
	FirmID    string          `json:"firm_id,omitempty"`
	TaskID    string          `json:"task_id"`
	EventID   int64           `json:"event_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type transcriptItem struct {
	owner   string
	ev      domain.Event
	release bool
}

// TranscriptLogger appends every published event to <dir>/<firm>/<task>.ndjson
// from a single background worker. The queue is bounded; events are dropped
// with a warning when it is full.
type TranscriptLogger struct {
	cfg    TranscriptConfig
	logger *slog.Logger
	queue  chan transcriptItem
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.Mutex
	closed bool

	openFiles atomic.Int64
}

// NewTranscriptLogger starts the worker. It returns nil when disabled, and a
// nil logger ignores events.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) *TranscriptLogger {
	if !cfg.Enabled || strings.TrimSpace(cfg.Dir) == "" {
		return nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &TranscriptLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan transcriptItem, cfg.QueueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Observe queues an event without blocking.
func (l *TranscriptLogger) Observe(owner string, ev domain.Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- transcriptItem{owner: owner, ev: ev}:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "task_id", ev.TaskID, "type", ev.Type, "event_id", ev.ID)
	}
}

// Release closes the task's transcript file if it is still open. Events
// published later reopen it in append mode.
func (l *TranscriptLogger) Release(taskID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- transcriptItem{ev: domain.Event{TaskID: taskID}, release: true}:
	default:
		l.logger.Warn("Transcript queue full, dropping release", "task_id", taskID)
	}
}

// Close drains the queue and stops the worker.
func (l *TranscriptLogger) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		l.wg.Wait()
	})
}

type openTranscript struct {
	path string
	file *os.File
	buf  *bufio.Writer
}

func (l *TranscriptLogger) run() {
	defer l.wg.Done()
	// Keyed by task ID.
	open := make(map[string]*openTranscript)
	defer func() {
		for _, t := range open {
			l.closeFile(t)
		}
	}()

	for item := range l.queue {
		taskID := item.ev.TaskID
		t, ok := open[taskID]
		if item.release {
			if ok {
				l.closeFile(t)
				delete(open, taskID)
			}
			continue
		}
		if !ok {
			var err error
			t, err = l.openFile(l.path(item.owner, taskID))
			if err != nil {
				l.logger.Warn("Failed to open transcript", "task_id", taskID, "error", err)
				continue
			}
			open[taskID] = t
		}

		line, err := json.Marshal(transcriptLine{
			Timestamp: item.ev.Timestamp,
			FirmID:    item.owner,
			TaskID:    taskID,
			EventID:   item.ev.ID,
			Type:      item.ev.Type,
			Data:      item.ev.Data,
		})
		if err != nil {
			l.logger.Warn("Failed to encode transcript line", "task_id", taskID, "error", err)
			continue
		}
		line = append(line, '\n')
		if _, err := t.buf.Write(line); err != nil {
			l.logger.Warn("Failed to write transcript", "path", t.path, "error", err)
			continue
		}
		if err := t.buf.Flush(); err != nil {
			l.logger.Warn("Failed to flush transcript", "path", t.path, "error", err)
		}

		if domain.IsTerminalEvent(item.ev.Type) {
			l.closeFile(t)
			delete(open, taskID)
			if l.cfg.Compress {
				if err := archiveTranscript(t.path); err != nil {
					l.logger.Warn("Failed to archive transcript", "path", t.path, "error", err)
				}
			}
		}
	}
}

func (l *TranscriptLogger) path(owner, taskID string) string {
	firm := sanitizeSegment(owner)
	if firm == "" {
		firm = "_unknown"
	}
	return filepath.Join(l.cfg.Dir, firm, sanitizeSegment(taskID)+".ndjson")
}

func (l *TranscriptLogger) openFile(path string) (*openTranscript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	l.openFiles.Add(1)
	return &openTranscript{path: path, file: f, buf: bufio.NewWriter(f)}, nil
}

func (l *TranscriptLogger) closeFile(t *openTranscript) {
	if err := t.buf.Flush(); err != nil {
		l.logger.Debug("Failed to flush transcript", "path", t.path, "error", err)
	}
	if err := t.file.Close(); err != nil {
		l.logger.Debug("Failed to close transcript", "path", t.path, "error", err)
	}
	l.openFiles.Add(-1)
}

// archiveTranscript compresses path to path.zst and removes the original.
func archiveTranscript(path string) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close archive: %w", cerr)
		}
	}()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return os.Remove(path)
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}
