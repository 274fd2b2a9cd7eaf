package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ashureev/firmdesk/internal/domain"
)

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func readArchive(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	data, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress %s: %v", path, err)
	}
	return data
}

func waitForOpenFiles(t *testing.T, l *TranscriptLogger, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.openFiles.Load() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("open transcripts = %d, want %d", l.openFiles.Load(), n)
}

func decodeLines(t *testing.T, data []byte) []transcriptLine {
	t.Helper()
	var out []transcriptLine
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var line transcriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

func TestTranscriptLoggerWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	l := NewTranscriptLogger(TranscriptConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	h := NewHub(HubConfig{}, nil, l)
	h.Open("task-1", "firm-a")

	h.Publish("task-1", domain.EventTaskStart, map[string]string{"goal": "summarize"})
	h.Publish("task-1", domain.EventToolStart, map[string]string{"tool": "get_matter"})
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, "firm-a", "task-1.ndjson"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := decodeLines(t, data)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Type != domain.EventTaskStart || lines[1].EventID != 2 || lines[1].FirmID != "firm-a" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestTranscriptLoggerArchivesOnTerminal(t *testing.T) {
	dir := t.TempDir()
	l := NewTranscriptLogger(TranscriptConfig{Enabled: true, Dir: dir, Compress: true}, nil)
	defer l.Close()
	h := NewHub(HubConfig{}, nil, l)
	h.Open("task-2", "firm-b")

	h.Publish("task-2", domain.EventTaskStart, nil)
	h.Publish("task-2", domain.EventTaskComplete, map[string]int{"overall": 90})

	archive := filepath.Join(dir, "firm-b", "task-2.ndjson.zst")
	waitForFile(t, archive)
	l.Close()

	if _, err := os.Stat(filepath.Join(dir, "firm-b", "task-2.ndjson")); !os.IsNotExist(err) {
		t.Fatalf("plain transcript should be removed, stat err = %v", err)
	}
	lines := decodeLines(t, readArchive(t, archive))
	if len(lines) != 2 || lines[1].Type != domain.EventTaskComplete {
		t.Fatalf("archive lines = %+v", lines)
	}
}

func TestTranscriptLoggerClosesSweptTask(t *testing.T) {
	dir := t.TempDir()
	l := NewTranscriptLogger(TranscriptConfig{Enabled: true, Dir: dir}, nil)
	defer l.Close()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHub(HubConfig{Retention: time.Hour}, nil, l)
	h.now = func() time.Time { return now }
	h.Open("stalled", "firm-c")

	h.Publish("stalled", domain.EventToolStart, nil)
	waitForOpenFiles(t, l, 1)

	if n := h.Sweep(now.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("swept %d streams, want 1", n)
	}
	waitForOpenFiles(t, l, 0)

	h.Open("stalled", "firm-c")
	h.Publish("stalled", domain.EventLog, nil)
	waitForOpenFiles(t, l, 1)
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, "firm-c", "stalled.ndjson"))
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if lines := decodeLines(t, data); len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestTranscriptLoggerDisabled(t *testing.T) {
	if l := NewTranscriptLogger(TranscriptConfig{Dir: t.TempDir()}, nil); l != nil {
		t.Fatal("disabled logger should be nil")
	}
	var l *TranscriptLogger
	l.Observe("firm", domain.Event{TaskID: "t"})
	l.Close()
}
