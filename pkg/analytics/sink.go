// Package analytics appends per-request usage events to compressed JSONL
// segments for offline analysis.
package analytics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Endpoint         string    `json:"endpoint"`
	Model            string    `json:"model"`
	UserID           string    `json:"user_id"`
	ExternalID       string    `json:"external_id,omitempty"`
	ClientIP         string    `json:"client_ip,omitempty"`
	Status           int       `json:"status"`
	Stream           bool      `json:"stream,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	DurationMS       int64     `json:"duration_ms"`
}

type Sink interface {
	Emit(evt Event)
	Close() error
}

// NopSink discards events; used when no analytics directory is configured.
type NopSink struct{}

func (NopSink) Emit(Event)   {}
func (NopSink) Close() error { return nil }

const segmentMaxAge = 6 * time.Hour

// FileSink writes events into hour-partitioned zstd JSONL segments under
// dir. Segments are written to a temp name and renamed to
// <min>-<max>-<seq>.jsonl.zst on close, so readers never see partial files.
type FileSink struct {
	mu        sync.Mutex
	dir       string
	writer    *segmentWriter
	writerDir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

// Emit never propagates I/O errors to the caller; a broken analytics disk
// must not affect request handling.
func (s *FileSink) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	evt.ClientIP = strings.TrimSpace(evt.ClientIP)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openWriterLocked(evt.Timestamp); err != nil {
		return
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.writer.writeLine(line, evt.Timestamp); err != nil {
		return
	}
	if time.Since(s.writer.openedAt) >= segmentMaxAge {
		_ = s.closeWriterLocked()
	}
}

// Flush finalizes the open segment so its events become visible to readers.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *FileSink) Close() error {
	return s.Flush()
}

func (s *FileSink) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *FileSink) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}
