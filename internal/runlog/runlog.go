// Package runlog persists the full message stream of each agent run as an
// append-only NDJSON file, one file per run. The log is the audit trail for
// what the agent actually said and did; nothing in it is ever rewritten.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benclarkson/foreman/internal/ndjson"
)

// Entry is one logged line: either a raw agent message or a lifecycle note.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Message   json.RawMessage `json:"message,omitempty"`
	Note      string          `json:"note,omitempty"`
}

const (
	KindMessage = "message"
	KindNote    = "note"
)

// Log writes entries for one run.
type Log struct {
	path    string
	runID   string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger

	mu    sync.Mutex
	lines int
}

// Open creates or appends to the log file for a run under dir.
func Open(dir, runID string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, runID+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		path:    path,
		runID:   runID,
		file:    file,
		encoder: ndjson.NewEncoder(file),
		logger:  logger,
	}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Lines returns how many entries have been appended through this handle.
func (l *Log) Lines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// AppendMessage records one raw agent message verbatim.
func (l *Log) AppendMessage(raw json.RawMessage) error {
	return l.append(Entry{
		Timestamp: time.Now().UTC(),
		RunID:     l.runID,
		Kind:      KindMessage,
		Message:   raw,
	})
}

// AppendNote records a lifecycle annotation (run started, outcome, abort).
func (l *Log) AppendNote(note string) error {
	return l.append(Entry{
		Timestamp: time.Now().UTC(),
		RunID:     l.runID,
		Kind:      KindNote,
		Note:      note,
	})
}

func (l *Log) append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.encoder.Encode(e); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	l.lines++
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Read loads every entry from a run's log file, oldest first.
func Read(dir, runID string, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, runID+".ndjson")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, logger)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
