package trajectory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventLog writes an ordered JSONL event stream for one session: state
// transitions, tool calls, tool outputs and errors, one JSON object per line.
// It complements DB persistence with a replayable flat file.
type EventLog struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// Event is one JSONL line.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// OpenEventLog creates (or appends to) the per-session event file under dir.
func OpenEventLog(dir, sessionID string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{w: f}, nil
}

// NewEventLog wraps an arbitrary writer, mainly for tests.
func NewEventLog(w io.WriteCloser) *EventLog {
	return &EventLog{w: w}
}

// Write appends one event line. Write order is the event order.
func (l *EventLog) Write(sessionID, eventType string, data map[string]interface{}) error {
	line, err := json.Marshal(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(line)
	return err
}

// Close flushes and closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
