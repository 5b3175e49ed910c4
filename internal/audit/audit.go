package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Writer appends events to the audit trail.
type Writer interface {
	Write(event Event) error
}

// Log is an append-only JSON-lines audit log. Writes are serialized so
// concurrent requests never interleave records. It also keeps per-action
// counters, reported at shutdown.
type Log struct {
	mu       sync.Mutex
	out      io.Writer
	counters map[string]uint64
}

// NewLog writes audit records to the given writer.
func NewLog(out io.Writer) *Log {
	return &Log{
		out:      out,
		counters: make(map[string]uint64),
	}
}

// Open appends to the file at path, creating it if needed. An empty path
// falls back to stdout.
func Open(path string) (*Log, error) {
	if path == "" {
		return NewLog(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return NewLog(f), nil
}

func (l *Log) Write(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(line); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	l.counters[event.Action]++
	return nil
}

// Counters returns a copy of the per-action event counts.
func (l *Log) Counters() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.counters))
	for k, v := range l.counters {
		out[k] = v
	}
	return out
}
