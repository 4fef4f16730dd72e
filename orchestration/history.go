package orchestration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/taskfabric/fabric/core"
)

// History keeps the most recent terminal executions in a bounded ring and
// optionally appends each one to a JSONL file for offline inspection.
type History struct {
	mu       sync.RWMutex
	ring     []*Execution
	capacity int

	file   *os.File
	writer *bufio.Writer
	logger core.Logger
}

// HistoryOption configures a History.
type HistoryOption func(*History)

// WithHistoryFile appends each terminal execution as one JSON line to the
// given file, creating parent directories as needed.
func WithHistoryFile(path string) HistoryOption {
	return func(h *History) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			h.logger.Warn("Creating history directory failed", map[string]interface{}{
				"operation": "history_open",
				"path":      path,
				"error":     err.Error(),
			})
			return
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			h.logger.Warn("Opening history file failed", map[string]interface{}{
				"operation": "history_open",
				"path":      path,
				"error":     err.Error(),
			})
			return
		}
		h.file = f
		h.writer = bufio.NewWriter(f)
	}
}

// WithHistoryLogger sets the logger.
func WithHistoryLogger(l core.Logger) HistoryOption {
	return func(h *History) { h.logger = l }
}

// NewHistory creates a history holding at most capacity executions.
func NewHistory(capacity int, opts ...HistoryOption) *History {
	if capacity <= 0 {
		capacity = 100
	}
	h := &History{
		capacity: capacity,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Append records a terminal execution. The oldest entry is evicted once the
// ring is full.
func (h *History) Append(exec *Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = append(h.ring, exec)
	if len(h.ring) > h.capacity {
		h.ring = h.ring[len(h.ring)-h.capacity:]
	}

	if h.writer == nil {
		return
	}
	line, err := json.Marshal(exec)
	if err != nil {
		h.logger.Warn("Encoding execution for history failed", map[string]interface{}{
			"operation": "history_append",
			"execution": exec.ID,
			"error":     err.Error(),
		})
		return
	}
	if _, err := h.writer.Write(append(line, '\n')); err == nil {
		h.writer.Flush()
	}
}

// Recent returns up to n executions, newest first.
func (h *History) Recent(n int) []*Execution {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > len(h.ring) {
		n = len(h.ring)
	}
	out := make([]*Execution, 0, n)
	for i := len(h.ring) - 1; i >= len(h.ring)-n; i-- {
		out = append(out, h.ring[i])
	}
	return out
}

// Get returns the execution with the given id, if still retained.
func (h *History) Get(id string) (*Execution, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.ring) - 1; i >= 0; i-- {
		if h.ring[i].ID == id {
			return h.ring[i], nil
		}
	}
	return nil, fmt.Errorf("%w: execution %s", core.ErrNotFound, id)
}

// Len returns how many executions are retained.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ring)
}

// Close flushes and closes the backing file, if any.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writer != nil {
		h.writer.Flush()
	}
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}
