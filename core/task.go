package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a Task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// statusRank orders statuses so transitions form a monotone chain.
// Terminal statuses share a rank; only one of them is ever reached.
func statusRank(s TaskStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	default:
		return -1
	}
}

// TaskResult carries the successful output of a resolved Task
type TaskResult struct {
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TaskMetadata carries bookkeeping the fabric maintains alongside a Task
type TaskMetadata struct {
	RetryCount int                    `json:"retry_count"`
	Owner      string                 `json:"owner,omitempty"`
	Priority   int                    `json:"priority,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Task is the unit of work routed through the fabric. A Task is created by a
// caller and mutated only through its methods; once it reaches a terminal
// status further mutation is rejected.
type Task struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Input       map[string]interface{} `json:"input"`
	Status      TaskStatus             `json:"status"`
	Result      *TaskResult            `json:"result,omitempty"`
	Error       *TaskError             `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Metadata    TaskMetadata           `json:"metadata"`

	mu sync.Mutex
}

// NewTask creates a Pending task with a generated id.
func NewTask(description string, input map[string]interface{}) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.New().String(),
		Description: description,
		Input:       input,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// transition moves the task to a new status, enforcing the monotone chain.
func (t *Task) transition(to TaskStatus) error {
	if t.Status.Terminal() {
		return fmt.Errorf("cannot move %s task %s to %s: %w", t.Status, t.ID, to, ErrTaskTerminal)
	}
	if statusRank(to) < statusRank(t.Status) {
		return fmt.Errorf("cannot move %s task %s back to %s: %w", t.Status, t.ID, to, ErrInvalidTransition)
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// Start moves the task to InProgress.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(StatusInProgress)
}

// SetResult attaches the result and forces status Completed. A result may be
// attached at most once.
func (t *Task) SetResult(result *TaskResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Result != nil {
		return ErrResultAlreadySet
	}
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	t.Result = result
	return nil
}

// SetError attaches the error and forces status Failed. An error may be
// attached at most once.
func (t *Task) SetError(taskErr *TaskError) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Error != nil {
		return ErrErrorAlreadySet
	}
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.Error = taskErr
	return nil
}

// Cancel moves the task to Cancelled. Cancelling an already terminal task
// is an error.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(StatusCancelled)
}

// RecordRetry bumps the retry counter. Called by the retry engine between
// attempts.
func (t *Task) RecordRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Metadata.RetryCount++
	t.UpdatedAt = time.Now()
}

// Expired reports whether the task's deadline has passed.
func (t *Task) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Metadata.ExpiresAt != nil && time.Now().After(*t.Metadata.ExpiresAt)
}

// CurrentStatus returns the status under the task lock, for readers that
// race with the owning executor.
func (t *Task) CurrentStatus() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Clone returns a deep-enough copy safe to hand to observers. Input, result
// data and metadata maps are shared; callers must treat them as read-only.
func (t *Task) Clone() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &Task{
		ID:          t.ID,
		Description: t.Description,
		Input:       t.Input,
		Status:      t.Status,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Metadata:    t.Metadata,
	}
	return clone
}
