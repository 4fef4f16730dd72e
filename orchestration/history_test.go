package orchestration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func terminalExecution(id string) *Execution {
	now := time.Now()
	return &Execution{
		ID:        id,
		PlanName:  "p",
		Status:    core.StatusCompleted,
		Steps:     map[string]*StepRecord{"only": {State: StepSucceeded}},
		StartedAt: now,
		EndedAt:   &now,
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(terminalExecution(fmt.Sprintf("exec-%d", i)))
	}

	assert.Equal(t, 3, h.Len())

	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "exec-4", recent[0].ID, "newest first")
	assert.Equal(t, "exec-2", recent[2].ID)

	_, err := h.Get("exec-0")
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := h.Get("exec-3")
	require.NoError(t, err)
	assert.Equal(t, "exec-3", got.ID)
}

func TestHistoryRecentLimit(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 4; i++ {
		h.Append(terminalExecution(fmt.Sprintf("exec-%d", i)))
	}

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "exec-3", recent[0].ID)
	assert.Equal(t, "exec-2", recent[1].ID)
}

func TestHistoryAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "executions.jsonl")
	h := NewHistory(10, WithHistoryFile(path))
	defer h.Close()

	h.Append(terminalExecution("exec-a"))
	h.Append(terminalExecution("exec-b"))
	require.NoError(t, h.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var exec Execution
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &exec))
		ids = append(ids, exec.ID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"exec-a", "exec-b"}, ids)
}
