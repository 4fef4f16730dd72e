package evolution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "state.json"

// SaveState writes the evolver's per-resolver bookkeeping to dir so halts
// and eligibility windows survive a restart. The write is atomic.
func (e *Evolver) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating evolver state directory: %w", err)
	}

	e.mu.Lock()
	data, err := json.MarshalIndent(e.state, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding evolver state: %w", err)
	}

	path := filepath.Join(dir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing evolver state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing evolver state: %w", err)
	}
	return nil
}

// LoadState restores bookkeeping written by SaveState. A missing file is
// not an error. State for resolvers no longer registered is dropped.
func (e *Evolver) LoadState(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading evolver state: %w", err)
	}

	var loaded map[string]*resolverState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decoding evolver state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, s := range loaded {
		if _, err := e.registry.Latest(name); err != nil {
			continue
		}
		if len(s.Window) > e.cfg.WindowSize {
			s.Window = s.Window[len(s.Window)-e.cfg.WindowSize:]
		}
		e.state[name] = s
	}
	return nil
}
