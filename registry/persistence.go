package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskfabric/fabric/core"
)

// FileStore persists one JSON document per (name, version) identity inside a
// directory. It backs both the resolver registry and the mastery registry.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name, version string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s@%s.json", name, version))
}

// Save writes the document, replacing any previous one for the identity.
// The write goes through a temp file so readers never see a partial document.
func (s *FileStore) Save(name, version string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s@%s: %w", name, version, err)
	}
	tmp := s.path(name, version) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s@%s: %w", name, version, err)
	}
	return os.Rename(tmp, s.path(name, version))
}

// Load reads one document into out.
func (s *FileStore) Load(name, version string, out interface{}) error {
	data, err := os.ReadFile(s.path(name, version))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s@%s", core.ErrNotFound, name, version)
	}
	if err != nil {
		return fmt.Errorf("reading %s@%s: %w", name, version, err)
	}
	return json.Unmarshal(data, out)
}

// Delete removes a document; deleting a missing document is not an error.
func (s *FileStore) Delete(name, version string) error {
	err := os.Remove(s.path(name, version))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Keys lists every stored (name, version) identity.
func (s *FileStore) Keys() ([][2]string, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing store directory %s: %w", s.dir, err)
	}
	var keys [][2]string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		base := strings.TrimSuffix(f.Name(), ".json")
		at := strings.LastIndex(base, "@")
		if at <= 0 {
			continue
		}
		keys = append(keys, [2]string{base[:at], base[at+1:]})
	}
	return keys, nil
}

// Binder re-attaches a live resolver to restored metadata. Resolver code is
// not serializable; only the catalog state round-trips through disk.
type Binder func(meta core.ResolverMetadata) (core.Resolver, error)

// SaveEntries writes every entry's catalog state to the store.
func SaveEntries(store *FileStore, entries []Entry) error {
	for _, e := range entries {
		if err := store.Save(e.Metadata.Name, e.Metadata.Version, e); err != nil {
			return err
		}
	}
	return nil
}

// LoadEntries restores persisted entries into the registry, using bind to
// recreate each resolver. Entries the binder cannot satisfy are skipped and
// counted separately.
func LoadEntries(ctx context.Context, store *FileStore, reg *Registry, bind Binder) (loaded, skipped int, err error) {
	keys, err := store.Keys()
	if err != nil {
		return 0, 0, err
	}
	for _, key := range keys {
		var stored Entry
		if err := store.Load(key[0], key[1], &stored); err != nil {
			return loaded, skipped, err
		}
		resolver, err := bind(stored.Metadata)
		if err != nil {
			skipped++
			continue
		}
		if _, err := reg.Register(ctx, resolver); err != nil {
			return loaded, skipped, err
		}
		// Reapply bookkeeping the constructor reset.
		restoreErr := reg.update(stored.Metadata.Name, stored.Metadata.Version, func(e *Entry) {
			e.RegisteredAt = stored.RegisteredAt
			e.LastEvolvedAt = stored.LastEvolvedAt
			e.LastHealthStatus = stored.LastHealthStatus
			e.LastHealthCheckedAt = stored.LastHealthCheckedAt
			e.Degraded = stored.Degraded
			e.Stats = stored.Stats
			if len(stored.Embedding) > 0 {
				e.Embedding = stored.Embedding
			}
		})
		if restoreErr != nil {
			return loaded, skipped, restoreErr
		}
		loaded++
	}
	return loaded, skipped, nil
}
