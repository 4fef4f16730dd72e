package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/taskfabric/fabric/core"
)

// ExecStats accumulates per-entry execution statistics recorded by the
// executor and the fabric dispatch path.
type ExecStats struct {
	Runs          int64         `json:"runs"`
	Successes     int64         `json:"successes"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AvgDuration returns the mean run duration, zero when nothing ran yet.
func (s ExecStats) AvgDuration() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Runs)
}

// Entry is a registered resolver plus its bookkeeping. Identity is
// (Metadata.Name, Metadata.Version); within a name at most one entry is
// flagged Latest.
type Entry struct {
	Metadata core.ResolverMetadata `json:"metadata"`
	Resolver core.Resolver         `json:"-"`

	RegisteredAt        time.Time         `json:"registered_at"`
	LastEvolvedAt       *time.Time        `json:"last_evolved_at,omitempty"`
	LastHealthStatus    core.HealthStatus `json:"last_health_status"`
	LastHealthCheckedAt *time.Time        `json:"last_health_checked_at,omitempty"`

	Embedding []float64 `json:"embedding,omitempty"`
	Latest    bool      `json:"latest"`

	// Degraded entries stay resolvable but sort last in lookups. The fabric
	// runtime flips this from circuit breaker state.
	Degraded bool `json:"degraded"`

	Stats ExecStats `json:"stats"`

	version *semver.Version
}

// SearchResult pairs an entry snapshot with its similarity score.
type SearchResult struct {
	Entry Entry
	Score float64
}

// EntryHealth is one entry's outcome inside a health roll-up.
type EntryHealth struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Status  core.HealthStatus      `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// HealthRollupReport aggregates a concurrent probe over every entry.
type HealthRollupReport struct {
	CheckedAt time.Time     `json:"checked_at"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	Unknown   int           `json:"unknown"`
	Entries   []EntryHealth `json:"entries"`
}

// Registry is the versioned resolver catalog. All public reads work on
// snapshots taken under a read lock; multi-entry writes (latest promotion)
// are atomic under the write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // name -> version -> entry

	embedder Embedder
	logger   core.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithEmbedder enables vector-based semantic search.
func WithEmbedder(e Embedder) Option {
	return func(r *Registry) { r.embedder = e }
}

// WithLogger sets the registry logger.
func WithLogger(l core.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]map[string]*Entry),
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a resolver under its metadata identity. A duplicate
// (name, version) is rejected with ErrAlreadyRegistered. When the new version
// is the highest for its name it becomes latest.
func (r *Registry) Register(ctx context.Context, resolver core.Resolver) (*Entry, error) {
	meta := resolver.Metadata()
	if meta.Name == "" {
		return nil, fmt.Errorf("%w: resolver name is required", core.ErrInvalidConfiguration)
	}
	version, err := semver.NewVersion(meta.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidVersion, meta.Version, err)
	}

	entry := &Entry{
		Metadata:         meta,
		Resolver:         resolver,
		RegisteredAt:     time.Now(),
		LastHealthStatus: core.HealthUnknown,
		version:          version,
	}

	// Embed outside the lock; embedders may do I/O.
	if r.embedder != nil && meta.Description != "" {
		vec, err := r.embedder.Embed(ctx, meta.Description)
		if err != nil {
			r.logger.Warn("Embedding failed, entry registered without vector", map[string]interface{}{
				"operation": "registry_embed",
				"name":      meta.Name,
				"version":   meta.Version,
				"error":     err.Error(),
			})
		} else {
			entry.Embedding = vec
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[meta.Name]
	if !ok {
		versions = make(map[string]*Entry)
		r.entries[meta.Name] = versions
	}
	if _, exists := versions[meta.Version]; exists {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrAlreadyRegistered, meta.Name, meta.Version)
	}
	versions[meta.Version] = entry
	r.promoteLatestLocked(meta.Name)

	r.logger.Info("Resolver registered", map[string]interface{}{
		"operation":    "registry_register",
		"name":         meta.Name,
		"version":      meta.Version,
		"latest":       entry.Latest,
		"capabilities": meta.Capabilities,
	})

	snapshot := *entry
	return &snapshot, nil
}

// Unregister removes an entry. Removing the latest version promotes the
// next-highest.
func (r *Registry) Unregister(name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, name)
	}
	entry, ok := versions[version]
	if !ok {
		return fmt.Errorf("%w: %s@%s", core.ErrNotFound, name, version)
	}
	wasLatest := entry.Latest
	delete(versions, version)
	if len(versions) == 0 {
		delete(r.entries, name)
	} else if wasLatest {
		r.promoteLatestLocked(name)
	}

	r.logger.Info("Resolver unregistered", map[string]interface{}{
		"operation": "registry_unregister",
		"name":      name,
		"version":   version,
	})
	return nil
}

// promoteLatestLocked re-derives the latest flag for a name. Caller holds the
// write lock.
func (r *Registry) promoteLatestLocked(name string) {
	versions := r.entries[name]
	var highest *Entry
	for _, e := range versions {
		e.Latest = false
		if highest == nil || e.version.GreaterThan(highest.version) {
			highest = e
		}
	}
	if highest != nil {
		highest.Latest = true
	}
}

// Get returns the entry for name at version; an empty version means latest.
func (r *Registry) Get(name, version string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, name)
	}
	if version == "" {
		for _, e := range versions {
			if e.Latest {
				snapshot := *e
				return &snapshot, nil
			}
		}
		return nil, fmt.Errorf("%w: %s has no latest entry", core.ErrNotFound, name)
	}
	entry, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrNotFound, name, version)
	}
	snapshot := *entry
	return &snapshot, nil
}

// Latest returns the latest entry for name.
func (r *Registry) Latest(name string) (*Entry, error) {
	return r.Get(name, "")
}

// List returns a snapshot of every entry, ordered by name then version
// descending.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, versions := range r.entries {
		for _, e := range versions {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.Name != out[j].Metadata.Name {
			return out[i].Metadata.Name < out[j].Metadata.Name
		}
		return out[i].version.GreaterThan(out[j].version)
	})
	return out
}

// FindByCapability returns entries advertising the capability, ordered by
// depth ascending then version descending, with degraded entries last.
func (r *Registry) FindByCapability(capability string) []Entry {
	return r.findMatching(func(e *Entry) bool {
		return e.Metadata.HasCapability(capability)
	})
}

// FindByTag returns entries carrying the tag, same ordering as
// FindByCapability.
func (r *Registry) FindByTag(tag string) []Entry {
	return r.findMatching(func(e *Entry) bool {
		return e.Metadata.HasTag(tag)
	})
}

// Search filters by optional name substring, tags, and capabilities. Every
// given tag and capability must match.
func (r *Registry) Search(namePattern string, tags, capabilities []string) []Entry {
	pattern := strings.ToLower(namePattern)
	return r.findMatching(func(e *Entry) bool {
		if pattern != "" && !strings.Contains(strings.ToLower(e.Metadata.Name), pattern) {
			return false
		}
		for _, tag := range tags {
			if !e.Metadata.HasTag(tag) {
				return false
			}
		}
		for _, capability := range capabilities {
			if !e.Metadata.HasCapability(capability) {
				return false
			}
		}
		return true
	})
}

func (r *Registry) findMatching(match func(*Entry) bool) []Entry {
	r.mu.RLock()
	var out []Entry
	for _, versions := range r.entries {
		for _, e := range versions {
			if match(e) {
				out = append(out, *e)
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Degraded != out[j].Degraded {
			return !out[i].Degraded
		}
		if out[i].Metadata.Depth != out[j].Metadata.Depth {
			return out[i].Metadata.Depth < out[j].Metadata.Depth
		}
		if out[i].Metadata.Name != out[j].Metadata.Name {
			return out[i].Metadata.Name < out[j].Metadata.Name
		}
		return out[i].version.GreaterThan(out[j].version)
	})
	return out
}

// SemanticSearch returns the k entries most similar to the query. With an
// embedder configured it ranks by cosine similarity over description
// embeddings; without one it falls back to case-insensitive substring match
// on descriptions. Results are deterministic for a fixed embedder.
func (r *Registry) SemanticSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	if r.embedder == nil {
		return r.substringSearch(query, k), nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapTaskError(core.KindDependency, "embedding query failed", err)
	}

	r.mu.RLock()
	var results []SearchResult
	for _, versions := range r.entries {
		for _, e := range versions {
			if len(e.Embedding) == 0 {
				continue
			}
			results = append(results, SearchResult{
				Entry: *e,
				Score: CosineSimilarity(queryVec, e.Embedding),
			})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Entry.Degraded != results[j].Entry.Degraded {
			return !results[i].Entry.Degraded
		}
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Entry.Metadata.Name != results[j].Entry.Metadata.Name {
			return results[i].Entry.Metadata.Name < results[j].Entry.Metadata.Name
		}
		return results[i].Entry.version.GreaterThan(results[j].Entry.version)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (r *Registry) substringSearch(query string, k int) []SearchResult {
	needle := strings.ToLower(query)
	matches := r.findMatching(func(e *Entry) bool {
		return strings.Contains(strings.ToLower(e.Metadata.Description), needle)
	})
	var results []SearchResult
	for _, e := range matches {
		results = append(results, SearchResult{Entry: e, Score: 1})
		if len(results) == k {
			break
		}
	}
	return results
}

// HealthRollup probes every entry concurrently, each under its own timeout.
// Probe failures are reported inside the rollup, never propagated; a probe
// error or timeout counts the entry as unknown.
func (r *Registry) HealthRollup(ctx context.Context, perEntryTimeout time.Duration) *HealthRollupReport {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.entries))
	for _, versions := range r.entries {
		for _, e := range versions {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	report := &HealthRollupReport{
		CheckedAt: time.Now(),
		Entries:   make([]EntryHealth, len(targets)),
	}

	var wg sync.WaitGroup
	for i, entry := range targets {
		wg.Add(1)
		go func(i int, entry *Entry) {
			defer wg.Done()
			report.Entries[i] = r.probeEntry(ctx, entry, perEntryTimeout)
		}(i, entry)
	}
	wg.Wait()

	sort.Slice(report.Entries, func(i, j int) bool {
		if report.Entries[i].Name != report.Entries[j].Name {
			return report.Entries[i].Name < report.Entries[j].Name
		}
		return report.Entries[i].Version < report.Entries[j].Version
	})

	for _, eh := range report.Entries {
		switch eh.Status {
		case core.HealthHealthy:
			report.Healthy++
		case core.HealthUnhealthy:
			report.Unhealthy++
		default:
			report.Unknown++
		}
	}
	return report
}

func (r *Registry) probeEntry(ctx context.Context, entry *Entry, timeout time.Duration) EntryHealth {
	result := EntryHealth{
		Name:    entry.Metadata.Name,
		Version: entry.Metadata.Version,
		Status:  core.HealthUnknown,
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type probeOutcome struct {
		healthy bool
		details map[string]interface{}
	}
	done := make(chan probeOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- probeOutcome{healthy: false, details: map[string]interface{}{"panic": fmt.Sprintf("%v", rec)}}
			}
		}()
		healthy, details := entry.Resolver.HealthCheck(probeCtx)
		done <- probeOutcome{healthy: healthy, details: details}
	}()

	select {
	case outcome := <-done:
		if outcome.healthy {
			result.Status = core.HealthHealthy
		} else {
			result.Status = core.HealthUnhealthy
		}
		result.Details = outcome.details
	case <-probeCtx.Done():
		result.Error = probeCtx.Err().Error()
	}

	now := time.Now()
	r.mu.Lock()
	if versions, ok := r.entries[entry.Metadata.Name]; ok {
		if live, ok := versions[entry.Metadata.Version]; ok {
			live.LastHealthStatus = result.Status
			live.LastHealthCheckedAt = &now
		}
	}
	r.mu.Unlock()

	return result
}

// MarkDegraded flips an entry's degraded flag.
func (r *Registry) MarkDegraded(name, version string, degraded bool) error {
	return r.update(name, version, func(e *Entry) {
		e.Degraded = degraded
	})
}

// RecordEvolved stamps an entry's last evolution time.
func (r *Registry) RecordEvolved(name, version string, at time.Time) error {
	return r.update(name, version, func(e *Entry) {
		e.LastEvolvedAt = &at
	})
}

// RecordExecution folds one run into an entry's statistics.
func (r *Registry) RecordExecution(name, version string, success bool, duration time.Duration) error {
	return r.update(name, version, func(e *Entry) {
		e.Stats.Runs++
		if success {
			e.Stats.Successes++
		}
		e.Stats.TotalDuration += duration
	})
}

func (r *Registry) update(name, version string, mutate func(*Entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, name)
	}
	entry, ok := versions[version]
	if !ok {
		return fmt.Errorf("%w: %s@%s", core.ErrNotFound, name, version)
	}
	mutate(entry)
	return nil
}
