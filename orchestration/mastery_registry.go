package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// MasteryEntry is a stored plan plus bookkeeping.
type MasteryEntry struct {
	Plan         MasteryPlan `json:"plan"`
	RegisteredAt time.Time   `json:"registered_at"`
	Latest       bool        `json:"latest"`
	Embedding    []float64   `json:"embedding,omitempty"`

	version *semver.Version
}

// MasteryMatch pairs a plan snapshot with a similarity score.
type MasteryMatch struct {
	Entry MasteryEntry
	Score float64
}

// MasteryRegistry catalogs plan definitions keyed (name, version), the same
// shape as the resolver registry. It also resolves step selectors against
// the resolver catalog.
type MasteryRegistry struct {
	mu      sync.RWMutex
	entries map[string]map[string]*MasteryEntry

	resolvers *registry.Registry
	embedder  registry.Embedder
	logger    core.Logger
}

// MasteryOption configures a MasteryRegistry.
type MasteryOption func(*MasteryRegistry)

// WithMasteryEmbedder enables semantic matching over plan descriptions.
func WithMasteryEmbedder(e registry.Embedder) MasteryOption {
	return func(m *MasteryRegistry) { m.embedder = e }
}

// WithMasteryLogger sets the logger.
func WithMasteryLogger(l core.Logger) MasteryOption {
	return func(m *MasteryRegistry) { m.logger = l }
}

// NewMasteryRegistry creates a registry backed by the given resolver catalog.
func NewMasteryRegistry(resolvers *registry.Registry, opts ...MasteryOption) *MasteryRegistry {
	m := &MasteryRegistry{
		entries:   make(map[string]map[string]*MasteryEntry),
		resolvers: resolvers,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register stores a validated plan. Duplicate (name, version) is rejected;
// the highest version becomes latest.
func (m *MasteryRegistry) Register(ctx context.Context, plan *MasteryPlan) (*MasteryEntry, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	version, err := semver.NewVersion(plan.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", core.ErrInvalidVersion, plan.Version, err)
	}

	entry := &MasteryEntry{
		Plan:         *plan,
		RegisteredAt: time.Now(),
		version:      version,
	}
	if m.embedder != nil && plan.Description != "" {
		if vec, err := m.embedder.Embed(ctx, plan.Description); err == nil {
			entry.Embedding = vec
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.entries[plan.Name]
	if !ok {
		versions = make(map[string]*MasteryEntry)
		m.entries[plan.Name] = versions
	}
	if _, exists := versions[plan.Version]; exists {
		return nil, fmt.Errorf("%w: %s@%s", core.ErrAlreadyRegistered, plan.Name, plan.Version)
	}
	versions[plan.Version] = entry
	m.promoteLatestLocked(plan.Name)

	m.logger.Info("Mastery registered", map[string]interface{}{
		"operation": "mastery_register",
		"name":      plan.Name,
		"version":   plan.Version,
		"steps":     len(plan.Steps),
	})

	snapshot := *entry
	return &snapshot, nil
}

// Unregister removes a plan; removing the latest promotes the next-highest.
func (m *MasteryRegistry) Unregister(name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.entries[name]
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
		delete(m.entries, name)
	} else if wasLatest {
		m.promoteLatestLocked(name)
	}
	return nil
}

func (m *MasteryRegistry) promoteLatestLocked(name string) {
	var highest *MasteryEntry
	for _, e := range m.entries[name] {
		e.Latest = false
		if highest == nil || e.version.GreaterThan(highest.version) {
			highest = e
		}
	}
	if highest != nil {
		highest.Latest = true
	}
}

// Get returns the plan entry; empty version means latest.
func (m *MasteryRegistry) Get(name, version string) (*MasteryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions, ok := m.entries[name]
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

// List returns every stored plan, name ascending then version descending.
func (m *MasteryRegistry) List() []MasteryEntry {
	m.mu.RLock()
	var out []MasteryEntry
	for _, versions := range m.entries {
		for _, e := range versions {
			out = append(out, *e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Plan.Name != out[j].Plan.Name {
			return out[i].Plan.Name < out[j].Plan.Name
		}
		return out[i].version.GreaterThan(out[j].version)
	})
	return out
}

// Match finds stored plans whose description is similar to the query. With
// an embedder it scores by cosine similarity; without one it falls back to
// substring matching with score 1.
func (m *MasteryRegistry) Match(ctx context.Context, query string, k int) ([]MasteryMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	if m.embedder == nil {
		needle := strings.ToLower(query)
		var matches []MasteryMatch
		for _, e := range m.List() {
			if strings.Contains(strings.ToLower(e.Plan.Description), needle) {
				matches = append(matches, MasteryMatch{Entry: e, Score: 1})
				if len(matches) == k {
					break
				}
			}
		}
		return matches, nil
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapTaskError(core.KindDependency, "embedding query failed", err)
	}

	m.mu.RLock()
	var matches []MasteryMatch
	for _, versions := range m.entries {
		for _, e := range versions {
			if len(e.Embedding) == 0 {
				continue
			}
			matches = append(matches, MasteryMatch{
				Entry: *e,
				Score: registry.CosineSimilarity(queryVec, e.Embedding),
			})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Entry.Plan.Name != matches[j].Entry.Plan.Name {
			return matches[i].Entry.Plan.Name < matches[j].Entry.Plan.Name
		}
		return matches[i].Entry.version.GreaterThan(matches[j].Entry.version)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// ResolveSelector maps a step selector to a concrete resolver entry using
// the current resolver catalog. Name selectors honor the version constraint
// (exact, caret, or latest); capability selectors pick the best-ranked
// non-degraded match satisfying the constraint.
func (m *MasteryRegistry) ResolveSelector(sel StepSelector) (*registry.Entry, error) {
	if sel.Name != "" {
		return m.resolveByName(sel)
	}
	if sel.Capability == "" {
		return nil, fmt.Errorf("%w: empty step selector", core.ErrInvalidConfiguration)
	}

	candidates := m.resolvers.FindByCapability(sel.Capability)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no resolver with capability %q", core.ErrNotFound, sel.Capability)
	}
	constraint, err := parseConstraint(sel.Constraint)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		if constraint == nil || constraintMatches(constraint, candidates[i].Metadata.Version) {
			return &candidates[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no resolver with capability %q satisfies %q", core.ErrNotFound, sel.Capability, sel.Constraint)
}

func (m *MasteryRegistry) resolveByName(sel StepSelector) (*registry.Entry, error) {
	switch {
	case sel.Constraint == "" || sel.Constraint == "latest":
		return m.resolvers.Latest(sel.Name)
	case strings.HasPrefix(sel.Constraint, "^"):
		constraint, err := parseConstraint(sel.Constraint)
		if err != nil {
			return nil, err
		}
		var best *registry.Entry
		var bestVersion *semver.Version
		for _, e := range m.resolvers.Search(sel.Name, nil, nil) {
			if e.Metadata.Name != sel.Name || !constraintMatches(constraint, e.Metadata.Version) {
				continue
			}
			v, err := semver.NewVersion(e.Metadata.Version)
			if err != nil {
				continue
			}
			if bestVersion == nil || v.GreaterThan(bestVersion) {
				snapshot := e
				best = &snapshot
				bestVersion = v
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: %s has no version satisfying %q", core.ErrNotFound, sel.Name, sel.Constraint)
		}
		return best, nil
	default:
		// Exact version.
		return m.resolvers.Get(sel.Name, sel.Constraint)
	}
}

func parseConstraint(raw string) (*semver.Constraints, error) {
	if raw == "" || raw == "latest" {
		return nil, nil
	}
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: constraint %q: %v", core.ErrInvalidVersion, raw, err)
	}
	return c, nil
}

func constraintMatches(c *semver.Constraints, version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// SavePlans persists every plan to the store, one document per identity.
func (m *MasteryRegistry) SavePlans(store *registry.FileStore) error {
	for _, e := range m.List() {
		if err := store.Save(e.Plan.Name, e.Plan.Version, e); err != nil {
			return err
		}
	}
	return nil
}

// LoadPlans restores persisted plans.
func (m *MasteryRegistry) LoadPlans(ctx context.Context, store *registry.FileStore) (int, error) {
	keys, err := store.Keys()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, key := range keys {
		var stored MasteryEntry
		if err := store.Load(key[0], key[1], &stored); err != nil {
			return loaded, err
		}
		entry, err := m.Register(ctx, &stored.Plan)
		if err != nil {
			return loaded, err
		}
		m.mu.Lock()
		if live, ok := m.entries[entry.Plan.Name][entry.Plan.Version]; ok {
			live.RegisteredAt = stored.RegisteredAt
			if len(stored.Embedding) > 0 {
				live.Embedding = stored.Embedding
			}
		}
		m.mu.Unlock()
		loaded++
	}
	return loaded, nil
}
