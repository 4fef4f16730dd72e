package monitoring

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskfabric/fabric/core"
)

// AlertStatus is the lifecycle state of an alert. Transitions are one-way:
// Active -> Acknowledged -> Resolved.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Severity orders alerts for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PredicateOp compares the latest bucket value against the rule threshold.
type PredicateOp string

const (
	OpGreaterThan PredicateOp = "gt"
	OpLessThan    PredicateOp = "lt"
	OpEqual       PredicateOp = "eq"
)

// Rule describes one periodic alert evaluation. Severity lives on the rule;
// editing it never changes already-open alerts.
type Rule struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Kind      SampleKind    `json:"kind" yaml:"kind"`
	Filter    Filter        `json:"filter" yaml:"filter"`
	Window    time.Duration `json:"window" yaml:"window"`
	Bucket    time.Duration `json:"bucket" yaml:"bucket"`
	Reducer   Reducer       `json:"reducer" yaml:"reducer"`
	Op        PredicateOp   `json:"op" yaml:"op"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Severity  Severity      `json:"severity" yaml:"severity"`
	Cooldown  time.Duration `json:"cooldown" yaml:"cooldown"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
}

func (r Rule) fires(value float64) bool {
	switch r.Op {
	case OpGreaterThan:
		return value > r.Threshold
	case OpLessThan:
		return value < r.Threshold
	case OpEqual:
		return value == r.Threshold
	default:
		return false
	}
}

// Alert is one open or historical alert instance.
type Alert struct {
	ID        string      `json:"id"`
	RuleID    string      `json:"rule_id"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	Status    AlertStatus `json:"status"`
	Notes     []string    `json:"notes,omitempty"`
	OpenedAt  time.Time   `json:"opened_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// AlertManager evaluates rules on a fixed tick and keeps at most one Active
// alert per rule. Alert state is mirrored to the metrics store's alerts
// table so it survives restarts.
type AlertManager struct {
	store *MetricsStore

	mu     sync.Mutex
	rules  map[string]Rule
	alerts map[string]*Alert

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   core.Logger
}

// AlertOption configures an AlertManager.
type AlertOption func(*AlertManager)

// WithEvaluationInterval sets the tick period.
func WithEvaluationInterval(d time.Duration) AlertOption {
	return func(m *AlertManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithAlertLogger sets the logger.
func WithAlertLogger(l core.Logger) AlertOption {
	return func(m *AlertManager) { m.logger = l }
}

// NewAlertManager creates a manager over the metrics store and restores
// persisted alert state.
func NewAlertManager(store *MetricsStore, opts ...AlertOption) (*AlertManager, error) {
	m := &AlertManager{
		store:    store,
		rules:    make(map[string]Rule),
		alerts:   make(map[string]*Alert),
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AlertManager) restore() error {
	rows, err := m.store.db.Queryx(`SELECT id, rule_id, severity, message, status, notes, opened_at, updated_at FROM alerts`)
	if err != nil {
		return fmt.Errorf("restoring alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                   Alert
			notes               string
			openedAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Severity, &a.Message, &a.Status, &notes, &openedAt, &updatedAt); err != nil {
			return fmt.Errorf("scanning alert row: %w", err)
		}
		if notes != "" {
			a.Notes = strings.Split(notes, "\n")
		}
		a.OpenedAt = time.Unix(0, openedAt)
		a.UpdatedAt = time.Unix(0, updatedAt)
		m.alerts[a.ID] = &a
	}
	return rows.Err()
}

func (m *AlertManager) persist(a *Alert) {
	_, err := m.store.db.Exec(`
		INSERT INTO alerts (id, rule_id, severity, message, status, notes, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, notes=excluded.notes, updated_at=excluded.updated_at`,
		a.ID, a.RuleID, a.Severity, a.Message, a.Status,
		strings.Join(a.Notes, "\n"), a.OpenedAt.UnixNano(), a.UpdatedAt.UnixNano())
	if err != nil {
		m.logger.Warn("Persisting alert failed", map[string]interface{}{
			"operation": "alert_persist",
			"alert":     a.ID,
			"error":     err.Error(),
		})
	}
}

// SetRule adds or replaces a rule.
func (m *AlertManager) SetRule(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", core.ErrInvalidConfiguration)
	}
	if _, err := tableFor(rule.Kind); err != nil {
		return err
	}
	m.mu.Lock()
	m.rules[rule.ID] = rule
	m.mu.Unlock()
	return nil
}

// DeleteRule removes a rule. Open alerts for it stay open until resolved.
func (m *AlertManager) DeleteRule(id string) {
	m.mu.Lock()
	delete(m.rules, id)
	m.mu.Unlock()
}

// Rules returns the rule set sorted by id.
func (m *AlertManager) Rules() []Rule {
	m.mu.Lock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start runs the evaluation loop until Stop or context cancellation.
func (m *AlertManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Evaluate(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (m *AlertManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Evaluate runs one tick: every enabled rule is aggregated over its window
// and the predicate applied to the latest bucket. Rule evaluations are
// independent.
func (m *AlertManager) Evaluate(ctx context.Context) {
	for _, rule := range m.Rules() {
		if !rule.Enabled {
			continue
		}
		m.evaluateRule(ctx, rule)
	}
}

func (m *AlertManager) evaluateRule(ctx context.Context, rule Rule) {
	now := time.Now()
	window := Window{From: now.Add(-rule.Window), To: now}
	buckets, err := m.store.Aggregate(ctx, rule.Kind, rule.Filter, window, rule.Bucket, rule.Reducer)
	if err != nil {
		m.logger.Warn("Rule aggregation failed", map[string]interface{}{
			"operation": "alert_evaluate",
			"rule":      rule.ID,
			"error":     err.Error(),
		})
		return
	}

	fired := false
	if len(buckets) > 0 {
		fired = rule.fires(buckets[len(buckets)-1].Value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeForRuleLocked(rule.ID)
	switch {
	case fired && active == nil:
		m.openLocked(rule.ID, rule.Severity,
			fmt.Sprintf("rule %s fired: %s %s %g", rule.Name, rule.Reducer, rule.Op, rule.Threshold))
	case !fired && active != nil && now.Sub(active.OpenedAt) >= rule.Cooldown:
		active.Status = AlertResolved
		active.UpdatedAt = now
		active.Notes = append(active.Notes, "auto-resolved: condition cleared")
		m.persist(active)
	}
}

func (m *AlertManager) activeForRuleLocked(ruleID string) *Alert {
	for _, a := range m.alerts {
		if a.RuleID == ruleID && a.Status != AlertResolved {
			return a
		}
	}
	return nil
}

func (m *AlertManager) openLocked(ruleID string, severity Severity, message string) *Alert {
	now := time.Now()
	a := &Alert{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		RuleID:    ruleID,
		Severity:  severity,
		Message:   message,
		Status:    AlertActive,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	m.alerts[a.ID] = a
	m.persist(a)
	ObserveAlertOpened(ruleID)
	m.logger.Warn("Alert opened", map[string]interface{}{
		"operation": "alert_open",
		"alert":     a.ID,
		"rule":      ruleID,
		"severity":  string(severity),
	})
	return a
}

// Raise opens an alert outside rule evaluation, deduplicated per source the
// same way rules are. The evolver uses this for intervention requests.
func (m *AlertManager) Raise(_ context.Context, source string, severity string, message string, labels map[string]string) error {
	ruleID := "raised:" + source
	if r, ok := labels["resolver"]; ok {
		ruleID += ":" + r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.activeForRuleLocked(ruleID); existing != nil {
		return nil
	}
	m.openLocked(ruleID, Severity(severity), message)
	return nil
}

// Active returns open (active or acknowledged) alerts, newest first.
func (m *AlertManager) Active() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Status != AlertResolved {
			out = append(out, *a)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Get returns one alert by id.
func (m *AlertManager) Get(id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", core.ErrNotFound, id)
	}
	snapshot := *a
	return &snapshot, nil
}

// Acknowledge marks an alert acknowledged. Acknowledging twice is a no-op;
// acknowledging a resolved alert is a state conflict.
func (m *AlertManager) Acknowledge(id, note string) error {
	return m.transition(id, note, AlertAcknowledged)
}

// Resolve closes an alert. Resolving twice is a no-op.
func (m *AlertManager) Resolve(id, note string) error {
	return m.transition(id, note, AlertResolved)
}

func (m *AlertManager) transition(id, note string, to AlertStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("%w: alert %s", core.ErrNotFound, id)
	}
	if a.Status == to {
		return nil
	}
	if a.Status == AlertResolved {
		return fmt.Errorf("%w: alert %s", core.ErrAlertClosed, id)
	}

	a.Status = to
	a.UpdatedAt = time.Now()
	if note != "" {
		a.Notes = append(a.Notes, note)
	}
	m.persist(a)
	return nil
}
