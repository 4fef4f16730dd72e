package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskfabric/fabric/core"
)

// SampleKind selects the backing table for a sample.
type SampleKind string

const (
	KindSystem      SampleKind = "system"
	KindHealth      SampleKind = "health"
	KindPerformance SampleKind = "performance"
)

// Sample is one observation. Component and Success are meaningful for
// health and performance kinds; Value carries the measurement.
type Sample struct {
	Kind      SampleKind        `json:"kind"`
	Name      string            `json:"name"`
	Component string            `json:"component,omitempty"`
	Value     float64           `json:"value"`
	Success   *bool             `json:"success,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter is a conjunction over name, component, and tags. Zero values match
// everything.
type Filter struct {
	Name      string
	Component string
	Tags      map[string]string
}

func (f Filter) matches(s *Sample) bool {
	if f.Name != "" && f.Name != s.Name {
		return false
	}
	if f.Component != "" && f.Component != s.Component {
		return false
	}
	for k, v := range f.Tags {
		if s.Tags[k] != v {
			return false
		}
	}
	return true
}

// Window bounds a query in time. A zero From or To leaves that side open.
type Window struct {
	From time.Time
	To   time.Time
}

// Reducer folds a bucket of values into one.
type Reducer string

const (
	ReduceCount Reducer = "count"
	ReduceSum   Reducer = "sum"
	ReduceAvg   Reducer = "avg"
	ReduceMin   Reducer = "min"
	ReduceMax   Reducer = "max"
	ReduceP50   Reducer = "p50"
	ReduceP95   Reducer = "p95"
	ReduceP99   Reducer = "p99"
)

// BucketValue is one aggregated point.
type BucketValue struct {
	BucketStart time.Time `json:"bucket_start"`
	Value       float64   `json:"value"`
}

const schema = `
CREATE TABLE IF NOT EXISTS system_metrics (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	value     REAL NOT NULL,
	tags      TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_ts ON system_metrics(timestamp);

CREATE TABLE IF NOT EXISTS component_health (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     REAL NOT NULL,
	healthy   INTEGER,
	tags      TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_ts ON component_health(component, timestamp);

CREATE TABLE IF NOT EXISTS performance_metrics (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     REAL NOT NULL,
	success   INTEGER,
	tags      TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_perf_ts ON performance_metrics(component, timestamp);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL,
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	status      TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	opened_at   INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id, status);
`

// MetricsStore is an append-only sample store on embedded sqlite. Appends
// go through a bounded queue and are flushed in batches; the loss window on
// crash is at most one flush interval.
type MetricsStore struct {
	db *sqlx.DB

	queue         chan *Sample
	appendTimeout time.Duration
	flushInterval time.Duration
	batchSize     int

	wg      sync.WaitGroup
	stopCh  chan struct{}
	flushCh chan chan struct{}
	logger  core.Logger

	mu     sync.Mutex
	closed bool
}

// StoreOption configures a MetricsStore.
type StoreOption func(*MetricsStore)

// WithQueueDepth sets the append high-water mark.
func WithQueueDepth(n int) StoreOption {
	return func(s *MetricsStore) {
		if n > 0 {
			s.queue = make(chan *Sample, n)
		}
	}
}

// WithAppendTimeout bounds how long Append blocks on a full queue before
// dropping the sample.
func WithAppendTimeout(d time.Duration) StoreOption {
	return func(s *MetricsStore) { s.appendTimeout = d }
}

// WithFlushInterval bounds the write-batching loss window.
func WithFlushInterval(d time.Duration) StoreOption {
	return func(s *MetricsStore) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l core.Logger) StoreOption {
	return func(s *MetricsStore) { s.logger = l }
}

// OpenMetricsStore opens (creating if needed) the sqlite file at path and
// starts the background writer. Use ":memory:" for tests.
func OpenMetricsStore(path string, opts ...StoreOption) (*MetricsStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metrics store: %w", err)
	}
	// sqlite allows one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metrics schema: %w", err)
	}

	s := &MetricsStore{
		db:            db,
		queue:         make(chan *Sample, 1024),
		appendTimeout: 100 * time.Millisecond,
		flushInterval: time.Second,
		batchSize:     256,
		stopCh:        make(chan struct{}),
		flushCh:       make(chan chan struct{}),
		logger:        &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Append enqueues a sample. A zero timestamp is assigned on entry. When the
// queue stays saturated past the append timeout the sample is dropped, the
// drop counter is incremented, and ErrBackpressure is returned.
func (s *MetricsStore) Append(sample Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	select {
	case s.queue <- &sample:
		return nil
	default:
	}

	timer := time.NewTimer(s.appendTimeout)
	defer timer.Stop()
	select {
	case s.queue <- &sample:
		return nil
	case <-timer.C:
		ObserveSampleDropped(string(sample.Kind))
		s.logger.Warn("Sample dropped under backpressure", map[string]interface{}{
			"operation": "metrics_append",
			"kind":      string(sample.Kind),
			"name":      sample.Name,
		})
		return fmt.Errorf("%w: %s sample %s", core.ErrBackpressure, sample.Kind, sample.Name)
	}
}

func (s *MetricsStore) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*Sample, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(batch); err != nil {
			s.logger.Error("Flushing sample batch failed", map[string]interface{}{
				"operation": "metrics_flush",
				"count":     len(batch),
				"error":     err.Error(),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case sample := <-s.queue:
			batch = append(batch, sample)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case done := <-s.flushCh:
			drained := false
			for !drained {
				select {
				case sample := <-s.queue:
					batch = append(batch, sample)
				default:
					drained = true
				}
			}
			flush()
			close(done)
		case <-s.stopCh:
			for {
				select {
				case sample := <-s.queue:
					batch = append(batch, sample)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *MetricsStore) writeBatch(batch []*Sample) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sample := range batch {
		tags, err := json.Marshal(sample.Tags)
		if err != nil {
			tags = []byte("{}")
		}
		ts := sample.Timestamp.UnixNano()
		switch sample.Kind {
		case KindSystem:
			_, err = tx.Exec(
				`INSERT INTO system_metrics (name, value, tags, timestamp) VALUES (?, ?, ?, ?)`,
				sample.Name, sample.Value, string(tags), ts)
		case KindHealth:
			_, err = tx.Exec(
				`INSERT INTO component_health (component, name, value, healthy, tags, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
				sample.Component, sample.Name, sample.Value, boolPtrToInt(sample.Success), string(tags), ts)
		case KindPerformance:
			_, err = tx.Exec(
				`INSERT INTO performance_metrics (component, name, value, success, tags, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
				sample.Component, sample.Name, sample.Value, boolPtrToInt(sample.Success), string(tags), ts)
		default:
			err = fmt.Errorf("unknown sample kind %q", sample.Kind)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolPtrToInt(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func tableFor(kind SampleKind) (string, error) {
	switch kind {
	case KindSystem:
		return "system_metrics", nil
	case KindHealth:
		return "component_health", nil
	case KindPerformance:
		return "performance_metrics", nil
	default:
		return "", fmt.Errorf("%w: unknown sample kind %q", core.ErrInvalidConfiguration, kind)
	}
}

type sampleRow struct {
	ID        int64          `db:"id"`
	Name      string         `db:"name"`
	Component sql.NullString `db:"component"`
	Value     float64        `db:"value"`
	Success   sql.NullInt64  `db:"success"`
	Healthy   sql.NullInt64  `db:"healthy"`
	Tags      string         `db:"tags"`
	Timestamp int64          `db:"timestamp"`
}

// Query returns samples of the kind matching filter and window, ordered by
// timestamp ascending. limit <= 0 means unbounded.
func (s *MetricsStore) Query(ctx context.Context, kind SampleKind, filter Filter, window Window, limit int) ([]Sample, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM " + table + " WHERE 1=1"
	var args []interface{}
	if !window.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, window.From.UnixNano())
	}
	if !window.To.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, window.To.UnixNano())
	}
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Component != "" && kind != KindSystem {
		query += " AND component = ?"
		args = append(args, filter.Component)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var row sampleRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		sample := rowToSample(kind, &row)
		if !filter.matches(&sample) {
			continue
		}
		out = append(out, sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func rowToSample(kind SampleKind, row *sampleRow) Sample {
	sample := Sample{
		Kind:      kind,
		Name:      row.Name,
		Value:     row.Value,
		Timestamp: time.Unix(0, row.Timestamp),
	}
	if row.Component.Valid {
		sample.Component = row.Component.String
	}
	success := row.Success
	if kind == KindHealth {
		success = row.Healthy
	}
	if success.Valid {
		b := success.Int64 != 0
		sample.Success = &b
	}
	if row.Tags != "" && row.Tags != "{}" {
		_ = json.Unmarshal([]byte(row.Tags), &sample.Tags)
	}
	return sample
}

// Aggregate buckets the matching samples and applies the reducer per
// bucket. Empty buckets are omitted.
func (s *MetricsStore) Aggregate(ctx context.Context, kind SampleKind, filter Filter, window Window, bucket time.Duration, reducer Reducer) ([]BucketValue, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("%w: bucket must be positive", core.ErrInvalidConfiguration)
	}
	samples, err := s.Query(ctx, kind, filter, window, 0)
	if err != nil {
		return nil, err
	}

	grouped := make(map[int64][]float64)
	for _, sample := range samples {
		start := sample.Timestamp.Truncate(bucket).UnixNano()
		grouped[start] = append(grouped[start], sample.Value)
	}

	starts := make([]int64, 0, len(grouped))
	for start := range grouped {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := make([]BucketValue, 0, len(starts))
	for _, start := range starts {
		value, err := reduce(reducer, grouped[start])
		if err != nil {
			return nil, err
		}
		out = append(out, BucketValue{BucketStart: time.Unix(0, start), Value: value})
	}
	return out, nil
}

func reduce(reducer Reducer, values []float64) (float64, error) {
	switch reducer {
	case ReduceCount:
		return float64(len(values)), nil
	case ReduceSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case ReduceAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case ReduceMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case ReduceMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	case ReduceP50:
		return percentile(values, 0.50), nil
	case ReduceP95:
		return percentile(values, 0.95), nil
	case ReduceP99:
		return percentile(values, 0.99), nil
	default:
		return 0, fmt.Errorf("%w: unknown reducer %q", core.ErrInvalidConfiguration, reducer)
	}
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// Compact removes samples older than the cutoff from every sample table and
// returns how many rows were removed.
func (s *MetricsStore) Compact(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	for _, table := range []string{"system_metrics", "component_health", "performance_metrics"} {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE timestamp < ?", olderThan.UnixNano())
		if err != nil {
			return removed, fmt.Errorf("compacting %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// Flush blocks until every queued sample has been written. Intended for
// tests and shutdown paths.
func (s *MetricsStore) Flush() {
	done := make(chan struct{})
	select {
	case s.flushCh <- done:
		<-done
	case <-s.stopCh:
	}
}

// RecordPerformance appends one performance sample. Append failures are
// already counted; callers never fail on monitoring.
func (s *MetricsStore) RecordPerformance(component, operation string, duration time.Duration, success bool) {
	ok := success
	_ = s.Append(Sample{
		Kind:      KindPerformance,
		Name:      operation,
		Component: component,
		Value:     float64(duration.Milliseconds()),
		Success:   &ok,
	})
}

// RecordStepPerformance satisfies the executor's performance sink.
func (s *MetricsStore) RecordStepPerformance(planName, stepID, resolver string, duration time.Duration, success bool) {
	ok := success
	_ = s.Append(Sample{
		Kind:      KindPerformance,
		Name:      stepID,
		Component: planName,
		Value:     float64(duration.Milliseconds()),
		Success:   &ok,
		Tags:      map[string]string{"resolver": resolver},
	})
}

// Close drains the queue, stops the writer, and closes the database.
func (s *MetricsStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return s.db.Close()
}
