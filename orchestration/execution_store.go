package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskfabric/fabric/core"
)

// ExecutionStore persists execution records so monitoring can read them
// while a plan is still running and after it finished.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// List returns the most recent executions, newest first, up to limit.
	List(ctx context.Context, limit int) ([]*Execution, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryExecutionStore keeps executions in a map. Suitable for tests and
// single-process deployments.
type InMemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewInMemoryExecutionStore creates an empty in-memory store.
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{execs: make(map[string]*Execution)}
}

func (s *InMemoryExecutionStore) Save(_ context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", exec.ID, err)
	}
	var snapshot Execution
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decoding execution %s: %w", exec.ID, err)
	}

	s.mu.Lock()
	s.execs[exec.ID] = &snapshot
	s.mu.Unlock()
	return nil
}

func (s *InMemoryExecutionStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	exec, ok := s.execs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", core.ErrNotFound, id)
	}
	snapshot := *exec
	return &snapshot, nil
}

func (s *InMemoryExecutionStore) List(_ context.Context, limit int) ([]*Execution, error) {
	s.mu.RLock()
	out := make([]*Execution, 0, len(s.execs))
	for _, exec := range s.execs {
		snapshot := *exec
		out = append(out, &snapshot)
	}
	s.mu.RUnlock()

	// ULIDs sort lexicographically by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryExecutionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.execs, id)
	s.mu.Unlock()
	return nil
}

// RedisExecutionStore persists executions as JSON values with a sorted-set
// index for recency ordering.
type RedisExecutionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisExecutionStoreOption configures a RedisExecutionStore.
type RedisExecutionStoreOption func(*RedisExecutionStore)

// WithExecutionTTL expires stored executions after d.
func WithExecutionTTL(d time.Duration) RedisExecutionStoreOption {
	return func(s *RedisExecutionStore) { s.ttl = d }
}

// WithExecutionKeyPrefix overrides the default "fabric:executions" prefix.
func WithExecutionKeyPrefix(prefix string) RedisExecutionStoreOption {
	return func(s *RedisExecutionStore) { s.prefix = prefix }
}

// NewRedisExecutionStore connects to Redis and verifies the connection.
func NewRedisExecutionStore(redisURL string, opts ...RedisExecutionStoreOption) (*RedisExecutionStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	s := &RedisExecutionStore{
		client: client,
		prefix: "fabric:executions",
		ttl:    24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *RedisExecutionStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisExecutionStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisExecutionStore) Save(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encoding execution %s: %w", exec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(exec.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(exec.StartedAt.UnixNano()),
		Member: exec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *RedisExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: execution %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", id, err)
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *RedisExecutionStore) List(ctx context.Context, limit int) ([]*Execution, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if err != nil {
			// Value expired but index entry lingers; drop the stale entry.
			if ctx.Err() == nil {
				s.client.ZRem(ctx, s.indexKey(), id)
			}
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisExecutionStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting execution %s: %w", id, err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisExecutionStore) Close() error {
	return s.client.Close()
}
