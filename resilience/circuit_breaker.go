package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskfabric/fabric/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure errors, not user errors
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	// Client gave up, not a dependency failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	switch core.KindOf(err) {
	case core.KindValidation, core.KindBusinessLogic, core.KindAuthentication:
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker, usually a resolver identity.
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that triggers opening
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of requests before evaluation
	VolumeThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests in half-open state
	HalfOpenRequests int

	// SuccessThreshold is the success rate needed to close from half-open
	SuccessThreshold float64

	// WindowSize is the sliding window duration for metrics
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window
	BucketCount int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state change events
	Logger core.Logger
}

// DefaultBreakerConfig returns a production-ready default configuration
func DefaultBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// Validate checks the configuration bounds.
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil circuit breaker config", core.ErrInvalidConfiguration)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: circuit breaker name is required", core.ErrInvalidConfiguration)
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("%w: error threshold must be between 0 and 1, got %f", core.ErrInvalidConfiguration, c.ErrorThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("%w: success threshold must be between 0 and 1, got %f", core.ErrInvalidConfiguration, c.SuccessThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("%w: volume threshold must be non-negative, got %d", core.ErrInvalidConfiguration, c.VolumeThreshold)
	}
	if c.SleepWindow < 0 {
		return fmt.Errorf("%w: sleep window must be non-negative, got %v", core.ErrInvalidConfiguration, c.SleepWindow)
	}
	return nil
}

// CircuitBreaker implements the three-state breaker with a bucketed sliding
// window of outcomes. Dispatch paths consult CanExecute before invoking a
// resolver and feed results back through RecordSuccess/RecordFailure.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *SlidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	listeners []func(name string, from, to CircuitState)

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for any
// unset tuning fields.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn with breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute() {
		ObserveRejection(cb.config.Name)
		return core.WrapTaskError(core.KindDependency,
			fmt.Sprintf("circuit breaker %q is open", cb.config.Name),
			core.ErrCircuitBreakerOpen)
	}
	err := fn(ctx)
	if err != nil {
		cb.RecordError(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// CanExecute checks if the circuit breaker allows execution.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		stateChangedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(stateChangedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionToUnlocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.reserveHalfOpenSlot()
		}
		return false
	default: // half-open
		return cb.reserveHalfOpenSlot()
	}
}

// reserveHalfOpenSlot atomically claims one of the limited test requests.
func (cb *CircuitBreaker) reserveHalfOpenSlot() bool {
	for {
		current := cb.halfOpenTotal.Load()
		if int(current) >= cb.config.HalfOpenRequests {
			return false
		}
		if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.window.RecordSuccess()
	if cb.state.Load().(CircuitState) == StateHalfOpen {
		cb.halfOpenSuccesses.Add(1)
	}
	cb.evaluateState()
}

// RecordFailure records a failed operation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.window.RecordFailure()
	if cb.state.Load().(CircuitState) == StateHalfOpen {
		cb.halfOpenFailures.Add(1)
	}
	cb.evaluateState()
}

// RecordError records a failure only if the classifier counts it.
func (cb *CircuitBreaker) RecordError(err error) {
	if !cb.config.ErrorClassifier(err) {
		return
	}
	cb.RecordFailure()
}

// evaluateState checks if a state transition is needed
func (cb *CircuitBreaker) evaluateState() {
	currentState := cb.state.Load().(CircuitState)

	switch currentState {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.config.Logger.Info("Circuit breaker opening", map[string]interface{}{
				"operation":       "circuit_breaker_opening",
				"name":            cb.config.Name,
				"error_rate":      errorRate,
				"error_threshold": cb.config.ErrorThreshold,
				"total_requests":  total,
			})
			cb.mu.Lock()
			cb.transitionToUnlocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		totalHalfOpen := successes + failures
		if int(totalHalfOpen) < cb.config.HalfOpenRequests {
			return
		}
		successRate := float64(successes) / float64(totalHalfOpen)

		cb.mu.Lock()
		if successRate >= cb.config.SuccessThreshold {
			cb.transitionToUnlocked(StateClosed)
		} else {
			cb.transitionToUnlocked(StateOpen)
		}
		cb.mu.Unlock()
	}
}

// transitionToUnlocked changes state (must be called with lock held)
func (cb *CircuitBreaker) transitionToUnlocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}

	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())

	if newState == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}
	if newState == StateClosed {
		cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.config.Name,
		"from":       oldState.String(),
		"to":         newState.String(),
		"error_rate": cb.window.GetErrorRate(),
	})

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// GetMetrics returns current metrics for the monitoring surface.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()
	return map[string]interface{}{
		"name":       cb.config.Name,
		"state":      cb.GetState(),
		"success":    success,
		"failure":    failure,
		"total":      success + failure,
		"error_rate": cb.window.GetErrorRate(),
	}
}

// Reset returns the breaker to closed with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.halfOpenTotal.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.halfOpenFailures.Store(0)
	cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
}

// bucket represents a time bucket in the sliding window
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks recent outcomes across rotating time buckets.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.Mutex
}

// NewSlidingWindow creates a sliding window covering windowSize split into
// bucketCount buckets.
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
	}
}

// rotateBuckets advances past expired buckets. Monotonic time, so elapsed
// never goes backward.
func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)
	if elapsed < sw.bucketSize {
		return
	}

	bucketsToRotate := int(elapsed / sw.bucketSize)
	if bucketsToRotate > len(sw.buckets) {
		bucketsToRotate = len(sw.buckets)
	}
	for i := 0; i < bucketsToRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

// RecordSuccess records a successful operation
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed operation
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts returns success and failure counts inside the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns the current error rate
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// GetTotal returns the total number of requests
func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
