package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyJittered    Strategy = "jittered"
)

// Policy configures retry behavior. The zero value is not usable; start from
// DefaultPolicy or build one from core.RetryConfig via PolicyFromConfig.
type Policy struct {
	MaxAttempts  int
	Strategy     Strategy
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64

	// Retryable decides whether an error kind is worth another attempt.
	// Nil falls back to core.DefaultRetryable.
	Retryable func(core.ErrorKind) bool

	// Logger for per-attempt diagnostics. Nil means silent.
	Logger core.Logger

	// Sleep is overridable for tests. Nil uses a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy provides sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Strategy:     StrategyExponential,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		JitterFactor: 0.1,
	}
}

// PolicyFromConfig converts the serializable config form into a Policy.
func PolicyFromConfig(rc core.RetryConfig) Policy {
	p := DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.Strategy != "" {
		p.Strategy = Strategy(rc.Strategy)
	}
	p.BaseDelay = time.Duration(rc.BaseDelayMS) * time.Millisecond
	p.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
	p.JitterFactor = rc.JitterFactor
	return p
}

// fibCache memoizes the fibonacci sequence across calls. Attempts are small
// integers so the cache stays tiny.
var (
	fibMu    sync.Mutex
	fibCache = []int64{0, 1, 1}
)

func fib(n int) int64 {
	if n < 0 {
		return 0
	}
	fibMu.Lock()
	defer fibMu.Unlock()
	for len(fibCache) <= n {
		fibCache = append(fibCache, fibCache[len(fibCache)-1]+fibCache[len(fibCache)-2])
	}
	return fibCache[n]
}

// Delay returns the sleep duration after the given failed attempt (1-based),
// clamped to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyConstant:
		d = p.BaseDelay
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyFibonacci:
		d = p.BaseDelay * time.Duration(fib(attempt))
	case StrategyJittered:
		d = exponentialDelay(p.BaseDelay, attempt)
		if p.JitterFactor > 0 {
			// Uniform jitter in [-factor, +factor] around the exponential value.
			jitter := (rand.Float64()*2 - 1) * p.JitterFactor
			d = time.Duration(float64(d) * (1 + jitter))
		}
	default: // StrategyExponential
		d = exponentialDelay(p.BaseDelay, attempt)
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

func exponentialDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d < 0 { // overflow
			return time.Duration(1<<62 - 1)
		}
	}
	return d
}

// Call runs fn under the retry policy. It returns nil on the first success,
// a Cancelled TaskError if ctx is done (cancellation wins ties), or the last
// failure with the attempt count recorded. Panics inside fn are captured and
// surfaced as non-retryable Internal errors.
func Call(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = core.DefaultRetryable
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr *core.TaskError

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		// Cancellation wins before every attempt.
		if err := ctx.Err(); err != nil {
			return cancelled(err, attempt-1)
		}

		err := safeInvoke(ctx, fn)
		if err == nil {
			// Cancellation wins over a success that raced with it.
			if cerr := ctx.Err(); cerr != nil {
				return cancelled(cerr, attempt)
			}
			ObserveRetryOutcome(policy.Strategy, true)
			return nil
		}

		lastErr = core.AsTaskError(err)
		lastErr.Attempts = attempt

		if lastErr.Kind == core.KindCancelled {
			return lastErr
		}
		if !retryable(lastErr.Kind) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if policy.Logger != nil {
			policy.Logger.Debug("Retrying after failure", map[string]interface{}{
				"operation": "retry_backoff",
				"attempt":   attempt,
				"kind":      string(lastErr.Kind),
				"delay_ms":  delay.Milliseconds(),
				"strategy":  string(policy.Strategy),
			})
		}
		if err := sleep(ctx, delay); err != nil {
			return cancelled(err, attempt)
		}
	}

	ObserveRetryOutcome(policy.Strategy, false)
	final := core.WrapTaskError(lastErr.Kind,
		fmt.Sprintf("max retry attempts (%d) exceeded", policy.MaxAttempts),
		fmt.Errorf("%w: %w", core.ErrMaxRetriesExceeded, lastErr))
	final.Attempts = policy.MaxAttempts
	final.Retryable = false
	return final
}

// safeInvoke runs fn and converts a panic into an Internal TaskError.
func safeInvoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			te := core.NewTaskError(core.KindInternal, fmt.Sprintf("panic recovered: %v", r))
			te.Details = map[string]interface{}{"stack": string(stack)}
			err = te
		}
	}()
	return fn(ctx)
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Immediate retry still yields to cancellation.
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cancelled(cause error, attempts int) *core.TaskError {
	te := core.WrapTaskError(core.KindCancelled, "retry aborted by context", cause)
	te.Attempts = attempts
	return te
}

// CallWithBreaker wraps Call so every attempt first consults the circuit
// breaker. An open circuit reports as a retryable Dependency failure.
func CallWithBreaker(ctx context.Context, policy Policy, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return Call(ctx, policy, func(ctx context.Context) error {
		if !cb.CanExecute() {
			return core.WrapTaskError(core.KindDependency, "circuit breaker open", core.ErrCircuitBreakerOpen)
		}
		err := fn(ctx)
		if err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
