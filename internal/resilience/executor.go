// Package resilience provides a bounded-retry executor with exponential
// backoff and jitter. Callers classify failures with an explicit error
// kind; kinds outside a policy's allow-list fail immediately.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies a failure for retry decisions
type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection"
	KindThrottled  ErrorKind = "throttled"
	KindTransient  ErrorKind = "transient"
	KindUnexpected ErrorKind = "unexpected"
)

type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// WithKind wraps err with a retry classification.
func WithKind(err error, kind ErrorKind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Classify returns the retry classification of err. Unclassified errors
// are treated as unexpected and therefore non-retryable under every
// built-in policy.
func Classify(err error) ErrorKind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnexpected
}

// Policy controls retry behavior for one call site. Policies are
// immutable; pick a preset or build one per call site.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	RetryableKinds    map[ErrorKind]bool
}

// Retryable reports whether a failure of this kind may be retried.
func (p Policy) Retryable(kind ErrorKind) bool {
	return p.RetryableKinds[kind]
}

func retryableSet(kinds ...ErrorKind) map[ErrorKind]bool {
	set := make(map[ErrorKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// CriticalPolicy is for operations that must succeed if at all possible.
func CriticalPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		JitterFactor:      0.05,
		RetryableKinds:    retryableSet(KindTimeout, KindConnection, KindThrottled, KindTransient),
	}
}

// RealtimePolicy is for latency-sensitive operations.
func RealtimePolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.10,
		RetryableKinds:    retryableSet(KindTimeout, KindConnection, KindThrottled, KindTransient),
	}
}

// BackgroundPolicy is for batch work that can wait.
func BackgroundPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.20,
		RetryableKinds:    retryableSet(KindTimeout, KindConnection, KindThrottled, KindTransient),
	}
}

// NonePolicy disables retries entirely.
func NonePolicy() Policy {
	return Policy{
		MaxAttempts:    1,
		RetryableKinds: retryableSet(),
	}
}

// Executor runs operations under a retry policy.
type Executor struct {
	logger *zap.Logger
	rand   *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRand sets the jitter randomness source.
func WithRand(r *rand.Rand) Option {
	return func(e *Executor) { e.rand = r }
}

// WithSleep replaces the delay function. Tests use this to capture
// computed delays without waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger, opts ...Option) *Executor {
	e := &Executor{
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op up to policy.MaxAttempts times. Failures outside the
// policy's retryable kinds return immediately; exhausting attempts returns
// the last failure.
func (e *Executor) Execute(ctx context.Context, name string, policy Policy, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempt", attempt))
			}
			return nil
		}

		kind := Classify(lastErr)
		if !policy.Retryable(kind) {
			e.logger.Warn("operation failed with non-retryable error",
				zap.String("operation", name),
				zap.String("kind", string(kind)),
				zap.Error(lastErr))
			return lastErr
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := e.delayFor(policy, attempt)
		e.logger.Debug("retrying operation",
			zap.String("operation", name),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	e.logger.Warn("operation exhausted retries",
		zap.String("operation", name),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr))
	return lastErr
}

// delayFor computes the backoff delay before attempt+1. The pre-jitter
// delay grows multiplicatively; jitter perturbs it by ±JitterFactor and
// the result is clamped to MaxDelay.
func (e *Executor) delayFor(policy Policy, attempt int) time.Duration {
	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	jitter := 1 + policy.JitterFactor*(2*e.rand.Float64()-1)
	delay := time.Duration(base * jitter)
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// sleepContext waits for d without blocking anything but the caller.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
