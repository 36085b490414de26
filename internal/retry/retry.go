package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/pkg/logger"
)

// ErrExhausted is returned once every attempt has failed with a retryable error.
var ErrExhausted = errors.New("retry: attempts exhausted")

// ErrAttemptTimeout marks an attempt that exceeded the per-attempt timeout.
var ErrAttemptTimeout = errors.New("retry: attempt timed out")

// Policy is a bounded fixed-delay retry strategy.
type Policy struct {
	MaxAttempts    int
	Delay          time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy is the canonical profile resolution policy: ten attempts, 500ms apart, each
// bounded to five seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    10,
		Delay:          500 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

func (p Policy) normalised() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Retrier executes operations under a Policy.
type Retrier struct {
	policy    Policy
	clock     Clock
	retryable func(error) bool
	log       *zap.Logger
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithClock injects the clock used between attempts.
func WithClock(clock Clock) Option {
	return func(r *Retrier) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRetryIf sets the predicate deciding whether an error warrants another attempt.
// Attempt timeouts are always retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Retrier) {
		if log != nil {
			r.log = log
		}
	}
}

// New constructs a Retrier. Without WithRetryIf every error is retried.
func New(policy Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy:    policy.normalised(),
		clock:     SystemClock,
		retryable: func(error) bool { return true },
		log:       logger.WithModule("retry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Func is a single attempt. attempt starts at 1.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs fn until it succeeds, returns a non-retryable error, the parent context is done,
// or the policy is exhausted. Non-retryable errors are returned unchanged. Exhaustion returns
// an error wrapping both ErrExhausted and the last attempt's error.
func Do[T any](ctx context.Context, r *Retrier, op string, fn Func[T]) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runAttempt(ctx, r.policy.AttemptTimeout, attempt, fn)
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !errors.Is(err, ErrAttemptTimeout) && !r.retryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}

		r.log.Debug("attempt failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", r.policy.Delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.clock.After(r.policy.Delay):
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, r.policy.MaxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn Func[T]) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(attemptCtx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return result, err
}
