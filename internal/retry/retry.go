// Package retry implements failure classification and exponential backoff
// for flaky external calls (agent CLIs, backlog API, git remotes).
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/stokkr/foreman/internal/core"
)

// minDelay is the floor applied after jitter.
const minDelay = 100 * time.Millisecond

// Policy defines retry behavior.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Minute,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Option configures a policy.
type Option func(*Policy)

// WithMaxRetries sets the maximum number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = n }
}

// WithInitialDelay sets the first backoff delay.
func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) { p.InitialDelay = d }
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(p *Policy) { p.MaxDelay = d }
}

// WithFactor sets the exponential factor.
func WithFactor(f float64) Option {
	return func(p *Policy) { p.Factor = f }
}

// WithoutJitter disables jitter (for tests).
func WithoutJitter() Option {
	return func(p *Policy) { p.Jitter = false }
}

// NewPolicy creates a policy from options applied over defaults.
func NewPolicy(opts ...Option) *Policy {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Delay computes the backoff before the given retry attempt (0-based).
// The sequence is non-decreasing up to MaxDelay; jitter scales the capped
// value by a uniform factor in [0.75, 1.25], floored at 100ms.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	if delay < float64(minDelay) {
		delay = float64(minDelay)
	}
	return time.Duration(delay)
}

// Func is a function that can be retried.
type Func func(ctx context.Context) error

// NotifyFunc is called before each backoff sleep.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Execute runs fn, retrying rate-limited and transient failures up to
// MaxRetries times. Permanent and timeout failures return immediately:
// a timed-out call may still be holding resources, and retrying it
// doubles the cost.
func (p *Policy) Execute(ctx context.Context, fn Func) error {
	return p.ExecuteWithNotify(ctx, fn, nil)
}

// ExecuteWithNotify is Execute with a per-retry callback.
func (p *Policy) ExecuteWithNotify(ctx context.Context, fn Func, notify NotifyFunc) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !core.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &ExhaustedError{Attempts: p.MaxRetries + 1, LastErr: lastErr}
}

// ClassifyError converts an external call failure into a DomainError whose
// retryability matches the stderr classification.
func ClassifyError(stderr string, cause error) error {
	switch Classify(stderr) {
	case RateLimited:
		return core.ErrRateLimit("agent rate limited").WithCause(cause)
	case Transient:
		return core.ErrAgent(core.CodeAgentFailed, "transient agent failure").WithCause(cause)
	default:
		e := core.ErrAgent(core.CodeAgentFailed, "agent failed")
		e.Retryable = false
		return e.WithCause(cause)
	}
}

// ExhaustedError indicates all attempts failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}
