package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stokkr/foreman/internal/core"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   FailureClass
	}{
		{"http 429", "HTTP 429 returned by API", RateLimited},
		{"rate limit phrase", "Error: rate limit exceeded", RateLimited},
		{"too many requests upper", "TOO MANY REQUESTS", RateLimited},
		{"throttled", "request was throttled by upstream", RateLimited},
		{"quota", "quota exceeded for this billing period", RateLimited},
		{"try again later", "please try again later", RateLimited},
		{"timeout wording", "request timeout after 30s", Transient},
		{"connection refused", "connection refused", Transient},
		{"network unreachable", "network is unreachable", Transient},
		{"bad gateway", "upstream returned 502", Transient},
		{"service unavailable", "503 Service Unavailable", Transient},
		{"gateway timeout code", "HTTP 504", Transient},
		{"compile error", "syntax error in generated code", Permanent},
		{"empty stderr", "", Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.stderr); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.stderr, got, tt.want)
			}
		})
	}
}

func TestDelay_NonDecreasingAndCapped(t *testing.T) {
	p := NewPolicy(
		WithInitialDelay(time.Second),
		WithMaxDelay(30*time.Second),
		WithFactor(2.0),
		WithoutJitter(),
	)

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Errorf("Delay(%d) = %s decreased from %s", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("Delay(%d) = %s exceeds max delay", attempt, d)
		}
		prev = d
	}

	if p.Delay(20) != 30*time.Second {
		t.Errorf("Delay(20) = %s, want cap of 30s", p.Delay(20))
	}
}

func TestDelay_JitterBoundsAndFloor(t *testing.T) {
	p := NewPolicy(
		WithInitialDelay(time.Second),
		WithMaxDelay(time.Minute),
		WithFactor(2.0),
	)

	for i := 0; i < 100; i++ {
		d := p.Delay(2) // base 4s
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("jittered Delay(2) = %s, want within [3s, 5s]", d)
		}
	}

	// Tiny base delays must still respect the floor.
	tiny := NewPolicy(WithInitialDelay(time.Millisecond), WithFactor(1.0))
	if d := tiny.Delay(0); d < 100*time.Millisecond {
		t.Errorf("Delay floor violated: %s", d)
	}
}

func TestExecute_PermanentAttemptedOnce(t *testing.T) {
	p := NewPolicy(WithMaxRetries(5), WithInitialDelay(time.Millisecond), WithoutJitter())

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return ClassifyError("syntax error: unexpected token", nil)
	})

	if err == nil {
		t.Fatal("Execute() should fail")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for permanent failure", calls)
	}
}

func TestExecute_TimeoutNeverRetried(t *testing.T) {
	p := NewPolicy(WithMaxRetries(5), WithInitialDelay(time.Millisecond), WithoutJitter())

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return core.ErrTimeout("agent call exceeded deadline")
	})

	if err == nil {
		t.Fatal("Execute() should fail")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: a stuck process must not be retried", calls)
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	p := NewPolicy(WithMaxRetries(3), WithInitialDelay(time.Millisecond), WithoutJitter())

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ClassifyError("connection reset by peer", nil)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecute_Exhausted(t *testing.T) {
	p := NewPolicy(WithMaxRetries(2), WithInitialDelay(time.Millisecond), WithoutJitter())

	calls := 0
	notified := 0
	err := p.ExecuteWithNotify(context.Background(), func(ctx context.Context) error {
		calls++
		return core.ErrRateLimit("429")
	}, func(attempt int, err error, delay time.Duration) {
		notified++
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if notified != 2 {
		t.Errorf("notify calls = %d, want 2", notified)
	}
	var exhausted *ExhaustedError
	if !asExhausted(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	p := NewPolicy(WithMaxRetries(10), WithInitialDelay(time.Hour), WithoutJitter())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, func(ctx context.Context) error {
		return core.ErrRateLimit("429")
	})
	if err != context.Canceled {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
}

func asExhausted(err error, target **ExhaustedError) bool {
	e, ok := err.(*ExhaustedError)
	if ok {
		*target = e
	}
	return ok
}
