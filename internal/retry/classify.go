package retry

import "strings"

// FailureClass describes how an external call failed, derived from its
// stderr text.
type FailureClass string

const (
	// RateLimited failures back off and retry.
	RateLimited FailureClass = "rate_limited"
	// Transient failures retry with standard backoff.
	Transient FailureClass = "transient"
	// Permanent failures are attempted exactly once.
	Permanent FailureClass = "permanent"
)

// Retryable reports whether the class warrants another attempt.
func (c FailureClass) Retryable() bool {
	return c == RateLimited || c == Transient
}

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"throttle",
	"quota exceeded",
	"try again later",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"temporarily unavailable",
	"502",
	"503",
	"504",
}

// Classify inspects stderr text and decides the failure class. Matching
// is case-insensitive; anything unrecognized is Permanent.
func Classify(stderr string) FailureClass {
	text := strings.ToLower(stderr)

	for _, marker := range rateLimitMarkers {
		if strings.Contains(text, marker) {
			return RateLimited
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return Transient
		}
	}
	return Permanent
}
