package backoff

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTransient marks failures that are expected to clear on their own, such
// as network timeouts or 5xx-equivalent responses from a remote service.
var ErrTransient = errors.New("transient failure")

// MarkTransient tags err as transient so the classifier retries it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// RateLimitError is the "retry later" signal from a remote service. It
// carries the delay the service asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimited returns an error carrying the remote service's retry-after delay.
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitError{RetryAfter: retryAfter}
}

// RetryAfter extracts the retry-after delay when err is a rate-limit signal.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// Schedule produces the delay before each retry of a transient failure.
type Schedule struct {
	// MaxAttempts is the total number of executions allowed, including the first.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Multiplier grows the delay for each subsequent retry.
	Multiplier float64

	// Max caps the delay.
	Max time.Duration
}

// DefaultSchedule retries three times after the initial attempt, waiting
// 500ms, 1s and 2s between executions.
func DefaultSchedule() Schedule {
	return Schedule{
		MaxAttempts: 4,
		Initial:     500 * time.Millisecond,
		Multiplier:  2.0,
		Max:         30 * time.Second,
	}
}

// Delay returns the wait before retry number retry (0-based: the delay
// after the first failed attempt is Delay(0)).
func (s Schedule) Delay(retry int) time.Duration {
	d := float64(s.Initial) * math.Pow(s.Multiplier, float64(retry))
	if s.Max > 0 && d > float64(s.Max) {
		d = float64(s.Max)
	}
	return time.Duration(d)
}
