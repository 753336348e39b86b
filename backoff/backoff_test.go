package backoff

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitedCarriesDelay(t *testing.T) {
	err := RateLimited(2 * time.Second)
	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	wrapped := errors.Wrap(err, "send message")
	d, ok = RetryAfter(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = RetryAfter(errors.New("nope"))
	assert.False(t, ok)
}

func TestMarkTransient(t *testing.T) {
	assert.NoError(t, MarkTransient(nil))
	err := MarkTransient(errors.New("upstream returned 503"))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(errors.Wrap(err, "generate"), ErrTransient))
}

func TestClassifyTable(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassPermanent},
		{"rate limit", RateLimited(time.Second), ClassRateLimited},
		{"wrapped rate limit", errors.Wrap(RateLimited(time.Second), "api"), ClassRateLimited},
		{"marked transient", MarkTransient(errors.New("503")), ClassTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}, ClassTransient},
		{"ctx deadline", context.DeadlineExceeded, ClassTransient},
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ClassTransient},
		{"conn refused", syscall.ECONNREFUSED, ClassTransient},
		{"unknown", errors.New("invalid prompt"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.err).Class)
		})
	}
}

func TestClassifyRetryAfterValue(t *testing.T) {
	c := NewClassifier()
	out := c.Classify(RateLimited(5 * time.Second))
	assert.Equal(t, ClassRateLimited, out.Class)
	assert.Equal(t, 5*time.Second, out.RetryAfter)
}

func TestExtraRulesWin(t *testing.T) {
	quota := errors.New("daily quota exhausted")
	c := NewClassifier(Rule{
		Name: "quota",
		Match: func(err error) (Outcome, bool) {
			if errors.Is(err, quota) {
				return Outcome{Class: ClassRateLimited, RetryAfter: time.Minute}, true
			}
			return Outcome{}, false
		},
	})
	out := c.Classify(errors.Wrap(quota, "generate"))
	assert.Equal(t, ClassRateLimited, out.Class)
	assert.Equal(t, time.Minute, out.RetryAfter)
}

func TestScheduleDelays(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, 4, s.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, s.Delay(0))
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
}

func TestScheduleCap(t *testing.T) {
	s := Schedule{MaxAttempts: 10, Initial: time.Second, Multiplier: 10, Max: 5 * time.Second}
	assert.Equal(t, 5*time.Second, s.Delay(3))
}
