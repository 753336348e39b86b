package backoff

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// Class is the recovery category for a failed remote call.
type Class int

const (
	// ClassPermanent failures are surfaced to the caller as-is.
	ClassPermanent Class = iota
	// ClassTransient failures are retried in place with the Schedule.
	ClassTransient
	// ClassRateLimited failures are retried after the delay the remote
	// service asked for.
	ClassRateLimited
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	}
	return "permanent"
}

// Outcome is the classification of a single failure.
type Outcome struct {
	Class Class
	// RetryAfter is the wait requested by the remote service; only set for
	// ClassRateLimited.
	RetryAfter time.Duration
}

// Rule maps one recognized error shape to an Outcome. Rules are evaluated
// in order; the first match wins.
type Rule struct {
	Name  string
	Match func(err error) (Outcome, bool)
}

// Classifier turns an error from a remote call into a recovery decision.
// New remote-service error shapes are added as rules, not as dispatcher
// changes.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from the default rule table plus any
// service-specific extra rules, which are consulted first.
func NewClassifier(extra ...Rule) *Classifier {
	return &Classifier{rules: append(extra, defaultRules()...)}
}

// Classify returns the recovery decision for err. Unrecognized errors are
// permanent.
func (c *Classifier) Classify(err error) Outcome {
	if err == nil {
		return Outcome{Class: ClassPermanent}
	}
	for _, rule := range c.rules {
		if outcome, ok := rule.Match(err); ok {
			return outcome
		}
	}
	return Outcome{Class: ClassPermanent}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name: "retry-after",
			Match: func(err error) (Outcome, bool) {
				if d, ok := RetryAfter(err); ok {
					return Outcome{Class: ClassRateLimited, RetryAfter: d}, true
				}
				return Outcome{}, false
			},
		},
		{
			Name: "marked-transient",
			Match: func(err error) (Outcome, bool) {
				if errors.Is(err, ErrTransient) {
					return Outcome{Class: ClassTransient}, true
				}
				return Outcome{}, false
			},
		},
		{
			Name: "net-timeout",
			Match: func(err error) (Outcome, bool) {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					return Outcome{Class: ClassTransient}, true
				}
				if errors.Is(err, context.DeadlineExceeded) {
					return Outcome{Class: ClassTransient}, true
				}
				return Outcome{}, false
			},
		},
		{
			Name: "conn-reset",
			Match: func(err error) (Outcome, bool) {
				if errors.Is(err, syscall.ECONNRESET) ||
					errors.Is(err, syscall.ECONNREFUSED) ||
					errors.Is(err, io.ErrUnexpectedEOF) {
					return Outcome{Class: ClassTransient}, true
				}
				return Outcome{}, false
			},
		},
	}
}
