package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowNotFullNoWait(t *testing.T) {
	w := newWindow(3)
	now := time.Unix(100, 0)
	assert.Equal(t, time.Duration(0), w.waitFor(now))
	w.record(now)
	w.record(now)
	assert.Equal(t, time.Duration(0), w.waitFor(now))
}

func TestWindowFullWaitsForOldest(t *testing.T) {
	w := newWindow(2)
	t0 := time.Unix(100, 0)
	w.record(t0)
	w.record(t0.Add(300 * time.Millisecond))

	// Oldest start is t0; the next start must wait until t0+1s.
	assert.Equal(t, 500*time.Millisecond, w.waitFor(t0.Add(500*time.Millisecond)))
	assert.Equal(t, time.Duration(0), w.waitFor(t0.Add(time.Second)))
}

func TestWindowRingOverwrite(t *testing.T) {
	w := newWindow(2)
	t0 := time.Unix(100, 0)
	w.record(t0)
	w.record(t0.Add(100 * time.Millisecond))
	w.record(t0.Add(1 * time.Second))

	// Oldest is now t0+100ms.
	assert.Equal(t, 100*time.Millisecond, w.waitFor(t0.Add(time.Second)))
}
