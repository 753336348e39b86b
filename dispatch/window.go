package dispatch

import "time"

// window is a ring buffer of the timestamps of the last R execution
// starts. It is owned exclusively by the dispatcher's worker goroutine, so
// it needs no locking.
type window struct {
	starts []time.Time
	idx    int
	count  int
}

func newWindow(size int) *window {
	return &window{starts: make([]time.Time, size)}
}

// waitFor returns how long the worker must wait before the next execution
// may start so that no trailing one-second interval holds more than
// len(starts) starts.
func (w *window) waitFor(now time.Time) time.Duration {
	if w.count < len(w.starts) {
		return 0
	}
	// The slot about to be overwritten holds the oldest start.
	oldest := w.starts[w.idx]
	if wait := oldest.Add(time.Second).Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// record notes an execution start.
func (w *window) record(now time.Time) {
	w.starts[w.idx] = now
	w.idx = (w.idx + 1) % len(w.starts)
	if w.count < len(w.starts) {
		w.count++
	}
}
