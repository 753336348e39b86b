package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/edubot/edubot/backoff"
	"github.com/edubot/edubot/logger"
	"github.com/edubot/edubot/metrics"
)

var (
	// ErrShutdownRejected is returned by Submit once Stop has begun.
	ErrShutdownRejected = errors.New("dispatcher is shutting down")

	// ErrTimeout is returned when the caller's deadline elapses while the
	// operation is still queued or executing. An operation that already
	// started is allowed to finish; its result is discarded for the caller.
	ErrTimeout = errors.New("operation timed out")

	// ErrStopTimeout is returned by Stop when the worker does not exit
	// within the configured shutdown timeout.
	ErrStopTimeout = errors.New("dispatcher stop timed out")
)

// State is the dispatcher lifecycle.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Operation is a single outbound call against a remote service. It must
// honor ctx cancellation for the dispatcher's own shutdown, not for caller
// deadlines (in-flight calls are never interrupted on a caller's behalf).
type Operation func(ctx context.Context) (any, error)

// Config defines a dispatcher for one remote service.
type Config struct {
	// MaxRequestsPerSecond bounds execution starts in any trailing
	// one-second window. Must be > 0.
	MaxRequestsPerSecond int

	// ShutdownTimeout bounds how long Stop waits for the worker.
	ShutdownTimeout time.Duration

	// Schedule drives in-place retries of transient failures.
	Schedule backoff.Schedule

	// Classifier decides how a failed call is recovered. Defaults to
	// backoff.NewClassifier().
	Classifier *backoff.Classifier

	// Clock defaults to the wall clock.
	Clock Clock

	Logger logger.Logger

	// Service labels this dispatcher's metrics, e.g. "generator".
	Service string

	// Metrics receives call, retry and queue-depth observations. A nil
	// recorder records nothing.
	Metrics *metrics.Recorder
}

const (
	opQueued int32 = iota
	opStarted
	opAbandoned
)

type outcome struct {
	value any
	err   error
}

// queuedOperation is owned by the dispatcher from enqueue until
// resolution; the result channel releases ownership back to the caller.
type queuedOperation struct {
	id         string
	run        Operation
	enqueuedAt time.Time
	result     chan outcome
	state      atomic.Int32
}

func (q *queuedOperation) resolve(value any, err error) {
	q.result <- outcome{value: value, err: err}
}

// Dispatcher serializes all outbound calls to one remote service behind a
// single worker so the client never exceeds the service's allowed call
// rate. Operations run in submission order; a retrying operation holds the
// worker, so later submissions wait rather than overtake it. That
// head-of-line blocking is deliberate: both remote services meter one
// global quota per credential, so letting queued calls jump ahead during a
// rate-limit backoff would only trip the same limit again.
type Dispatcher struct {
	cfg        Config
	ctx        context.Context
	cancel     context.CancelFunc
	log        logger.Logger
	classifier *backoff.Classifier
	clock      Clock

	mu      sync.Mutex
	pending []*queuedOperation
	state   State
	drain   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	stopOnce sync.Once
	inFlight atomic.Int32
}

// New returns a running Dispatcher for one remote service.
func New(parent context.Context, cfg Config) (*Dispatcher, error) {
	if cfg.MaxRequestsPerSecond <= 0 {
		return nil, errors.New("dispatch: MaxRequestsPerSecond must be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Schedule.MaxAttempts == 0 {
		cfg.Schedule = backoff.DefaultSchedule()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = backoff.NewClassifier()
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		log:        cfg.Logger.WithPrefix("dispatch"),
		classifier: cfg.Classifier,
		clock:      cfg.Clock,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go d.worker()
	return d, nil
}

// Submit enqueues op and blocks until it has executed and its outcome is
// known, or until ctx's deadline elapses while it is still waiting.
func (d *Dispatcher) Submit(ctx context.Context, op Operation) (any, error) {
	qop := &queuedOperation{
		id:         uuid.NewString(),
		run:        op,
		enqueuedAt: d.clock.Now(),
		result:     make(chan outcome, 1),
	}

	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return nil, ErrShutdownRejected
	}
	d.pending = append(d.pending, qop)
	depth := len(d.pending)
	d.mu.Unlock()
	d.cfg.Metrics.SetQueueDepth(d.cfg.Service, depth)

	select {
	case d.wake <- struct{}{}:
	default:
	}

	select {
	case out := <-qop.result:
		return out.value, out.err
	case <-ctx.Done():
		if qop.state.CompareAndSwap(opQueued, opAbandoned) {
			// Still queued: the worker will skip it.
			return nil, errors.Mark(errors.Wrap(ctx.Err(), "abandoned while queued"), ErrTimeout)
		}
		// Already executing: let it finish, discard the result.
		return nil, errors.Mark(errors.Wrap(ctx.Err(), "abandoned while executing"), ErrTimeout)
	}
}

// Stop stops accepting new submissions. With drain=false it waits only for
// the operation currently executing and rejects the backlog; with
// drain=true it waits for the entire backlog. Safe to call more than once
// and concurrently with Submit.
func (d *Dispatcher) Stop(drain bool) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.state = StateDraining
		d.drain = drain
		d.mu.Unlock()
		close(d.quit)
	})

	select {
	case <-d.done:
		return nil
	case <-time.After(d.cfg.ShutdownTimeout):
		return ErrStopTimeout
	}
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// QueueDepth returns the number of operations waiting to start.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// InFlight reports whether an operation is currently executing.
func (d *Dispatcher) InFlight() bool {
	return d.inFlight.Load() > 0
}

func (d *Dispatcher) worker() {
	defer func() {
		d.cancel()
		d.mu.Lock()
		d.state = StateStopped
		d.mu.Unlock()
		close(d.done)
	}()

	win := newWindow(d.cfg.MaxRequestsPerSecond)
	for {
		qop := d.dequeue()
		if qop == nil {
			select {
			case <-d.wake:
				continue
			case <-d.quit:
				// Nothing pending when shutdown began.
				d.rejectPending()
				return
			}
		}
		if d.quitting() && !d.drainRequested() {
			qop.resolve(nil, ErrShutdownRejected)
			d.rejectPending()
			return
		}
		if !d.execute(win, qop) {
			d.rejectPending()
			return
		}
		if d.quitting() && !d.drainRequested() {
			d.rejectPending()
			return
		}
	}
}

func (d *Dispatcher) dequeue() *queuedOperation {
	d.mu.Lock()
	for len(d.pending) > 0 {
		qop := d.pending[0]
		d.pending = d.pending[1:]
		depth := len(d.pending)
		if qop.state.CompareAndSwap(opQueued, opStarted) {
			d.mu.Unlock()
			d.cfg.Metrics.SetQueueDepth(d.cfg.Service, depth)
			return qop
		}
		// Abandoned by its caller; already resolved with ErrTimeout.
		d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallAbandoned, d.clock.Now().Sub(qop.enqueuedAt), 0)
	}
	d.mu.Unlock()
	d.cfg.Metrics.SetQueueDepth(d.cfg.Service, 0)
	return nil
}

func (d *Dispatcher) rejectPending() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			d.cfg.Metrics.SetQueueDepth(d.cfg.Service, 0)
			return
		}
		qop := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		if qop.state.CompareAndSwap(opQueued, opStarted) {
			d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallRejected, d.clock.Now().Sub(qop.enqueuedAt), 0)
			qop.resolve(nil, ErrShutdownRejected)
		}
	}
}

// execute runs qop to resolution, applying admission control before every
// start and the classifier's decision after every failure. It returns
// false when a shutdown without drain interrupted the operation before it
// could start (the operation has been resolved).
func (d *Dispatcher) execute(win *window, qop *queuedOperation) bool {
	attempts := 0
	var retries int
	var queued time.Duration
	var firstStart time.Time
	for {
		if wait := win.waitFor(d.clock.Now()); wait > 0 {
			if !d.sleep(wait) {
				d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallRejected, d.clock.Now().Sub(qop.enqueuedAt), 0)
				qop.resolve(nil, ErrShutdownRejected)
				return false
			}
		}
		start := d.clock.Now()
		win.record(start)
		attempts++
		if attempts == 1 {
			firstStart = start
			queued = start.Sub(qop.enqueuedAt)
		}
		runCtx, cancelRun := d.opContext()
		d.inFlight.Store(1)
		value, err := qop.run(runCtx)
		d.inFlight.Store(0)
		cancelRun()
		if err == nil {
			if attempts > 1 {
				d.log.Debug("operation %s succeeded after %d attempts", qop.id, attempts)
			}
			d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallSucceeded, queued, d.clock.Now().Sub(firstStart))
			qop.resolve(value, nil)
			return true
		}

		out := d.classifier.Classify(err)
		switch out.Class {
		case backoff.ClassRateLimited:
			d.log.Warn("operation %s rate limited, waiting %s", qop.id, out.RetryAfter)
			d.cfg.Metrics.ObserveRetry(d.cfg.Service, out.Class.String())
			if !d.sleep(out.RetryAfter) {
				d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallFailed, queued, d.clock.Now().Sub(firstStart))
				qop.resolve(nil, errors.Wrap(err, "retry aborted by shutdown"))
				return false
			}
		case backoff.ClassTransient:
			if attempts >= d.cfg.Schedule.MaxAttempts {
				d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallFailed, queued, d.clock.Now().Sub(firstStart))
				qop.resolve(nil, errors.Wrapf(err, "giving up after %d attempts", attempts))
				return true
			}
			delay := d.cfg.Schedule.Delay(retries)
			retries++
			d.log.Debug("operation %s failed (attempt %d), retrying in %s: %s", qop.id, attempts, delay, err)
			d.cfg.Metrics.ObserveRetry(d.cfg.Service, out.Class.String())
			if !d.sleep(delay) {
				d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallFailed, queued, d.clock.Now().Sub(firstStart))
				qop.resolve(nil, errors.Wrap(err, "retry aborted by shutdown"))
				return false
			}
		default:
			d.cfg.Metrics.ObserveCall(d.cfg.Service, metrics.CallFailed, queued, d.clock.Now().Sub(firstStart))
			qop.resolve(nil, err)
			return true
		}
	}
}

// opContext returns the context an operation runs with. Normally that is
// the dispatcher's own context so a canceled parent stops in-flight
// calls. When a drain outlives an already-canceled parent the backlog
// still has to execute for real, so each run gets a fresh context
// bounded by the shutdown timeout instead of one that is dead on
// arrival.
func (d *Dispatcher) opContext() (context.Context, context.CancelFunc) {
	if d.ctx.Err() == nil || !d.drainRequested() {
		return d.ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(d.ctx), d.cfg.ShutdownTimeout)
}

// sleep waits for dur on the injected clock. It returns false when a
// shutdown without drain interrupts the wait; a draining shutdown lets the
// wait complete so the backlog still respects the rate limit.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := d.clock.After(dur)
	quit := d.quit
	for {
		select {
		case <-timer:
			return true
		case <-quit:
			if d.drainRequested() {
				quit = nil
				continue
			}
			return false
		}
	}
}

func (d *Dispatcher) quitting() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) drainRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drain
}
