package provision

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher errors.
var (
	ErrStopped        = errors.New("dispatcher stopped")
	ErrAlreadyRunning = errors.New("provisioning already in flight for session")
)

// CompletionFunc receives the terminal outcome of a dispatched run. Exactly
// one of res/err is set; err is always a *Error for handler failures.
type CompletionFunc func(sessionID string, res *Result, err error)

// Health is the dispatcher's health snapshot.
type Health struct {
	Healthy  bool `json:"healthy"`
	InFlight int  `json:"in_flight"`
	Capacity int  `json:"capacity"`
	Stopped  bool `json:"stopped"`
}

// Dispatcher bounds concurrent provisioning runs and keeps a cancel registry
// so shutdown and session expiry can stop in-flight work.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	sem     chan struct{}

	mu     sync.RWMutex
	active map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxConcurrent handler
// invocations, each bounded by timeout.
func NewDispatcher(handler Handler, maxConcurrent int, timeout time.Duration) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		handler: handler,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
		active:  make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Dispatch queues one provisioning run and returns immediately. done fires
// exactly once from the run's goroutine. A session can have at most one run
// in flight.
func (d *Dispatcher) Dispatch(req Request, done CompletionFunc) error {
	select {
	case <-d.stopCh:
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if _, ok := d.active[req.SessionID]; ok {
		d.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	d.active[req.SessionID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.unregister(req.SessionID)
		defer cancel()

		// Concurrency gate. The deadline starts when the run starts, not
		// while it waits for a slot; session expiry covers queueing time.
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.stopCh:
			done(req.SessionID, nil, &Error{Code: FailureCodeFailure, Detail: "dispatcher stopped before provisioning started"})
			return
		case <-ctx.Done():
			done(req.SessionID, nil, &Error{Code: FailureCodeFailure, Detail: "provisioning cancelled"})
			return
		}

		runCtx, cancelRun := context.WithTimeout(ctx, d.timeout)
		defer cancelRun()

		res, err := d.handler.Provision(runCtx, req)
		done(req.SessionID, res, err)
	}()

	return nil
}

// Cancel stops an in-flight run. It reports whether one was found.
func (d *Dispatcher) Cancel(sessionID string) bool {
	d.mu.RLock()
	cancel, ok := d.active[sessionID]
	d.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// Stop cancels all in-flight runs and waits for their completions to fire.
// Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		d.mu.RLock()
		active := len(d.active)
		for _, cancel := range d.active {
			cancel()
		}
		d.mu.RUnlock()
		if active > 0 {
			slog.Info("Cancelling in-flight provisioning runs", "count", active)
		}
	})
	d.wg.Wait()
}

// InFlight returns the number of registered runs.
func (d *Dispatcher) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.active)
}

// Health reports the dispatcher state for the health endpoint.
func (d *Dispatcher) Health() Health {
	stopped := false
	select {
	case <-d.stopCh:
		stopped = true
	default:
	}
	return Health{
		Healthy:  !stopped,
		InFlight: d.InFlight(),
		Capacity: cap(d.sem),
		Stopped:  stopped,
	}
}

func (d *Dispatcher) unregister(sessionID string) {
	d.mu.Lock()
	delete(d.active, sessionID)
	d.mu.Unlock()
}
