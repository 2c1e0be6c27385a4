package provision

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	fn func(ctx context.Context, req Request) (*Result, error)
}

func (s *stubHandler) Provision(ctx context.Context, req Request) (*Result, error) {
	return s.fn(ctx, req)
}

type completion struct {
	sessionID string
	res       *Result
	err       error
}

func collectCompletions(ch chan completion) CompletionFunc {
	return func(sessionID string, res *Result, err error) {
		ch <- completion{sessionID: sessionID, res: res, err: err}
	}
}

func instanceResult(url string) *Result {
	return &Result{InstanceURL: url, LaunchedOnEigencloud: true, DedicatedInstance: true}
}

func TestDispatchCompletes(t *testing.T) {
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		return instanceResult("https://runtime.example/" + req.SessionID), nil
	}}
	d := NewDispatcher(handler, 2, time.Second)
	defer d.Stop()

	done := make(chan completion, 1)
	require.NoError(t, d.Dispatch(Request{SessionID: "s1"}, collectCompletions(done)))

	select {
	case c := <-done:
		require.NoError(t, c.err)
		assert.Equal(t, "s1", c.sessionID)
		assert.Equal(t, "https://runtime.example/s1", c.res.InstanceURL)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired")
	}

	assert.Eventually(t, func() bool { return d.InFlight() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	const capacity = 2
	const runs = 6

	var current, peak atomic.Int32
	release := make(chan struct{})
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return instanceResult("https://x"), nil
	}}

	d := NewDispatcher(handler, capacity, 10*time.Second)
	defer d.Stop()

	done := make(chan completion, runs)
	for i := 0; i < runs; i++ {
		require.NoError(t, d.Dispatch(Request{SessionID: fmt.Sprintf("s%d", i)}, collectCompletions(done)))
	}

	assert.Eventually(t, func() bool { return current.Load() == capacity },
		time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < runs; i++ {
		select {
		case c := <-done:
			require.NoError(t, c.err)
		case <-time.After(2 * time.Second):
			t.Fatal("completion never fired")
		}
	}
	assert.LessOrEqual(t, peak.Load(), int32(capacity))
}

func TestDispatchDuplicateSession(t *testing.T) {
	release := make(chan struct{})
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		<-release
		return instanceResult("https://x"), nil
	}}
	d := NewDispatcher(handler, 2, 10*time.Second)
	defer d.Stop()
	defer close(release)

	done := make(chan completion, 2)
	require.NoError(t, d.Dispatch(Request{SessionID: "dup"}, collectCompletions(done)))
	err := d.Dispatch(Request{SessionID: "dup"}, collectCompletions(done))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestCancelStopsRun(t *testing.T) {
	started := make(chan struct{})
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &Error{Code: FailureCodeFailure, Detail: "provisioning cancelled"}
	}}
	d := NewDispatcher(handler, 1, 10*time.Second)
	defer d.Stop()

	done := make(chan completion, 1)
	require.NoError(t, d.Dispatch(Request{SessionID: "s1"}, collectCompletions(done)))
	<-started

	assert.True(t, d.Cancel("s1"))
	select {
	case c := <-done:
		var provErr *Error
		require.ErrorAs(t, c.err, &provErr)
		assert.Equal(t, FailureCodeFailure, provErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired after cancel")
	}

	assert.False(t, d.Cancel("missing"))
}

func TestStopCancelsInFlightAndQueued(t *testing.T) {
	started := make(chan struct{})
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, &Error{Code: FailureCodeFailure, Detail: "provisioning cancelled"}
	}}
	d := NewDispatcher(handler, 1, 10*time.Second)

	done := make(chan completion, 2)
	require.NoError(t, d.Dispatch(Request{SessionID: "running"}, collectCompletions(done)))
	<-started
	// Second run is queued behind the single slot.
	require.NoError(t, d.Dispatch(Request{SessionID: "queued"}, collectCompletions(done)))

	d.Stop()

	for i := 0; i < 2; i++ {
		select {
		case c := <-done:
			require.Error(t, c.err, c.sessionID)
		case <-time.After(2 * time.Second):
			t.Fatal("completion never fired after stop")
		}
	}

	assert.ErrorIs(t, d.Dispatch(Request{SessionID: "late"}, collectCompletions(done)), ErrStopped)

	// Stop is idempotent.
	d.Stop()
}

func TestDispatcherHealth(t *testing.T) {
	handler := &stubHandler{fn: func(ctx context.Context, req Request) (*Result, error) {
		return instanceResult("https://x"), nil
	}}
	d := NewDispatcher(handler, 3, time.Second)

	h := d.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, 3, h.Capacity)
	assert.Zero(t, h.InFlight)
	assert.False(t, h.Stopped)

	d.Stop()
	h = d.Health()
	assert.False(t, h.Healthy)
	assert.True(t, h.Stopped)
}
