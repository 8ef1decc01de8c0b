package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/cmdq/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	cmd  *Command
	sink *Sink
}

// recordingExecutor hands every exec signal to the test
type recordingExecutor struct {
	calls chan execCall
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{calls: make(chan execCall, 128)}
}

func (e *recordingExecutor) Exec(cmd *Command, sink *Sink) {
	e.calls <- execCall{cmd: cmd, sink: sink}
}

func (e *recordingExecutor) next(t *testing.T) execCall {
	t.Helper()
	select {
	case call := <-e.calls:
		return call
	case <-time.After(time.Second):
		t.Fatal("expected an exec signal")
		return execCall{}
	}
}

func (e *recordingExecutor) expectNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-e.calls:
		t.Fatalf("unexpected exec signal for %s", call.cmd.Method)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestQueue(t *testing.T, executor Executor) *Queue {
	t.Helper()
	q, err := New(Config{Name: "test", Executor: executor})
	require.NoError(t, err)
	return q
}

func waitResult(t *testing.T, f *Future) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	value, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "command never completed")
	return value, err
}

func TestNew_RequiresExecutor(t *testing.T) {
	q, err := New(Config{})
	assert.Error(t, err)
	assert.Nil(t, q)
}

func TestNew_DefaultName(t *testing.T) {
	q, err := New(Config{Executor: newRecordingExecutor()})
	require.NoError(t, err)
	assert.Equal(t, "main", q.Name())
}

func TestQueue_BasicPush(t *testing.T) {
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		_ = sink.Resolve("result:" + cmd.Method)
	}))

	value, err := waitResult(t, q.Push("produce", nil))

	assert.NoError(t, err)
	assert.Equal(t, "result:produce", value)
}

func TestQueue_FIFOOrder(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	futures := []*Future{
		q.Push("A", 1),
		q.Push("B", 2),
		q.Push("C", 3),
	}

	for i, method := range []string{"A", "B", "C"} {
		call := exec.next(t)
		assert.Equal(t, method, call.cmd.Method)
		assert.Equal(t, i+1, call.cmd.Data)

		// Nothing else may start while this command is unresolved
		exec.expectNone(t)

		require.NoError(t, call.sink.Resolve(method+"-done"))
		value, err := waitResult(t, futures[i])
		require.NoError(t, err)
		assert.Equal(t, method+"-done", value)
	}
}

func TestQueue_ConcurrentPushersStartInPushOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []uint64
	)
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		var seq uint64
		_, _ = fmt.Sscanf(cmd.ID, "test-%d", &seq)
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		go func() { _ = sink.Resolve(nil) }()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Push("op", nil).Wait()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i], "commands must start in push order")
	}
}

func TestQueue_MutualExclusion(t *testing.T) {
	var inFlight, maxInFlight int32
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if n <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, n) {
				break
			}
		}
		go func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			_ = sink.Resolve(cmd.Data)
		}()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := q.Push("op", i).Wait()
			assert.NoError(t, err)
			assert.Equal(t, i, value)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestQueue_SynchronousExecutorDoesNotRecurse(t *testing.T) {
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		_ = sink.Resolve(cmd.Data)
	}))

	const n = 2000
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		futures[i] = q.Push("op", i)
	}

	for i, f := range futures {
		value, err := waitResult(t, f)
		require.NoError(t, err)
		assert.Equal(t, i, value)
	}
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_ClosedBeforeStart(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	q.Close()
	_, err := waitResult(t, q.Push("m", "d"))

	assert.ErrorIs(t, err, ErrClosed)
	exec.expectNone(t)
}

func TestQueue_ClosedDuringFlight(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	future := q.Push("A", nil)
	call := exec.next(t)

	q.Close()
	require.NoError(t, call.sink.Resolve(42))

	value, err := waitResult(t, future)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, value, "the executor's value must be discarded")
}

func TestQueue_ClosedDuringFlightRejectsQueuedCommands(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	first := q.Push("A", nil)
	second := q.Push("B", nil)
	call := exec.next(t)
	assert.Equal(t, 2, q.Len())

	q.Close()
	require.NoError(t, call.sink.Resolve("ignored"))

	_, err := waitResult(t, first)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = waitResult(t, second)
	assert.ErrorIs(t, err, ErrClosed)

	exec.expectNone(t)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_ClosedDuringFlightRelaysFailure(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	future := q.Push("A", nil)
	call := exec.next(t)

	q.Close()
	execErr := errors.New("peer unreachable")
	require.NoError(t, call.sink.Reject(execErr))

	_, err := waitResult(t, future)
	assert.Equal(t, execErr, err)
}

func TestQueue_IdempotentClose(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	var closedEvents int32
	q.On(EventClosed, func(event Event) {
		atomic.AddInt32(&closedEvents, 1)
	})

	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&closedEvents))

	_, err := waitResult(t, q.Push("m", nil))
	assert.ErrorIs(t, err, ErrClosed)
	exec.expectNone(t)
}

func TestQueue_DrainToIdle(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	const n = 5
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		futures[i] = q.Push("op", i)
	}
	for i := 0; i < n; i++ {
		call := exec.next(t)
		require.NoError(t, call.sink.Resolve(i))
		_, err := waitResult(t, futures[i])
		require.NoError(t, err)
	}

	require.True(t, q.WaitForIdle(time.Second))
	assert.False(t, q.Busy())
	assert.Equal(t, 0, q.Len())

	future := q.Push("again", nil)
	call := exec.next(t)
	assert.Equal(t, "again", call.cmd.Method)
	require.NoError(t, call.sink.Resolve("ok"))
	value, err := waitResult(t, future)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestQueue_FailurePassthrough(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	first := q.Push("A", nil)
	second := q.Push("B", nil)

	execErr := errors.New("negotiation failed")
	require.NoError(t, exec.next(t).sink.Reject(execErr))

	value, err := waitResult(t, first)
	assert.Nil(t, value)
	assert.Equal(t, execErr, err)

	call := exec.next(t)
	assert.Equal(t, "B", call.cmd.Method)
	require.NoError(t, call.sink.Resolve("b"))

	value, err = waitResult(t, second)
	require.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestQueue_ExecutorPanic(t *testing.T) {
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		if cmd.Method == "boom" {
			panic("kaboom")
		}
		_ = sink.Resolve("fine")
	}))

	_, err := waitResult(t, q.Push("boom", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor panic")

	value, err := waitResult(t, q.Push("next", nil))
	require.NoError(t, err)
	assert.Equal(t, "fine", value)
}

func TestQueue_LenCountsInFlightCommand(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	future := q.Push("A", nil)
	call := exec.next(t)

	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Busy())

	require.NoError(t, call.sink.Resolve(nil))
	_, err := waitResult(t, future)
	require.NoError(t, err)
	assert.True(t, q.WaitForIdle(time.Second))
}

func TestQueue_CommandCarriesContext(t *testing.T) {
	type ctxKey struct{}
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	ctx := context.WithValue(context.Background(), ctxKey{}, "peer-1")
	future := q.PushWithContext(ctx, "A", nil)

	call := exec.next(t)
	assert.Equal(t, "peer-1", call.cmd.Context().Value(ctxKey{}))
	assert.Equal(t, "test-1", call.cmd.ID)
	assert.Equal(t, "test-1", tracing.GetCommandID(call.cmd.Context()))
	assert.False(t, call.cmd.EnqueuedAt().IsZero())

	require.NoError(t, call.sink.Resolve(nil))
	_, err := waitResult(t, future)
	assert.NoError(t, err)
}

func TestQueue_EventEmission(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	var (
		mu     sync.Mutex
		events []Event
	)
	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	q.On(EventEnqueued, record)
	q.On(EventStarted, record)
	q.On(EventCompleted, record)

	ok := q.Push("ok", nil)
	failed := q.Push("fail", nil)

	require.NoError(t, exec.next(t).sink.Resolve("v"))
	require.NoError(t, exec.next(t).sink.Reject(errors.New("nope")))
	_, _ = waitResult(t, ok)
	_, _ = waitResult(t, failed)
	require.True(t, q.WaitForIdle(time.Second))

	mu.Lock()
	defer mu.Unlock()

	statuses := map[string]string{}
	counts := map[EventType]int{}
	for _, event := range events {
		counts[event.Type]++
		assert.Equal(t, "test", event.Queue)
		assert.NotEmpty(t, event.CommandID)
		assert.False(t, event.Timestamp.IsZero())
		if event.Type == EventEnqueued {
			assert.Contains(t, event.Data, "queueSize")
		}
		if event.Type == EventCompleted {
			assert.Contains(t, event.Data, "duration")
			statuses[event.Method] = event.Status
		}
	}

	assert.Equal(t, 2, counts[EventEnqueued])
	assert.Equal(t, 2, counts[EventStarted])
	assert.Equal(t, 2, counts[EventCompleted])
	assert.Equal(t, StatusSuccess, statuses["ok"])
	assert.Equal(t, StatusError, statuses["fail"])
}

func TestQueue_EventOff(t *testing.T) {
	q := newTestQueue(t, ExecutorFunc(func(cmd *Command, sink *Sink) {
		_ = sink.Resolve(nil)
	}))

	var count int32
	q.On(EventEnqueued, func(event Event) {
		atomic.AddInt32(&count, 1)
	})

	_, _ = waitResult(t, q.Push("a", nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))

	q.Off(EventEnqueued)

	_, _ = waitResult(t, q.Push("b", nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "Should not receive events after Off")
}

func TestQueue_ClosedCommandEmitsClosedStatus(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	statuses := make(chan string, 1)
	q.On(EventCompleted, func(event Event) {
		statuses <- event.Status
	})
	var started int32
	q.On(EventStarted, func(event Event) {
		atomic.AddInt32(&started, 1)
	})

	q.Close()
	_, err := waitResult(t, q.Push("m", nil))
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case status := <-statuses:
		assert.Equal(t, StatusClosed, status)
	case <-time.After(time.Second):
		t.Fatal("expected completed event")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&started))
}

func TestQueue_WarnAfterDoesNotCancel(t *testing.T) {
	exec := newRecordingExecutor()
	q, err := New(Config{Name: "slow", Executor: exec, WarnAfter: 5 * time.Millisecond})
	require.NoError(t, err)

	first := q.Push("A", nil)
	second := q.Push("B", nil)
	call := exec.next(t)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, call.sink.Resolve("a"))
	value, err := waitResult(t, first)
	require.NoError(t, err)
	assert.Equal(t, "a", value)

	require.NoError(t, exec.next(t).sink.Resolve("b"))
	value, err = waitResult(t, second)
	require.NoError(t, err)
	assert.Equal(t, "b", value)
}

func TestQueue_WaitForIdleTimeout(t *testing.T) {
	exec := newRecordingExecutor()
	q := newTestQueue(t, exec)

	q.Push("stuck", nil)
	exec.next(t)

	assert.False(t, q.WaitForIdle(30*time.Millisecond))
}
