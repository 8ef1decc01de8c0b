package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/cmdq/internal/observability"
	"github.com/harun/cmdq/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is delivered to commands that start, or finish successfully,
// after the queue was closed.
var ErrClosed = errors.New("commandqueue: queue closed")

// Command is one unit of work submitted via Push
type Command struct {
	ID     string
	Method string
	Data   interface{}

	ctx        context.Context
	enqueuedAt time.Time
	completion *Sink
}

// Context returns the context the command was pushed with. It carries
// tracing metadata only and is never used to cancel execution. Once the
// command starts it also holds the command ID and the execute span.
func (c *Command) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// EnqueuedAt returns when the command was pushed
func (c *Command) EnqueuedAt() time.Time {
	return c.enqueuedAt
}

// Executor performs the work behind a command. Exec must eventually settle
// sink exactly once and must not retain cmd or sink afterwards. Exec may
// settle the sink before returning or later from another goroutine.
type Executor interface {
	Exec(cmd *Command, sink *Sink)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(cmd *Command, sink *Sink)

// Exec calls f(cmd, sink)
func (f ExecutorFunc) Exec(cmd *Command, sink *Sink) {
	f(cmd, sink)
}

// Config holds queue configuration
type Config struct {
	Name      string
	Executor  Executor
	Logger    *zerolog.Logger
	WarnAfter time.Duration
}

// Queue serializes commands onto a single Executor
type Queue struct {
	name      string
	executor  Executor
	logger    zerolog.Logger
	warnAfter time.Duration

	mu     sync.Mutex
	queue  []*Command
	busy   bool
	closed bool
	seq    uint64

	eventHandlers map[EventType][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new Queue
func New(cfg Config) (*Queue, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	if cfg.WarnAfter < 0 {
		return nil, fmt.Errorf("invalid warn threshold: %s", cfg.WarnAfter)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Queue{
		name:          cfg.Name,
		executor:      cfg.Executor,
		logger:        logger.With().Str("queue", cfg.Name).Logger(),
		warnAfter:     cfg.WarnAfter,
		queue:         make([]*Command, 0),
		eventHandlers: make(map[EventType][]EventHandler),
	}, nil
}

// Push appends a command and returns immediately
func (q *Queue) Push(method string, data interface{}) *Future {
	return q.PushWithContext(context.Background(), method, data)
}

// PushWithContext appends a command carrying ctx's tracing metadata
func (q *Queue) PushWithContext(ctx context.Context, method string, data interface{}) *Future {
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := &Command{
		Method:     method,
		Data:       data,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		completion: NewSink(),
	}

	q.mu.Lock()
	q.seq++
	cmd.ID = fmt.Sprintf("%s-%d", q.name, q.seq)
	q.queue = append(q.queue, cmd)
	queueSize := len(q.queue)
	q.mu.Unlock()

	logger := q.commandLogger(cmd)
	logger.Debug().
		Int("queueSize", queueSize).
		Msg("Command enqueued")

	observability.RecordQueueEnqueue(q.name, queueSize)

	q.emit(Event{
		Type:      EventEnqueued,
		CommandID: cmd.ID,
		Method:    method,
		Timestamp: cmd.enqueuedAt,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if q.warnAfter > 0 {
		go q.startWarnTimer(cmd)
	}

	go q.drain()

	return cmd.completion.Future()
}

// Close marks the queue closed. Queued commands fail with ErrClosed when
// they reach the head; an in-flight command still runs to completion but its
// value is replaced with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := len(q.queue)
	q.mu.Unlock()

	q.logger.Info().Int("pending", pending).Msg("Command queue closed")
	observability.RecordQueueAudit(context.Background(), "close", q.name, "success", map[string]interface{}{
		"pending": pending,
	})
	q.emit(Event{
		Type: EventClosed,
		Data: map[string]interface{}{
			"pending": pending,
		},
	})
}

// drain runs commands from the head until the queue is empty. Only the
// goroutine that flips busy to true proceeds; every other call returns.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.busy || len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.queue[0]
		q.busy = true
		closed := q.closed
		q.mu.Unlock()

		observability.SetQueueBusy(q.name, true)
		q.execute(cmd, closed)

		q.mu.Lock()
		q.busy = false
		q.queue[0] = nil
		q.queue = q.queue[1:]
		queueSize := len(q.queue)
		q.mu.Unlock()

		observability.SetQueueSize(q.name, queueSize)
		observability.SetQueueBusy(q.name, false)
	}
}

// execute runs a single command and settles its completion sink
func (q *Queue) execute(cmd *Command, closed bool) {
	ctx := tracing.WithCommandID(cmd.Context(), cmd.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		"cmdq.commandqueue",
		"commandqueue.execute",
		attribute.String("queue", q.name),
		attribute.String("command_id", cmd.ID),
		attribute.String("method", cmd.Method),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.commandLogger(cmd))
	startTime := time.Now()

	var (
		value interface{}
		err   error
	)

	if closed {
		err = ErrClosed
	} else {
		logger.Debug().Msg("Command started")
		q.emit(Event{Type: EventStarted, CommandID: cmd.ID, Method: cmd.Method})

		// the executor sees the command ID and the execute span
		cmd.ctx = ctx
		sink := NewSink()
		q.signal(cmd, sink)
		<-sink.Done()
		value, err = sink.outcome()

		if err == nil && q.Closed() {
			logger.Debug().Msg("Queue closed while command was in flight, discarding result")
			value, err = nil, ErrClosed
		}
	}

	duration := time.Since(startTime)

	status := StatusSuccess
	if err != nil {
		_ = cmd.completion.Reject(err)
		status = StatusError
		if errors.Is(err, ErrClosed) {
			status = StatusClosed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		_ = cmd.completion.Resolve(value)
	}

	switch status {
	case StatusSuccess:
		logger.Debug().Dur("duration", duration).Msg("Command completed")
	case StatusClosed:
		logger.Debug().Dur("duration", duration).Msg("Command rejected, queue closed")
	default:
		logger.Warn().Dur("duration", duration).Err(err).Msg("Command failed")
	}

	observability.RecordQueueCompletion(q.name, duration, status, q.Len()-1)

	q.emit(Event{
		Type:      EventCompleted,
		CommandID: cmd.ID,
		Method:    cmd.Method,
		Status:    status,
		Err:       err,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
		},
	})
}

// signal hands the command to the executor, turning a panic into a rejection
func (q *Queue) signal(cmd *Command, sink *Sink) {
	defer func() {
		if r := recover(); r != nil {
			logger := q.commandLogger(cmd)
			logger.Error().Interface("panic", r).Msg("Executor panicked")
			_ = sink.Reject(fmt.Errorf("executor panic: %v", r))
		}
	}()

	q.executor.Exec(cmd, sink)
}

// startWarnTimer logs when a command takes longer than expected to complete
func (q *Queue) startWarnTimer(cmd *Command) {
	timer := time.NewTimer(q.warnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cmd.completion.Done():
		return
	}

	q.mu.Lock()
	queuePos := -1
	for i, c := range q.queue {
		if c == cmd {
			queuePos = i
			break
		}
	}
	inFlight := queuePos == 0 && q.busy
	q.mu.Unlock()

	if queuePos < 0 {
		return
	}

	waitMs := time.Since(cmd.enqueuedAt).Milliseconds()
	logger := q.commandLogger(cmd)
	event := logger.Warn().Int64("waitMs", waitMs)
	if inFlight {
		event.Msg("Command in flight longer than expected")
		return
	}
	event.Int("queuePos", queuePos).Msg("Command waiting longer than expected")
}

func (q *Queue) commandLogger(cmd *Command) zerolog.Logger {
	return q.logger.With().
		Str("commandId", cmd.ID).
		Str("method", cmd.Method).
		Logger()
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of commands in the queue, including the one in flight
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Busy reports whether a command is currently executing
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// WaitForIdle waits until no command is queued or executing
func (q *Queue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		idle := !q.busy && len(q.queue) == 0
		q.mu.Unlock()

		if idle {
			return true
		}

		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for queue to drain")
			return false
		}

		<-ticker.C
	}
}
