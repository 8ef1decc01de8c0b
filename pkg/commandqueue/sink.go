package commandqueue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadySettled is returned when a sink is resolved or rejected twice.
	ErrAlreadySettled = errors.New("commandqueue: sink already settled")

	errNilRejection = errors.New("commandqueue: rejected with nil error")
)

// Sink is a write-once result slot. Exactly one of Resolve or Reject takes
// effect; every later call returns ErrAlreadySettled.
type Sink struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   interface{}
	err     error
}

// NewSink creates an unsettled sink
func NewSink() *Sink {
	return &Sink{done: make(chan struct{})}
}

// Resolve settles the sink with a value
func (s *Sink) Resolve(value interface{}) error {
	return s.settle(value, nil)
}

// Reject settles the sink with a failure. A nil error is replaced with a
// generic rejection so readers can always tell failure from success.
func (s *Sink) Reject(err error) error {
	if err == nil {
		err = errNilRejection
	}
	return s.settle(nil, err)
}

func (s *Sink) settle(value interface{}, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settled {
		return ErrAlreadySettled
	}

	s.settled = true
	s.value = value
	s.err = err
	close(s.done)
	return nil
}

// Settled reports whether the sink has been written
func (s *Sink) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

// Done is closed once the sink is settled
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Future returns the read side of the sink
func (s *Sink) Future() *Future {
	return &Future{sink: s}
}

// outcome must only be called after done is closed
func (s *Sink) outcome() (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

// Future is the caller's handle on a command's outcome
type Future struct {
	sink *Sink
}

// Done is closed once the outcome is known
func (f *Future) Done() <-chan struct{} {
	return f.sink.done
}

// Wait blocks until the outcome is known
func (f *Future) Wait() (interface{}, error) {
	<-f.sink.done
	return f.sink.outcome()
}

// Await blocks until the outcome is known or ctx is done. Giving up on the
// wait does not affect the command itself.
func (f *Future) Await(ctx context.Context) (interface{}, error) {
	select {
	case <-f.sink.done:
		return f.sink.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
