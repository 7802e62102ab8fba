// Package timer provides a one-shot deferred callback that can be cancelled
// until the moment it starts running.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrNegativeDelay = errors.New("timer: negative delay")

type State int

const (
	StateInitial State = iota
	StateWaiting
	StateRunning
	StateFired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateFired:
		return "fired"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Task is a single deferred invocation of fn. Cancel succeeds only while the
// task is still waiting; once the callback has started it always completes.
type Task struct {
	delay  time.Duration
	fn     func()
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	t     *time.Timer
	done  chan struct{}
}

func New(delay time.Duration, fn func(), logger zerolog.Logger) (*Task, error) {
	if delay < 0 {
		return nil, ErrNegativeDelay
	}
	return &Task{
		delay:  delay,
		fn:     fn,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start creates a task and starts its countdown.
func Start(delay time.Duration, fn func(), logger zerolog.Logger) (*Task, error) {
	task, err := New(delay, fn, logger)
	if err != nil {
		return nil, err
	}
	if err := task.Start(); err != nil {
		return nil, err
	}
	return task, nil
}

func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInitial {
		return errors.New("timer: task already started")
	}
	t.state = StateWaiting
	t.t = time.AfterFunc(t.delay, t.fire)
	return nil
}

func (t *Task) fire() {
	t.mu.Lock()
	if t.state != StateWaiting {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn().Interface("panic", r).Msg("deferred callback failed")
		}
		t.mu.Lock()
		t.state = StateFired
		t.mu.Unlock()
		close(t.done)
	}()
	t.fn()
}

// Cancel reports whether the callback is guaranteed never to run. It returns
// false when the callback is already running or has run.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateRunning, StateFired:
		return false
	case StateCancelled:
		return true
	}
	wasWaiting := t.state == StateWaiting
	t.state = StateCancelled
	if wasWaiting && t.t != nil {
		t.t.Stop()
	}
	close(t.done)
	return true
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task has fired or been cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
