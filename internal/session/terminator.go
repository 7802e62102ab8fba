package session

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// terminator runs end-session calls off the caller's goroutine, in the order
// they were queued, on a fixed set of workers.
type terminator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   *queue.Queue
	closed bool
	wg     sync.WaitGroup
}

func newTerminator(workers int, timeout time.Duration, logger zerolog.Logger) *terminator {
	t := &terminator{
		timeout: timeout,
		logger:  logger,
		jobs:    queue.New(),
	}
	t.cond = sync.NewCond(&t.mu)
	t.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.work()
	}
	return t
}

func (t *terminator) submit(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.logger.Warn().Str("session", s.id).Msg("terminator closed, end-session skipped")
		return false
	}
	t.jobs.Add(s)
	t.cond.Signal()
	return true
}

func (t *terminator) work() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		for t.jobs.Length() == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.jobs.Length() == 0 {
			t.mu.Unlock()
			return
		}
		s := t.jobs.Remove().(*Session)
		t.mu.Unlock()

		t.end(s)
	}
}

func (t *terminator) end(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := s.engine.EndSession(ctx); err != nil {
		t.logger.Warn().Err(err).Str("session", s.id).Msg("end-session failed")
		return
	}
	t.logger.Debug().Str("session", s.id).Msg("engine session ended")
}

// shutdown stops accepting jobs and waits until the queue is drained.
func (t *terminator) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
