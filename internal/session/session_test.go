package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"enginebridge-go/internal/engine"
	"enginebridge-go/internal/metrics"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	ended atomic.Int32
	block chan struct{}
}

func (f *fakeEngine) Send(ctx context.Context, params map[string]any) (*engine.Response, error) {
	return &engine.Response{}, nil
}

func (f *fakeEngine) EndSession(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.ended.Add(1)
	return nil
}

type engines struct {
	mu  sync.Mutex
	all []*fakeEngine
}

func (e *engines) factory(Identity) (Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := &fakeEngine{}
	e.all = append(e.all, f)
	return f, nil
}

func newTestRegistry(t *testing.T, ttl time.Duration, capacity int) (*Registry, *engines) {
	t.Helper()
	e := &engines{}
	r := NewRegistry(Options{
		TTL:               ttl,
		Capacity:          capacity,
		EndSessionTimeout: time.Second,
		Terminators:       2,
		Metrics:           metrics.New(),
	}, e.factory, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, e
}

func engineOf(s *Session) *fakeEngine { return s.Engine().(*fakeEngine) }

func TestAcquireAdmitsUpToCapacity(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute, 2)

	_, err := r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)
	_, err = r.Acquire(Identity{"b", "c1"})
	require.NoError(t, err)

	_, err = r.Acquire(Identity{"c", "c1"})
	require.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, 2, r.Len())

	// Existing identities are still served at capacity.
	_, err = r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)
}

func TestAcquireHitReturnsSameSessionAndResetsTimer(t *testing.T) {
	r, _ := newTestRegistry(t, 200*time.Millisecond, 10)
	id := Identity{"a", "c1"}

	first, err := r.Acquire(id)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	second, err := r.Acquire(id)
	require.NoError(t, err)
	assert.Same(t, first, second)

	time.Sleep(120 * time.Millisecond)
	assert.False(t, first.Expired(), "reacquire must restart the idle timer")

	require.Eventually(t, first.Expired, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return engineOf(first).ended.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestExpiredSessionIsNeverRevived(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute, 10)
	id := Identity{"a", "c1"}

	first, err := r.Acquire(id)
	require.NoError(t, err)
	require.True(t, r.Expire(first))

	second, err := r.Acquire(id)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.Expired())
	assert.False(t, second.Expired())
}

func TestExpireHappensOnce(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute, 10)
	s, err := r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Expire(s) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	require.Eventually(t, func() bool { return engineOf(s).ended.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), engineOf(s).ended.Load())
	assert.Equal(t, 0, r.Len())
}

func TestTTLExpiryEndsEngineSession(t *testing.T) {
	r, _ := newTestRegistry(t, 30*time.Millisecond, 10)
	s, err := r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return engineOf(s).ended.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.Expired())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Expire(s))
}

func TestExpireIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute, 10)
	id := Identity{"a", "c1"}
	assert.False(t, r.ExpireIdentity(id))

	s, err := r.Acquire(id)
	require.NoError(t, err)
	assert.True(t, r.ExpireIdentity(id))
	assert.True(t, s.Expired())
	assert.False(t, r.ExpireIdentity(id))
}

func TestTerminateQueuesEndSession(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute, 10)
	s, err := r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)

	r.Terminate(s)
	require.Eventually(t, func() bool { return engineOf(s).ended.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestShutdownExpiresAllAndDrains(t *testing.T) {
	e := &engines{}
	r := NewRegistry(Options{TTL: time.Minute, Capacity: 10, Terminators: 1}, e.factory, zerolog.Nop())
	for _, who := range []string{"a", "b", "c"} {
		_, err := r.Acquire(Identity{who, "c1"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, 0, r.Len())
	for _, f := range e.all {
		assert.Equal(t, int32(1), f.ended.Load())
	}
	_, err := r.Acquire(Identity{"d", "c1"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestShutdownHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewRegistry(Options{TTL: time.Minute, Capacity: 10, EndSessionTimeout: time.Minute}, func(Identity) (Engine, error) {
		return &fakeEngine{block: block}, nil
	}, zerolog.Nop())
	_, err := r.Acquire(Identity{"a", "c1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}

func TestFactoryErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(Options{TTL: time.Minute, Capacity: 1}, func(Identity) (Engine, error) {
		return nil, boom
	}, zerolog.Nop())
	_, err := r.Acquire(Identity{"a", "c1"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentAcquireKeepsOneSessionPerIdentity(t *testing.T) {
	r, e := newTestRegistry(t, time.Minute, 100)
	id := Identity{"a", "c1"}

	var wg sync.WaitGroup
	got := make([]*Session, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Acquire(id)
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Len(t, e.all, 1)
}

func TestIdentityKeyIsUnambiguous(t *testing.T) {
	pairs := [][2]Identity{
		{{AccountObjectID: "a/b", ChannelID: "c"}, {AccountObjectID: "a", ChannelID: "b/c"}},
		{{AccountObjectID: "victim", ChannelID: "29:abc"}, {AccountObjectID: "victim", ChannelID: "29_abc"}},
		{{AccountObjectID: "a.b", ChannelID: "c"}, {AccountObjectID: "a", ChannelID: "b.c"}},
		{{AccountObjectID: "", ChannelID: "x"}, {AccountObjectID: "x", ChannelID: ""}},
	}
	for _, p := range pairs {
		assert.NotEqual(t, p[0].Key(), p[1].Key(), "%v vs %v", p[0], p[1])
	}
	id := Identity{AccountObjectID: "u", ChannelID: "c"}
	assert.Equal(t, id.Key(), Identity{AccountObjectID: "u", ChannelID: "c"}.Key())
}
