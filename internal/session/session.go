// Package session keeps one engine conversation per chat user, evicting idle
// conversations after a TTL and refusing new ones above a fixed capacity.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"enginebridge-go/internal/engine"
	"enginebridge-go/internal/metrics"
	"enginebridge-go/internal/timer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAdmissionRejected = errors.New("session: capacity reached")
	ErrClosed            = errors.New("session: registry is shut down")
)

// Identity is the composite key of a conversation.
type Identity struct {
	AccountObjectID string
	ChannelID       string
}

func (id Identity) String() string {
	return id.AccountObjectID + "/" + id.ChannelID
}

// Key is an unambiguous encoding of id for use as a storage or topic key.
// Unlike String, two different identities never share a Key.
func (id Identity) Key() string {
	return base64.RawURLEncoding.EncodeToString([]byte(id.AccountObjectID)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(id.ChannelID))
}

// Engine is the per-session client the registry hands out and terminates.
type Engine interface {
	Send(ctx context.Context, params map[string]any) (*engine.Response, error)
	EndSession(ctx context.Context) error
}

type Session struct {
	identity Identity
	id       string
	engine   Engine
	created  time.Time

	mu         sync.Mutex
	expired    bool
	timer      *timer.Task
	generation uint64
}

func (s *Session) Identity() Identity { return s.identity }

// ID is a process-unique instance id used to tell sessions apart in logs.
func (s *Session) ID() string { return s.id }

func (s *Session) Engine() Engine { return s.engine }

func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

type Options struct {
	TTL               time.Duration
	Capacity          int
	EndSessionTimeout time.Duration
	Terminators       int
	Metrics           *metrics.Metrics
}

// Registry maps identities to live sessions. Locks are always taken registry
// first, then session.
type Registry struct {
	opts       Options
	newEngine  func(Identity) (Engine, error)
	logger     zerolog.Logger
	terminator *terminator

	mu       sync.Mutex
	sessions map[Identity]*Session
	closed   bool
}

func NewRegistry(opts Options, newEngine func(Identity) (Engine, error), logger zerolog.Logger) *Registry {
	if opts.Terminators <= 0 {
		opts.Terminators = 1
	}
	if opts.EndSessionTimeout <= 0 {
		opts.EndSessionTimeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "session").Logger()
	return &Registry{
		opts:       opts,
		newEngine:  newEngine,
		logger:     logger,
		terminator: newTerminator(opts.Terminators, opts.EndSessionTimeout, logger),
		sessions:   map[Identity]*Session{},
	}
}

// Acquire returns the live session for id, restarting its idle timer, or
// admits a new one if there is room.
func (r *Registry) Acquire(id Identity) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	if s, ok := r.sessions[id]; ok {
		s.mu.Lock()
		live := !s.expired
		if live {
			r.scheduleLocked(s)
		}
		s.mu.Unlock()
		if live {
			return s, nil
		}
		delete(r.sessions, id)
	}

	if len(r.sessions) >= r.opts.Capacity {
		r.opts.Metrics.AdmissionRejected()
		r.logger.Warn().
			Str("identity", id.String()).
			Int("capacity", r.opts.Capacity).
			Msg("session limit reached, turn rejected")
		return nil, ErrAdmissionRejected
	}

	eng, err := r.newEngine(id)
	if err != nil {
		return nil, fmt.Errorf("session: create engine client: %w", err)
	}
	s := &Session{
		identity: id,
		id:       uuid.NewString(),
		engine:   eng,
		created:  time.Now(),
	}
	s.mu.Lock()
	r.scheduleLocked(s)
	s.mu.Unlock()
	r.sessions[id] = s

	r.opts.Metrics.SessionCreated()
	r.opts.Metrics.SetActiveSessions(len(r.sessions))
	r.logger.Debug().
		Str("identity", id.String()).
		Str("session", s.id).
		Int("sessions", len(r.sessions)).
		Msg("session created")
	return s, nil
}

// scheduleLocked replaces the session's idle timer. Caller holds s.mu.
func (r *Registry) scheduleLocked(s *Session) {
	if s.timer != nil {
		s.timer.Cancel()
	}
	s.generation++
	gen := s.generation
	task, err := timer.Start(r.opts.TTL, func() { r.expireIfCurrent(s, gen) }, r.logger)
	if err != nil {
		r.logger.Error().Err(err).Str("session", s.id).Msg("cannot schedule session expiry")
		s.timer = nil
		return
	}
	s.timer = task
}

// expireIfCurrent is the timer callback. A timer superseded by a later
// Acquire does nothing.
func (r *Registry) expireIfCurrent(s *Session, gen uint64) {
	r.expire(s, func() bool { return s.generation == gen }, "ttl")
}

// Expire removes s from the registry and queues the engine end-session call.
// It reports false if s had already expired.
func (r *Registry) Expire(s *Session) bool {
	return r.expire(s, nil, "explicit")
}

func (r *Registry) expire(s *Session, guard func() bool, reason string) bool {
	r.mu.Lock()
	s.mu.Lock()
	if s.expired || (guard != nil && !guard()) {
		s.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	s.expired = true
	if s.timer != nil {
		s.timer.Cancel()
		s.timer = nil
	}
	if cur, ok := r.sessions[s.identity]; ok && cur == s {
		delete(r.sessions, s.identity)
	}
	remaining := len(r.sessions)
	s.mu.Unlock()
	r.mu.Unlock()

	r.opts.Metrics.SessionExpired()
	r.opts.Metrics.SetActiveSessions(remaining)
	r.logger.Debug().
		Str("identity", s.identity.String()).
		Str("session", s.id).
		Str("reason", reason).
		Dur("age", time.Since(s.created)).
		Int("sessions", remaining).
		Msg("session expired")
	r.terminator.submit(s)
	return true
}

// ExpireIdentity expires the live session for id, if any.
func (r *Registry) ExpireIdentity(id Identity) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Expire(s)
}

// Terminate queues an end-session call for a session that expired while one
// of its turns was in flight.
func (r *Registry) Terminate(s *Session) {
	r.terminator.submit(s)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown expires every session and waits for the queued end-session calls.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.expire(s, nil, "shutdown")
	}
	return r.terminator.shutdown(ctx)
}
