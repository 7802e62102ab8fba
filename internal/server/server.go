package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"enginebridge-go/internal/auth"
	"enginebridge-go/internal/bridge"
	"enginebridge-go/internal/config"
	"enginebridge-go/internal/metrics"
	"enginebridge-go/internal/session"
	"enginebridge-go/internal/transcript"

	"github.com/rs/zerolog"
	sse "github.com/tmaxmax/go-sse"
)

const maxMessageBytes = 1 << 20

// TurnHandler runs one chat turn.
type TurnHandler interface {
	Handle(ctx context.Context, turn bridge.Turn) []bridge.Activity
}

type Options struct {
	Bridge     TurnHandler
	Sessions   *session.Registry
	Transcript *transcript.Store
	// Verifier enables bearer authentication on the /api/ routes when set.
	Verifier *auth.Verifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg    config.Config
	opts   Options
	logger zerolog.Logger

	sseProvider sse.Provider
	publishMu   sync.Mutex
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

type messageRequest struct {
	From struct {
		AADObjectID string `json:"aadObjectId"`
		ID          string `json:"id"`
	} `json:"from"`
	Text  *string        `json:"text"`
	Value map[string]any `json:"value"`
}

func New(cfg config.Config, opts Options) *Server {
	replayer, err := sse.NewValidReplayer(24*time.Hour, false)
	if err != nil {
		panic(err)
	}
	return &Server{
		cfg:         cfg,
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "server").Logger(),
		sseProvider: &sse.Joe{Replayer: replayer},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/conversations/stream", s.handleConversationStream)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.Handle("/metrics", s.opts.Metrics.Handler())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		if !s.authenticate(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

// authenticate checks the bearer token on every /api/ route except health.
// Without a verifier all requests pass.
func (s *Server) authenticate(r *http.Request) bool {
	if s.opts.Verifier == nil || !strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api/health" {
		return true
	}
	if _, err := s.opts.Verifier.Authenticate(r); err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected unauthenticated request")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": s.opts.Sessions.Len(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req messageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	if strings.TrimSpace(req.From.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "from.id is required."})
		return
	}

	identity := session.Identity{AccountObjectID: req.From.AADObjectID, ChannelID: req.From.ID}
	activities := s.opts.Bridge.Handle(r.Context(), bridge.Turn{
		Identity: identity,
		UserID:   req.From.AADObjectID,
		Text:     req.Text,
		Value:    req.Value,
	})
	for _, activity := range activities {
		s.publishActivity(identity, activity)
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	identity, ok := identityFromQuery(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required."})
		return
	}
	topic := identity.Key()

	lastEventID := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	history, err := s.opts.Transcript.Since(topic, lastEventID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	replayCursor := lastEventID
	for _, record := range history {
		if err := sendSSEMessage(sess, record.ID, record.Payload); err != nil {
			return
		}
		replayCursor = record.ID
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{topic},
	}
	if replayCursor != "" {
		sub.LastEventID = sse.ID(replayCursor)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.sseProvider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-subscribeErr:
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	identity, ok := identityFromQuery(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required."})
		return
	}
	expired := s.opts.Sessions.ExpireIdentity(identity)
	s.logger.Info().Str("identity", identity.String()).Bool("expired", expired).Msg("administrative session expiry")
	writeJSON(w, http.StatusOK, map[string]any{"expired": expired})
}

func identityFromQuery(r *http.Request) (session.Identity, bool) {
	q := r.URL.Query()
	id := session.Identity{
		AccountObjectID: q.Get("aadObjectId"),
		ChannelID:       q.Get("id"),
	}
	return id, strings.TrimSpace(id.ChannelID) != ""
}

func (s *Server) publishActivity(identity session.Identity, activity bridge.Activity) {
	payload, err := json.Marshal(activity)
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot encode activity")
		return
	}
	topic := identity.Key()

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	eventID, err := s.opts.Transcript.Append(topic, string(payload))
	if err != nil {
		s.logger.Error().Err(err).Str("identity", identity.String()).Msg("cannot record activity")
		return
	}
	msg := &sse.Message{ID: sse.ID(eventID)}
	msg.AppendData(string(payload))
	_ = s.sseProvider.Publish(msg, []string{topic})
}

func sendSSEMessage(sess *sse.Session, id, payload string) error {
	msg := &sse.Message{ID: sse.ID(id)}
	msg.AppendData(payload)
	return sess.Send(msg)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.sseProvider.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
