// Package engine talks to the conversational engine over HTTP while keeping
// the engine-assigned session alive across turns. Affinity is carried three
// ways: cookies in a private jar, a ;jsessionid= path tag and a routing
// request header echoed back from the previous response.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"enginebridge-go/internal/cookiejar"
	"enginebridge-go/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultRoutingResponseHeader = "X-Gateway-Session"
	DefaultRoutingRequestHeader  = "X-Teneo-Session"

	formContentType = "application/x-www-form-urlencoded;charset=UTF-8"
	sessionTag      = ";jsessionid="
	endSessionPath  = "endsession"
	maxDebugBody    = 256

	// MaxResponseBytes caps the engine response body.
	MaxResponseBytes = 8 << 20
)

type Options struct {
	Endpoint              *url.URL
	ConnectTimeout        time.Duration
	ResponseTimeout       time.Duration
	RoutingResponseHeader string
	RoutingRequestHeader  string
	Verbose               bool
	Metrics               *metrics.Metrics
	// Transport is shared between clients when set; otherwise each client
	// gets its own pool dialing with ConnectTimeout.
	Transport http.RoundTripper
}

// Response is a decoded engine answer.
type Response struct {
	Document  map[string]any
	SessionID string
	Body      []byte
}

type Client struct {
	opts   Options
	base   *url.URL
	jar    *cookiejar.Jar
	http   *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	sessionID string
	routing   []string
	target    *url.URL
	endParams url.Values
}

// NewTransport builds an HTTP transport whose dials give up after connectTimeout.
func NewTransport(connectTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	t.DialContext = dialer.DialContext
	return t
}

func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.Endpoint == nil || !opts.Endpoint.IsAbs() || opts.Endpoint.Host == "" {
		return nil, errors.New("engine: endpoint must be an absolute URL")
	}
	if opts.Endpoint.Scheme != "http" && opts.Endpoint.Scheme != "https" {
		return nil, fmt.Errorf("engine: unsupported endpoint scheme %q", opts.Endpoint.Scheme)
	}
	if opts.RoutingResponseHeader == "" {
		opts.RoutingResponseHeader = DefaultRoutingResponseHeader
	}
	if opts.RoutingRequestHeader == "" {
		opts.RoutingRequestHeader = DefaultRoutingRequestHeader
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.ConnectTimeout)
	}

	base := *opts.Endpoint
	logger = logger.With().Str("component", "engine").Logger()
	jar := cookiejar.New(logger)
	return &Client{
		opts:   opts,
		base:   &base,
		jar:    jar,
		http:   &http.Client{Jar: jar, Transport: transport},
		logger: logger,
		target: &base,
	}, nil
}

func (c *Client) Jar() *cookiejar.Jar { return c.jar }

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Target is the URL the next Send will post to.
func (c *Client) Target() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := *c.target
	return &u
}

// Send posts params to the engine and waits for its JSON answer. Session state
// is only updated when a well-formed response arrives.
func (c *Client) Send(ctx context.Context, params map[string]any) (*Response, error) {
	payload, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	target := *c.target
	sessionID := c.sessionID
	routing := slices.Clone(c.routing)
	c.rememberView(params)
	c.mu.Unlock()

	if c.opts.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ResponseTimeout)
		defer cancel()
	}

	ev := c.logger.Debug().Str("target", target.String())
	if c.opts.Verbose {
		ev = ev.Str("payload", debugPayload(params))
	}
	ev.Msg("engine request started")

	start := time.Now()
	body, header, err := c.post(ctx, &target, payload, sessionID, routing)
	elapsed := time.Since(start)
	if err != nil {
		c.opts.Metrics.EngineRequest(metrics.OutcomeTransport, elapsed)
		c.logger.Warn().Err(err).Dur("elapsed", elapsed).Msg("engine request failed")
		return nil, err
	}

	doc, err := decodeDocument(body)
	if err != nil {
		c.opts.Metrics.EngineRequest(metrics.OutcomeProtocol, elapsed)
		perr := &ProtocolError{Target: target.String(), Err: err}
		ev := c.logger.Warn().Err(perr).Dur("elapsed", elapsed)
		if c.opts.Verbose {
			ev = ev.Str("body", abbreviate(string(body), maxDebugBody))
		}
		ev.Msg("engine response rejected")
		return nil, perr
	}
	c.opts.Metrics.EngineRequest(metrics.OutcomeOK, elapsed)

	newSession, _ := doc["sessionId"].(string)
	c.assign(newSession, header.Values(c.opts.RoutingResponseHeader))

	if ev := c.logger.Debug(); ev.Enabled() {
		ev = ev.Str("target", target.String()).
			Dur("elapsed", elapsed).
			Int("cookies", len(c.jar.All()))
		if c.opts.Verbose {
			ev = ev.Str("body", abbreviate(string(body), maxDebugBody))
		}
		ev.Msg("engine request finished")
	}

	return &Response{Document: doc, SessionID: newSession, Body: body}, nil
}

// EndSession tells the engine the conversation is over. Local session state is
// cleared whatever the outcome.
func (c *Client) EndSession(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	routing := slices.Clone(c.routing)
	payload := c.endParams.Encode()
	c.mu.Unlock()
	defer c.reset()

	target := endSessionURL(c.base, sessionID)
	start := time.Now()
	_, _, err := c.post(ctx, target, payload, sessionID, routing)
	// An empty body is a normal answer to an end-session call.
	if err != nil && !errors.Is(err, ErrEmptyBody) {
		c.opts.Metrics.EndSession(metrics.OutcomeFailed)
		c.logger.Warn().Err(err).Str("session", sessionID).Msg("engine end-session failed")
		return err
	}
	c.opts.Metrics.EndSession(metrics.OutcomeOK)
	c.logger.Debug().
		Str("target", target.String()).
		Dur("elapsed", time.Since(start)).
		Msg("engine session ended")
	return nil
}

func (c *Client) post(ctx context.Context, target *url.URL, payload, sessionID string, routing []string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(payload))
	if err != nil {
		return nil, nil, &TransportError{Target: target.String(), Err: err}
	}
	req.Header.Set("Content-Type", formContentType)
	for _, v := range routing {
		req.Header.Add(c.opts.RoutingRequestHeader, "JSESSIONID="+url.QueryEscape(sessionID)+"; "+v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Target: target.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, nil, &TransportError{Target: target.String(), StatusCode: resp.StatusCode, Err: err}
	}
	if len(body) > MaxResponseBytes {
		return nil, nil, &TransportError{Target: target.String(), StatusCode: resp.StatusCode, Err: ErrBodyTooLarge}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &TransportError{Target: target.String(), StatusCode: resp.StatusCode}
	}
	if len(body) == 0 {
		return nil, nil, &TransportError{Target: target.String(), StatusCode: resp.StatusCode, Err: ErrEmptyBody}
	}
	return body, resp.Header, nil
}

// assign records the session id and routing values of a successful response.
func (c *Client) assign(sessionID string, routing []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routing = slices.Clone(routing)
	if sessionID == "" {
		c.sessionID = ""
		c.target = c.base
		return
	}
	if sessionID != c.sessionID {
		c.sessionID = sessionID
		c.target = taggedURL(c.base, sessionID)
	}
}

func (c *Client) reset() {
	c.mu.Lock()
	c.sessionID = ""
	c.routing = nil
	c.target = c.base
	c.mu.Unlock()
	c.jar.RemoveAll()
}

// rememberView keeps the view parameters of the latest request for the
// end-session call; a parameter the latest request lacks is forgotten.
// Caller holds mu.
func (c *Client) rememberView(params map[string]any) {
	if c.endParams == nil {
		c.endParams = url.Values{}
	}
	for _, name := range []string{"viewname", "viewtype"} {
		c.endParams.Del(name)
		v, ok := params[name]
		if !ok || isNil(v) {
			continue
		}
		if s, err := formatValue(v); err == nil {
			c.endParams.Set(name, s)
		}
	}
}

func decodeDocument(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return doc, nil
}

func taggedURL(base *url.URL, sessionID string) *url.URL {
	u := *base
	path := u.Path
	if path == "" {
		path = "/"
	}
	u.Path = path + sessionTag + sessionID
	u.RawPath = ""
	return &u
}

func endSessionURL(base *url.URL, sessionID string) *url.URL {
	u := *base
	switch {
	case u.Path == "":
		u.Path = "/" + endSessionPath
	case strings.HasSuffix(u.Path, "/"):
		u.Path += endSessionPath
	default:
		u.Path += "/" + endSessionPath
	}
	if sessionID != "" {
		u.Path += sessionTag + sessionID
	}
	u.RawPath = ""
	return &u
}
