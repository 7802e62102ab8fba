// Package bridge turns one inbound chat message into engine parameters, sends
// them on the user's session and renders the answer as outbound activities.
package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"enginebridge-go/internal/directory"
	"enginebridge-go/internal/reply"
	"enginebridge-go/internal/session"

	"github.com/rs/zerolog"
)

const (
	ViewType                = "tieapi"
	DefaultChannel          = "Teams"
	AdaptiveCardContentType = "application/vnd.microsoft.card.adaptive"

	MessageSessionLimit  = "Session limit for the engine bridge has been reached"
	MessageEngineFailure = "The engine failed to respond"
)

type Options struct {
	// Channel is sent as the channel parameter of every request.
	Channel    string
	Attributes []directory.Attribute
	// Verbose surfaces error details to the user and logs user content.
	Verbose bool
}

type Turn struct {
	Identity session.Identity
	UserID   string
	Text     *string
	Value    map[string]any
}

type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content"`
}

type Activity struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func textActivity(text string) Activity {
	return Activity{Type: "message", Text: text}
}

type Bridge struct {
	opts      Options
	registry  *session.Registry
	directory directory.Directory
	logger    zerolog.Logger
}

func New(opts Options, registry *session.Registry, dir directory.Directory, logger zerolog.Logger) *Bridge {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if dir == nil {
		dir = directory.None{}
	}
	return &Bridge{
		opts:      opts,
		registry:  registry,
		directory: dir,
		logger:    logger.With().Str("component", "bridge").Logger(),
	}
}

// Handle runs one turn. It never fails: every problem is rendered as a
// message to the user.
func (b *Bridge) Handle(ctx context.Context, turn Turn) []Activity {
	s, err := b.registry.Acquire(turn.Identity)
	if err != nil {
		if errors.Is(err, session.ErrAdmissionRejected) {
			return []Activity{textActivity(MessageSessionLimit)}
		}
		b.logger.Error().Err(err).Str("identity", turn.Identity.String()).Msg("cannot open session")
		return b.failure(err)
	}

	params := b.params(ctx, turn)
	ev := b.logger.Debug().Str("session", s.ID())
	if b.opts.Verbose {
		if turn.Text != nil {
			ev = ev.Str("userinput", *turn.Text)
		}
		ev = ev.Interface("value", turn.Value)
	}
	ev.Msg("turn received")

	resp, err := s.Engine().Send(ctx, params)
	var activities []Activity
	if err != nil {
		b.logger.Error().Err(err).Str("session", s.ID()).Msg("engine response failure")
		activities = b.failure(err)
	} else {
		activities = b.render(s, resp.Document)
	}

	if s.Expired() {
		b.logger.Debug().Str("session", s.ID()).Msg("session expired during turn, ending engine session")
		b.registry.Terminate(s)
	}
	return activities
}

func (b *Bridge) params(ctx context.Context, turn Turn) map[string]any {
	params := map[string]any{
		"viewtype": ViewType,
		"channel":  b.opts.Channel,
	}
	if turn.Text != nil {
		params["userinput"] = *turn.Text
	}
	for k, v := range turn.Value {
		params[k] = v
	}
	if len(b.opts.Attributes) > 0 && turn.UserID != "" {
		profile, err := b.directory.Lookup(ctx, turn.UserID)
		if err != nil {
			b.logger.Warn().Err(err).Msg("directory lookup failed")
			profile = directory.Profile{}
		}
		directory.Merge(params, profile, b.opts.Attributes)
	}
	return params
}

func (b *Bridge) failure(err error) []Activity {
	if b.opts.Verbose {
		return []Activity{textActivity("Engine response failure: " + err.Error())}
	}
	return []Activity{textActivity(MessageEngineFailure)}
}

func (b *Bridge) render(s *session.Session, doc map[string]any) []Activity {
	out, err := reply.Parse(doc)
	if err != nil {
		var rerr *reply.Error
		if errors.As(err, &rerr) && rerr.Backend {
			b.logger.Debug().Str("session", s.ID()).Msg("forwarding engine error message")
			return []Activity{textActivity(rerr.Message)}
		}
		ev := b.logger.Error().Err(err).Str("session", s.ID())
		if b.opts.Verbose {
			ev = ev.Interface("response", doc)
		}
		ev.Msg("unusable engine response")
		if b.opts.Verbose {
			return []Activity{textActivity(err.Error())}
		}
		return []Activity{textActivity(MessageEngineFailure)}
	}

	bubbles, err := out.Bubbles()
	if err != nil {
		b.logger.Warn().Err(err).Str("segments", out.SegmentIndexes).Msg("ignoring text segmentation")
		bubbles = []string{out.Text}
	}
	activities := make([]Activity, 0, len(bubbles)+1)
	for _, text := range bubbles {
		activities = append(activities, textActivity(text))
	}

	if out.Card != "" {
		if json.Valid([]byte(out.Card)) {
			activities = append(activities, Activity{
				Type:        "message",
				Attachments: []Attachment{{ContentType: AdaptiveCardContentType, Content: json.RawMessage(out.Card)}},
			})
		} else {
			b.logger.Warn().Str("session", s.ID()).Msg("dropping adaptive card that is not valid JSON")
		}
	}
	return activities
}
