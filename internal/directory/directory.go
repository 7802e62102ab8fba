// Package directory looks up user profile attributes that are forwarded to
// the engine with every turn.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Profile holds attribute values keyed by attribute name.
type Profile map[string]string

// Get looks name up exactly first, then case-insensitively.
func (p Profile) Get(name string) (string, bool) {
	if v, ok := p[name]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// None is a directory without any users.
type None struct{}

func (None) Lookup(context.Context, string) (Profile, error) { return Profile{}, nil }

// Static serves profiles loaded once from a YAML document of the form
//
//	<user id>:
//	  GivenName: Ada
//	  Mail: ada@example.com
type Static struct {
	users map[string]Profile
}

func LoadStatic(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return ParseStatic(raw)
}

func ParseStatic(raw []byte) (*Static, error) {
	users := map[string]Profile{}
	if err := yaml.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	return &Static{users: users}, nil
}

func (s *Static) Lookup(_ context.Context, userID string) (Profile, error) {
	p, ok := s.users[userID]
	if !ok {
		return Profile{}, nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out, nil
}

// Redis reads a profile from the hash stored at prefix+userID.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

func (r *Redis) Lookup(ctx context.Context, userID string) (Profile, error) {
	fields, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s: %w", userID, err)
	}
	return Profile(fields), nil
}
