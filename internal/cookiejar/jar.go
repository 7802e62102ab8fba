// Package cookiejar is an in-memory cookie store that keeps cookies in two
// indices: by request origin and by declared domain. A cookie added with both
// a URI and a domain is stored in both, linked by a shared id, so removing it
// through the URI also drops its domain image.
package cookiejar

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var ErrInvalidArgument = errors.New("cookiejar: invalid argument")

type entry struct {
	link   ulid.ULID
	cookie *Cookie
}

type Jar struct {
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	byOrigin map[string][]entry
	byDomain []entry
}

func New(logger zerolog.Logger) *Jar {
	return &Jar{
		logger:   logger.With().Str("component", "cookiejar").Logger(),
		now:      time.Now,
		byOrigin: make(map[string][]entry, 4),
		byDomain: make([]entry, 0, 4),
	}
}

// origin reduces a URI to http://<host>; scheme, port, path, query and
// fragment do not take part in URI-scoped storage.
func origin(u *url.URL) string {
	return "http://" + strings.ToLower(u.Hostname())
}

// Add stores c. An already expired cookie is a deletion request for any
// stored cookie with the same identity.
func (j *Jar) Add(u *url.URL, c *Cookie) error {
	if c == nil {
		return fmt.Errorf("%w: nil cookie", ErrInvalidArgument)
	}
	if u == nil && c.Domain == "" {
		return fmt.Errorf("%w: cookie %q has neither URI nor domain", ErrInvalidArgument, c.Name)
	}
	if c.Domain != "" && u != nil && !DomainMatches(c, u.Hostname()) {
		j.logger.Warn().Str("cookie", c.Name).Str("domain", c.Domain).Str("host", u.Hostname()).Msg("cookie domain does not match URI")
	}
	expired := c.Expired(j.now())

	j.mu.Lock()
	defer j.mu.Unlock()
	if expired {
		if c.Domain != "" {
			j.byDomain, _ = removeSame(j.byDomain, c)
		}
		if u != nil {
			key := origin(u)
			if bucket, ok := j.byOrigin[key]; ok {
				j.setBucket(key, dropSame(bucket, c))
			}
		}
		j.logger.Debug().Str("cookie", c.Name).Msg("expired cookie removed")
		return nil
	}

	e := entry{link: ulid.Make(), cookie: c.clone()}
	if c.Domain != "" {
		j.byDomain = addReplace(j.byDomain, e)
	}
	if u != nil {
		key := origin(u)
		j.byOrigin[key] = addReplace(j.byOrigin[key], e)
	}
	j.logger.Debug().Str("cookie", c.Name).Bool("domain", c.Domain != "").Bool("uri", u != nil).Msg("cookie stored")
	return nil
}

// Get returns the unexpired cookies applicable to u: domain cookies whose
// domain matches the host plus cookies stored for u's origin. Secure cookies
// are only returned for https.
func (j *Jar) Get(u *url.URL) ([]*Cookie, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil URI", ErrInvalidArgument)
	}
	secure := strings.EqualFold(u.Scheme, "https")
	host := u.Hostname()
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*Cookie
	j.byDomain = purge(j.byDomain, now)
	for _, e := range j.byDomain {
		if (secure || !e.cookie.Secure) && DomainMatches(e.cookie, host) {
			out = appendUnique(out, e.cookie)
		}
	}
	key := origin(u)
	if bucket, ok := j.byOrigin[key]; ok {
		bucket = purge(bucket, now)
		j.setBucket(key, bucket)
		for _, e := range bucket {
			if secure || !e.cookie.Secure {
				out = appendUnique(out, e.cookie)
			}
		}
	}
	return out, nil
}

// All returns every unexpired cookie in the jar.
func (j *Jar) All() []*Cookie {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []*Cookie
	j.byDomain = purge(j.byDomain, now)
	for _, e := range j.byDomain {
		out = appendUnique(out, e.cookie)
	}
	for key, bucket := range j.byOrigin {
		bucket = purge(bucket, now)
		j.setBucket(key, bucket)
		for _, e := range bucket {
			out = appendUnique(out, e.cookie)
		}
	}
	return out
}

// URIs lists the origins that still hold unexpired cookies.
func (j *Jar) URIs() []*url.URL {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*url.URL, 0, len(j.byOrigin))
	for key, bucket := range j.byOrigin {
		bucket = purge(bucket, now)
		j.setBucket(key, bucket)
		if len(bucket) == 0 {
			continue
		}
		if u, err := url.Parse(key); err == nil {
			out = append(out, u)
		}
	}
	return out
}

// Remove deletes c. With a URI the cookie is removed from that origin and,
// when it was stored by the same Add call, from the domain index too. Without
// a URI only the domain index is searched.
func (j *Jar) Remove(u *url.URL, c *Cookie) bool {
	if c == nil {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if u == nil {
		var removed bool
		j.byDomain, removed = removeSame(j.byDomain, c)
		return removed
	}
	key := origin(u)
	bucket, ok := j.byOrigin[key]
	if !ok {
		return false
	}
	idx := lastSame(bucket, c)
	if idx < 0 {
		return false
	}
	removed := bucket[idx]
	j.setBucket(key, append(bucket[:idx], bucket[idx+1:]...))
	if removed.cookie.Domain != "" {
		for i := len(j.byDomain) - 1; i >= 0; i-- {
			if j.byDomain[i].link == removed.link {
				j.byDomain = append(j.byDomain[:i], j.byDomain[i+1:]...)
				break
			}
		}
	}
	return true
}

func (j *Jar) RemoveAll() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	changed := len(j.byOrigin) > 0 || len(j.byDomain) > 0
	j.byOrigin = make(map[string][]entry, 4)
	j.byDomain = j.byDomain[:0]
	return changed
}

func (j *Jar) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, bucket := range j.byOrigin {
		n += len(bucket)
	}
	return fmt.Sprintf("cookiejar{origins: %d, uri cookies: %d, domain cookies: %d}", len(j.byOrigin), n, len(j.byDomain))
}

// setBucket must be called with j.mu held.
func (j *Jar) setBucket(key string, bucket []entry) {
	if len(bucket) == 0 {
		delete(j.byOrigin, key)
		return
	}
	j.byOrigin[key] = bucket
}

func purge(entries []entry, now time.Time) []entry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.cookie.Expired(now) {
			kept = append(kept, e)
		}
	}
	return kept
}

func lastSame(entries []entry, c *Cookie) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].cookie.SameAs(c) {
			return i
		}
	}
	return -1
}

func addReplace(entries []entry, e entry) []entry {
	if i := lastSame(entries, e.cookie); i >= 0 {
		entries[i] = e
		return entries
	}
	return append(entries, e)
}

func removeSame(entries []entry, c *Cookie) ([]entry, bool) {
	i := lastSame(entries, c)
	if i < 0 {
		return entries, false
	}
	return append(entries[:i], entries[i+1:]...), true
}

func dropSame(entries []entry, c *Cookie) []entry {
	out, _ := removeSame(entries, c)
	return out
}

func appendUnique(out []*Cookie, c *Cookie) []*Cookie {
	for _, existing := range out {
		if existing.SameAs(c) {
			return out
		}
	}
	return append(out, c.clone())
}
