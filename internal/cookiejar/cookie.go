package cookiejar

import (
	"fmt"
	"strings"
	"time"
)

// Cookie is a stored HTTP cookie. MaxAge is in seconds: a negative value
// marks a session cookie that lives as long as the jar, zero means expired.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	Version  int
	MaxAge   int64

	created time.Time
}

// NewCookie returns a session cookie (MaxAge -1) created now.
func NewCookie(name, value string) *Cookie {
	return &Cookie{Name: name, Value: value, MaxAge: -1, created: time.Now()}
}

// Expired reports whether the cookie is past its max age at now.
func (c *Cookie) Expired(now time.Time) bool {
	if c.MaxAge == 0 {
		return true
	}
	if c.MaxAge < 0 {
		return false
	}
	return now.Sub(c.createdAt()) > time.Duration(c.MaxAge)*time.Second
}

func (c *Cookie) createdAt() time.Time {
	if c.created.IsZero() {
		return time.Now()
	}
	return c.created
}

// SameAs compares cookie identity: name and domain case-insensitively, path exactly.
func (c *Cookie) SameAs(o *Cookie) bool {
	if c == nil || o == nil {
		return c == o
	}
	return strings.EqualFold(c.Name, o.Name) && strings.EqualFold(c.Domain, o.Domain) && c.Path == o.Path
}

func (c *Cookie) clone() *Cookie {
	cp := *c
	if cp.created.IsZero() {
		cp.created = time.Now()
	}
	return &cp
}

func (c *Cookie) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%q", c.Name, c.Value)
	if c.Domain != "" {
		b.WriteString("; Domain=" + c.Domain)
	}
	if c.Path != "" {
		b.WriteString("; Path=" + c.Path)
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	fmt.Fprintf(&b, "; Version=%d", c.Version)
	return b.String()
}

// DomainMatches applies the matching rule selected by the cookie version:
// legacy Netscape suffix matching for version 0, RFC 2965 otherwise.
func DomainMatches(c *Cookie, host string) bool {
	if c.Version == 0 {
		return netscapeDomainMatches(c.Domain, host)
	}
	return rfcDomainMatches(c.Domain, host)
}

// embeddedDot returns the index of the first dot that is not a leading dot, or -1.
func embeddedDot(domain string) int {
	i := strings.IndexByte(domain, '.')
	if i == 0 {
		j := strings.IndexByte(domain[1:], '.')
		if j < 0 {
			return -1
		}
		return j + 1
	}
	return i
}

// labelBoundary reports whether the domain suffix of host starts on a label:
// either the domain carries its own leading dot or host has one right before
// it, so "example.com" never matches "notexample.com".
func labelBoundary(host, domain string, diff int) bool {
	return domain[0] == '.' || host[diff-1] == '.'
}

func netscapeDomainMatches(domain, host string) bool {
	if domain == "" || host == "" {
		return false
	}
	local := strings.EqualFold(domain, ".local")
	dot := embeddedDot(domain)
	if !local && (dot == -1 || dot == len(domain)-1) {
		return false
	}
	if local && !strings.Contains(host, ".") {
		return true
	}
	diff := len(host) - len(domain)
	switch {
	case diff == 0:
		return strings.EqualFold(host, domain)
	case diff > 0:
		return labelBoundary(host, domain, diff) && strings.EqualFold(host[diff:], domain)
	case diff == -1:
		return domain[0] == '.' && strings.EqualFold(host, domain[1:])
	}
	return false
}

func rfcDomainMatches(domain, host string) bool {
	if domain == "" || host == "" {
		return false
	}
	local := strings.EqualFold(domain, ".local")
	dot := embeddedDot(domain)
	if !local && (dot == -1 || dot == len(domain)-1) {
		return false
	}
	if !strings.Contains(host, ".") && (local || strings.EqualFold(domain, host+".local")) {
		return true
	}
	diff := len(host) - len(domain)
	switch {
	case diff == 0:
		return strings.EqualFold(host, domain)
	case diff > 0:
		return labelBoundary(host, domain, diff) && !strings.Contains(host[:diff], ".") && strings.EqualFold(host[diff:], domain)
	case diff == -1:
		return domain[0] == '.' && strings.EqualFold(host, domain[1:])
	}
	return false
}
