package cookiejar

import (
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SetCookies implements http.CookieJar. Set-Cookie headers are treated as
// version 0 cookies; a missing domain defaults to the request host and a
// missing path to the request directory. Cookies whose domain does not match
// the originating host are rejected.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil {
		return
	}
	now := j.now()
	host := u.Hostname()
	for _, hc := range cookies {
		if hc == nil || hc.Name == "" {
			continue
		}
		c := fromHTTP(hc, now)
		c.Domain = effectiveDomain(c.Domain, host)
		if c.Path == "" {
			c.Path = defaultPath(u)
		}
		if !rfcDomainMatches(c.Domain, host) {
			j.logger.Warn().Str("cookie", c.Name).Str("domain", c.Domain).Str("host", host).Msg("rejecting cookie from foreign domain")
			continue
		}
		if err := j.Add(u, c); err != nil {
			j.logger.Warn().Err(err).Str("cookie", c.Name).Msg("cookie not stored")
		}
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	stored, err := j.Get(u)
	if err != nil {
		return nil
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	out := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		if !pathMatches(path, c.Path) {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// pathMatches accepts path when cookiePath is a prefix ending at a segment
// boundary; ';' counts as one so path parameters such as ;jsessionid= do not
// hide a cookie scoped to the bare path.
func pathMatches(path, cookiePath string) bool {
	if cookiePath == "" || path == cookiePath {
		return true
	}
	if !strings.HasPrefix(path, cookiePath) {
		return false
	}
	if strings.HasSuffix(cookiePath, "/") {
		return true
	}
	next := path[len(cookiePath)]
	return next == '/' || next == ';'
}

func fromHTTP(hc *http.Cookie, now time.Time) *Cookie {
	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
		MaxAge:   -1,
		created:  now,
	}
	switch {
	case hc.MaxAge < 0:
		c.MaxAge = 0
	case hc.MaxAge > 0:
		c.MaxAge = int64(hc.MaxAge)
	case !hc.Expires.IsZero():
		secs := math.Ceil(hc.Expires.Sub(now).Seconds())
		if secs <= 0 {
			c.MaxAge = 0
		} else {
			c.MaxAge = int64(secs)
		}
	}
	return c
}

// effectiveDomain fills in the host for host-only cookies (single-label hosts
// get a ".local" suffix) and gives explicit parent domains their leading dot.
func effectiveDomain(domain, host string) string {
	if domain == "" {
		if !strings.Contains(host, ".") {
			return host + ".local"
		}
		return host
	}
	if !strings.HasPrefix(domain, ".") && !strings.EqualFold(domain, host) {
		return "." + domain
	}
	return domain
}

func defaultPath(u *url.URL) string {
	p := u.Path
	if strings.HasSuffix(p, "/") {
		return p
	}
	if i := strings.LastIndexByte(p, '/'); i > 0 {
		return p[:i+1]
	}
	return "/"
}
