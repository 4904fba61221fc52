// SPDX-License-Identifier: MIT

package main

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie is one stored cookie. The zero Expires means a session cookie that
// never expires on our side. Wikidot only ever sets a handful of cookies, so
// the jar keeps the exact fields it needs to replay them and nothing more.
type Cookie struct {
	Name    string     `json:"name"`
	Value   string     `json:"value"`
	Path    string     `json:"path,omitempty"`
	Domain  string     `json:"domain,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
	Secure  bool       `json:"secure,omitempty"`
}

func (c *Cookie) expired(now time.Time) bool {
	return c.Expires != nil && !c.Expires.After(now)
}

// CookieJar is a mutex-guarded cookie store that can be serialised to JSON
// and restored without loss. It deliberately does not implement
// net/http.CookieJar: requests attach cookies explicitly so that the jar
// contents stay inspectable and the token cookie can be read back directly.
type CookieJar struct {
	mu      sync.Mutex
	cookies []*Cookie

	now func() time.Time
}

func NewCookieJar() *CookieJar {
	return &CookieJar{now: time.Now}
}

// Put parses a single Set-Cookie header value and stores the result. A cookie
// with the same name, domain and path replaces the stored one. Cookies
// without a Domain attribute are keyed under defaultDomain.
func (j *CookieJar) Put(header, defaultDomain string) {
	parts := strings.Split(header, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok || name == "" {
		return
	}
	cookie := &Cookie{
		Name:   strings.TrimSpace(name),
		Value:  strings.TrimSpace(value),
		Domain: defaultDomain,
	}
	now := j.clock()
	for _, attr := range parts[1:] {
		key, val, _ := strings.Cut(strings.TrimSpace(attr), "=")
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "expires":
			if t, err := time.Parse(time.RFC1123, val); err == nil {
				t := t.UTC()
				cookie.Expires = &t
			} else if t, err := http1036Time(val); err == nil {
				cookie.Expires = &t
			}
		case "max-age":
			if secs, err := strconv.Atoi(val); err == nil {
				// max-age wins over expires; zero or negative expires the
				// cookie right away.
				t := now.Add(time.Duration(secs) * time.Second).UTC()
				cookie.Expires = &t
			}
		case "domain":
			if val != "" {
				cookie.Domain = strings.TrimPrefix(val, ".")
			}
		case "path":
			cookie.Path = val
		case "secure":
			cookie.Secure = true
		case "httponly":
			// Recognised but irrelevant: nothing here runs scripts.
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, stored := range j.cookies {
		if stored.Name == cookie.Name && stored.Domain == cookie.Domain && stored.Path == cookie.Path {
			j.cookies[i] = cookie
			return
		}
	}
	j.cookies = append(j.cookies, cookie)
}

// Get returns the cookies applicable to u: domain suffix match, path prefix
// match, not expired, and secure cookies only over https.
func (j *CookieJar) Get(u *url.URL) []*Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock()
	host := u.Hostname()
	path := u.Path
	if path == "" {
		path = "/"
	}
	var matched []*Cookie
	for _, c := range j.cookies {
		if c.expired(now) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatch(host, c.Domain) {
			continue
		}
		if c.Path != "" && !strings.HasPrefix(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}
	return matched
}

// Value looks up the live value of a named cookie for u.
func (j *CookieJar) Value(name string, u *url.URL) (string, bool) {
	for _, c := range j.Get(u) {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Header renders the Cookie request header for u, or "" when no cookie
// applies.
func (j *CookieJar) Header(u *url.URL) string {
	cookies := j.Get(u)
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// Snapshot copies the stored cookies for persistence.
func (j *CookieJar) Snapshot() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Cookie, len(j.cookies))
	for i, c := range j.cookies {
		out[i] = *c
	}
	return out
}

// Restore replaces the jar contents with previously snapshotted cookies.
func (j *CookieJar) Restore(cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make([]*Cookie, len(cookies))
	for i := range cookies {
		c := cookies[i]
		j.cookies[i] = &c
	}
}

func (j *CookieJar) clock() time.Time {
	if j.now != nil {
		return j.now()
	}
	return time.Now()
}

func domainMatch(host, domain string) bool {
	if domain == "" {
		return true
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func http1036Time(val string) (time.Time, error) {
	t, err := time.Parse("Monday, 02-Jan-06 15:04:05 MST", val)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
