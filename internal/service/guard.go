package service

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Guard errors. ErrMethodNotAllowed maps to 405, the rest to 400.
var (
	ErrMethodNotAllowed  = errors.New("method not allowed")
	ErrMissingURL        = errors.New("missing url parameter")
	ErrInvalidURL        = errors.New("invalid url")
	ErrUnsupportedScheme = errors.New("url scheme must be http or https")
	ErrHostNotAllowed    = errors.New("host not allowed")
)

// Guard validates proxy targets before any network call is made.
type Guard struct {
	allowed map[string]bool
}

// NewGuard creates a Guard. An empty allow-list permits every host.
func NewGuard(allowedHosts []string) *Guard {
	g := &Guard{allowed: make(map[string]bool, len(allowedHosts))}
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			g.allowed[h] = true
		}
	}
	return g
}

// Open reports whether the guard permits every host.
func (g *Guard) Open() bool {
	return len(g.allowed) == 0
}

// Size returns the number of allow-listed hosts.
func (g *Guard) Size() int {
	return len(g.allowed)
}

// Check validates the inbound method and raw url parameter and returns the
// parsed target.
func (g *Guard) Check(method, rawURL string) (*url.URL, error) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, ErrMethodNotAllowed
	}

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrMissingURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsupportedScheme
	}
	if u.Hostname() == "" {
		return nil, ErrInvalidURL
	}

	if !g.Open() && !g.allowed[strings.ToLower(u.Hostname())] {
		return nil, ErrHostNotAllowed
	}
	return u, nil
}
