// Package service implements target validation and upstream fetching.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"hls-proxy-go/internal/client"
	"hls-proxy-go/internal/config"
	"hls-proxy-go/internal/hls"
	"hls-proxy-go/internal/model"
)

// HeaderProxyReferer lets callers pass the upstream referer as a header
// instead of the ref query parameter.
const HeaderProxyReferer = "X-Proxy-Referer"

// browserUserAgent is sent when the caller supplies none; some origins
// reject empty or non-browser agents.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Range",
	"Accept",
	"If-None-Match",
	"If-Modified-Since",
}

// forwardableResponseHeaders are the only response headers relayed to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":   true,
	"Content-Length": true,
	"Accept-Ranges":  true,
	"Content-Range":  true,
	"Etag":           true,
	"Last-Modified":  true,
}

// ProxyService validates targets and fetches them from the origin.
type ProxyService struct {
	client    *client.UpstreamClient
	guard     *Guard
	logger    *slog.Logger
	userAgent string
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	ua := cfg.Proxy.UserAgent
	if ua == "" {
		ua = browserUserAgent
	}
	return &ProxyService{
		client:    c,
		guard:     NewGuard(cfg.Proxy.AllowedHosts),
		logger:    logger.With("component", "proxy_service"),
		userAgent: ua,
	}
}

// Guard returns the target policy guard.
func (s *ProxyService) Guard() *Guard {
	return s.guard
}

// Check validates an inbound method and url parameter.
func (s *ProxyService) Check(method, rawURL string) (*url.URL, error) {
	return s.guard.Check(method, rawURL)
}

// Forward issues exactly one upstream request for pr. Failures are not
// retried. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.filterRequestHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Target.Host,
		"path", pr.Target.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, nil)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Kind = hls.Classify(pr.Target.Path, resp.Header.Get("Content-Type"))
	resp.CacheKind = hls.KindFromPath(pr.Target.Path)
	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// ExplicitReferer returns the referer the caller asked for: the ref query
// parameter, then the X-Proxy-Referer header. Empty when neither is set.
func ExplicitReferer(pr *model.ProxyRequest) string {
	if pr.Referer != "" {
		return pr.Referer
	}
	return pr.Header.Get(HeaderProxyReferer)
}

// resolveReferer falls back to the target's own origin, since many origins
// reject requests without a matching referer.
func resolveReferer(pr *model.ProxyRequest) string {
	if ref := ExplicitReferer(pr); ref != "" {
		return ref
	}
	return origin(pr.Target) + "/"
}

// origin returns scheme://host of u.
func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func (s *ProxyService) filterRequestHeaders(pr *model.ProxyRequest) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := pr.Header.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}

	referer := resolveReferer(pr)
	dst.Set("Referer", referer)

	o := origin(pr.Target)
	if ru, err := url.Parse(referer); err == nil && ru.Scheme != "" && ru.Host != "" {
		o = origin(ru)
	}
	dst.Set("Origin", o)

	if ua := pr.Header.Get("User-Agent"); ua != "" {
		dst.Set("User-Agent", ua)
	} else {
		dst.Set("User-Agent", s.userAgent)
	}
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// IsTimeout reports whether err is an aborted or timed-out upstream exchange
// rather than another transport failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
