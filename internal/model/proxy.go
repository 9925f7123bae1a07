// Package model defines the transient values passed through one proxy request.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"hls-proxy-go/internal/hls"
)

// ProxyRequest is a validated inbound request to be fetched upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header

	// Referer is the explicit referer supplied by the caller (ref query
	// parameter), empty when absent.
	Referer string
}

// ProxyResponse is the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// URL is the address that produced the response, after redirects.
	URL *url.URL

	// Kind is the response classification (content type or path).
	Kind hls.Kind
	// CacheKind is derived from the target path alone and selects the
	// Cache-Control tier.
	CacheKind hls.Kind
}
