// Package server binds the listening socket for the HTTP server.
package server

import (
	"fmt"
	"net"
	"time"

	"github.com/pires/go-proxyproto"

	"hls-proxy-go/internal/config"
)

// proxyHeaderTimeout bounds how long a new connection may take to send its
// PROXY header.
const proxyHeaderTimeout = 5 * time.Second

// Listen binds server.host:server.port. With server.proxy_protocol enabled the
// listener accepts an optional PROXY v1/v2 header, so RemoteAddr reports the
// client behind a load balancer. Connections without a header are served as
// plain TCP.
func Listen(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if !cfg.Server.ProxyProtocol {
		return ln, nil
	}
	return &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: proxyHeaderTimeout,
	}, nil
}
