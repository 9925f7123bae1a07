package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"hls-proxy-go/internal/config"
	"hls-proxy-go/internal/hls"
	"hls-proxy-go/internal/metrics"
	"hls-proxy-go/internal/model"
	"hls-proxy-go/internal/service"
)

// ProxyPath is the public proxy endpoint. Rewritten playlists point here.
const ProxyPath = "/api/proxy/hls"

// errPlaylistTooLarge is returned when a playlist exceeds proxy.max_playlist_bytes.
var errPlaylistTooLarge = errors.New("playlist too large")

// refPattern matches ref query parameter values in URLs embedded in error messages.
var refPattern = regexp.MustCompile(`(?i)([?&]ref=)[^&\s"]+`)

// ProxyHandler serves the HLS proxy endpoint.
type ProxyHandler struct {
	service     *service.ProxyService
	rewriter    *hls.Rewriter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxPlaylist int64
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:     svc,
		rewriter:    hls.NewRewriter(ProxyPath),
		metrics:     m,
		logger:      logger.With("component", "proxy_handler"),
		maxPlaylist: cfg.Proxy.MaxPlaylistBytes,
	}
}

// Handle fetches the url parameter from its origin. Playlists are rewritten so
// every reference goes back through the proxy; anything else is streamed.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := h.service.Check(req.Method, c.QueryParam("url"))
	if err != nil {
		return h.guardError(c, err)
	}

	pr := &model.ProxyRequest{
		Ctx:     req.Context(),
		Method:  req.Method,
		Target:  target,
		Header:  req.Header,
		Referer: c.QueryParam("ref"),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.upstreamError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.recordKind(resp.Kind)

	out := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	out.Set(echo.HeaderCacheControl, hls.CacheControl(resp.CacheKind))

	rewritable := resp.Kind == hls.KindManifest && resp.StatusCode == http.StatusOK

	if req.Method == http.MethodHead {
		if rewritable {
			// The rewritten body length is unknown without reading it.
			out.Set(echo.HeaderContentType, hls.ContentType)
			out.Del(echo.HeaderContentLength)
		}
		c.Response().WriteHeader(resp.StatusCode)
		return nil
	}

	if rewritable {
		return h.writePlaylist(c, pr, resp)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"host", target.Host,
			"kind", resp.Kind.String(),
		)
	}
	return nil
}

func (h *ProxyHandler) writePlaylist(c echo.Context, pr *model.ProxyRequest, resp *model.ProxyResponse) error {
	body, err := h.readPlaylist(resp.Body)
	if err != nil {
		// Headers copied from the upstream response must not leak into the error.
		for _, key := range []string{
			echo.HeaderContentType, echo.HeaderContentLength, "Content-Range",
			"Accept-Ranges", "Etag", echo.HeaderLastModified,
		} {
			c.Response().Header().Del(key)
		}
		if errors.Is(err, errPlaylistTooLarge) {
			h.logger.Warn("playlist exceeds size limit",
				"host", pr.Target.Host,
				"limit", h.maxPlaylist,
			)
			h.countUpstreamError("too_large")
			return c.JSON(http.StatusBadGateway, map[string]string{"error": errPlaylistTooLarge.Error()})
		}
		return h.upstreamError(c, err)
	}

	base := resp.URL
	if base == nil {
		base = pr.Target
	}
	text, st := h.rewriter.Rewrite(string(body), base, service.ExplicitReferer(pr))
	h.recordRewrite(st)

	h.logger.Debug("playlist rewritten",
		"host", pr.Target.Host,
		"rewritten", st.Rewritten,
		"skipped", st.Skipped,
		"malformed", st.Malformed,
	)

	out := c.Response().Header()
	out.Set(echo.HeaderContentType, hls.ContentType)
	out.Set(echo.HeaderContentLength, strconv.Itoa(len(text)))
	out.Del("Content-Range")
	out.Del("Accept-Ranges")

	c.Response().WriteHeader(http.StatusOK)
	if _, err := io.WriteString(c.Response(), text); err != nil {
		h.logger.Warn("writing playlist", "err", err, "host", pr.Target.Host)
	}
	return nil
}

// readPlaylist reads a playlist body, bounded by maxPlaylist when it is set.
func (h *ProxyHandler) readPlaylist(r io.Reader) ([]byte, error) {
	if h.maxPlaylist <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read playlist: %w", err)
		}
		return b, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, h.maxPlaylist+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(b)) > h.maxPlaylist {
		return nil, errPlaylistTooLarge
	}
	return b, nil
}

// Inspect fetches a playlist and returns its structural summary as JSON.
func (h *ProxyHandler) Inspect(c echo.Context) error {
	req := c.Request()

	target, err := h.service.Check(http.MethodGet, c.QueryParam("url"))
	if err != nil {
		return h.guardError(c, err)
	}

	pr := &model.ProxyRequest{
		Ctx:     req.Context(),
		Method:  http.MethodGet,
		Target:  target,
		Header:  req.Header,
		Referer: c.QueryParam("ref"),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.upstreamError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream returned " + strconv.Itoa(resp.StatusCode),
		})
	}

	body, err := h.readPlaylist(resp.Body)
	if err != nil {
		if errors.Is(err, errPlaylistTooLarge) {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": errPlaylistTooLarge.Error()})
		}
		return h.upstreamError(c, err)
	}

	summary, err := hls.Inspect(bytes.NewReader(body))
	if err != nil {
		h.logger.Debug("inspect failed", "err", err, "host", target.Host)
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *ProxyHandler) guardError(c echo.Context, err error) error {
	status := http.StatusBadRequest
	if errors.Is(err, service.ErrMethodNotAllowed) {
		status = http.StatusMethodNotAllowed
		c.Response().Header().Set(echo.HeaderAllow, "GET, HEAD")
	}
	h.logger.Debug("request rejected",
		"err", err,
		"method", c.Request().Method,
	)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (h *ProxyHandler) upstreamError(c echo.Context, err error) error {
	reason, msg := "bad_gateway", "Bad Gateway"
	if service.IsTimeout(err) {
		reason, msg = "timeout", "Timeout"
	}
	h.countUpstreamError(reason)

	h.logger.Error("upstream error",
		"err", sanitizeError(err),
		"reason", reason,
	)
	return c.JSON(http.StatusBadGateway, map[string]string{"error": msg})
}

func (h *ProxyHandler) countUpstreamError(reason string) {
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
}

func (h *ProxyHandler) recordKind(k hls.Kind) {
	if h.metrics != nil {
		h.metrics.ResponsesByKind.WithLabelValues(k.String()).Inc()
	}
}

func (h *ProxyHandler) recordRewrite(st hls.Stats) {
	if h.metrics == nil {
		return
	}
	h.metrics.PlaylistRewrites.WithLabelValues("rewritten").Add(float64(st.Rewritten))
	h.metrics.PlaylistRewrites.WithLabelValues("skipped").Add(float64(st.Skipped))
	h.metrics.PlaylistRewrites.WithLabelValues("malformed").Add(float64(st.Malformed))
}

// sanitizeError redacts referer values from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	return refPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
