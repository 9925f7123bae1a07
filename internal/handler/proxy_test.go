package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"hls-proxy-go/internal/client"
	"hls-proxy-go/internal/config"
	"hls-proxy-go/internal/hls"
	"hls-proxy-go/internal/metrics"
	"hls-proxy-go/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{MaxPlaylistBytes: 1 << 20},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func newTestHandler(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyHandler {
	t.Helper()
	logger := discardLogger()
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewProxyService(uc, cfg, logger)
	return NewProxyHandler(svc, cfg, m, logger)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func proxyRequest(method, target, ref string) *http.Request {
	q := "url=" + url.QueryEscape(target)
	if ref != "" {
		q += "&ref=" + url.QueryEscape(ref)
	}
	return httptest.NewRequest(method, ProxyPath+"?"+q, http.NoBody)
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestProxyHandler_RewritesMediaPlaylist(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/live/index.m3u8" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("#EXTM3U\r\n" +
			"#EXT-X-TARGETDURATION:6\r\n" +
			"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x00000000000000000000000000000001\r\n" +
			"#EXTINF:6.0,\r\n" +
			"seg.ts\r\n" +
			"\r\n" +
			"#EXTINF:6.0,\r\n" +
			"https://other.example/abs.ts\r\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	ref := "https://site.example/watch/1"
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/live/index.m3u8", ref))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want exactly 1", hits.Load())
	}
	if ct := rec.Header().Get("Content-Type"); ct != hls.ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, hls.ContentType)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=30" {
		t.Errorf("Cache-Control = %q, want manifest tier", cc)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "" && cl != strconv.Itoa(rec.Body.Len()) {
		t.Errorf("Content-Length = %s, body is %d bytes", cl, rec.Body.Len())
	}

	encRef := "&ref=" + url.QueryEscape(ref)
	lines := strings.Split(rec.Body.String(), "\n")
	want := []string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		`#EXT-X-KEY:METHOD=AES-128,URI="` + ProxyPath + "?url=" + url.QueryEscape(upstream.URL+"/live/key.bin") + encRef + `",IV=0x00000000000000000000000000000001`,
		"#EXTINF:6.0,",
		ProxyPath + "?url=" + url.QueryEscape(upstream.URL+"/live/seg.ts") + encRef,
		"",
		"#EXTINF:6.0,",
		ProxyPath + "?url=" + url.QueryEscape("https://other.example/abs.ts") + encRef,
		"",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), rec.Body.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestProxyHandler_RewriteWithoutRefOmitsRef(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\nseg.ts\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/a/b.m3u8", ""))

	if strings.Contains(rec.Body.String(), "ref=") {
		t.Errorf("rewritten playlist carries a ref without one being supplied:\n%s", rec.Body.String())
	}
}

func TestProxyHandler_RewriteUsesRedirectTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/index.m3u8", http.StatusFound)
	})
	mux.HandleFunc("/new/index.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\nseg.ts\n"))
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/old/index.m3u8", ""))

	want := url.QueryEscape(upstream.URL + "/new/seg.ts")
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body does not resolve against the redirect target:\n%s", rec.Body.String())
	}
}

func TestProxyHandler_SegmentPassthrough(t *testing.T) {
	payload := []byte{0x47, 0xff, 0xfe, 0x00, 0xc3, 0x28, 0x80, 0x47}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Set-Cookie", "track=1")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/seg/00001.ts", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body = %x, want %x", rec.Body.Bytes(), payload)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("Content-Type = %q, want %q", ct, "video/mp2t")
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("Set-Cookie should not be relayed")
	}
}

func TestProxyHandler_RangePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-3" {
			t.Errorf("Range = %q, want %q", r.Header.Get("Range"), "bytes=0-3")
		}
		w.Header().Set("Content-Type", "video/iso.segment")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("abcd"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	req := proxyRequest(http.MethodGet, upstream.URL+"/v/1.m4s", "")
	req.Header.Set("Range", "bytes=0-3")
	rec := serve(t, h, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	for key, want := range map[string]string{
		"Accept-Ranges": "bytes",
		"Content-Range": "bytes 0-3/100",
		"ETag":          `"v1"`,
		"Cache-Control": "public, max-age=300",
	} {
		if got := rec.Header().Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if rec.Body.String() != "abcd" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "abcd")
	}
}

func TestProxyHandler_CacheControlTiers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)

	tests := []struct {
		path string
		want string
	}{
		{"/a/index.m3u8", "public, max-age=30"},
		{"/a/INDEX.M3U8", "public, max-age=30"},
		{"/a/seg.ts", "public, max-age=300"},
		{"/a/part.m4s", "public, max-age=300"},
		{"/a/movie.mp4", "public, max-age=60"},
		{"/a/key.bin", "public, max-age=60"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+tt.path, ""))
			if got := rec.Header().Get("Cache-Control"); got != tt.want {
				t.Errorf("Cache-Control = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProxyHandler_Head(t *testing.T) {
	var method atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", "1024")
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodHead, upstream.URL+"/seg.ts", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got, _ := method.Load().(string); got != http.MethodHead {
		t.Errorf("upstream method = %q, want HEAD", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
	if cl := rec.Header().Get("Content-Length"); cl != "1024" {
		t.Errorf("Content-Length = %q, want %q", cl, "1024")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=300" {
		t.Errorf("Cache-Control = %q, want segment tier", cc)
	}
}

func TestProxyHandler_HeadPlaylist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "100")
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodHead, upstream.URL+"/live.m3u8", ""))

	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %q, want empty", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != hls.ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, hls.ContentType)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "" {
		t.Errorf("Content-Length = %q, want none for a rewritten playlist", cl)
	}
}

func TestProxyHandler_GuardRejections(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.AllowedHosts = []string{"cdn.example.com"}
	h := newTestHandler(t, cfg, nil)

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{"missing url", httptest.NewRequest(http.MethodGet, ProxyPath, http.NoBody), http.StatusBadRequest},
		{"relative url", proxyRequest(http.MethodGet, "/etc/passwd", ""), http.StatusBadRequest},
		{"ftp scheme", proxyRequest(http.MethodGet, "ftp://cdn.example.com/a.m3u8", ""), http.StatusBadRequest},
		{"host not allowed", proxyRequest(http.MethodGet, upstream.URL+"/a.m3u8", ""), http.StatusBadRequest},
		{"POST", proxyRequest(http.MethodPost, "https://cdn.example.com/a.m3u8", ""), http.StatusMethodNotAllowed},
		{"PUT", proxyRequest(http.MethodPut, "https://cdn.example.com/a.m3u8", ""), http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if errorBody(t, rec) == "" {
				t.Error("expected a JSON error message")
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0 for rejected requests", hits.Load())
	}
}

func TestProxyHandler_MethodNotAllowedSetsAllow(t *testing.T) {
	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodDelete, "https://cdn.example.com/a.m3u8", ""))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, HEAD" {
		t.Errorf("Allow = %q, want %q", allow, "GET, HEAD")
	}
}

func TestProxyHandler_UpstreamErrorStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such playlist\nseg.ts\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/gone.m3u8", ""))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != "no such playlist\nseg.ts\n" {
		t.Errorf("error body should be relayed verbatim, got %q", rec.Body.String())
	}
}

func TestProxyHandler_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	m := metrics.New()
	h := newTestHandler(t, testConfig(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := proxyRequest(http.MethodGet, upstream.URL+"/slow.m3u8", "").WithContext(ctx)
	rec := serve(t, h, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := errorBody(t, rec); msg != "Timeout" {
		t.Errorf("error = %q, want %q", msg, "Timeout")
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("timeout")); got != 1 {
		t.Errorf("timeout errors = %v, want 1", got)
	}
}

func TestProxyHandler_BadGateway(t *testing.T) {
	m := metrics.New()
	h := newTestHandler(t, testConfig(), m)
	rec := serve(t, h, proxyRequest(http.MethodGet, "http://127.0.0.1:1/a.m3u8", ""))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := errorBody(t, rec); msg != "Bad Gateway" {
		t.Errorf("error = %q, want %q", msg, "Bad Gateway")
	}
	if got := testutil.ToFloat64(m.UpstreamErrors.WithLabelValues("bad_gateway")); got != 1 {
		t.Errorf("bad_gateway errors = %v, want 1", got)
	}
}

func TestProxyHandler_PlaylistTooLarge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n" + strings.Repeat("#EXTINF:4,\nseg.ts\n", 10)))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.MaxPlaylistBytes = 32
	h := newTestHandler(t, cfg, nil)
	rec := serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/big.m3u8", ""))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if msg := errorBody(t, rec); msg != "playlist too large" {
		t.Errorf("error = %q, want %q", msg, "playlist too large")
	}
}

func TestProxyHandler_RewriteMetrics(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://key-id\"\n" +
			"#EXTINF:4,\nseg1.ts\n#EXTINF:4,\nseg2.ts\n"))
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestHandler(t, testConfig(), m)
	serve(t, h, proxyRequest(http.MethodGet, upstream.URL+"/v.m3u8", ""))

	if got := testutil.ToFloat64(m.PlaylistRewrites.WithLabelValues("rewritten")); got != 2 {
		t.Errorf("rewritten = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PlaylistRewrites.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ResponsesByKind.WithLabelValues("manifest")); got != 1 {
		t.Errorf("manifest responses = %v, want 1", got)
	}
}

func TestProxyHandler_Inspect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720\nhigh.m3u8\n"))
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/broken.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	h := newTestHandler(t, testConfig(), nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"master playlist", "/master.m3u8", http.StatusOK},
		{"not a playlist", "/page.html", http.StatusUnprocessableEntity},
		{"upstream failure", "/broken.m3u8", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, ProxyPath+"/inspect?url="+url.QueryEscape(upstream.URL+tt.path), http.NoBody)
			rec := httptest.NewRecorder()
			if err := h.Inspect(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Inspect() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var s hls.Summary
			if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if s.Type != "master" || len(s.Variants) != 2 {
				t.Errorf("summary = %+v, want master with 2 variants", s)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	err := &url.Error{
		Op:  "Get",
		URL: "https://cdn.example/a.m3u8?url=x&ref=https%3A%2F%2Fsecret.example%2Fp",
		Err: io.ErrUnexpectedEOF,
	}
	got := sanitizeError(err)
	if strings.Contains(got, "secret.example") {
		t.Errorf("sanitizeError() = %q, referer not redacted", got)
	}
	if !strings.Contains(got, "ref=[REDACTED]") {
		t.Errorf("sanitizeError() = %q, want redaction marker", got)
	}
}
