// Package hls classifies proxied resources and rewrites HLS playlists so
// that every reference they contain resolves back through the proxy.
package hls

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// ContentType is the canonical playlist media type sent to clients.
const ContentType = "application/vnd.apple.mpegurl"

// playlistContentTypes are the media types origins use for playlists.
var playlistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
}

// Kind is the class of a proxied resource.
type Kind int

const (
	KindOther Kind = iota
	KindManifest
	KindSegment
)

// String returns the metric/log label for k.
func (k Kind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindSegment:
		return "segment"
	default:
		return "other"
	}
}

// MaxAge returns how long downstream caches may keep a resource of kind k.
// Manifests change (live windows slide), segments never do once published.
func (k Kind) MaxAge() time.Duration {
	switch k {
	case KindManifest:
		return 30 * time.Second
	case KindSegment:
		return 300 * time.Second
	default:
		return 60 * time.Second
	}
}

// CacheControl renders the Cache-Control header value for k.
func CacheControl(k Kind) string {
	return "public, max-age=" + strconv.Itoa(int(k.MaxAge()/time.Second))
}

// KindFromPath classifies a URL path by its file extension.
func KindFromPath(p string) Kind {
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8":
		return KindManifest
	case ".ts", ".m4s":
		return KindSegment
	default:
		return KindOther
	}
}

// IsPlaylistContentType reports whether ct names an HLS playlist media type.
func IsPlaylistContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, t := range playlistContentTypes {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

// Classify derives the kind of an upstream response. Origins often mislabel
// playlists, so either the content type or the path extension is enough to
// treat the body as a manifest.
func Classify(p, contentType string) Kind {
	if IsPlaylistContentType(contentType) {
		return KindManifest
	}
	return KindFromPath(p)
}
