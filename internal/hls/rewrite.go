package hls

import (
	"net/url"
	"strings"
)

// URITags are the tags whose attribute lists may carry a URI attribute.
var URITags = map[string]bool{
	"EXT-X-KEY":                true,
	"EXT-X-MAP":                true,
	"EXT-X-MEDIA":              true,
	"EXT-X-I-FRAME-STREAM-INF": true,
	"EXT-X-SESSION-KEY":        true,
	"EXT-X-SESSION-DATA":       true,
	"EXT-X-PRELOAD-HINT":       true,
	"EXT-X-RENDITION-REPORT":   true,
	"EXT-X-PART":               true,
}

// Stats counts what happened to the references in one playlist.
type Stats struct {
	Rewritten int
	Skipped   int
	Malformed int
}

// Rewriter points playlist references at a proxy endpoint.
type Rewriter struct {
	path string
}

// NewRewriter returns a Rewriter producing URLs of the form
// <proxyPath>?url=<target>[&ref=<referer>].
func NewRewriter(proxyPath string) *Rewriter {
	return &Rewriter{path: proxyPath}
}

// Path returns the proxy path the rewriter targets.
func (r *Rewriter) Path() string {
	return r.path
}

// ProxyURL returns the proxy-relative URL that fetches target.
func (r *Rewriter) ProxyURL(target, referer string) string {
	u := r.path + "?url=" + url.QueryEscape(target)
	if referer != "" {
		u += "&ref=" + url.QueryEscape(referer)
	}
	return u
}

// Rewrite rewrites every reference in text, resolving relative references
// against base (the playlist's own URL). A reference that cannot be parsed is
// left exactly as it was. References that already point at the proxy are not
// wrapped again, so rewriting is idempotent.
func (r *Rewriter) Rewrite(text string, base *url.URL, referer string) (string, Stats) {
	if base == nil {
		base = &url.URL{}
	}

	var st Stats
	p := Parse(text)
	for i := range p.Lines {
		l := &p.Lines[i]
		switch l.Type {
		case LineURI:
			if out, ok := r.rewriteRef(l.Value, base, referer, &st); ok {
				l.Raw = out
			}
		case LineTag:
			if URITags[l.Tag] {
				l.Raw = r.rewriteAttributes(l.Raw, base, referer, &st)
			}
		}
	}
	return p.String(), st
}

// rewriteAttributes replaces the quoted values of URI attributes in a tag
// line, leaving every other byte of the line as it was.
func (r *Rewriter) rewriteAttributes(line string, base *url.URL, referer string, st *Stats) string {
	spans := uriValueSpans(line)
	if spans == nil {
		return line
	}

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		out, ok := r.rewriteRef(line[sp[0]:sp[1]], base, referer, st)
		if !ok {
			continue
		}
		b.WriteString(line[last:sp[0]])
		b.WriteString(out)
		last = sp[1]
	}
	b.WriteString(line[last:])
	return b.String()
}

// uriValueSpans walks the attribute list of a tag line as NAME=value pairs
// and returns the offsets of the quoted values whose name is exactly URI.
// Quoted values are skipped whole, so separators inside them never start a
// new attribute. An unterminated quote ends the walk.
func uriValueSpans(line string) [][2]int {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil
	}

	var spans [][2]int
	n := len(line)
	for i := colon + 1; i < n; i++ {
		start := i
		for i < n && line[i] != '=' && line[i] != ',' {
			i++
		}
		if i >= n || line[i] == ',' {
			continue
		}
		name := strings.TrimSpace(line[start:i])
		i++

		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i < n && (line[i] == '"' || line[i] == '\'') {
			end := strings.IndexByte(line[i+1:], line[i])
			if end < 0 {
				return spans
			}
			vs, ve := i+1, i+1+end
			if name == "URI" {
				spans = append(spans, [2]int{vs, ve})
			}
			i = ve + 1
		}
		for i < n && line[i] != ',' {
			i++
		}
	}
	return spans
}

// rewriteRef returns the proxied form of ref and true, or false when ref
// must be kept verbatim.
func (r *Rewriter) rewriteRef(raw string, base *url.URL, referer string, st *Stats) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		st.Malformed++
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		st.Malformed++
		return "", false
	}
	if r.isProxied(ref, base) {
		st.Skipped++
		return "", false
	}

	abs := base.ResolveReference(ref)
	// data: URIs, skd: key identifiers and the like are not fetchable here.
	if abs.Scheme != "http" && abs.Scheme != "https" {
		st.Skipped++
		return "", false
	}

	st.Rewritten++
	return r.ProxyURL(abs.String(), referer), true
}

// isProxied reports whether ref already addresses this proxy.
func (r *Rewriter) isProxied(ref, base *url.URL) bool {
	if ref.Path != r.path || !ref.Query().Has("url") {
		return false
	}
	return ref.Host == "" || strings.EqualFold(ref.Host, base.Host)
}
