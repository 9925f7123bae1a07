package hls

import (
	"strings"
)

const byteOrderMark = "\ufeff"

// LineType is the grammatical role of one playlist line.
type LineType int

const (
	LineBlank LineType = iota
	LineTag
	LineURI
)

// Line is one line of a playlist.
type Line struct {
	Type LineType
	// Raw is the line as received, without its terminator.
	Raw string
	// Value is Raw with surrounding whitespace removed.
	Value string
	// Tag is the tag name without the leading '#' (e.g. "EXT-X-KEY").
	// Empty for blank lines, URI lines and plain comments.
	Tag string
}

// Playlist is a playlist held as a sequence of classified lines.
type Playlist struct {
	Lines []Line
}

// Parse splits text on \r?\n and classifies every line. Parse never fails:
// anything that is not blank and not '#'-prefixed is a URI line.
// A leading byte order mark is kept in the first line's Raw but ignored when
// classifying it.
func Parse(text string) *Playlist {
	raw := strings.Split(text, "\n")
	p := &Playlist{Lines: make([]Line, 0, len(raw))}
	for i, r := range raw {
		r = strings.TrimSuffix(r, "\r")
		if i == 0 && strings.HasPrefix(r, byteOrderMark) {
			l := parseLine(r[len(byteOrderMark):])
			l.Raw = byteOrderMark + l.Raw
			p.Lines = append(p.Lines, l)
			continue
		}
		p.Lines = append(p.Lines, parseLine(r))
	}
	return p
}

func parseLine(raw string) Line {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return Line{Type: LineBlank, Raw: raw}
	case strings.HasPrefix(v, "#"):
		return Line{Type: LineTag, Raw: raw, Value: v, Tag: tagName(v)}
	default:
		return Line{Type: LineURI, Raw: raw, Value: v}
	}
}

// tagName extracts "EXT-X-KEY" from "#EXT-X-KEY:METHOD=...". Comments that
// are not EXT tags have no name.
func tagName(v string) string {
	if !strings.HasPrefix(v, "#EXT") {
		return ""
	}
	name := v[1:]
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

// String serializes the playlist, joining lines with \n.
func (p *Playlist) String() string {
	var b strings.Builder
	for i, l := range p.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Raw)
	}
	return b.String()
}
