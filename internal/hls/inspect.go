package hls

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/grafov/m3u8"
)

// ErrNotPlaylist is returned by Inspect when the input is not an M3U playlist.
var ErrNotPlaylist = errors.New("not an HLS playlist")

// Summary describes a playlist without its references.
type Summary struct {
	Type           string    `json:"type"`
	Variants       []Variant `json:"variants,omitempty"`
	Renditions     int       `json:"renditions,omitempty"`
	Segments       int       `json:"segments,omitempty"`
	TargetDuration float64   `json:"target_duration,omitempty"`
	Duration       float64   `json:"duration,omitempty"`
	MediaSequence  uint64    `json:"media_sequence,omitempty"`
	Ended          bool      `json:"ended,omitempty"`
	Encryption     string    `json:"encryption,omitempty"`
}

// Variant is one entry of a master playlist.
type Variant struct {
	Bandwidth  uint32 `json:"bandwidth"`
	Resolution string `json:"resolution,omitempty"`
	Codecs     string `json:"codecs,omitempty"`
	IFrame     bool   `json:"iframe,omitempty"`
}

var bom = []byte{0xef, 0xbb, 0xbf}

// Inspect decodes a master or media playlist and summarizes it.
func Inspect(r io.Reader) (*Summary, error) {
	br := bufio.NewReader(r)
	if head, _ := br.Peek(len(bom)); bytes.Equal(head, bom) {
		_, _ = br.Discard(len(bom))
	}
	head, _ := br.Peek(64)
	head = bytes.TrimLeft(head, " \t\r\n")
	if !bytes.HasPrefix(head, []byte("#EXTM3U")) {
		return nil, ErrNotPlaylist
	}

	pl, listType, err := m3u8.DecodeFrom(br, false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		return summarizeMaster(pl.(*m3u8.MasterPlaylist)), nil
	case m3u8.MEDIA:
		return summarizeMedia(pl.(*m3u8.MediaPlaylist)), nil
	default:
		return nil, ErrNotPlaylist
	}
}

func summarizeMaster(p *m3u8.MasterPlaylist) *Summary {
	s := &Summary{Type: "master"}
	renditions := make(map[string]bool)
	for _, v := range p.Variants {
		if v == nil {
			continue
		}
		s.Variants = append(s.Variants, Variant{
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			IFrame:     v.Iframe,
		})
		for _, a := range v.Alternatives {
			if a != nil {
				renditions[a.Type+"/"+a.GroupId+"/"+a.Name] = true
			}
		}
	}
	s.Renditions = len(renditions)
	return s
}

func summarizeMedia(p *m3u8.MediaPlaylist) *Summary {
	s := &Summary{
		Type:           "media",
		TargetDuration: p.TargetDuration,
		MediaSequence:  p.SeqNo,
		Ended:          p.Closed,
	}
	if p.Key != nil {
		s.Encryption = p.Key.Method
	}
	for _, seg := range p.Segments {
		if seg == nil {
			continue
		}
		s.Segments++
		s.Duration += seg.Duration
		if s.Encryption == "" && seg.Key != nil {
			s.Encryption = seg.Key.Method
		}
	}
	return s
}
