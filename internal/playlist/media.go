// Package playlist implements live HLS media and master playlists with
// sliding-window eviction and reference-counted segment files.
package playlist

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agleyzer/hlspack/internal/storage"
)

var (
	// ErrEmptyURL rejects an entry whose rendered URL would be empty.
	ErrEmptyURL = errors.New("playlist: entry URL is empty")
	// ErrNilFile rejects an entry without a backing file handle.
	ErrNilFile = errors.New("playlist: entry file handle is nil")
	// ErrPlaylistEnded rejects segments added to a finalized playlist.
	ErrPlaylistEnded = errors.New("playlist: playlist is finalized")
)

// Type distinguishes live playlists from finalized ones.
type Type int

const (
	// Event playlists grow while the stream is live.
	Event Type = iota
	// VOD playlists are complete; adding entries is rejected.
	VOD
)

// MediaConfig configures a media playlist.
type MediaConfig struct {
	// Name identifies the rendition and names the playlist file.
	Name string
	// BaseURL prefixes segment paths when building entry URLs.
	BaseURL string
	// File is the playlist's own backing file. The playlist retains one
	// reference until Close. May be nil when the playlist is never
	// written to disk.
	File *storage.Handle
	// Bitrate is the peak bitrate in bits per second, advertised by the
	// master playlist.
	Bitrate int
	// Version is the HLS protocol version written to the playlist.
	Version uint
	// WindowSize is the duration budget in seconds for retained entries.
	// Zero keeps every entry.
	WindowSize uint
	// AllowCache controls the EXT-X-ALLOW-CACHE tag.
	AllowCache bool
	// Chunked selects one file per segment. When false, entries address
	// byte ranges of a shared media file, which requires version 4.
	Chunked bool
	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Media is a single-rendition live media playlist with a sliding duration
// window. Media is not internally synchronized; the owning layer serializes
// access.
type Media struct {
	name       string
	baseURL    string
	file       *storage.Handle
	bitrate    int
	version    uint
	windowSize uint
	allowCache bool
	chunked    bool

	ptype          Type
	endList        bool
	sequenceNumber uint64
	entries        []*Entry

	logger *slog.Logger
}

// NewMedia creates an empty live media playlist. A byte-range configuration
// with a version below 4 is downgraded to chunked mode with a warning, since
// EXT-X-BYTERANGE only exists from version 4 on.
func NewMedia(cfg MediaConfig) *Media {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chunked := cfg.Chunked
	if !chunked && cfg.Version < 4 {
		logger.Warn("byte-range segments require HLS version 4, falling back to chunked mode",
			"playlist", cfg.Name,
			"version", cfg.Version,
		)
		chunked = true
	}

	var file *storage.Handle
	if cfg.File != nil {
		file = cfg.File.Retain()
	}

	return &Media{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		file:       file,
		bitrate:    cfg.Bitrate,
		version:    cfg.Version,
		windowSize: cfg.WindowSize,
		allowCache: cfg.AllowCache,
		chunked:    chunked,
		ptype:      Event,
		logger:     logger,
	}
}

// SegmentInfo describes one segment handed to AddEntry.
type SegmentInfo struct {
	// Path locates the segment relative to the playlist's base URL.
	Path string
	// File is the segment's backing file. AddEntry retains its own
	// reference; the caller keeps ownership of the one it passes in.
	File *storage.Handle
	// Title is the optional EXTINF title.
	Title string
	// Duration is the segment duration in seconds.
	Duration float64
	// Length and Offset locate the segment inside a shared media file.
	// Used only on byte-range playlists.
	Length uint64
	Offset uint64
	// Index is the absolute position of the segment in the stream,
	// starting at zero.
	Index uint64
	// Discontinuous marks a timeline break before this segment.
	Discontinuous bool
}

// AddEntry appends a segment and slides the window. Entries are evicted from
// the head while the duration of retained entries still meets or exceeds the
// window budget; the new entry is appended afterwards, so the post-append
// total may overshoot the budget by up to the new segment's duration.
//
// Evicted entries hand their file references to the caller, oldest first.
// The caller owns those references and releases them once any cleanup is
// scheduled. On error nothing is mutated and no references move.
func (p *Media) AddEntry(seg SegmentInfo) ([]*storage.Handle, error) {
	if p.ptype == VOD {
		return nil, ErrPlaylistEnded
	}

	entry, err := newEntry(joinURL(p.baseURL, seg.Path), seg.File, seg.Title,
		seg.Duration, seg.Length, seg.Offset, seg.Discontinuous)
	if err != nil {
		return nil, err
	}

	var evicted []*storage.Handle
	if p.windowSize > 0 {
		for len(p.entries) > 0 && p.TotalDuration() >= float64(p.windowSize) {
			head := p.entries[0]
			p.entries = p.entries[1:]
			evicted = append(evicted, head.file.Retain())
			head.release()
		}
	}

	p.sequenceNumber = seg.Index + 1
	p.entries = append(p.entries, entry)

	return evicted, nil
}

// TotalDuration returns the summed duration in seconds of current entries.
func (p *Media) TotalDuration() float64 {
	var total float64
	for _, e := range p.entries {
		total += e.duration
	}
	return total
}

// TargetDuration returns the EXT-X-TARGETDURATION value: the maximum entry
// duration, truncated to whole seconds.
func (p *Media) TargetDuration() uint {
	var longest float64
	for _, e := range p.entries {
		if e.duration > longest {
			longest = e.duration
		}
	}
	return uint(longest)
}

// Render produces the complete m3u8 text for the playlist's current state.
// Render has no side effects and may be called repeatedly.
func (p *Media) Render() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", p.version)
	fmt.Fprintf(&b, "#EXT-X-ALLOW-CACHE:%s\n", yesNo(p.allowCache))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", int64(p.sequenceNumber)-int64(len(p.entries)))
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration())
	b.WriteString("\n")

	for _, e := range p.entries {
		if e.discontinuous {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if p.version < 3 {
			// Versions before 3 only allow integer EXTINF durations.
			fmt.Fprintf(&b, "#EXTINF:%d,%s\n", int64(e.duration+0.5), e.title)
		} else {
			fmt.Fprintf(&b, "#EXTINF:%.2f,%s\n", e.duration, e.title)
		}
		if !p.chunked {
			fmt.Fprintf(&b, "#EXT-X-BYTERANGE:%d@%d\n", e.length, e.offset)
		}
		b.WriteString(e.url)
		b.WriteString("\n")
	}

	if p.endList {
		b.WriteString("#EXT-X-ENDLIST")
	}

	return b.String()
}

// SetEndList marks the stream finished. Subsequent renders carry the
// EXT-X-ENDLIST tag.
func (p *Media) SetEndList() {
	p.endList = true
}

// Finalize ends the stream and converts the playlist to VOD, after which
// AddEntry rejects further segments.
func (p *Media) Finalize() {
	p.endList = true
	p.ptype = VOD
}

// Close releases every entry's file reference and the playlist's own file.
// The playlist must not be used afterwards.
func (p *Media) Close() {
	for _, e := range p.entries {
		e.release()
	}
	p.entries = nil
	if p.file != nil {
		p.file.Release()
		p.file = nil
	}
}

// Name returns the rendition name.
func (p *Media) Name() string { return p.name }

// BaseURL returns the URL prefix for the playlist's segments.
func (p *Media) BaseURL() string { return p.baseURL }

// Bitrate returns the advertised peak bitrate in bits per second.
func (p *Media) Bitrate() int { return p.bitrate }

// Version returns the HLS protocol version.
func (p *Media) Version() uint { return p.version }

// Chunked reports whether each segment lives in its own file.
func (p *Media) Chunked() bool { return p.chunked }

// WindowSize returns the duration budget in seconds. Zero means unbounded.
func (p *Media) WindowSize() uint { return p.windowSize }

// Len returns the number of entries currently in the window.
func (p *Media) Len() int { return len(p.entries) }

// SequenceNumber returns the index, plus one, of the most recently added
// segment. Equivalently: the index the next segment is expected to carry.
func (p *Media) SequenceNumber() uint64 { return p.sequenceNumber }

// EndList reports whether the stream has been marked finished.
func (p *Media) EndList() bool { return p.endList }

// Type returns Event while the playlist is live and VOD once finalized.
func (p *Media) Type() Type { return p.ptype }

// Entries returns the current window, head first. The slice is a copy; the
// entries are not.
func (p *Media) Entries() []*Entry {
	out := make([]*Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

// joinURL joins base and path with exactly one slash between them, leaving
// both parts otherwise untouched. Scheme slashes in base survive, unlike
// with path.Join.
func joinURL(base, p string) string {
	switch {
	case base == "":
		return p
	case p == "":
		return base
	case strings.Contains(p, "://"):
		// Absolute URIs are served as-is.
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
