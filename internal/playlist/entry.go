package playlist

import (
	"github.com/agleyzer/hlspack/internal/storage"
)

// Entry is a single segment reference inside a media playlist. Entries are
// immutable once constructed and hold one reference on the segment's backing
// file for their lifetime.
type Entry struct {
	url           string
	file          *storage.Handle
	title         string
	duration      float64
	length        uint64
	offset        uint64
	discontinuous bool
}

func newEntry(url string, file *storage.Handle, title string, duration float64, length, offset uint64, discontinuous bool) (*Entry, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if file == nil {
		return nil, ErrNilFile
	}
	return &Entry{
		url:           url,
		file:          file.Retain(),
		title:         title,
		duration:      duration,
		length:        length,
		offset:        offset,
		discontinuous: discontinuous,
	}, nil
}

// release drops the entry's reference on its backing file.
func (e *Entry) release() {
	e.file.Release()
}

// URL returns the segment URL as rendered into the playlist.
func (e *Entry) URL() string { return e.url }

// Duration returns the segment duration in seconds.
func (e *Entry) Duration() float64 { return e.duration }

// Title returns the EXTINF title, possibly empty.
func (e *Entry) Title() string { return e.title }

// Discontinuous reports whether the entry follows a timeline break.
func (e *Entry) Discontinuous() bool { return e.discontinuous }

// ByteRange returns the length and offset of the segment within a shared
// media file. Meaningful only on byte-range playlists.
func (e *Entry) ByteRange() (length, offset uint64) { return e.length, e.offset }

// File returns the entry's backing file handle. Ownership stays with the
// entry.
func (e *Entry) File() *storage.Handle { return e.file }
