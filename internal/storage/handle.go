// Package storage manages the on-disk layout of a packaging session: segment
// files, shared media files for byte-range playlists, and playlist files.
package storage

import (
	"fmt"
	"sync/atomic"
)

// Handle is a counted reference to a stored file. Every playlist entry backed
// by the same file shares one Handle, so the file stays alive until the last
// holder releases it.
type Handle struct {
	path    string
	refs    atomic.Int32
	dispose func(path string)
}

// NewHandle creates a Handle whose initial reference belongs to the caller.
// The dispose hook runs exactly once, when the count reaches zero.
func NewHandle(path string, dispose func(path string)) *Handle {
	h := &Handle{path: path, dispose: dispose}
	h.refs.Store(1)
	return h
}

// Path returns the store-relative path of the backing file.
func (h *Handle) Path() string { return h.path }

// Refs returns the current reference count.
func (h *Handle) Refs() int { return int(h.refs.Load()) }

// Retain adds a reference and returns the handle.
func (h *Handle) Retain() *Handle {
	if h.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("storage: retain of disposed handle %q", h.path))
	}
	return h
}

// Release drops one reference. The last release invokes the dispose hook.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("storage: release of disposed handle %q", h.path))
	}
	if n == 0 && h.dispose != nil {
		h.dispose(h.path)
	}
}
