package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store owns a session's work directory. Segment and playlist files live
// under a single root; file lifetime is tied to Handle reference counts, so
// a segment evicted from every playlist is deleted from disk on its final
// release.
type Store struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	offsets map[string]uint64
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:    root,
		logger:  logger,
		handles: make(map[string]*Handle),
		offsets: make(map[string]uint64),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Acquire returns the live handle for relpath, creating one if none exists.
// The returned reference belongs to the caller. All acquisitions of one path
// share a single Handle, which is what keeps shared-file byte-range entries
// on a common count. Callers serialize Acquire against the final Release of
// the same path; the origin state's lock does this.
func (s *Store) Acquire(relpath string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[relpath]; ok {
		return h.Retain()
	}
	h := NewHandle(relpath, s.dispose)
	s.handles[relpath] = h
	return h
}

// dispose drops bookkeeping for relpath and deletes the backing file. Paths
// with no local file (replayed remote segments) are ignored.
func (s *Store) dispose(relpath string) {
	s.mu.Lock()
	delete(s.handles, relpath)
	delete(s.offsets, relpath)
	s.mu.Unlock()

	err := os.Remove(s.abs(relpath))
	switch {
	case err == nil:
		s.logger.Debug("removed segment file", "path", relpath)
	case errors.Is(err, fs.ErrNotExist):
	default:
		s.logger.Warn("failed to remove segment file", "path", relpath, "error", err)
	}
}

// WriteSegment writes a standalone segment file at relpath, creating parent
// directories as needed.
func (s *Store) WriteSegment(relpath string, data []byte) error {
	abs := s.abs(relpath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	return nil
}

// AppendSegment appends data to the shared media file at relpath and returns
// the byte range the write occupies. Byte-range playlists address their
// segments through these ranges.
func (s *Store) AppendSegment(relpath string, data []byte) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs := s.abs(relpath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, 0, fmt.Errorf("create segment dir: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("open shared media file: %w", err)
	}
	defer f.Close()

	offset := s.offsets[relpath]
	n, err := f.Write(data)
	if err != nil {
		return 0, 0, fmt.Errorf("append segment: %w", err)
	}
	s.offsets[relpath] = offset + uint64(n)
	return offset, uint64(n), nil
}

// WritePlaylist atomically replaces the playlist file at relpath. Players
// polling over HTTP must never observe a partially written playlist, so the
// content lands in a temp file first and is renamed into place.
func (s *Store) WritePlaylist(relpath, content string) error {
	abs := s.abs(relpath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create playlist dir: %w", err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return fmt.Errorf("replace playlist: %w", err)
	}
	return nil
}

// Resolve maps a request path to an absolute file path, rejecting paths that
// escape the store root.
func (s *Store) Resolve(relpath string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(relpath))
	abs := filepath.Join(s.root, clean)
	root := filepath.Clean(s.root)
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes store root", relpath)
	}
	return abs, nil
}

// OpenHandles returns the number of live handles.
func (s *Store) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Cleanup deletes the session root and everything under it.
func (s *Store) Cleanup() error {
	return os.RemoveAll(s.root)
}

func (s *Store) abs(relpath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relpath))
}
