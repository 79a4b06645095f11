package playlist

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agleyzer/hlspack/internal/storage"
)

// Master is a multi-rendition master playlist and the registry of its media
// playlists. Like Media, it is not internally synchronized; the owning layer
// serializes access.
type Master struct {
	name     string
	baseURL  string
	file     *storage.Handle
	byName   map[string]*Media
	order    []string
	rendered string
	logger   *slog.Logger
}

// NewMaster creates an empty master playlist. The master retains one
// reference on its backing file until Close; file may be nil when the master
// is never written to disk.
func NewMaster(name, baseURL string, file *storage.Handle, logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}

	var f *storage.Handle
	if file != nil {
		f = file.Retain()
	}

	m := &Master{
		name:    name,
		baseURL: baseURL,
		file:    f,
		byName:  make(map[string]*Media),
		logger:  logger,
	}
	m.rerender()
	return m
}

// AddVariant registers a media playlist under its name. The first
// registration of a name wins; a nil playlist or duplicate name is rejected
// without mutating the registry.
func (m *Master) AddVariant(p *Media) bool {
	if p == nil {
		return false
	}
	if _, exists := m.byName[p.Name()]; exists {
		m.logger.Warn("variant already registered", "variant", p.Name())
		return false
	}

	m.byName[p.Name()] = p
	m.order = append(m.order, p.Name())
	m.rerender()
	return true
}

// Variant returns the media playlist registered under name.
func (m *Master) Variant(name string) (*Media, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// RemoveVariant closes and removes the media playlist registered under name,
// reporting whether it was present.
func (m *Master) RemoveVariant(name string) bool {
	p, ok := m.byName[name]
	if !ok {
		return false
	}

	delete(m.byName, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	p.Close()
	m.rerender()
	return true
}

// Render returns the cached master playlist text. The cache is rebuilt on
// every registry change, so renders between changes are identical.
func (m *Master) Render() string {
	return m.rendered
}

// rerender rebuilds the cached text. Variants appear in registration order.
func (m *Master) rerender() {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, name := range m.order {
		p := m.byName[name]
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=%d\n", p.Bitrate())
		fmt.Fprintf(&b, "%s\n", joinURL(p.BaseURL(), p.Name()+".m3u8"))
	}
	m.rendered = b.String()
}

// Close closes every registered media playlist and releases the master's own
// file. The master must not be used afterwards.
func (m *Master) Close() {
	for _, name := range m.order {
		m.byName[name].Close()
	}
	m.byName = make(map[string]*Media)
	m.order = nil
	m.rerender()

	if m.file != nil {
		m.file.Release()
		m.file = nil
	}
}

// Name returns the master playlist's name.
func (m *Master) Name() string { return m.name }

// Len returns the number of registered variants.
func (m *Master) Len() int { return len(m.order) }

// Names returns the variant names in registration order.
func (m *Master) Names() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}
