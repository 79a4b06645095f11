package origin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agleyzer/hlspack/internal/platform/metrics"
	"github.com/agleyzer/hlspack/internal/playlist"
	"github.com/agleyzer/hlspack/internal/storage"
)

var (
	// ErrDuplicateVariant rejects registering a name twice.
	ErrDuplicateVariant = errors.New("origin: variant already registered")
	// ErrUnknownVariant rejects ops naming an unregistered rendition.
	ErrUnknownVariant = errors.New("origin: unknown variant")
)

const masterFile = "master.m3u8"

// StateConfig carries the playlist parameters shared by every rendition.
type StateConfig struct {
	// BaseURL is the URL prefix players fetch segments from.
	BaseURL string
	// Version is the HLS protocol version for every playlist.
	Version uint
	// WindowSize is the per-rendition duration budget in seconds.
	// Zero keeps every segment.
	WindowSize uint
	// AllowCache controls the EXT-X-ALLOW-CACHE tag.
	AllowCache bool
	// Chunked selects one file per segment; false selects byte ranges of
	// a shared media file per rendition.
	Chunked bool
}

// State is the synchronized owner of the playlist registry. The playlist
// package leaves locking to its caller; State provides it, applies every
// mutation, keeps playlist files on disk current, and releases evicted
// segment references so their files are cleaned up.
type State struct {
	mu      sync.RWMutex
	cfg     StateConfig
	store   *storage.Store
	master  *playlist.Master
	journal map[string][]SegmentOp
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewState creates an empty registry and writes the initial master playlist
// file. metrics may be nil.
func NewState(store *storage.Store, cfg StateConfig, logger *slog.Logger, m *metrics.Metrics) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &State{
		cfg:     cfg,
		store:   store,
		journal: make(map[string][]SegmentOp),
		logger:  logger,
		metrics: m,
	}
	s.master = s.newMasterLocked()

	if err := s.writeMasterLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) newMasterLocked() *playlist.Master {
	h := s.store.Acquire(masterFile)
	master := playlist.NewMaster("master", s.cfg.BaseURL, h, s.logger)
	h.Release()
	return master
}

// ApplyVariant registers a rendition and creates its playlist file.
func (s *State) ApplyVariant(op VariantOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.Name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownVariant)
	}
	if _, ok := s.master.Variant(op.Name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVariant, op.Name)
	}

	h := s.store.Acquire(op.Name + ".m3u8")
	media := playlist.NewMedia(playlist.MediaConfig{
		Name:       op.Name,
		BaseURL:    s.cfg.BaseURL,
		File:       h,
		Bitrate:    op.Bitrate,
		Version:    s.cfg.Version,
		WindowSize: s.cfg.WindowSize,
		AllowCache: s.cfg.AllowCache,
		Chunked:    s.cfg.Chunked,
		Logger:     s.logger,
	})
	h.Release()

	if !s.master.AddVariant(media) {
		media.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateVariant, op.Name)
	}

	if err := s.writeMediaLocked(media); err != nil {
		return err
	}
	if err := s.writeMasterLocked(); err != nil {
		return err
	}

	s.logger.Info("variant registered", "variant", op.Name, "bitrate", op.Bitrate)
	return nil
}

// ApplySegment appends a segment to its rendition, releases the references
// of any evicted entries (deleting their files once unshared), and rewrites
// the rendition's playlist file.
func (s *State) ApplySegment(op SegmentOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, ok := s.master.Variant(op.Variant)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, op.Variant)
	}

	h := s.store.Acquire(op.Path)
	evicted, err := media.AddEntry(playlist.SegmentInfo{
		Path:          op.Path,
		File:          h,
		Title:         op.Title,
		Duration:      op.Duration,
		Length:        op.Length,
		Offset:        op.Offset,
		Index:         op.Index,
		Discontinuous: op.Discontinuous,
	})
	h.Release()
	if err != nil {
		return fmt.Errorf("add segment to %s: %w", op.Variant, err)
	}

	// The evicted references belong to us now. Dropping the last
	// reference to a path deletes the backing file.
	for _, old := range evicted {
		old.Release()
	}

	j := append(s.journal[op.Variant], op)
	s.journal[op.Variant] = j[len(evicted):]

	if err := s.writeMediaLocked(media); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.IncSegments()
		s.metrics.AddEvictions(len(evicted))
	}

	s.logger.Debug("segment added",
		"variant", op.Variant,
		"path", op.Path,
		"index", op.Index,
		"duration", op.Duration,
		"evicted", len(evicted),
		"entries", media.Len(),
	)
	return nil
}

// ApplyFinalize ends the stream for the named rendition, or for all of them,
// and rewrites the affected playlist files with the endlist tag.
func (s *State) ApplyFinalize(op FinalizeOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.master.Names()
	if op.Variant != "" {
		if _, ok := s.master.Variant(op.Variant); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownVariant, op.Variant)
		}
		names = []string{op.Variant}
	}

	for _, name := range names {
		media, _ := s.master.Variant(name)
		media.Finalize()
		if err := s.writeMediaLocked(media); err != nil {
			return err
		}
		s.logger.Info("variant finalized", "variant", name, "entries", media.Len())
	}
	return nil
}

// MasterPlaylist returns the rendered master playlist.
func (s *State) MasterPlaylist() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master.Render()
}

// MediaPlaylist returns the rendered playlist for one rendition.
func (s *State) MediaPlaylist(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	media, ok := s.master.Variant(name)
	if !ok {
		return "", false
	}
	return media.Render(), true
}

// VariantNames returns the registered rendition names in order.
func (s *State) VariantNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master.Names()
}

// NextIndex returns the index the next segment of a rendition should carry.
func (s *State) NextIndex(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	media, ok := s.master.Variant(name)
	if !ok {
		return 0
	}
	return media.SequenceNumber()
}

// Export captures the op stream that reproduces the current registry.
func (s *State) Export() Export {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp := Export{Segments: make(map[string][]SegmentOp)}
	for _, name := range s.master.Names() {
		media, _ := s.master.Variant(name)
		exp.Variants = append(exp.Variants, VariantOp{Name: name, Bitrate: media.Bitrate()})

		ops := make([]SegmentOp, len(s.journal[name]))
		copy(ops, s.journal[name])
		exp.Segments[name] = ops

		if media.Type() == playlist.VOD {
			exp.Finalized = append(exp.Finalized, name)
		}
	}
	return exp
}

// Import replays an exported op stream onto this State. The registry is
// reset first, so the result matches the exporting node exactly.
func (s *State) Import(exp Export) error {
	s.Reset()

	for _, v := range exp.Variants {
		if err := s.ApplyVariant(v); err != nil {
			return fmt.Errorf("import variant %s: %w", v.Name, err)
		}
		for _, seg := range exp.Segments[v.Name] {
			if err := s.ApplySegment(seg); err != nil {
				return fmt.Errorf("import segment %s: %w", seg.Path, err)
			}
		}
	}
	for _, name := range exp.Finalized {
		if err := s.ApplyFinalize(FinalizeOp{Variant: name}); err != nil {
			return fmt.Errorf("import finalize %s: %w", name, err)
		}
	}
	return nil
}

// Reset closes the registry and starts empty, releasing every file
// reference the playlists held.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.master.Close()
	s.master = s.newMasterLocked()
	s.journal = make(map[string][]SegmentOp)
}

// Close releases the registry and every file reference it holds. Segment
// and playlist files are deleted as their final references drop.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.master.Close()
	s.journal = make(map[string][]SegmentOp)
}

// Stats summarizes the registry for health reporting.
func (s *State) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variants := make([]map[string]any, 0, s.master.Len())
	for _, name := range s.master.Names() {
		media, _ := s.master.Variant(name)
		variants = append(variants, map[string]any{
			"name":            name,
			"bitrate":         media.Bitrate(),
			"entries":         media.Len(),
			"sequence_number": media.SequenceNumber(),
			"total_duration":  media.TotalDuration(),
			"target_duration": media.TargetDuration(),
			"end_list":        media.EndList(),
		})
	}

	return map[string]any{
		"variant_count": s.master.Len(),
		"window_size":   s.cfg.WindowSize,
		"chunked":       s.cfg.Chunked,
		"open_handles":  s.store.OpenHandles(),
		"variants":      variants,
	}
}

// OpenHandles reports the store's live handle count.
func (s *State) OpenHandles() int {
	return s.store.OpenHandles()
}

func (s *State) writeMediaLocked(media *playlist.Media) error {
	if err := s.store.WritePlaylist(media.Name()+".m3u8", media.Render()); err != nil {
		return fmt.Errorf("write playlist %s: %w", media.Name(), err)
	}
	if s.metrics != nil {
		s.metrics.IncPlaylistWrites()
	}
	return nil
}

func (s *State) writeMasterLocked() error {
	if err := s.store.WritePlaylist(masterFile, s.master.Render()); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	if s.metrics != nil {
		s.metrics.IncPlaylistWrites()
	}
	return nil
}
