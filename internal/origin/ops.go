// Package origin owns the live packaging state: the master playlist
// registry, its media playlists, and the files behind them. All mutations
// flow through ops so standalone and clustered deployments share one code
// path, and so the cluster can replicate and snapshot them as plain data.
package origin

// VariantOp registers a rendition in the master playlist.
type VariantOp struct {
	// Name identifies the rendition and names its playlist file.
	Name string
	// Bitrate is the peak bitrate in bits per second.
	Bitrate int
}

// SegmentOp appends one segment to a rendition's playlist. Path doubles as
// the storage key: local segments live at Path under the store root, while
// replayed segments carry their remote URL and have no local file.
type SegmentOp struct {
	Variant       string
	Path          string
	Title         string
	Duration      float64
	Length        uint64
	Offset        uint64
	Index         uint64
	Discontinuous bool
}

// FinalizeOp ends the stream for one rendition, or for every rendition when
// Variant is empty.
type FinalizeOp struct {
	Variant string
}

// Applier accepts packaging ops. The State applies them directly; the
// cluster manager replicates them through raft before they reach a State.
type Applier interface {
	ApplyVariant(VariantOp) error
	ApplySegment(SegmentOp) error
	ApplyFinalize(FinalizeOp) error
}

// Export is the replayable op stream that reproduces a registry: variants in
// registration order, the ops behind each current window, and the renditions
// already finalized. Replaying these ops onto an empty State rebuilds
// identical playlists, including sequence numbers.
type Export struct {
	Variants  []VariantOp
	Segments  map[string][]SegmentOp
	Finalized []string
}
