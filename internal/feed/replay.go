package feed

import (
	"fmt"
	"time"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/source"
)

// Replay feeds the segment timeline of an upstream playlist, looping
// forever. The wrap from the last segment back to the first is marked
// as a discontinuity.
type Replay struct {
	feed     *source.Feed
	variants []origin.VariantOp
}

// NewReplay creates a producer that replays a fetched feed.
func NewReplay(feed *source.Feed) (*Replay, error) {
	if feed == nil || len(feed.Renditions) == 0 {
		return nil, fmt.Errorf("feed contains no renditions")
	}

	variants := make([]origin.VariantOp, 0, len(feed.Renditions))
	for i, r := range feed.Renditions {
		if len(r.Segments) == 0 {
			return nil, fmt.Errorf("rendition %d has zero segments", i)
		}
		variants = append(variants, origin.VariantOp{
			Name:    r.Name,
			Bitrate: r.Bandwidth,
		})
	}

	return &Replay{
		feed:     feed,
		variants: variants,
	}, nil
}

// Variants returns the upstream renditions.
func (r *Replay) Variants() []origin.VariantOp {
	return r.variants
}

// Interval paces replay by the upstream target duration.
func (r *Replay) Interval() time.Duration {
	return time.Duration(r.feed.TargetDuration) * time.Second
}

// Next returns the next upstream segment of every rendition. Segment
// ops reference the upstream URLs directly; no media bytes are copied.
//
// The loop position is derived from the authoritative index, not from
// replay-local state, so a producer taking over mid-stream resumes at
// the right spot and a retried tick reproduces the same op.
func (r *Replay) Next(nextIndex map[string]uint64) ([]origin.SegmentOp, error) {
	ops := make([]origin.SegmentOp, 0, len(r.feed.Renditions))

	for _, rend := range r.feed.Renditions {
		idx := nextIndex[rend.Name]
		total := uint64(len(rend.Segments))
		pos := idx % total
		seg := rend.Segments[pos]

		ops = append(ops, origin.SegmentOp{
			Variant:  rend.Name,
			Path:     seg.URL,
			Duration: seg.Duration,
			Index:    idx,
			// Every pass back to the loop start breaks the timeline.
			Discontinuous: idx >= total && pos == 0,
		})
	}
	return ops, nil
}
