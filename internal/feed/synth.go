package feed

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/storage"
)

// tsPacketSize is the MPEG-TS packet length; synthetic segments are
// whole numbers of packets.
const tsPacketSize = 188

// SynthConfig configures a synthetic segment producer.
type SynthConfig struct {
	Variants        []origin.VariantOp
	SegmentDuration float64
	Store           *storage.Store

	// Chunked selects one file per segment. When false, segments are
	// appended to a single file per variant and addressed by byte
	// range.
	Chunked bool

	// Jitter varies each segment duration by up to this fraction of
	// SegmentDuration. Zero produces fixed-length segments.
	Jitter float64

	// DiscontinuityEvery marks every Nth segment as discontinuous,
	// simulating an encoder restart. Zero disables injection.
	DiscontinuityEvery uint64

	Logger *slog.Logger
}

// Synth generates placeholder MPEG-TS segments sized to each
// variant's bitrate and writes them to the store.
type Synth struct {
	cfg SynthConfig
}

// NewSynth creates a synthetic producer.
func NewSynth(cfg SynthConfig) (*Synth, error) {
	if len(cfg.Variants) == 0 {
		return nil, fmt.Errorf("at least one variant is required")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		return nil, fmt.Errorf("jitter must be in [0, 1)")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synth{cfg: cfg}, nil
}

// Variants returns the configured renditions.
func (s *Synth) Variants() []origin.VariantOp {
	return s.cfg.Variants
}

// Interval matches the segment duration, pacing the feed at real time.
func (s *Synth) Interval() time.Duration {
	return time.Duration(s.cfg.SegmentDuration * float64(time.Second))
}

// Next writes one segment per variant and returns the matching ops.
func (s *Synth) Next(nextIndex map[string]uint64) ([]origin.SegmentOp, error) {
	ops := make([]origin.SegmentOp, 0, len(s.cfg.Variants))

	for _, v := range s.cfg.Variants {
		idx := nextIndex[v.Name]
		dur := s.jitteredDuration(idx)
		payload := segmentPayload(v.Bitrate, dur)

		op := origin.SegmentOp{
			Variant:       v.Name,
			Duration:      dur,
			Index:         idx,
			Discontinuous: s.cfg.DiscontinuityEvery > 0 && idx > 0 && idx%s.cfg.DiscontinuityEvery == 0,
		}

		if s.cfg.Chunked {
			op.Path = fmt.Sprintf("%s/%08d.ts", v.Name, idx)
			if err := s.cfg.Store.WriteSegment(op.Path, payload); err != nil {
				return nil, fmt.Errorf("write segment %s: %w", op.Path, err)
			}
		} else {
			op.Path = v.Name + "/media.ts"
			offset, length, err := s.cfg.Store.AppendSegment(op.Path, payload)
			if err != nil {
				return nil, fmt.Errorf("append segment %s: %w", op.Path, err)
			}
			op.Offset = offset
			op.Length = length
		}

		ops = append(ops, op)
	}
	return ops, nil
}

// jitteredDuration spreads segment durations inside the jitter band.
// The value depends only on the index so that a retried tick
// reproduces the same op.
func (s *Synth) jitteredDuration(idx uint64) float64 {
	if s.cfg.Jitter == 0 {
		return s.cfg.SegmentDuration
	}
	h := idx*2654435761 + 1013904223
	spread := (float64(h%2001)/1000 - 1) * s.cfg.Jitter
	return s.cfg.SegmentDuration * (1 + spread)
}

// segmentPayload builds a placeholder segment of whole TS packets,
// sized to carry the variant's bitrate for the segment duration.
func segmentPayload(bitrate int, duration float64) []byte {
	packets := int(float64(bitrate) * duration / 8 / tsPacketSize)
	if packets < 1 {
		packets = 1
	}

	buf := make([]byte, packets*tsPacketSize)
	for i := 0; i < len(buf); i += tsPacketSize {
		buf[i] = 0x47
	}
	return buf
}
