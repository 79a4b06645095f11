// Package feed drives segment production for a live origin. A Producer
// decides what the next segments are; the Feeder paces them onto an
// origin.Applier at segment-duration intervals.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/playlist"
)

// Producer yields one batch of segment ops per tick, one op per
// variant. Implementations own their playback position; the feeder
// supplies the authoritative next index per variant so a producer can
// resume cleanly after restores or leadership changes.
type Producer interface {
	// Variants returns the renditions this producer feeds.
	Variants() []origin.VariantOp

	// Next builds the ops for one tick. nextIndex maps variant name to
	// the index the next segment must carry. Returning io.EOF ends the
	// feed cleanly.
	Next(nextIndex map[string]uint64) ([]origin.SegmentOp, error)

	// Interval is the wall-clock spacing between ticks.
	Interval() time.Duration
}

// Config carries the feeder's collaborators.
type Config struct {
	Producer Producer
	Applier  origin.Applier

	// NextIndex reports the index the named variant's next segment
	// must carry. Usually origin.State.NextIndex.
	NextIndex func(name string) uint64

	// IsLeader gates production. Nil means always produce; in a
	// cluster only the raft leader may submit ops.
	IsLeader func() bool

	// FinalizeOnStop ends every playlist when the feed stops, turning
	// the live window into a finished recording.
	FinalizeOnStop bool

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Producer == nil {
		return fmt.Errorf("producer is required")
	}
	if c.Applier == nil {
		return fmt.Errorf("applier is required")
	}
	if c.NextIndex == nil {
		return fmt.Errorf("next index func is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Feeder paces a Producer's segments onto an Applier.
type Feeder struct {
	cfg        Config
	registered bool
}

// NewFeeder creates a feeder from a validated config.
func NewFeeder(cfg Config) (*Feeder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid feeder config: %w", err)
	}
	return &Feeder{cfg: cfg}, nil
}

// Run registers the producer's variants and then feeds segments until
// the context is cancelled or the producer is exhausted. It blocks;
// run it in its own goroutine.
func (f *Feeder) Run(ctx context.Context) error {
	interval := f.cfg.Producer.Interval()
	f.cfg.Logger.Info("starting feed",
		"interval", interval,
		"variants", len(f.cfg.Producer.Variants()),
	)

	// Produce the first batch immediately so playlists are non-empty
	// from the start.
	if done, err := f.feedOnce(); err != nil {
		return err
	} else if done {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.cfg.Logger.Info("stopping feed")
			f.finalize()
			return nil
		case <-ticker.C:
			if done, err := f.feedOnce(); err != nil {
				return err
			} else if done {
				return nil
			}
		}
	}
}

// registerVariants submits the producer's renditions. An already
// registered variant is fine: it means state was restored from a
// snapshot or a previous leader got there first.
func (f *Feeder) registerVariants() error {
	for _, v := range f.cfg.Producer.Variants() {
		err := f.cfg.Applier.ApplyVariant(v)
		if err != nil && !errors.Is(err, origin.ErrDuplicateVariant) {
			return fmt.Errorf("register variant %s: %w", v.Name, err)
		}
	}
	f.registered = true
	return nil
}

// feedOnce produces and applies one batch. The bool result reports a
// clean end of feed. Only the leader produces; registration is
// deferred to the first leading tick.
func (f *Feeder) feedOnce() (bool, error) {
	if f.cfg.IsLeader != nil && !f.cfg.IsLeader() {
		f.cfg.Logger.Debug("not leader, skipping tick")
		return false, nil
	}

	if !f.registered {
		if err := f.registerVariants(); err != nil {
			if f.clustered() {
				f.cfg.Logger.Warn("variant registration failed, retrying next tick", "error", err)
				return false, nil
			}
			return false, err
		}
	}

	nextIndex := make(map[string]uint64)
	for _, v := range f.cfg.Producer.Variants() {
		nextIndex[v.Name] = f.cfg.NextIndex(v.Name)
	}

	ops, err := f.cfg.Producer.Next(nextIndex)
	if errors.Is(err, io.EOF) {
		f.cfg.Logger.Info("feed exhausted")
		f.finalize()
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("produce segments: %w", err)
	}

	for _, op := range ops {
		err := f.cfg.Applier.ApplySegment(op)
		if err == nil {
			continue
		}
		if errors.Is(err, playlist.ErrPlaylistEnded) {
			// Another node finalized the stream; nothing left to feed.
			f.cfg.Logger.Info("stream already finalized, stopping feed")
			return true, nil
		}
		if f.clustered() {
			// Leadership can be lost between the gate check and the
			// apply. The next tick re-reads the authoritative index, so
			// nothing is duplicated or skipped by retrying.
			f.cfg.Logger.Warn("segment apply failed, retrying next tick",
				"path", op.Path,
				"error", err,
			)
			return false, nil
		}
		return false, fmt.Errorf("apply segment %s: %w", op.Path, err)
	}
	return false, nil
}

// clustered reports whether production is gated on raft leadership, in
// which case tick failures are expected during elections.
func (f *Feeder) clustered() bool {
	return f.cfg.IsLeader != nil
}

func (f *Feeder) finalize() {
	if !f.cfg.FinalizeOnStop {
		return
	}
	if f.cfg.IsLeader != nil && !f.cfg.IsLeader() {
		return
	}
	if err := f.cfg.Applier.ApplyFinalize(origin.FinalizeOp{}); err != nil {
		f.cfg.Logger.Error("finalize playlists", "error", err)
	}
}
