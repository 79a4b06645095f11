// Package cluster replicates origin playlist state across nodes with Raft.
// Segment ops flow through the Raft log; every node applies them to its
// local origin state, so playlists stay identical cluster-wide.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlspack/internal/origin"
)

func init() {
	// Register op types for gob encoding/decoding
	gob.Register(origin.VariantOp{})
	gob.Register(origin.SegmentOp{})
	gob.Register(origin.FinalizeOp{})
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandAddVariant registers a rendition.
	CommandAddVariant CommandType = 1
	// CommandAddSegment appends a segment to a rendition's playlist.
	CommandAddSegment CommandType = 2
	// CommandFinalize ends one or all playlists.
	CommandFinalize CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// FSM implements the raft.FSM interface over an origin.State. The
// state carries its own lock, so the FSM is a thin dispatcher.
type FSM struct {
	state  *origin.State
	logger *slog.Logger
}

// NewFSM creates an FSM backed by the given origin state.
func NewFSM(state *origin.State, logger *slog.Logger) *FSM {
	return &FSM{
		state:  state,
		logger: logger,
	}
}

// Apply applies a Raft log entry to the origin state. Errors are
// returned as the apply response so the leader can surface them.
func (f *FSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandAddVariant:
		op, ok := cmd.Data.(origin.VariantOp)
		if !ok {
			return fmt.Errorf("invalid add variant command data")
		}
		return f.state.ApplyVariant(op)
	case CommandAddSegment:
		op, ok := cmd.Data.(origin.SegmentOp)
		if !ok {
			return fmt.Errorf("invalid add segment command data")
		}
		return f.state.ApplySegment(op)
	case CommandFinalize:
		op, ok := cmd.Data.(origin.FinalizeOp)
		if !ok {
			return fmt.Errorf("invalid finalize command data")
		}
		return f.state.ApplyFinalize(op)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// Snapshot captures the op stream that rebuilds the current playlists.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{export: f.state.Export()}, nil
}

// Restore rebuilds the origin state from a snapshot, replacing
// whatever the node held before.
func (f *FSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var exp origin.Export
	if err := gob.NewDecoder(snapshot).Decode(&exp); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	if err := f.state.Import(exp); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	f.logger.Info("restored origin state from snapshot", "variants", len(exp.Variants))
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	export origin.Export
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.export); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
