package cluster

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/storage"
)

func createTestOrigin(t *testing.T) *origin.State {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	store, err := storage.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	state, err := origin.NewState(store, origin.StateConfig{
		BaseURL:    "/hls",
		Version:    3,
		WindowSize: 60,
		Chunked:    true,
	}, logger, nil)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	return state
}

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	return data
}

func TestFSM_Apply_AddVariant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	state := createTestOrigin(t)
	fsm := NewFSM(state, logger)

	data := mustEncode(t, Command{
		Type: CommandAddVariant,
		Data: origin.VariantOp{Name: "low", Bitrate: 1280000},
	})

	if resp := fsm.Apply(&raft.Log{Data: data}); resp != nil {
		t.Fatalf("Apply() response = %v, want nil", resp)
	}

	if _, ok := state.MediaPlaylist("low"); !ok {
		t.Error("variant not registered in origin state")
	}

	// Replaying the same registration must surface the origin error.
	resp := fsm.Apply(&raft.Log{Data: data})
	err, ok := resp.(error)
	if !ok || !errors.Is(err, origin.ErrDuplicateVariant) {
		t.Errorf("duplicate Apply() response = %v, want ErrDuplicateVariant", resp)
	}
}

func TestFSM_Apply_AddSegment(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	state := createTestOrigin(t)
	fsm := NewFSM(state, logger)

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandAddVariant,
		Data: origin.VariantOp{Name: "low", Bitrate: 1280000},
	})})

	resp := fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandAddSegment,
		Data: origin.SegmentOp{Variant: "low", Path: "low/00000000.ts", Duration: 4},
	})})
	if resp != nil {
		t.Fatalf("Apply() response = %v, want nil", resp)
	}

	rendered, _ := state.MediaPlaylist("low")
	if !strings.Contains(rendered, "/hls/low/00000000.ts") {
		t.Error("applied segment missing from playlist")
	}
}

func TestFSM_Apply_Finalize(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	state := createTestOrigin(t)
	fsm := NewFSM(state, logger)

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandAddVariant,
		Data: origin.VariantOp{Name: "low", Bitrate: 1280000},
	})})
	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandAddSegment,
		Data: origin.SegmentOp{Variant: "low", Path: "low/00000000.ts", Duration: 4},
	})})

	if resp := fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandFinalize,
		Data: origin.FinalizeOp{},
	})}); resp != nil {
		t.Fatalf("Apply() response = %v, want nil", resp)
	}

	rendered, _ := state.MediaPlaylist("low")
	if !strings.HasSuffix(rendered, "#EXT-X-ENDLIST") {
		t.Error("finalized playlist missing endlist tag")
	}
}

func TestFSM_Apply_UnknownCommand(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	state := createTestOrigin(t)
	fsm := NewFSM(state, logger)

	data := mustEncode(t, Command{Type: CommandType(99)})
	if resp := fsm.Apply(&raft.Log{Data: data}); resp == nil {
		t.Error("Apply() with unknown command expected error response, got nil")
	}
}

func TestFSM_Snapshot_Restore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	state := createTestOrigin(t)
	fsm := NewFSM(state, logger)

	fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
		Type: CommandAddVariant,
		Data: origin.VariantOp{Name: "low", Bitrate: 1280000},
	})})
	for i := uint64(0); i < 3; i++ {
		fsm.Apply(&raft.Log{Data: mustEncode(t, Command{
			Type: CommandAddSegment,
			Data: origin.SegmentOp{
				Variant:  "low",
				Path:     "low/seg.ts",
				Duration: 4,
				Index:    i,
			},
		})})
	}

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	// Restore into a fresh FSM and compare rendered playlists.
	state2 := createTestOrigin(t)
	fsm2 := NewFSM(state2, logger)
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got, want := state2.MasterPlaylist(), state.MasterPlaylist(); got != want {
		t.Errorf("restored master playlist =\n%q\nwant\n%q", got, want)
	}

	got, ok := state2.MediaPlaylist("low")
	if !ok {
		t.Fatal("restored state missing variant")
	}
	want, _ := state.MediaPlaylist("low")
	if got != want {
		t.Errorf("restored playlist =\n%q\nwant\n%q", got, want)
	}
}

// mockSnapshotSink implements raft.SnapshotSink for testing.
type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
