// Package integration exercises the full origin stack end to end:
// storage, playlist state, feeders, and the HTTP server wired together
// in-process, with playlists validated through a real m3u8 parser.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlspack/internal/feed"
	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/server"
	"github.com/agleyzer/hlspack/internal/source"
	"github.com/agleyzer/hlspack/internal/storage"
)

// HarnessConfig configures a single-node origin under test.
type HarnessConfig struct {
	// WindowSize is the sliding window duration budget in seconds.
	WindowSize uint
	// SegmentDuration is the synthetic segment duration in seconds.
	SegmentDuration float64
	// Variants selects synthetic production. Ignored when SourceURL is set.
	Variants []origin.VariantOp
	// SourceURL selects replay production from an upstream playlist.
	SourceURL string
	// ByteRanges addresses segments as byte ranges of one file per variant.
	ByteRanges bool
	// Version is the HLS protocol version. Defaults to 3.
	Version uint
}

// Harness runs a complete origin: a feeder producing segments into a
// store and origin state, served over a test HTTP server.
type Harness struct {
	t      *testing.T
	State  *origin.State
	Store  *storage.Store
	server *httptest.Server

	cancel   context.CancelFunc
	feedDone chan struct{}
	stopped  bool
}

// NewHarness builds and starts an origin. Callers stop it with Stop.
func NewHarness(t *testing.T, cfg HarnessConfig) *Harness {
	t.Helper()

	if cfg.Version == 0 {
		cfg.Version = 3
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 60
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = 0.1
	}
	if len(cfg.Variants) == 0 && cfg.SourceURL == "" {
		cfg.Variants = []origin.VariantOp{{Name: "low", Bitrate: 1280000}}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	store, err := storage.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	state, err := origin.NewState(store, origin.StateConfig{
		BaseURL:    "/hls",
		Version:    cfg.Version,
		WindowSize: cfg.WindowSize,
		Chunked:    !cfg.ByteRanges,
	}, logger, nil)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}

	var producer feed.Producer
	if cfg.SourceURL != "" {
		upstream, err := source.Fetch(cfg.SourceURL)
		if err != nil {
			t.Fatalf("Fetch(%q) error = %v", cfg.SourceURL, err)
		}
		replay, err := feed.NewReplay(upstream)
		if err != nil {
			t.Fatalf("NewReplay() error = %v", err)
		}
		producer = replay
	} else {
		synth, err := feed.NewSynth(feed.SynthConfig{
			Variants:        cfg.Variants,
			SegmentDuration: cfg.SegmentDuration,
			Store:           store,
			Chunked:         !cfg.ByteRanges,
			Logger:          logger,
		})
		if err != nil {
			t.Fatalf("NewSynth() error = %v", err)
		}
		producer = synth
	}

	feeder, err := feed.NewFeeder(feed.Config{
		Producer:       producer,
		Applier:        state,
		NextIndex:      state.NextIndex,
		FinalizeOnStop: true,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("NewFeeder() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := feeder.Run(ctx); err != nil {
			t.Errorf("feeder.Run() error = %v", err)
		}
	}()

	srv := server.New(server.Config{
		State:  state,
		Store:  store,
		Logger: logger,
	})

	return &Harness{
		t:        t,
		State:    state,
		Store:    store,
		server:   httptest.NewServer(srv.Handler()),
		cancel:   cancel,
		feedDone: feedDone,
	}
}

// StopFeed stops segment production and waits for the feeder to finalize
// the playlists. The HTTP server keeps serving.
func (h *Harness) StopFeed() {
	h.t.Helper()

	h.cancel()
	select {
	case <-h.feedDone:
	case <-time.After(5 * time.Second):
		h.t.Fatal("feeder did not stop within 5s")
	}
}

// Stop shuts down the feeder and the HTTP server.
func (h *Harness) Stop() {
	if h.stopped {
		return
	}
	h.stopped = true

	h.cancel()
	<-h.feedDone
	h.server.Close()
}

// URL returns the origin's base URL.
func (h *Harness) URL() string {
	return h.server.URL
}

// Fetch performs a GET against the origin and returns status and body.
func (h *Harness) Fetch(path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// FetchMaster fetches the master playlist, failing on non-200 status.
func (h *Harness) FetchMaster() string {
	h.t.Helper()

	status, body := h.Fetch("/hls/master.m3u8")
	if status != http.StatusOK {
		h.t.Fatalf("GET master.m3u8 status = %d, want %d", status, http.StatusOK)
	}
	return body
}

// FetchMedia fetches a variant's media playlist, failing on non-200 status.
func (h *Harness) FetchMedia(name string) string {
	h.t.Helper()

	status, body := h.Fetch("/hls/" + name + ".m3u8")
	if status != http.StatusOK {
		h.t.Fatalf("GET %s.m3u8 status = %d, want %d", name, status, http.StatusOK)
	}
	return body
}

// FetchSegment fetches a segment, optionally with a Range header.
func (h *Harness) FetchSegment(path, byteRange string) (int, []byte) {
	h.t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		h.t.Fatalf("NewRequest(%s): %v", path, err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	return resp.StatusCode, body
}

// FetchHealth fetches and decodes the health endpoint.
func (h *Harness) FetchHealth() map[string]any {
	h.t.Helper()

	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		h.t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		h.t.Fatalf("decode /health: %v", err)
	}
	return health
}

// ParseMedia decodes a media playlist, failing the test on invalid m3u8.
func ParseMedia(t *testing.T, content string) *m3u8.MediaPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		t.Fatalf("decode media playlist: %v\n%s", err, content)
	}
	if listType != m3u8.MEDIA {
		t.Fatalf("Expected media playlist, got list type %v", listType)
	}
	return p.(*m3u8.MediaPlaylist)
}

// ParseMaster decodes a master playlist, failing the test on invalid m3u8.
func ParseMaster(t *testing.T, content string) *m3u8.MasterPlaylist {
	t.Helper()

	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		t.Fatalf("decode master playlist: %v\n%s", err, content)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("Expected master playlist, got list type %v", listType)
	}
	return p.(*m3u8.MasterPlaylist)
}

// MediaSegments returns the decoded segments, dropping the nil tail of
// the parser's fixed-capacity slice.
func MediaSegments(mp *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	var segments []*m3u8.MediaSegment
	for _, s := range mp.Segments {
		if s == nil {
			break
		}
		segments = append(segments, s)
	}
	return segments
}

// StartUpstream serves the given playlists by path, simulating the
// upstream origin a replay feed pulls from.
func StartUpstream(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		fmt.Fprint(w, content)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// buildMediaPlaylist builds an upstream VOD playlist whose segment URLs
// are absolute and carry the given prefix.
func buildMediaPlaylist(prefix string, numSegments int, duration float64, target int) string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&sb, "#EXT-X-TARGETDURATION:%d\n", target)
	sb.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")

	for i := 0; i < numSegments; i++ {
		fmt.Fprintf(&sb, "#EXTINF:%.3f,\n", duration)
		fmt.Fprintf(&sb, "https://media.example.com/%s%03d.ts\n", prefix, i)
	}

	sb.WriteString("#EXT-X-ENDLIST\n")
	return sb.String()
}

// buildMasterPlaylist builds an upstream master playlist referencing
// low.m3u8 and high.m3u8 relative to its own URL.
func buildMasterPlaylist() string {
	var sb strings.Builder

	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360,CODECS=\"avc1.4d401e,mp4a.40.2\"\n")
	sb.WriteString("low.m3u8\n")
	sb.WriteString("#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f,mp4a.40.2\"\n")
	sb.WriteString("high.m3u8\n")

	return sb.String()
}

// waitForCondition polls until the condition holds or the timeout expires.
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
