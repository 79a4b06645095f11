package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/platform/metrics"
	"github.com/agleyzer/hlspack/internal/storage"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func createTestServer(t *testing.T) (*Server, *origin.State) {
	t.Helper()

	logger := createTestLogger()
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

	if err := state.ApplyVariant(origin.VariantOp{Name: "low", Bitrate: 1280000}); err != nil {
		t.Fatalf("ApplyVariant() error = %v", err)
	}
	if err := store.WriteSegment("low/00000000.ts", []byte("ts-data")); err != nil {
		t.Fatalf("WriteSegment() error = %v", err)
	}
	if err := state.ApplySegment(origin.SegmentOp{
		Variant:  "low",
		Path:     "low/00000000.ts",
		Duration: 4,
	}); err != nil {
		t.Fatalf("ApplySegment() error = %v", err)
	}

	srv := New(Config{
		State:  state,
		Store:  store,
		Logger: logger,
	})
	return srv, state
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleMaster(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/hls/master.m3u8")
	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/vnd.apple.mpegurl" {
		t.Errorf("Expected Content-Type 'application/vnd.apple.mpegurl', got '%s'", contentType)
	}

	cacheControl := resp.Header.Get("Cache-Control")
	if !strings.Contains(cacheControl, "no-cache") {
		t.Errorf("Expected Cache-Control with 'no-cache', got '%s'", cacheControl)
	}

	corsHeader := resp.Header.Get("Access-Control-Allow-Origin")
	if corsHeader != "*" {
		t.Errorf("Expected CORS header '*', got '%s'", corsHeader)
	}

	body := w.Body.String()
	if !strings.Contains(body, "#EXTM3U") {
		t.Error("Response body missing #EXTM3U tag")
	}
	if !strings.Contains(body, "#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1280000") {
		t.Error("Response body missing variant stream tag")
	}
	if !strings.Contains(body, "/hls/low.m3u8") {
		t.Error("Response body missing variant playlist URL")
	}
}

func TestHandleMedia(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/hls/low.m3u8")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "#EXT-X-TARGETDURATION:4") {
		t.Error("Response body missing target duration tag")
	}
	if !strings.Contains(body, "/hls/low/00000000.ts") {
		t.Error("Response body missing segment URL")
	}
}

func TestHandleMedia_UnknownVariant(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/hls/missing.m3u8")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleSegment(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/hls/low/00000000.ts")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "video/mp2t" {
		t.Errorf("Expected Content-Type 'video/mp2t', got '%s'", got)
	}
	if w.Body.String() != "ts-data" {
		t.Errorf("Expected segment bytes, got '%s'", w.Body.String())
	}
}

func TestHandleSegment_Missing(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/hls/low/nope.ts")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := createTestServer(t)

	w := get(t, srv, "/health")
	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", contentType)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}

	stats, ok := health["stats"].(map[string]interface{})
	if !ok {
		t.Fatal("Stats is not a map")
	}
	for _, field := range []string{"variant_count", "window_size", "variants", "open_handles"} {
		if _, ok := stats[field]; !ok {
			t.Errorf("Stats missing field '%s'", field)
		}
	}

	if _, ok := health["cluster"]; ok {
		t.Error("Standalone health response must not report cluster state")
	}
}

// fakeCluster implements ClusterInfo.
type fakeCluster struct{}

func (fakeCluster) NodeID() string     { return "node1" }
func (fakeCluster) State() string      { return "Leader" }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:9000" }

func TestHandleHealth_Clustered(t *testing.T) {
	srv, _ := createTestServer(t)
	srv.cfg.Cluster = fakeCluster{}

	w := get(t, srv, "/health")

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}

	cluster, ok := health["cluster"].(map[string]interface{})
	if !ok {
		t.Fatal("Clustered health response missing cluster section")
	}
	if cluster["state"] != "Leader" {
		t.Errorf("Expected cluster state 'Leader', got '%v'", cluster["state"])
	}
	if cluster["node_id"] != "node1" {
		t.Errorf("Expected node_id 'node1', got '%v'", cluster["node_id"])
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _ := createTestServer(t)
	srv.cfg.Metrics = metrics.New()

	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "hlspack_requests_total") {
		t.Error("Metrics output missing request counter")
	}
	if !strings.Contains(body, "hlspack_active_variants 1") {
		t.Error("Metrics output missing active variant gauge")
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv, _ := createTestServer(t)
	srv.cfg.Port = 0 // automatic port assignment

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestHandleMedia_WhileFeeding(t *testing.T) {
	srv, state := createTestServer(t)

	done := make(chan bool)
	go func() {
		for i := uint64(1); i <= 20; i++ {
			state.ApplySegment(origin.SegmentOp{
				Variant:  "low",
				Path:     "low/seg.ts",
				Duration: 4,
				Index:    i,
			})
		}
		done <- true
	}()

	// Reads race the writer; every response must still be a complete
	// playlist.
	for i := 0; i < 20; i++ {
		w := get(t, srv, "/hls/low.m3u8")
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: Expected status 200, got %d", i, w.Code)
		}
		if !strings.HasPrefix(w.Body.String(), "#EXTM3U\n") {
			t.Errorf("Request %d: Response missing #EXTM3U", i)
		}
	}

	<-done
}
