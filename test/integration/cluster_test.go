package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/hlspack/internal/cluster"
	"github.com/agleyzer/hlspack/internal/feed"
	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/server"
	"github.com/agleyzer/hlspack/internal/storage"
)

// clusterNode is one origin node: its own store, state, raft manager,
// leader-gated feeder, and HTTP server.
type clusterNode struct {
	id       string
	state    *origin.State
	manager  *cluster.Manager
	server   *httptest.Server
	cancel   context.CancelFunc
	feedDone chan struct{}
	stopped  bool
}

// startCluster boots nodeCount origin nodes into one raft cluster.
// Every node runs a feeder; only the elected leader produces.
func startCluster(t *testing.T, nodeCount int) []*clusterNode {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	peers := make([]string, nodeCount)
	for i := range peers {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", findAvailablePort(t))
	}

	nodes := make([]*clusterNode, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		store, err := storage.NewStore(t.TempDir(), logger)
		if err != nil {
			t.Fatalf("NewStore() error = %v", err)
		}

		state, err := origin.NewState(store, origin.StateConfig{
			BaseURL:    "/hls",
			Version:    3,
			WindowSize: 2,
			Chunked:    true,
		}, logger, nil)
		if err != nil {
			t.Fatalf("NewState() error = %v", err)
		}

		mgr, err := cluster.NewManager(cluster.Config{
			RaftID:            fmt.Sprintf("node%d", i+1),
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  time.Hour,
			SnapshotThreshold: 10000,
		}, state, logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if err := mgr.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		synth, err := feed.NewSynth(feed.SynthConfig{
			Variants:        []origin.VariantOp{{Name: "low", Bitrate: 1280000}},
			SegmentDuration: 0.2,
			Store:           store,
			Chunked:         true,
			Logger:          logger,
		})
		if err != nil {
			t.Fatalf("NewSynth() error = %v", err)
		}

		feeder, err := feed.NewFeeder(feed.Config{
			Producer:  synth,
			Applier:   mgr,
			NextIndex: state.NextIndex,
			IsLeader:  mgr.IsLeader,
			Logger:    logger,
		})
		if err != nil {
			t.Fatalf("NewFeeder() error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		feedDone := make(chan struct{})
		go func() {
			defer close(feedDone)
			// Shutdown races are expected when nodes stop mid-apply.
			_ = feeder.Run(ctx)
		}()

		srv := server.New(server.Config{
			State:   state,
			Store:   store,
			Cluster: mgr,
			Logger:  logger,
		})

		nodes = append(nodes, &clusterNode{
			id:       fmt.Sprintf("node%d", i+1),
			state:    state,
			manager:  mgr,
			server:   httptest.NewServer(srv.Handler()),
			cancel:   cancel,
			feedDone: feedDone,
		})
	}

	t.Cleanup(func() {
		for _, n := range nodes {
			stopNode(t, n)
		}
	})
	return nodes
}

// stopNode stops a node's feeder, raft instance, and HTTP server. Safe
// to call twice.
func stopNode(t *testing.T, n *clusterNode) {
	t.Helper()

	if n.stopped {
		return
	}
	n.stopped = true

	n.cancel()
	select {
	case <-n.feedDone:
	case <-time.After(5 * time.Second):
		t.Errorf("%s feeder did not stop within 5s", n.id)
	}

	if err := n.manager.Shutdown(); err != nil {
		t.Errorf("%s shutdown error: %v", n.id, err)
	}
	n.server.Close()
}

// waitForLeader blocks until one of the nodes reports raft leadership.
func waitForLeader(t *testing.T, nodes []*clusterNode) *clusterNode {
	t.Helper()

	var leader *clusterNode
	waitForCondition(t, func() bool {
		for _, n := range nodes {
			if !n.stopped && n.manager.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, 15*time.Second, "leader election")
	return leader
}

// fetchNode performs a GET against one node's HTTP server.
func fetchNode(t *testing.T, n *clusterNode, p string) (int, string) {
	t.Helper()

	resp, err := http.Get(n.server.URL + p)
	if err != nil {
		t.Fatalf("GET %s from %s: %v", p, n.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s from %s: %v", p, n.id, err)
	}
	return resp.StatusCode, string(body)
}

// fetchNodeHealth fetches and decodes one node's health endpoint.
func fetchNodeHealth(t *testing.T, n *clusterNode) map[string]any {
	t.Helper()

	status, body := fetchNode(t, n, "/health")
	if status != 200 {
		t.Fatalf("GET /health from %s status = %d", n.id, status)
	}

	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decode %s health: %v", n.id, err)
	}
	return health
}

// consistentMedia fetches the low rendition from every node and reports
// whether all of them serve the identical playlist.
func consistentMedia(t *testing.T, nodes []*clusterNode) (string, bool) {
	t.Helper()

	var first string
	for i, n := range nodes {
		status, body := fetchNode(t, n, "/hls/low.m3u8")
		if status != 200 {
			return "", false
		}
		if i == 0 {
			first = body
			continue
		}
		if body != first {
			return "", false
		}
	}
	return first, true
}

// segmentNumber extracts the numeric part of a chunked segment URI.
func segmentNumber(t *testing.T, uri string) uint64 {
	t.Helper()

	base := strings.TrimSuffix(path.Base(uri), ".ts")
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		t.Fatalf("segment URI %q has no numeric name: %v", uri, err)
	}
	return n
}

// TestClusterReplication verifies that every node serves the identical
// advancing playlist while only the leader produces segments.
func TestClusterReplication(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	nodes := startCluster(t, 3)
	leader := waitForLeader(t, nodes)
	t.Logf("leader is %s", leader.id)

	// All nodes converge on the same advancing playlist.
	waitForCondition(t, func() bool {
		body, ok := consistentMedia(t, nodes)
		return ok && ParseMedia(t, body).SeqNo >= 1
	}, 20*time.Second, "cluster to converge on an advancing playlist")

	// And they stay in lockstep while the window keeps sliding.
	body, _ := consistentMedia(t, nodes)
	seq := ParseMedia(t, body).SeqNo
	waitForCondition(t, func() bool {
		body, ok := consistentMedia(t, nodes)
		return ok && ParseMedia(t, body).SeqNo >= seq+2
	}, 15*time.Second, "cluster to keep advancing consistently")

	// Masters agree across the cluster.
	masters := map[string]bool{}
	for _, n := range nodes {
		status, body := fetchNode(t, n, "/hls/master.m3u8")
		if status != 200 {
			t.Fatalf("GET master from %s status = %d", n.id, status)
		}
		masters[body] = true
	}
	if len(masters) != 1 {
		t.Errorf("Expected identical master playlists, got %d distinct documents", len(masters))
	}

	// Health reports exactly one leader over HTTP.
	leaders := 0
	for _, n := range nodes {
		health := fetchNodeHealth(t, n)
		clusterInfo, ok := health["cluster"].(map[string]any)
		if !ok {
			t.Fatalf("Expected cluster info in %s health, got %T", n.id, health["cluster"])
		}
		if clusterInfo["state"] == "Leader" {
			leaders++
		}
	}
	if leaders != 1 {
		t.Errorf("Expected exactly 1 leader, got %d", leaders)
	}
}

// TestClusterLeaderFailover stops the leader and verifies a new leader
// resumes production without resetting the segment timeline.
func TestClusterLeaderFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	nodes := startCluster(t, 3)
	leader := waitForLeader(t, nodes)
	t.Logf("initial leader is %s", leader.id)

	// Let the stream establish itself before the failover.
	waitForCondition(t, func() bool {
		body, ok := consistentMedia(t, nodes)
		return ok && ParseMedia(t, body).SeqNo >= 2
	}, 20*time.Second, "stream to establish")

	var remaining []*clusterNode
	for _, n := range nodes {
		if n != leader {
			remaining = append(remaining, n)
		}
	}
	_, lastBody := fetchNode(t, remaining[0], "/hls/low.m3u8")
	lastSeq := ParseMedia(t, lastBody).SeqNo

	stopNode(t, leader)

	newLeader := waitForLeader(t, remaining)
	t.Logf("new leader is %s", newLeader.id)
	if newLeader.id == leader.id {
		t.Fatal("new leader is the same as the stopped leader")
	}

	// The new leader resumes production and the survivors stay
	// consistent.
	waitForCondition(t, func() bool {
		body, ok := consistentMedia(t, remaining)
		return ok && ParseMedia(t, body).SeqNo >= lastSeq+3
	}, 20*time.Second, "new leader to resume production")

	// Segment numbering continues where the old leader left off.
	body, ok := consistentMedia(t, remaining)
	if !ok {
		t.Fatal("survivors diverged after failover")
	}
	segments := MediaSegments(ParseMedia(t, body))
	for i := 1; i < len(segments); i++ {
		prev := segmentNumber(t, segments[i-1].URI)
		curr := segmentNumber(t, segments[i].URI)
		if curr != prev+1 {
			t.Errorf("Segment numbering jumped from %d to %d after failover", prev, curr)
		}
	}
}
