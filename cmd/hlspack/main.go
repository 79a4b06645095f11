// The hlspack command runs a live HLS origin: it produces or replays
// segments, maintains sliding-window playlists, and serves them over
// HTTP, optionally replicated across a Raft cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/agleyzer/hlspack/internal/cluster"
	"github.com/agleyzer/hlspack/internal/feed"
	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/platform/config"
	"github.com/agleyzer/hlspack/internal/platform/logger"
	"github.com/agleyzer/hlspack/internal/platform/metrics"
	"github.com/agleyzer/hlspack/internal/server"
	"github.com/agleyzer/hlspack/internal/source"
	"github.com/agleyzer/hlspack/internal/storage"
)

const version = "1.0.0"

type runConfig struct {
	port            int
	baseURL         string
	workdir         string
	ephemeral       bool
	window          uint
	segmentDuration float64
	jitter          float64
	discoEvery      uint64
	hlsVersion      uint
	byteRanges      bool
	allowCache      bool
	variants        string
	playlistURL     string
	raftID          string
	raftBind        string
	raftPeers       []string
	verbose         bool
}

func main() {
	// Optional .env file; flags fall back to environment values
	_ = config.Load()

	var (
		port            = flag.Int("port", config.GetEnvInt("PORT", 8080), "HTTP server port")
		baseURL         = flag.String("base-url", config.GetEnv("BASE_URL", "/hls"), "URL prefix for playlist entries")
		workdir         = flag.String("workdir", config.GetEnv("WORKDIR", ""), "Directory for segments and playlists (default: a per-session temp dir, removed on exit)")
		window          = flag.Int("window", config.GetEnvInt("WINDOW_SIZE", 24), "Sliding window duration budget in seconds (0 keeps every segment)")
		segmentDuration = flag.Float64("segment-duration", config.GetEnvFloat("SEGMENT_DURATION", 4.0), "Synthetic segment duration in seconds")
		jitter          = flag.Float64("jitter", config.GetEnvFloat("JITTER", 0), "Vary synthetic segment durations by up to this fraction (0 to 1)")
		discoEvery      = flag.Int("discontinuity-every", config.GetEnvInt("DISCONTINUITY_EVERY", 0), "Mark every Nth synthetic segment discontinuous (0 disables)")
		variants        = flag.String("variants", config.GetEnv("VARIANTS", "low:1280000,high:2560000"), "Comma-separated name:bitrate pairs for synthetic mode")
		hlsVersion      = flag.Int("hls-version", config.GetEnvInt("HLS_VERSION", 3), "HLS protocol version tag")
		byteRanges      = flag.Bool("byte-ranges", config.GetEnvBool("BYTE_RANGES", false), "Address segments by byte range in one file per variant (requires HLS version 4)")
		allowCache      = flag.Bool("allow-cache", config.GetEnvBool("ALLOW_CACHE", false), "Emit EXT-X-ALLOW-CACHE:YES")
		raftID          = flag.String("raft-id", config.GetEnv("RAFT_ID", ""), "Raft node ID (defaults to the bind address)")
		raftBind        = flag.String("raft-bind", config.GetEnv("RAFT_BIND", ""), "Raft bind address (host:port); enables cluster mode")
		raftPeers       = flag.String("raft-peers", config.GetEnv("RAFT_PEERS", ""), "Comma-separated peer Raft addresses, including this node")
		verbose         = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion     = flag.Bool("version", false, "Show version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlspack - live HLS origin v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [playlist-url]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  [playlist-url]    Optional upstream HLS playlist to replay. Without it,\n")
		fmt.Fprintf(os.Stderr, "                    synthetic segments are generated per --variants.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --port 8080 --window 30 --variants low:800000,hd:4500000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --byte-ranges --hls-version 4\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-bind 127.0.0.1:9000 --raft-peers 127.0.0.1:9000,127.0.0.1:9001\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hlspack v%s\n", version)
		os.Exit(0)
	}

	if *port < 1 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "Error: port must be between 1 and 65535\n")
		os.Exit(1)
	}
	if *window < 0 {
		fmt.Fprintf(os.Stderr, "Error: window must not be negative\n")
		os.Exit(1)
	}
	if *segmentDuration <= 0 {
		fmt.Fprintf(os.Stderr, "Error: segment duration must be positive\n")
		os.Exit(1)
	}
	if *jitter < 0 || *jitter >= 1 {
		fmt.Fprintf(os.Stderr, "Error: jitter must be in [0, 1)\n")
		os.Exit(1)
	}
	if *discoEvery < 0 {
		fmt.Fprintf(os.Stderr, "Error: discontinuity-every must not be negative\n")
		os.Exit(1)
	}
	if *hlsVersion < 1 {
		fmt.Fprintf(os.Stderr, "Error: hls version must be at least 1\n")
		os.Exit(1)
	}

	sessionID := uuid.NewString()

	cfg := runConfig{
		port:            *port,
		baseURL:         *baseURL,
		workdir:         *workdir,
		window:          uint(*window),
		segmentDuration: *segmentDuration,
		jitter:          *jitter,
		discoEvery:      uint64(*discoEvery),
		hlsVersion:      uint(*hlsVersion),
		byteRanges:      *byteRanges,
		allowCache:      *allowCache,
		variants:        *variants,
		playlistURL:     flag.Arg(0),
		raftID:          *raftID,
		raftBind:        *raftBind,
		raftPeers:       splitPeers(*raftPeers),
		verbose:         *verbose,
	}
	if cfg.workdir == "" {
		cfg.workdir = defaultWorkdir(sessionID)
		cfg.ephemeral = true
	}
	if cfg.raftID == "" {
		cfg.raftID = cfg.raftBind
	}

	logLevel := config.GetEnv("LOG_LEVEL", "info")
	if cfg.verbose {
		logLevel = "debug"
	}
	log := logger.New(logLevel, config.GetEnv("LOG_FORMAT", "text")).With("session", sessionID)

	log.Info("hlspack starting", "version", version)

	if err := run(cfg, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}

	log.Info("hlspack stopped")
}

func run(cfg runConfig, log *slog.Logger) error {
	store, err := storage.NewStore(cfg.workdir, log)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	met := metrics.New()

	chunked := !cfg.byteRanges
	if cfg.playlistURL != "" && cfg.byteRanges {
		// Replayed segments live at upstream URLs and have no local
		// byte ranges to address.
		log.Warn("byte ranges are not available in replay mode, using chunked segments")
		chunked = true
	}

	state, err := origin.NewState(store, origin.StateConfig{
		BaseURL:    cfg.baseURL,
		Version:    cfg.hlsVersion,
		WindowSize: cfg.window,
		AllowCache: cfg.allowCache,
		Chunked:    chunked,
	}, log, met)
	if err != nil {
		return fmt.Errorf("create origin state: %w", err)
	}

	producer, err := buildProducer(cfg, store, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal", "signal", sig)
		cancel()
	}()

	// In cluster mode ops go through Raft; standalone they apply
	// directly to the local state.
	var applier origin.Applier = state
	var isLeader func() bool
	var clusterInfo server.ClusterInfo

	if cfg.raftBind != "" {
		mgr, err := cluster.NewManager(cluster.Config{
			RaftID:   cfg.raftID,
			BindAddr: cfg.raftBind,
			Peers:    cfg.raftPeers,
			Verbose:  cfg.verbose,
		}, state, log)
		if err != nil {
			return fmt.Errorf("create cluster: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		defer mgr.Shutdown()

		electCtx, electCancel := context.WithTimeout(ctx, 30*time.Second)
		err = mgr.WaitForLeader(electCtx)
		electCancel()
		if err != nil {
			return fmt.Errorf("wait for leader: %w", err)
		}
		log.Info("cluster ready", "role", mgr.State(), "leader", mgr.LeaderAddr())

		applier = mgr
		isLeader = mgr.IsLeader
		clusterInfo = mgr
	}

	feeder, err := feed.NewFeeder(feed.Config{
		Producer:  producer,
		Applier:   applier,
		NextIndex: state.NextIndex,
		IsLeader:  isLeader,
		// A stopping cluster leader must not end the stream for the
		// nodes that keep running.
		FinalizeOnStop: cfg.raftBind == "",
		Logger:         log,
	})
	if err != nil {
		return err
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := feeder.Run(ctx); err != nil {
			log.Error("feed failed", "error", err)
			cancel()
		}
	}()

	srv := server.New(server.Config{
		State:   state,
		Store:   store,
		BaseURL: cfg.baseURL,
		Cluster: clusterInfo,
		Metrics: met,
		Port:    cfg.port,
		Logger:  log,
	})

	log.Info("live HLS origin ready",
		"master_url", fmt.Sprintf("http://localhost:%d%s/master.m3u8", cfg.port, cfg.baseURL),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.port),
		"workdir", cfg.workdir,
	)

	serveErr := srv.Start(ctx)
	<-feedDone

	if cfg.ephemeral {
		state.Close()
		if err := store.Cleanup(); err != nil {
			log.Warn("cleanup failed", "error", err)
		}
	} else {
		// Finished playlists and segments stay on disk for explicit
		// workdir sessions.
		log.Info("keeping output", "workdir", cfg.workdir)
	}

	return serveErr
}

// buildProducer selects replay or synthetic segment production.
func buildProducer(cfg runConfig, store *storage.Store, log *slog.Logger) (feed.Producer, error) {
	if cfg.playlistURL != "" {
		log.Info("fetching source playlist", "url", cfg.playlistURL)
		upstream, err := source.Fetch(cfg.playlistURL)
		if err != nil {
			return nil, fmt.Errorf("fetch source playlist: %w", err)
		}
		for _, r := range upstream.Renditions {
			log.Info("rendition",
				"name", r.Name,
				"bandwidth", r.Bandwidth,
				"segments", len(r.Segments),
				"target_duration", r.TargetDuration,
			)
		}
		replay, err := feed.NewReplay(upstream)
		if err != nil {
			return nil, err
		}
		return replay, nil
	}

	ops, err := parseVariants(cfg.variants)
	if err != nil {
		return nil, err
	}
	synth, err := feed.NewSynth(feed.SynthConfig{
		Variants:           ops,
		SegmentDuration:    cfg.segmentDuration,
		Store:              store,
		Chunked:            !cfg.byteRanges,
		Jitter:             cfg.jitter,
		DiscontinuityEvery: cfg.discoEvery,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}
	return synth, nil
}

// parseVariants parses a comma-separated list of name:bitrate pairs.
func parseVariants(spec string) ([]origin.VariantOp, error) {
	var ops []origin.VariantOp
	seen := make(map[string]bool)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, rate, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid variant %q, want name:bitrate", part)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid variant %q: empty name", part)
		}

		bitrate, err := strconv.Atoi(strings.TrimSpace(rate))
		if err != nil || bitrate <= 0 {
			return nil, fmt.Errorf("invalid bitrate in variant %q", part)
		}

		if seen[name] {
			return nil, fmt.Errorf("duplicate variant name %q", name)
		}
		seen[name] = true

		ops = append(ops, origin.VariantOp{Name: name, Bitrate: bitrate})
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("no variants specified")
	}
	return ops, nil
}

// splitPeers parses a comma-separated peer list, dropping empties.
func splitPeers(spec string) []string {
	var peers []string
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// defaultWorkdir places ephemeral sessions under the system temp dir.
func defaultWorkdir(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(os.TempDir(), "hlspack-"+short)
}
