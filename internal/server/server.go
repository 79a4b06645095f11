// Package server exposes the origin's playlists and segments over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/hlspack/internal/origin"
	"github.com/agleyzer/hlspack/internal/platform/logger"
	"github.com/agleyzer/hlspack/internal/platform/metrics"
	"github.com/agleyzer/hlspack/internal/storage"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	shutdownTimeout     = 10 * time.Second
)

// ClusterInfo reports a node's Raft role for health reporting.
type ClusterInfo interface {
	NodeID() string
	State() string
	LeaderAddr() string
}

// Config carries the server's collaborators.
type Config struct {
	State *origin.State
	Store *storage.Store

	// BaseURL is the mount point for playlist and segment routes.
	// Empty or absolute URLs fall back to /hls.
	BaseURL string

	// Cluster is nil when running standalone.
	Cluster ClusterInfo

	// Metrics may be nil to disable the /metrics endpoint and request
	// counting (e.g. in tests).
	Metrics *metrics.Metrics

	Port   int
	Logger *slog.Logger
}

// Server serves the master playlist, variant playlists, and segment
// files of one origin.
type Server struct {
	cfg        Config
	httpServer *http.Server
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.cfg.Logger))
	if s.cfg.Metrics != nil {
		r.Use(metrics.RequestMiddleware(s.cfg.Metrics))
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			s.cfg.Metrics.Handler(s.updateGauges).ServeHTTP(w, req)
		})
	}

	r.Get("/health", s.handleHealth)
	r.Route(routePrefix(s.cfg.BaseURL), func(r chi.Router) {
		r.Get("/master.m3u8", s.handleMaster)
		r.Get("/{name}.m3u8", s.handleMedia)
		r.Get("/{name}/{segment}", s.handleSegment)
	})

	return r
}

// routePrefix maps the playlist base URL to a local mount point. An
// absolute base URL points players at another host, so the local routes
// keep the default mount.
func routePrefix(baseURL string) string {
	p := strings.TrimSuffix(baseURL, "/")
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/hls"
	}
	return p
}

// Start starts the HTTP server and blocks until the context is
// cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Handler(),
	}

	go func() {
		s.cfg.Logger.Info("starting HTTP server", "port", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.cfg.Logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleMaster serves the master playlist.
func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	writePlaylist(w, s.cfg.State.MasterPlaylist())
}

// handleMedia serves one variant's media playlist.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	content, ok := s.cfg.State.MediaPlaylist(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writePlaylist(w, content)
}

// handleSegment serves a segment file from the store. ServeFile
// handles Range requests, which byte-range playlists rely on.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	seg := chi.URLParam(r, "segment")

	path, err := s.cfg.Store.Resolve(name + "/" + seg)
	if err != nil {
		s.cfg.Logger.Debug("segment rejected", "name", name, "segment", seg, "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, path)
}

// handleHealth serves health check information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"stats":  s.cfg.State.Stats(),
	}

	if s.cfg.Cluster != nil {
		health["cluster"] = map[string]any{
			"node_id": s.cfg.Cluster.NodeID(),
			"state":   s.cfg.Cluster.State(),
			"leader":  s.cfg.Cluster.LeaderAddr(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) updateGauges() {
	s.cfg.Metrics.SetActiveVariants(len(s.cfg.State.VariantNames()))
	s.cfg.Metrics.SetOpenFileHandles(s.cfg.State.OpenHandles())
}

// writePlaylist writes playlist content with HLS-specific headers.
// Live playlists must never be cached.
func writePlaylist(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}
