// Package source fetches and parses upstream HLS playlists so their
// segment timelines can be replayed through a local origin.
package source

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

// Segment is one entry of an upstream media playlist.
type Segment struct {
	// URL is the absolute segment URL.
	URL string

	// Duration is the segment duration in seconds.
	Duration float64
}

// Rendition is one variant stream of an upstream playlist, with its
// full segment list already resolved.
type Rendition struct {
	Name           string
	Bandwidth      int
	Resolution     string
	Codecs         string
	PlaylistURL    string
	TargetDuration int
	Segments       []Segment
}

// Feed is the parsed form of an upstream playlist. A master playlist
// yields one rendition per variant; a media playlist yields a single
// rendition.
type Feed struct {
	Renditions []Rendition

	// TargetDuration is the maximum target duration in seconds across
	// all renditions.
	TargetDuration int
}

// Fetch downloads and parses an HLS playlist from a URL. Master
// playlists are followed one level deep to collect every variant's
// segments.
func Fetch(playlistURL string) (*Feed, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		return fetchMaster(playlist, playlistURL)
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	segments, targetDuration, err := extractSegments(mediaPlaylist, playlistURL)
	if err != nil {
		return nil, err
	}

	return &Feed{
		Renditions: []Rendition{{
			Name:           renditionName(playlistURL, 0),
			PlaylistURL:    playlistURL,
			TargetDuration: targetDuration,
			Segments:       segments,
		}},
		TargetDuration: targetDuration,
	}, nil
}

// fetchMaster resolves each variant of a master playlist and fetches
// its media playlist.
func fetchMaster(playlist m3u8.Playlist, masterURL string) (*Feed, error) {
	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	if len(masterPlaylist.Variants) == 0 {
		return nil, fmt.Errorf("master playlist contains no variants")
	}

	var renditions []Rendition
	maxTargetDuration := 0

	for i, v := range masterPlaylist.Variants {
		if v == nil {
			continue
		}

		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		segments, targetDuration, err := fetchRendition(variantURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse variant %d media playlist: %w", i, err)
		}

		if targetDuration > maxTargetDuration {
			maxTargetDuration = targetDuration
		}

		renditions = append(renditions, Rendition{
			Name:           renditionName(v.URI, i),
			Bandwidth:      int(v.Bandwidth),
			Resolution:     v.Resolution,
			Codecs:         v.Codecs,
			PlaylistURL:    variantURL,
			TargetDuration: targetDuration,
			Segments:       segments,
		})
	}

	return &Feed{
		Renditions:     renditions,
		TargetDuration: maxTargetDuration,
	}, nil
}

// fetchRendition fetches and parses a single media playlist.
func fetchRendition(playlistURL string) ([]Segment, int, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(playlistURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MEDIA {
		return nil, 0, fmt.Errorf("expected media playlist, got master playlist")
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected playlist type")
	}

	return extractSegments(mediaPlaylist, playlistURL)
}

// extractSegments pulls the segment list out of a decoded media
// playlist, resolving each URL against the playlist's own URL.
func extractSegments(mediaPlaylist *m3u8.MediaPlaylist, playlistURL string) ([]Segment, int, error) {
	var segments []Segment
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		segments = append(segments, Segment{
			URL:      segmentURL,
			Duration: seg.Duration,
		})
	}

	if len(segments) == 0 {
		return nil, 0, fmt.Errorf("playlist contains no segments")
	}

	targetDuration := int(mediaPlaylist.TargetDuration)
	if targetDuration == 0 {
		// Fall back to the max segment duration when the tag is absent.
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return segments, targetDuration, nil
}

// renditionName derives a variant name from a playlist URI, falling
// back to a positional name when the URI has no usable basename.
func renditionName(uri string, index int) string {
	base := path.Base(uri)
	if q := strings.IndexByte(base, '?'); q >= 0 {
		base = base[:q]
	}
	base = strings.TrimSuffix(base, ".m3u8")
	if base == "" || base == "." || base == "/" {
		return fmt.Sprintf("variant%d", index)
	}
	return base
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
