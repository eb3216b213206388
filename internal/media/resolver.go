package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
	applog "github.com/strefethen/snapdog/internal/log"
)

// RadioPlaylistIndex is the fixed index of the synthetic radio playlist.
// Subsonic playlists are numbered upward from SubsonicFirstIndex in the
// order the server returns them.
const (
	RadioPlaylistIndex = 1
	SubsonicFirstIndex = 2

	coverPathPrefix = "/api/v1/cover/"

	refreshSchedule = "@every 6h"
)

// Resolver maps 1-based playlist and track indices onto the radio
// configuration and the Subsonic library. The Subsonic view is cached;
// Refresh replaces the whole cache atomically so indices stay stable
// between refreshes.
type Resolver struct {
	radio    core.Playlist
	subsonic *subsonicClient

	mu       sync.RWMutex
	cached   []core.Playlist // subsonic playlists, already indexed from 2
	cachedAt time.Time

	cron   *cron.Cron
	logger zerolog.Logger
}

func NewResolver(cfg *config.Config) *Resolver {
	r := &Resolver{
		radio:  buildRadioPlaylist(cfg.Radio),
		logger: applog.Component("media"),
	}
	if cfg.Subsonic.Enabled && cfg.Subsonic.URL != "" {
		r.subsonic = newSubsonicClient(cfg.Subsonic.URL, cfg.Subsonic.Username, cfg.Subsonic.Password)
	}
	return r
}

// buildRadioPlaylist turns the enabled stations into playlist 1, in
// configuration order. Stations are live streams, so durations stay nil.
func buildRadioPlaylist(stations []config.RadioConfig) core.Playlist {
	pl := core.Playlist{
		Index:  RadioPlaylistIndex,
		ID:     "radio",
		Name:   "Radio",
		Source: core.SourceRadio,
	}
	for _, s := range stations {
		if !s.Enabled {
			continue
		}
		pl.Tracks = append(pl.Tracks, core.Track{
			ID:        fmt.Sprintf("radio-%d", s.Index),
			Title:     s.Name,
			StreamURL: s.URL,
			Source:    core.SourceRadio,
		})
	}
	return pl
}

// Start primes the Subsonic cache and schedules periodic refreshes.
// A failed initial refresh is logged, not fatal: the radio playlist is
// always available and the cache fills on the next successful refresh.
func (r *Resolver) Start(ctx context.Context) {
	if r.subsonic == nil {
		r.logger.Info().Msg("subsonic disabled, serving radio playlist only")
		return
	}
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial subsonic refresh failed")
	}
	r.cron = cron.New()
	_, err := r.cron.AddFunc(refreshSchedule, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.Refresh(refreshCtx); err != nil {
			r.logger.Warn().Err(err).Msg("scheduled subsonic refresh failed")
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to schedule subsonic refresh")
		return
	}
	r.cron.Start()
}

func (r *Resolver) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Refresh rebuilds the Subsonic playlist cache. Playlists keep the
// order the server returns; tracks are fetched per playlist so the
// cache holds fully resolved entries.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.subsonic == nil {
		return nil
	}
	remote, err := r.subsonic.getPlaylists(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("getPlaylists failed")
		return apperrors.NewUpstreamUnavailableError("subsonic")
	}

	playlists := make([]core.Playlist, 0, len(remote))
	for i, rp := range remote {
		detail, err := r.subsonic.getPlaylist(ctx, rp.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("playlist", rp.ID).Msg("getPlaylist failed")
			return apperrors.NewUpstreamUnavailableError("subsonic")
		}
		playlists = append(playlists, r.convertPlaylist(SubsonicFirstIndex+i, detail))
	}

	r.mu.Lock()
	r.cached = playlists
	r.cachedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info().Int("playlists", len(playlists)).Msg("subsonic cache refreshed")
	return nil
}

func (r *Resolver) convertPlaylist(index int, detail *subsonicPlaylistDetail) core.Playlist {
	pl := core.Playlist{
		Index:    index,
		ID:       detail.ID,
		Name:     detail.Name,
		Source:   core.SourceSubsonic,
		CoverURL: rewriteCover(detail.CoverArt),
	}
	var totalMS int64
	for _, song := range detail.Entry {
		durMS := int64(song.Duration) * 1000
		totalMS += durMS
		pl.Tracks = append(pl.Tracks, core.Track{
			ID:         song.ID,
			Title:      song.Title,
			Artist:     song.Artist,
			Album:      song.Album,
			DurationMS: &durMS,
			StreamURL:  r.subsonic.streamURL(song.ID, 0),
			CoverURL:   rewriteCover(song.CoverArt),
			Source:     core.SourceSubsonic,
		})
	}
	if totalMS > 0 {
		pl.TotalDurationMS = &totalMS
	}
	return pl
}

// rewriteCover replaces upstream cover references with the local proxy
// path so Subsonic credentials never appear in emitted URLs.
func rewriteCover(coverID string) string {
	if coverID == "" {
		return ""
	}
	return coverPathPrefix + coverID
}

// Playlists returns all resolvable playlists: radio first, then the
// cached Subsonic playlists.
func (r *Resolver) Playlists() []core.Playlist {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Playlist, 0, 1+len(r.cached))
	out = append(out, r.radio)
	out = append(out, r.cached...)
	return out
}

// Playlist resolves one playlist by its 1-based index.
func (r *Resolver) Playlist(index int) (core.Playlist, error) {
	if index == RadioPlaylistIndex {
		return r.radio, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos := index - SubsonicFirstIndex
	if pos < 0 || pos >= len(r.cached) {
		return core.Playlist{}, apperrors.NewNotFoundIndex("playlist", index)
	}
	return r.cached[pos], nil
}

// Track resolves one track by playlist and 1-based track index.
func (r *Resolver) Track(playlistIndex, trackIndex int) (core.Track, error) {
	pl, err := r.Playlist(playlistIndex)
	if err != nil {
		return core.Track{}, err
	}
	if trackIndex < 1 || trackIndex > pl.TrackCount() {
		return core.Track{}, apperrors.NewNotFoundIndex("track", trackIndex)
	}
	return pl.Tracks[trackIndex-1], nil
}

// StreamURLAt returns the stream URL for a track, re-signed with a time
// offset for Subsonic tracks so a seek reopens the stream at the right
// position. Radio streams cannot seek.
func (r *Resolver) StreamURLAt(track core.Track, positionMS int64) (string, error) {
	switch track.Source {
	case core.SourceRadio:
		if positionMS != 0 {
			return "", apperrors.NewInvalidOperationError("seek is not supported on radio streams")
		}
		return track.StreamURL, nil
	case core.SourceSubsonic:
		if r.subsonic == nil {
			return "", apperrors.NewUpstreamUnavailableError("subsonic")
		}
		return r.subsonic.streamURL(track.ID, int(positionMS/1000)), nil
	default:
		return "", apperrors.NewInternalError(fmt.Sprintf("unknown track source %q", track.Source))
	}
}

// CoverArt proxies cover bytes for /api/v1/cover/{id}.
func (r *Resolver) CoverArt(ctx context.Context, id string) ([]byte, string, error) {
	if r.subsonic == nil {
		return nil, "", apperrors.NewNotFoundError("cover art not available", nil)
	}
	data, contentType, err := r.subsonic.coverArt(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("cover", id).Msg("getCoverArt failed")
		return nil, "", apperrors.NewUpstreamUnavailableError("subsonic")
	}
	return data, contentType, nil
}

// CachedAt reports when the Subsonic cache was last filled, zero when
// never refreshed.
func (r *Resolver) CachedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cachedAt
}
