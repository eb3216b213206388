// Package command validates and dispatches the normalized command set.
// Every control surface (HTTP, MQTT, KNX) converts inbound traffic to a
// core.Command and hands it to the Router; the router is the only code
// path that mutates zones and clients.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
	"github.com/strefethen/snapdog/internal/zone"
)

// GroupController is the Snapcast control surface the router needs for
// volume, mute, latency and membership commands.
type GroupController interface {
	SetClientVolume(ctx context.Context, clientIndex, percent int) error
	SetClientMute(ctx context.Context, clientIndex int, mute bool) error
	SetClientLatency(ctx context.Context, clientIndex, latencyMS int) error
	SetClientName(ctx context.Context, clientIndex int, name string) error
	AssignClientToZone(ctx context.Context, clientIndex, zoneIndex int) error
	SetZoneVolume(ctx context.Context, zoneIndex, percent int) error
	SetZoneMute(ctx context.Context, zoneIndex int, mute bool) error
}

// PlaylistSource exposes the resolvable playlists for playlist
// navigation bounds.
type PlaylistSource interface {
	Playlists() []core.Playlist
}

type Router struct {
	playback *zone.Managers
	snap     GroupController
	media    PlaylistSource
	zones    *state.ZoneStore
	clients  *state.ClientStore
	global   *state.GlobalStore
	logger   zerolog.Logger
}

func NewRouter(playback *zone.Managers, snap GroupController, media PlaylistSource,
	zones *state.ZoneStore, clients *state.ClientStore, global *state.GlobalStore) *Router {
	return &Router{
		playback: playback,
		snap:     snap,
		media:    media,
		zones:    zones,
		clients:  clients,
		global:   global,
		logger:   applog.Component("command"),
	}
}

// Dispatch validates and executes one command. Failures are recorded on
// the global store so every surface sees the last error, then returned
// to the caller.
func (r *Router) Dispatch(ctx context.Context, cmd core.Command) error {
	log := r.logger.With().
		Str("kind", string(cmd.Kind)).
		Str("source", string(cmd.Source)).
		Logger()

	err := r.execute(ctx, cmd)
	if err != nil {
		appErr := apperrors.EnsureAppError(err)
		log.Warn().Err(err).Msg("command failed")
		r.global.RecordError(core.ErrorInfo{
			Timestamp: time.Now().UTC(),
			Level:     "error",
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			Component: "command",
		})
		return err
	}
	log.Debug().Msg("command executed")
	return nil
}

func (r *Router) execute(ctx context.Context, cmd core.Command) error {
	if cmd.IsZoneCommand() {
		return r.executeZone(ctx, cmd)
	}
	return r.executeClient(ctx, cmd)
}

func (r *Router) executeZone(ctx context.Context, cmd core.Command) error {
	mgr, err := r.playback.Zone(cmd.ZoneIndex)
	if err != nil {
		return err
	}
	z, err := r.zones.Get(cmd.ZoneIndex)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case core.CmdPlay:
		switch {
		case cmd.URL != "":
			return mgr.PlayURL(ctx, cmd.URL)
		case cmd.Playlist > 0 && cmd.Track > 0:
			return mgr.PlayFromPlaylist(ctx, cmd.Playlist, cmd.Track)
		case cmd.Playlist > 0:
			return mgr.PlayFromPlaylist(ctx, cmd.Playlist, 1)
		case cmd.Track > 0:
			return mgr.SetTrack(ctx, cmd.Track)
		default:
			return mgr.Play(ctx)
		}
	case core.CmdPause:
		return mgr.Pause(ctx)
	case core.CmdStop:
		return mgr.Stop(ctx)

	case core.CmdSetZoneVolume:
		return r.snap.SetZoneVolume(ctx, cmd.ZoneIndex, core.ClampVolume(cmd.Value))
	case core.CmdVolumeUp:
		return r.snap.SetZoneVolume(ctx, cmd.ZoneIndex, core.ClampVolume(z.Volume+step(cmd.Value)))
	case core.CmdVolumeDown:
		return r.snap.SetZoneVolume(ctx, cmd.ZoneIndex, core.ClampVolume(z.Volume-step(cmd.Value)))
	case core.CmdSetZoneMute:
		return r.snap.SetZoneMute(ctx, cmd.ZoneIndex, cmd.Flag)
	case core.CmdToggleZoneMute:
		return r.snap.SetZoneMute(ctx, cmd.ZoneIndex, !z.Mute)

	case core.CmdSetTrack:
		return mgr.SetTrack(ctx, cmd.Track)
	case core.CmdNextTrack:
		return mgr.Next(ctx)
	case core.CmdPreviousTrack:
		return mgr.Previous(ctx)
	case core.CmdSetTrackRepeat:
		return mgr.SetTrackRepeat(cmd.Flag)
	case core.CmdToggleTrackRepeat:
		_, err := mgr.ToggleTrackRepeat()
		return err
	case core.CmdSeekPosition:
		return mgr.Seek(ctx, cmd.Position)
	case core.CmdPlayTrackFromPlaylist:
		return mgr.PlayFromPlaylist(ctx, cmd.Playlist, cmd.Track)

	case core.CmdSetPlaylist:
		return mgr.SetPlaylist(ctx, cmd.Playlist)
	case core.CmdNextPlaylist:
		return mgr.SetPlaylist(ctx, r.neighborPlaylist(z.PlaylistIndex, +1))
	case core.CmdPreviousPlaylist:
		return mgr.SetPlaylist(ctx, r.neighborPlaylist(z.PlaylistIndex, -1))
	case core.CmdSetPlaylistRepeat:
		return mgr.SetPlaylistRepeat(cmd.Flag)
	case core.CmdTogglePlaylistRepeat:
		_, err := mgr.TogglePlaylistRepeat()
		return err
	case core.CmdSetPlaylistShuffle:
		return mgr.SetShuffle(cmd.Flag)
	case core.CmdTogglePlaylistShuffle:
		_, err := mgr.ToggleShuffle()
		return err
	}
	return apperrors.NewValidationError(fmt.Sprintf("unknown command kind %q", cmd.Kind), nil)
}

func (r *Router) executeClient(ctx context.Context, cmd core.Command) error {
	c, err := r.clients.Get(cmd.ClientIndex)
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case core.CmdSetClientVolume:
		return r.snap.SetClientVolume(ctx, cmd.ClientIndex, core.ClampVolume(cmd.Value))
	case core.CmdClientVolumeUp:
		return r.snap.SetClientVolume(ctx, cmd.ClientIndex, core.ClampVolume(c.Volume+step(cmd.Value)))
	case core.CmdClientVolumeDown:
		return r.snap.SetClientVolume(ctx, cmd.ClientIndex, core.ClampVolume(c.Volume-step(cmd.Value)))
	case core.CmdSetClientMute:
		return r.snap.SetClientMute(ctx, cmd.ClientIndex, cmd.Flag)
	case core.CmdToggleClientMute:
		return r.snap.SetClientMute(ctx, cmd.ClientIndex, !c.Mute)

	case core.CmdSetClientLatency:
		return r.snap.SetClientLatency(ctx, cmd.ClientIndex, core.ClampLatency(cmd.Value))
	case core.CmdAssignClientToZone:
		if _, err := r.zones.Get(cmd.Value); err != nil {
			return err
		}
		return r.snap.AssignClientToZone(ctx, cmd.ClientIndex, cmd.Value)
	case core.CmdSetClientName:
		if cmd.Name == "" {
			return apperrors.NewValidationError("client name must not be empty", nil)
		}
		return r.snap.SetClientName(ctx, cmd.ClientIndex, cmd.Name)
	}
	return apperrors.NewValidationError(fmt.Sprintf("unknown command kind %q", cmd.Kind), nil)
}

// neighborPlaylist steps through the playlist catalog, clamping at both
// ends so navigating past a bound re-selects the boundary playlist.
func (r *Router) neighborPlaylist(current, stepDir int) int {
	count := len(r.media.Playlists())
	next := current + stepDir
	if current == 0 { // nothing selected yet
		next = 1
	}
	if next < 1 {
		next = 1
	}
	if next > count {
		next = count
	}
	return next
}

// step returns the explicit step value or the default volume step.
func step(value int) int {
	if value > 0 {
		return value
	}
	return core.VolumeStep
}
