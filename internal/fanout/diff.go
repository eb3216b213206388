package fanout

import (
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

// Diff projects a store change onto the status kinds whose projection of
// (old, new) differs under that kind's equality rule. Volume uses integer
// equality, track metadata field-by-field equality, track progress
// integer-second equality.
func Diff(change state.Change) []core.StatusEvent {
	switch c := change.(type) {
	case state.ZoneChange:
		return diffZone(c)
	case state.ClientChange:
		return diffClient(c)
	case state.GlobalChange:
		return diffGlobal(c)
	}
	return nil
}

func diffZone(c state.ZoneChange) []core.StatusEvent {
	var events []core.StatusEvent
	emit := func(kind core.StatusKind, payload any) {
		events = append(events, core.StatusEvent{
			Kind: kind, TargetIndex: c.Index, Payload: payload, Version: c.Version,
		})
	}

	if c.Old.Volume != c.New.Volume {
		emit(core.StatusVolume, c.New.Volume)
	}
	if c.Old.Mute != c.New.Mute {
		emit(core.StatusMute, c.New.Mute)
	}
	if c.Old.Playback != c.New.Playback {
		emit(core.StatusPlaybackState, string(c.New.Playback))
	}
	if !core.TrackEqual(c.Old.Track, c.New.Track) || c.Old.TrackIndex != c.New.TrackIndex {
		emit(core.StatusTrackMetadata, core.TrackMetadataPayload{
			PlaylistIndex: c.New.PlaylistIndex,
			TrackIndex:    c.New.TrackIndex,
			Track:         c.New.Track,
		})
	}
	if c.Old.PositionMS/1000 != c.New.PositionMS/1000 {
		emit(core.StatusTrackProgress, c.New.PositionMS)
	}
	if c.Old.PlaylistIndex != c.New.PlaylistIndex {
		emit(core.StatusPlaylist, core.PlaylistPayload{PlaylistIndex: c.New.PlaylistIndex})
	}
	if c.Old.TrackRepeat != c.New.TrackRepeat || c.Old.PlaylistRepeat != c.New.PlaylistRepeat {
		emit(core.StatusRepeat, core.RepeatPayload{
			TrackRepeat:    c.New.TrackRepeat,
			PlaylistRepeat: c.New.PlaylistRepeat,
		})
	}
	if c.Old.Shuffle != c.New.Shuffle {
		emit(core.StatusShuffle, c.New.Shuffle)
	}
	return events
}

func diffClient(c state.ClientChange) []core.StatusEvent {
	var events []core.StatusEvent
	emit := func(kind core.StatusKind, payload any) {
		events = append(events, core.StatusEvent{
			Kind: kind, TargetIndex: c.Index, Payload: payload, Version: c.Version,
		})
	}

	if c.Old.Volume != c.New.Volume {
		emit(core.StatusClientVolume, c.New.Volume)
	}
	if c.Old.Mute != c.New.Mute {
		emit(core.StatusClientMute, c.New.Mute)
	}
	if c.Old.LatencyMS != c.New.LatencyMS {
		emit(core.StatusClientLatency, c.New.LatencyMS)
	}
	if c.Old.ZoneIndex != c.New.ZoneIndex {
		emit(core.StatusClientZone, c.New.ZoneIndex)
	}
	if c.Old.Connected != c.New.Connected {
		emit(core.StatusClientConnected, c.New.Connected)
	}
	return events
}

func diffGlobal(c state.GlobalChange) []core.StatusEvent {
	var events []core.StatusEvent
	emit := func(kind core.StatusKind, payload any) {
		events = append(events, core.StatusEvent{
			Kind: kind, TargetIndex: 0, Payload: payload, Version: c.Version,
		})
	}

	if c.Old.Online != c.New.Online {
		emit(core.StatusSystem, onlineString(c.New.Online))
	}
	if c.Old.Stats != c.New.Stats {
		emit(core.StatusServerStats, c.New.Stats)
	}
	if errorChanged(c.Old.LastError, c.New.LastError) && c.New.LastError != nil {
		emit(core.StatusSystemError, *c.New.LastError)
	}
	if c.Old.Version != c.New.Version || c.Old.BuildTimestamp != c.New.BuildTimestamp {
		emit(core.StatusVersionInfo, core.VersionPayload{
			Version:        c.New.Version,
			BuildTimestamp: c.New.BuildTimestamp,
		})
	}
	return events
}

func errorChanged(old, next *core.ErrorInfo) bool {
	if old == nil || next == nil {
		return old != next
	}
	return *old != *next
}
