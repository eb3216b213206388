package zone

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

// fakeAudio records stream routing and mute calls and lets tests decide
// when a stream reports active.
type fakeAudio struct {
	mu       sync.Mutex
	active   map[string]bool
	streams  []string // EnsureStreamForURL calls, in order
	routed   []string // SetZoneStream stream IDs, in order
	mutes    []bool
	alwaysOn bool // treat every stream as immediately active
}

func newFakeAudio(alwaysOn bool) *fakeAudio {
	return &fakeAudio{active: map[string]bool{}, alwaysOn: alwaysOn}
}

func (f *fakeAudio) EnsureStreamForURL(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, url)
	return "stream-" + fmt.Sprint(len(f.streams)), nil
}

func (f *fakeAudio) SetZoneStream(_ context.Context, _ int, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, streamID)
	return nil
}

func (f *fakeAudio) SetZoneMute(_ context.Context, _ int, mute bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes = append(f.mutes, mute)
	return nil
}

func (f *fakeAudio) StreamActive(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alwaysOn || f.active[streamID]
}

func (f *fakeAudio) lastRouted() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.routed) == 0 {
		return ""
	}
	return f.routed[len(f.routed)-1]
}

func (f *fakeAudio) muteCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.mutes...)
}

// fakeMedia serves one four-track playlist plus the radio playlist.
type fakeMedia struct{}

func durMS(sec int) *int64 {
	v := int64(sec) * 1000
	return &v
}

func (fakeMedia) Playlist(index int) (core.Playlist, error) {
	switch index {
	case 1:
		return core.Playlist{
			Index: 1, ID: "radio", Name: "Radio", Source: core.SourceRadio,
			Tracks: []core.Track{
				{ID: "radio-1", Title: "Jazz", StreamURL: "http://radio/jazz", Source: core.SourceRadio},
			},
		}, nil
	case 2:
		tracks := make([]core.Track, 4)
		for i := range tracks {
			tracks[i] = core.Track{
				ID:         fmt.Sprintf("song-%d", i+1),
				Title:      fmt.Sprintf("Track %d", i+1),
				DurationMS: durMS(10),
				StreamURL:  fmt.Sprintf("http://subsonic/stream/song-%d", i+1),
				Source:     core.SourceSubsonic,
			}
		}
		return core.Playlist{Index: 2, ID: "pl", Name: "Mix", Source: core.SourceSubsonic, Tracks: tracks}, nil
	default:
		return core.Playlist{}, apperrors.NewNotFoundIndex("playlist", index)
	}
}

func (f fakeMedia) Track(playlistIndex, trackIndex int) (core.Track, error) {
	pl, err := f.Playlist(playlistIndex)
	if err != nil {
		return core.Track{}, err
	}
	if trackIndex < 1 || trackIndex > pl.TrackCount() {
		return core.Track{}, apperrors.NewNotFoundIndex("track", trackIndex)
	}
	return pl.Tracks[trackIndex-1], nil
}

func (fakeMedia) StreamURLAt(track core.Track, positionMS int64) (string, error) {
	if track.Source == core.SourceRadio {
		if positionMS != 0 {
			return "", apperrors.NewInvalidOperationError("seek is not supported on radio streams")
		}
		return track.StreamURL, nil
	}
	if positionMS > 0 {
		return fmt.Sprintf("%s?timeOffset=%d", track.StreamURL, positionMS/1000), nil
	}
	return track.StreamURL, nil
}

func newTestManager(t *testing.T, activeImmediately bool) (*Manager, *fakeAudio, *state.ZoneStore, *core.ManualClock) {
	t.Helper()
	bus := state.NewBus()
	zones := state.NewZoneStore(bus, []core.ZoneState{
		{Index: 1, Name: "Living Room", Playback: core.PlaybackStopped, Volume: 50},
	})
	audio := newFakeAudio(activeImmediately)
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	m := NewManager(1, zones, audio, fakeMedia{}, clock)
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m, audio, zones, clock
}

func zoneState(t *testing.T, zones *state.ZoneStore) core.ZoneState {
	t.Helper()
	z, err := zones.Get(1)
	require.NoError(t, err)
	return z
}

func TestSetPlaylist_SetsCursorWithoutAutoPlay(t *testing.T) {
	m, audio, zones, _ := newTestManager(t, false)

	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	z := zoneState(t, zones)
	require.Equal(t, core.PlaybackStopped, z.Playback)
	require.Equal(t, 2, z.PlaylistIndex)
	require.Equal(t, 1, z.TrackIndex)
	require.Equal(t, "song-1", z.Track.ID)
	require.Equal(t, int64(0), z.PositionMS)
	// Nothing touched Snapcast yet.
	require.Empty(t, audio.lastRouted())
}

func TestSetPlaylist_WhilePlayingStopsPlayback(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.Play(ctx))
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)

	require.NoError(t, m.SetPlaylist(ctx, 1))
	z := zoneState(t, zones)
	require.Equal(t, core.PlaybackStopped, z.Playback)
	require.Equal(t, 1, z.PlaylistIndex)
	require.Equal(t, "radio-1", z.Track.ID)
}

func TestPlay_AfterSetPlaylistBuffersThenPlays(t *testing.T) {
	m, audio, zones, _ := newTestManager(t, false)
	ctx := context.Background()

	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.Play(ctx))
	z := zoneState(t, zones)
	require.Equal(t, core.PlaybackBuffering, z.Playback)
	require.Equal(t, audio.lastRouted(), z.StreamID)

	// The stream-active signal flips buffering to playing.
	m.HandleStreamActive(z.StreamID)
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)
}

func TestHandleStreamActive_IgnoresOtherStreams(t *testing.T) {
	m, _, zones, _ := newTestManager(t, false)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))

	m.HandleStreamActive("some-other-stream")
	require.Equal(t, core.PlaybackBuffering, zoneState(t, zones).Playback)
}

func TestPositionAdvancesWithClock(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).PositionMS == 1000
	}, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).PositionMS == 3000
	}, time.Second, 5*time.Millisecond)
}

func TestTrackEnd_AdvancesToNextTrack(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))

	// Tracks are 10s long; run past the end of track 1.
	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		z := zoneState(t, zones)
		return z.TrackIndex == 2 && z.PositionMS == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)
}

func TestTrackEnd_TrackRepeatReplaysSameTrack(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))
	require.NoError(t, m.SetTrackRepeat(true))

	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		z := zoneState(t, zones)
		return z.TrackIndex == 1 && z.PositionMS == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTrackEnd_LastTrackWithoutRepeatStops(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.SetTrack(context.Background(), 4))

	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).Playback == core.PlaybackStopped
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(0), zoneState(t, zones).PositionMS)
}

func TestTrackEnd_PlaylistRepeatWrapsToFirst(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.SetPlaylistRepeat(true))
	require.NoError(t, m.SetTrack(context.Background(), 4))

	clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).TrackIndex == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)
}

func TestRadioTrack_NeverEndsAndCannotSeek(t *testing.T) {
	m, _, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 1))
	require.NoError(t, m.Play(context.Background()))

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	z := zoneState(t, zones)
	require.Equal(t, core.PlaybackPlaying, z.Playback)
	require.Equal(t, 1, z.TrackIndex)
	require.Nil(t, z.Track.DurationMS)

	err := m.Seek(context.Background(), 5000)
	require.Equal(t, apperrors.ErrorCodeInvalidOperation, apperrors.EnsureAppError(err).Code)
}

func TestPauseAndResume_FreezePositionAndUseGroupMute(t *testing.T) {
	m, audio, zones, clock := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).PositionMS == 3000
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Pause(context.Background()))
	require.Equal(t, core.PlaybackPaused, zoneState(t, zones).Playback)
	require.Equal(t, []bool{true}, audio.muteCalls())

	// While paused the position does not advance.
	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(3000), zoneState(t, zones).PositionMS)

	require.NoError(t, m.Play(context.Background()))
	require.Equal(t, core.PlaybackPlaying, zoneState(t, zones).Playback)
	require.Equal(t, []bool{true, false}, audio.muteCalls())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return zoneState(t, zones).PositionMS == 4000
	}, time.Second, 5*time.Millisecond)
}

func TestPause_WhenStoppedIsInvalid(t *testing.T) {
	m, _, _, _ := newTestManager(t, true)
	err := m.Pause(context.Background())
	require.Equal(t, apperrors.ErrorCodeInvalidOperation, apperrors.EnsureAppError(err).Code)
}

func TestPlayAndStop_AreIdempotent(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	require.NoError(t, m.SetPlaylist(context.Background(), 2))
	require.NoError(t, m.Play(context.Background()))
	v1 := zones.Version(1)

	// Play while playing changes nothing.
	require.NoError(t, m.Play(context.Background()))
	require.Equal(t, v1, zones.Version(1))

	require.NoError(t, m.Stop(context.Background()))
	v2 := zones.Version(1)
	require.NoError(t, m.Stop(context.Background()))
	require.Equal(t, v2, zones.Version(1))
}

func TestNextPrevious_WalkPlaylistOrder(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.Play(ctx))

	require.NoError(t, m.Next(ctx))
	require.Equal(t, 2, zoneState(t, zones).TrackIndex)
	require.NoError(t, m.Next(ctx))
	require.Equal(t, 3, zoneState(t, zones).TrackIndex)
	require.NoError(t, m.Previous(ctx))
	require.Equal(t, 2, zoneState(t, zones).TrackIndex)

	// Previous at the first track restarts it.
	require.NoError(t, m.Previous(ctx))
	require.NoError(t, m.Previous(ctx))
	require.Equal(t, 1, zoneState(t, zones).TrackIndex)
}

func TestNext_PastEndStopsWithoutRepeat(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.SetTrack(ctx, 4))

	require.NoError(t, m.Next(ctx))
	require.Equal(t, core.PlaybackStopped, zoneState(t, zones).Playback)
}

func TestNext_PastEndWrapsWithPlaylistRepeat(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.SetPlaylistRepeat(true))
	require.NoError(t, m.SetTrack(ctx, 4))

	require.NoError(t, m.Next(ctx))
	require.Equal(t, 1, zoneState(t, zones).TrackIndex)
}

func TestShuffle_VisitsEveryTrackOnce(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetShuffle(true))
	require.NoError(t, m.SetPlaylist(ctx, 2))

	seen := []int{zoneState(t, zones).TrackIndex}
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Next(ctx))
		seen = append(seen, zoneState(t, zones).TrackIndex)
	}
	sort.Ints(seen)
	require.Equal(t, []int{1, 2, 3, 4}, seen)
}

func TestSeek_ClampsToDurationAndReopensStream(t *testing.T) {
	m, audio, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.Play(ctx))

	require.NoError(t, m.Seek(ctx, 4000))
	require.Equal(t, int64(4000), zoneState(t, zones).PositionMS)

	// Past-duration positions clamp rather than fail.
	require.NoError(t, m.Seek(ctx, 99_000))
	require.Equal(t, int64(10_000), zoneState(t, zones).PositionMS)

	require.NoError(t, m.Seek(ctx, -5))
	require.Equal(t, int64(0), zoneState(t, zones).PositionMS)

	audio.mu.Lock()
	urls := append([]string(nil), audio.streams...)
	audio.mu.Unlock()
	require.Contains(t, urls[1], "timeOffset=4")
}

func TestSeekProgress_MapsPercentToPosition(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, m.SetPlaylist(ctx, 2))
	require.NoError(t, m.Play(ctx))

	require.NoError(t, m.SeekProgress(ctx, 50))
	require.Equal(t, int64(5000), zoneState(t, zones).PositionMS)

	require.NoError(t, m.SeekProgress(ctx, 150))
	require.Equal(t, int64(10_000), zoneState(t, zones).PositionMS)
}

func TestPlayURL_PlaysAdHocStream(t *testing.T) {
	m, audio, zones, _ := newTestManager(t, true)
	require.NoError(t, m.PlayURL(context.Background(), "http://radio.example/custom"))

	z := zoneState(t, zones)
	require.Equal(t, core.PlaybackPlaying, z.Playback)
	require.Equal(t, 0, z.PlaylistIndex)
	require.Equal(t, "http://radio.example/custom", z.Track.Title)
	require.NotEmpty(t, audio.lastRouted())
}

func TestPlay_WithNothingSelectedIsInvalid(t *testing.T) {
	m, _, _, _ := newTestManager(t, true)
	err := m.Play(context.Background())
	require.Equal(t, apperrors.ErrorCodeInvalidOperation, apperrors.EnsureAppError(err).Code)
}

func TestToggles_FlipAndReport(t *testing.T) {
	m, _, zones, _ := newTestManager(t, true)

	on, err := m.ToggleShuffle()
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, zoneState(t, zones).Shuffle)

	on, err = m.ToggleTrackRepeat()
	require.NoError(t, err)
	require.True(t, on)
	off, err := m.ToggleTrackRepeat()
	require.NoError(t, err)
	require.False(t, off)
	require.False(t, zoneState(t, zones).TrackRepeat)
}
