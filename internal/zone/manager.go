// Package zone implements the per-zone playback engine: the state
// machine over stopped/playing/paused/buffering, track ordering with
// repeat and shuffle, and the extrapolated playback position timer.
package zone

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

// AudioController is the slice of the Snapcast service the playback
// engine drives. Pause is realized as group mute, so mute control
// belongs here alongside stream routing.
type AudioController interface {
	EnsureStreamForURL(ctx context.Context, url string) (string, error)
	SetZoneStream(ctx context.Context, zoneIndex int, streamID string) error
	SetZoneMute(ctx context.Context, zoneIndex int, mute bool) error
	StreamActive(streamID string) bool
}

// MediaSource resolves playlist and track indices to playable media.
type MediaSource interface {
	Playlist(index int) (core.Playlist, error)
	Track(playlistIndex, trackIndex int) (core.Track, error)
	StreamURLAt(track core.Track, positionMS int64) (string, error)
}

const positionTickInterval = time.Second

// Manager owns playback for a single zone. All public operations take
// the manager lock, so playback transitions serialize per zone while
// zones stay independent of each other.
type Manager struct {
	index  int
	zones  *state.ZoneStore
	audio  AudioController
	media  MediaSource
	clock  core.Clock
	logger zerolog.Logger
	rng    *rand.Rand

	mu       sync.Mutex
	playlist core.Playlist
	perm     []int // shuffle order of 1-based track indices, nil when not shuffling
	anchorMS int64
	anchorAt time.Time // zero while position is frozen

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(index int, zones *state.ZoneStore, audio AudioController, media MediaSource, clock core.Clock) *Manager {
	return &Manager{
		index:  index,
		zones:  zones,
		audio:  audio,
		media:  media,
		clock:  clock,
		logger: applog.Component("zone").With().Int("zone", index).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(index))),
	}
}

// Start launches the position timer loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ticks, stop := m.clock.Tick(positionTickInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				m.tick(ctx)
			}
		}
	}()
}

// Close shuts down the progress ticker. The playback Stop operation is
// separate; closing does not touch zone state.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) mutate(fn func(core.ZoneState) core.ZoneState) error {
	_, _, err := m.zones.Mutate(m.index, fn)
	return err
}

func (m *Manager) snapshot() (core.ZoneState, error) {
	return m.zones.Get(m.index)
}

// SetPlaylist stops playback and moves the cursor to the first track of
// the playlist in play order. It never auto-plays; a following Play
// starts the selected track.
func (m *Manager) SetPlaylist(ctx context.Context, playlistIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl, err := m.media.Playlist(playlistIndex)
	if err != nil {
		return err
	}
	if pl.TrackCount() == 0 {
		return apperrors.NewInvalidOperationError(fmt.Sprintf("playlist %d is empty", playlistIndex))
	}
	m.playlist = pl

	z, err := m.snapshot()
	if err != nil {
		return err
	}
	if z.Shuffle {
		m.perm = m.rng.Perm(pl.TrackCount())
		for i := range m.perm {
			m.perm[i]++ // track indices are 1-based
		}
	} else {
		m.perm = nil
	}

	if err := m.stopLocked(ctx); err != nil {
		return err
	}
	first := m.playOrder()[0]
	track := pl.Tracks[first-1]
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.PlaylistIndex = pl.Index
		z.TrackIndex = first
		z.Track = &track
		z.PositionMS = 0
		return z
	})
}

// PlayFromPlaylist loads a playlist and starts a specific track of it
// in one transition.
func (m *Manager) PlayFromPlaylist(ctx context.Context, playlistIndex, trackIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pl, err := m.media.Playlist(playlistIndex)
	if err != nil {
		return err
	}
	if trackIndex < 1 || trackIndex > pl.TrackCount() {
		return apperrors.NewNotFoundIndex("track", trackIndex)
	}
	m.playlist = pl
	if z, err := m.snapshot(); err == nil && z.Shuffle {
		m.reshuffleLocked()
	} else {
		m.perm = nil
	}
	return m.startTrack(ctx, trackIndex, 0)
}

// SetTrack jumps to a track of the currently selected playlist.
func (m *Manager) SetTrack(ctx context.Context, trackIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensurePlaylistLoaded(); err != nil {
		return err
	}
	if trackIndex < 1 || trackIndex > m.playlist.TrackCount() {
		return apperrors.NewNotFoundIndex("track", trackIndex)
	}
	return m.startTrack(ctx, trackIndex, 0)
}

// PlayURL plays an ad-hoc stream URL outside any playlist.
func (m *Manager) PlayURL(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return apperrors.NewValidationError("url must not be empty", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.playlist = core.Playlist{}
	m.perm = nil
	track := core.Track{
		ID:        "url",
		Title:     rawURL,
		StreamURL: rawURL,
		Source:    core.SourceRadio,
	}
	return m.startResolvedTrack(ctx, 0, 0, track, 0)
}

// Play starts or resumes playback. Resuming from pause lifts the group
// mute and restarts the position anchor; calling Play while already
// playing or buffering is a no-op.
func (m *Manager) Play(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, err := m.snapshot()
	if err != nil {
		return err
	}
	switch z.Playback {
	case core.PlaybackPlaying, core.PlaybackBuffering:
		return nil
	case core.PlaybackPaused:
		if err := m.audio.SetZoneMute(ctx, m.index, false); err != nil {
			return err
		}
		m.anchorAt = m.clock.Now()
		return m.mutate(func(z core.ZoneState) core.ZoneState {
			z.Playback = core.PlaybackPlaying
			return z
		})
	default: // stopped
		if z.Track == nil {
			if err := m.ensurePlaylistLoaded(); err != nil {
				return apperrors.NewInvalidOperationError("nothing selected to play")
			}
			return m.startTrack(ctx, m.playOrder()[0], 0)
		}
		return m.startResolvedTrack(ctx, z.PlaylistIndex, z.TrackIndex, *z.Track, 0)
	}
}

// Pause freezes playback. It is realized as a group mute on Snapcast:
// the stream keeps running upstream while the zone goes silent and the
// position anchor stops advancing. Pausing while not playing is a
// no-op for paused and an invalid operation for stopped.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, err := m.snapshot()
	if err != nil {
		return err
	}
	switch z.Playback {
	case core.PlaybackPaused:
		return nil
	case core.PlaybackStopped:
		return apperrors.NewInvalidOperationError("zone is not playing")
	}

	m.freezePosition()
	if err := m.audio.SetZoneMute(ctx, m.index, true); err != nil {
		return err
	}
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.Playback = core.PlaybackPaused
		z.PositionMS = m.anchorMS
		return z
	})
}

// Stop halts playback and rewinds the position. The track selection is
// kept so Play restarts the same track. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	z, err := m.snapshot()
	if err != nil {
		return err
	}
	if z.Playback == core.PlaybackStopped {
		return nil
	}
	// A stop while pause-muted lifts the mute so the next Play is audible.
	if z.Playback == core.PlaybackPaused {
		if err := m.audio.SetZoneMute(ctx, m.index, false); err != nil {
			return err
		}
	}
	m.anchorMS = 0
	m.anchorAt = time.Time{}
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.Playback = core.PlaybackStopped
		z.PositionMS = 0
		return z
	})
}

// Next advances to the next track in play order. Past the last track it
// wraps when playlist repeat is on (reshuffling the order) and stops
// otherwise.
func (m *Manager) Next(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(ctx, +1)
}

// Previous steps back one track in play order; at the first track it
// restarts the current one.
func (m *Manager) Previous(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(ctx, -1)
}

func (m *Manager) advanceLocked(ctx context.Context, step int) error {
	if err := m.ensurePlaylistLoaded(); err != nil {
		return err
	}
	z, err := m.snapshot()
	if err != nil {
		return err
	}
	order := m.playOrder()
	pos := indexOf(order, z.TrackIndex)
	if pos < 0 {
		pos = 0
	}
	next := pos + step
	switch {
	case next < 0:
		next = 0 // restart first track
	case next >= len(order):
		if !z.PlaylistRepeat {
			return m.stopLocked(ctx)
		}
		if z.Shuffle {
			m.reshuffleLocked()
			order = m.playOrder()
		}
		next = 0
	}
	return m.startTrack(ctx, order[next], 0)
}

// Seek moves the playback position within the current track. Positions
// are clamped to the track duration; live radio streams cannot seek.
func (m *Manager) Seek(ctx context.Context, positionMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seekLocked(ctx, func(int64) int64 { return positionMS })
}

// SeekProgress seeks to a fraction of the track duration, given in
// percent and clamped to [0,100].
func (m *Manager) SeekProgress(ctx context.Context, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return m.seekLocked(ctx, func(durationMS int64) int64 {
		return durationMS * int64(percent) / 100
	})
}

func (m *Manager) seekLocked(ctx context.Context, target func(durationMS int64) int64) error {
	z, err := m.snapshot()
	if err != nil {
		return err
	}
	if z.Track == nil {
		return apperrors.NewInvalidOperationError("no track selected")
	}
	if z.Track.Source == core.SourceRadio || z.Track.DurationMS == nil {
		return apperrors.NewInvalidOperationError("seek is not supported on live streams")
	}
	positionMS := target(*z.Track.DurationMS)
	if positionMS < 0 {
		positionMS = 0
	}
	if positionMS > *z.Track.DurationMS {
		positionMS = *z.Track.DurationMS
	}
	return m.startResolvedTrack(ctx, z.PlaylistIndex, z.TrackIndex, *z.Track, positionMS)
}

// SetTrackRepeat and SetPlaylistRepeat are plain state flags read at
// track-end time.
func (m *Manager) SetTrackRepeat(flag bool) error {
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.TrackRepeat = flag
		return z
	})
}

func (m *Manager) SetPlaylistRepeat(flag bool) error {
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.PlaylistRepeat = flag
		return z
	})
}

// SetShuffle toggles shuffle. Enabling fixes a fresh permutation with
// the current track first, so the running track keeps its place in the
// new order; disabling returns to playlist order.
func (m *Manager) SetShuffle(flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag && m.playlist.TrackCount() > 0 {
		m.reshuffleLocked()
	} else if !flag {
		m.perm = nil
	}
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.Shuffle = flag
		return z
	})
}

// ToggleTrackRepeat, TogglePlaylistRepeat and ToggleShuffle flip the
// corresponding flag and report the new value.
func (m *Manager) ToggleTrackRepeat() (bool, error) {
	z, err := m.snapshot()
	if err != nil {
		return false, err
	}
	return !z.TrackRepeat, m.SetTrackRepeat(!z.TrackRepeat)
}

func (m *Manager) TogglePlaylistRepeat() (bool, error) {
	z, err := m.snapshot()
	if err != nil {
		return false, err
	}
	return !z.PlaylistRepeat, m.SetPlaylistRepeat(!z.PlaylistRepeat)
}

func (m *Manager) ToggleShuffle() (bool, error) {
	z, err := m.snapshot()
	if err != nil {
		return false, err
	}
	return !z.Shuffle, m.SetShuffle(!z.Shuffle)
}

// HandleStreamActive is called when Snapcast reports a stream as
// playing. A zone buffering on that stream transitions to playing and
// its position anchor starts.
func (m *Manager) HandleStreamActive(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, err := m.snapshot()
	if err != nil {
		return
	}
	if z.Playback != core.PlaybackBuffering || z.StreamID != streamID {
		return
	}
	m.anchorAt = m.clock.Now()
	_ = m.mutate(func(z core.ZoneState) core.ZoneState {
		z.Playback = core.PlaybackPlaying
		return z
	})
}

// startTrack resolves a track of the loaded playlist and routes it.
func (m *Manager) startTrack(ctx context.Context, trackIndex int, positionMS int64) error {
	track := m.playlist.Tracks[trackIndex-1]
	return m.startResolvedTrack(ctx, m.playlist.Index, trackIndex, track, positionMS)
}

// startResolvedTrack is the single path onto Snapcast: it signs the
// stream URL, ensures a stream for it, routes the zone's group and
// moves the zone to buffering. The zone leaves buffering when the
// stream reports active, or immediately if it already is.
func (m *Manager) startResolvedTrack(ctx context.Context, playlistIndex, trackIndex int, track core.Track, positionMS int64) error {
	url, err := m.media.StreamURLAt(track, positionMS)
	if err != nil {
		return err
	}
	streamID, err := m.audio.EnsureStreamForURL(ctx, url)
	if err != nil {
		return err
	}
	if err := m.audio.SetZoneStream(ctx, m.index, streamID); err != nil {
		return err
	}

	m.anchorMS = positionMS
	m.anchorAt = time.Time{}
	playback := core.PlaybackBuffering
	if m.audio.StreamActive(streamID) {
		playback = core.PlaybackPlaying
		m.anchorAt = m.clock.Now()
	}
	trackCopy := track
	return m.mutate(func(z core.ZoneState) core.ZoneState {
		z.Playback = playback
		z.PlaylistIndex = playlistIndex
		z.TrackIndex = trackIndex
		z.Track = &trackCopy
		z.PositionMS = positionMS
		z.StreamID = streamID
		return z
	})
}

// tick extrapolates the playback position once per interval and
// synthesizes track end when the position reaches the duration. Live
// streams have no duration and never end on their own.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, err := m.snapshot()
	if err != nil {
		return
	}
	if z.Playback != core.PlaybackPlaying || z.Track == nil || m.anchorAt.IsZero() {
		return
	}
	// Live streams carry no position.
	if z.Track.DurationMS == nil {
		return
	}
	pos := m.anchorMS + m.clock.Now().Sub(m.anchorAt).Milliseconds()
	ended := z.Track.DurationMS != nil && pos >= *z.Track.DurationMS
	if ended {
		pos = *z.Track.DurationMS
	}
	_ = m.mutate(func(z core.ZoneState) core.ZoneState {
		z.PositionMS = pos
		return z
	})
	if ended {
		if err := m.onTrackEndedLocked(ctx, z); err != nil {
			m.logger.Warn().Err(err).Msg("track-end advance failed")
		}
	}
}

// onTrackEndedLocked decides what follows a finished track: the same
// track again under track repeat, otherwise the next in play order.
func (m *Manager) onTrackEndedLocked(ctx context.Context, z core.ZoneState) error {
	if z.TrackRepeat {
		return m.startResolvedTrack(ctx, z.PlaylistIndex, z.TrackIndex, *z.Track, 0)
	}
	return m.advanceLocked2(ctx, z)
}

// advanceLocked2 is the track-end variant of advanceLocked: it reuses
// the already-held snapshot instead of re-reading the store.
func (m *Manager) advanceLocked2(ctx context.Context, z core.ZoneState) error {
	if m.playlist.TrackCount() == 0 {
		return m.stopLocked(ctx)
	}
	order := m.playOrder()
	pos := indexOf(order, z.TrackIndex)
	next := pos + 1
	if next >= len(order) {
		if !z.PlaylistRepeat {
			return m.stopLocked(ctx)
		}
		if z.Shuffle {
			m.reshuffleLocked()
			order = m.playOrder()
		}
		next = 0
	}
	return m.startTrack(ctx, order[next], 0)
}

func (m *Manager) freezePosition() {
	if !m.anchorAt.IsZero() {
		m.anchorMS += m.clock.Now().Sub(m.anchorAt).Milliseconds()
		m.anchorAt = time.Time{}
	}
}

func (m *Manager) ensurePlaylistLoaded() error {
	if m.playlist.TrackCount() == 0 {
		return apperrors.NewInvalidOperationError("no playlist selected")
	}
	return nil
}

// playOrder is the 1-based track sequence: the shuffle permutation when
// one is fixed, playlist order otherwise.
func (m *Manager) playOrder() []int {
	if len(m.perm) == m.playlist.TrackCount() && len(m.perm) > 0 {
		return m.perm
	}
	order := make([]int, m.playlist.TrackCount())
	for i := range order {
		order[i] = i + 1
	}
	return order
}

// reshuffleLocked fixes a new permutation, keeping the current track in
// front so the order change never skips or repeats it.
func (m *Manager) reshuffleLocked() {
	n := m.playlist.TrackCount()
	if n == 0 {
		m.perm = nil
		return
	}
	perm := m.rng.Perm(n)
	for i := range perm {
		perm[i]++
	}
	if z, err := m.snapshot(); err == nil && z.TrackIndex >= 1 {
		if at := indexOf(perm, z.TrackIndex); at > 0 {
			perm[0], perm[at] = perm[at], perm[0]
		}
	}
	m.perm = perm
}

func indexOf(order []int, value int) int {
	for i, v := range order {
		if v == value {
			return i
		}
	}
	return -1
}
