// Package core holds the immutable domain snapshots shared by the stores,
// handlers, and adapters. Everything here is a value type; adapters never
// receive references into a store.
package core

import "time"

// PlaybackState is the per-zone playback state machine state.
type PlaybackState string

const (
	PlaybackStopped   PlaybackState = "stopped"
	PlaybackPlaying   PlaybackState = "playing"
	PlaybackPaused    PlaybackState = "paused"
	PlaybackBuffering PlaybackState = "buffering"
)

// SourceTag identifies where a playlist or track came from.
type SourceTag string

const (
	SourceRadio    SourceTag = "radio"
	SourceSubsonic SourceTag = "subsonic"
)

// Track is an immutable media reference produced by the resolver.
type Track struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist,omitempty"`
	Album      string    `json:"album,omitempty"`
	DurationMS *int64    `json:"durationMs,omitempty"` // nil for live streams
	StreamURL  string    `json:"-"`                    // never serialized to the outside
	CoverURL   string    `json:"coverUrl,omitempty"`
	Source     SourceTag `json:"source"`
}

// Playlist is an ordered, immutable track collection. Index 1 is the
// synthetic radio playlist; indices >= 2 are Subsonic-backed.
type Playlist struct {
	Index           int       `json:"index"`
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Tracks          []Track   `json:"tracks,omitempty"`
	Source          SourceTag `json:"source"`
	TotalDurationMS *int64    `json:"totalDurationMs,omitempty"`
	CoverURL        string    `json:"coverUrl,omitempty"`
}

// TrackCount is nil-safe len over the playlist's tracks.
func (p Playlist) TrackCount() int { return len(p.Tracks) }

// ZoneState is the authoritative snapshot of one zone.
type ZoneState struct {
	Index           int           `json:"index"`
	Name            string        `json:"name"`
	Playback        PlaybackState `json:"playback"`
	Volume          int           `json:"volume"`
	Mute            bool          `json:"mute"`
	TrackRepeat     bool          `json:"trackRepeat"`
	PlaylistRepeat  bool          `json:"playlistRepeat"`
	Shuffle         bool          `json:"shuffle"`
	PlaylistIndex   int           `json:"playlistIndex"` // 1-based, 0 = none selected
	TrackIndex      int           `json:"trackIndex"`    // 1-based within playlist, 0 = none
	Track           *Track        `json:"track,omitempty"`
	PositionMS      int64         `json:"positionMs"`
	SnapcastGroupID string        `json:"-"`
	StreamID        string        `json:"-"`
	ClientIndices   []int         `json:"clients"`
}

// WithClients returns a copy with its own client index slice so snapshots
// never alias store-owned memory.
func (z ZoneState) WithClients(indices []int) ZoneState {
	z.ClientIndices = append([]int(nil), indices...)
	return z
}

// ClientState is the authoritative snapshot of one speaker client.
type ClientState struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	MAC        string `json:"mac"`
	Connected  bool   `json:"connected"`
	Volume     int    `json:"volume"`
	Mute       bool   `json:"mute"`
	LatencyMS  int    `json:"latencyMs"`
	ZoneIndex  int    `json:"zoneIndex"`
	SnapcastID string `json:"-"`
}

// ErrorInfo is the last-error record carried in GlobalState.
type ErrorInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
}

// ServerStats is a sampled process statistics snapshot.
type ServerStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryRSS  uint64  `json:"memoryRss"`
	UptimeMS   int64   `json:"uptimeMs"`
}

// GlobalState is the process-wide status snapshot.
type GlobalState struct {
	Version        string      `json:"version"`
	BuildTimestamp string      `json:"buildTimestamp"`
	Online         bool        `json:"online"`
	LastError      *ErrorInfo  `json:"lastError,omitempty"`
	Stats          ServerStats `json:"stats"`
}

// VolumeStep is the default increment for volume up/down commands.
const VolumeStep = 5

// ClampVolume clamps a volume into [0,100]. Step and set operations clamp,
// they never reject.
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampLatency clamps a latency into [-2000,2000] ms.
func ClampLatency(ms int) int {
	if ms < -2000 {
		return -2000
	}
	if ms > 2000 {
		return 2000
	}
	return ms
}
