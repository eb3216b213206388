package core

// StatusKind enumerates every status the fan-out can emit. The set is
// closed; adapters switch over it exhaustively.
type StatusKind string

const (
	StatusVolume          StatusKind = "VOLUME_STATUS"
	StatusMute            StatusKind = "MUTE_STATUS"
	StatusPlaybackState   StatusKind = "PLAYBACK_STATE"
	StatusTrackMetadata   StatusKind = "TRACK_METADATA"
	StatusTrackProgress   StatusKind = "TRACK_PROGRESS_STATUS"
	StatusPlaylist        StatusKind = "PLAYLIST_STATUS"
	StatusRepeat          StatusKind = "REPEAT_STATUS"
	StatusShuffle         StatusKind = "SHUFFLE_STATUS"
	StatusClientVolume    StatusKind = "CLIENT_VOLUME_STATUS"
	StatusClientMute      StatusKind = "CLIENT_MUTE_STATUS"
	StatusClientLatency   StatusKind = "CLIENT_LATENCY_STATUS"
	StatusClientZone      StatusKind = "CLIENT_ZONE_STATUS"
	StatusClientConnected StatusKind = "CLIENT_CONNECTED"
	StatusSystem          StatusKind = "SYSTEM_STATUS"
	StatusServerStats     StatusKind = "SERVER_STATS"
	StatusSystemError     StatusKind = "SYSTEM_ERROR"
	StatusVersionInfo     StatusKind = "VERSION_INFO"
)

// StatusTarget says which entity family a kind describes.
type StatusTarget int

const (
	TargetZone StatusTarget = iota
	TargetClient
	TargetSystem
)

// statusInfo is the single table mapping a kind to its wire identifiers.
// One file owns this mapping; adapters look up by kind.
type statusInfo struct {
	Target StatusTarget
	// WireName is the identifier used on MQTT topic suffixes and as the
	// WebSocket message name.
	WireName string
	// Scalar kinds publish primitive-stringified MQTT payloads; composite
	// kinds publish JSON.
	Scalar bool
}

var statusTable = map[StatusKind]statusInfo{
	StatusVolume:          {TargetZone, "volume", true},
	StatusMute:            {TargetZone, "mute", true},
	StatusPlaybackState:   {TargetZone, "playback", true},
	StatusTrackMetadata:   {TargetZone, "track", false},
	StatusTrackProgress:   {TargetZone, "position", true},
	StatusPlaylist:        {TargetZone, "playlist", false},
	StatusRepeat:          {TargetZone, "repeat", false},
	StatusShuffle:         {TargetZone, "shuffle", true},
	StatusClientVolume:    {TargetClient, "volume", true},
	StatusClientMute:      {TargetClient, "mute", true},
	StatusClientLatency:   {TargetClient, "latency", true},
	StatusClientZone:      {TargetClient, "zone", true},
	StatusClientConnected: {TargetClient, "connected", true},
	StatusSystem:          {TargetSystem, "status", true},
	StatusServerStats:     {TargetSystem, "stats", false},
	StatusSystemError:     {TargetSystem, "error", false},
	StatusVersionInfo:     {TargetSystem, "version", false},
}

// Target returns the entity family the kind targets.
func (k StatusKind) Target() StatusTarget { return statusTable[k].Target }

// WireName returns the identifier used on MQTT topics and WS messages.
func (k StatusKind) WireName() string { return statusTable[k].WireName }

// Scalar reports whether the kind's MQTT payload is a bare stringified
// value rather than JSON.
func (k StatusKind) Scalar() bool { return statusTable[k].Scalar }

// AllStatusKinds returns every kind in stable order, used for seed emits.
func AllStatusKinds() []StatusKind {
	return []StatusKind{
		StatusVolume, StatusMute, StatusPlaybackState, StatusTrackMetadata,
		StatusTrackProgress, StatusPlaylist, StatusRepeat, StatusShuffle,
		StatusClientVolume, StatusClientMute, StatusClientLatency,
		StatusClientZone, StatusClientConnected,
		StatusSystem, StatusServerStats, StatusSystemError, StatusVersionInfo,
	}
}

// StatusEvent is one fan-out emission.
type StatusEvent struct {
	Kind        StatusKind `json:"kind"`
	TargetIndex int        `json:"targetIndex"` // zone/client index, 0 for system kinds
	Payload     any        `json:"payload"`
	Version     uint64     `json:"version"`
}
