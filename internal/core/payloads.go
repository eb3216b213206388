package core

// Composite status payloads. Scalar kinds carry their bare value
// (int, bool, string) directly in StatusEvent.Payload.

// TrackMetadataPayload is the TRACK_METADATA payload.
type TrackMetadataPayload struct {
	PlaylistIndex int    `json:"playlistIndex"`
	TrackIndex    int    `json:"trackIndex"`
	Track         *Track `json:"track"`
}

// PlaylistPayload is the PLAYLIST_STATUS payload.
type PlaylistPayload struct {
	PlaylistIndex int       `json:"playlistIndex"`
	Name          string    `json:"name,omitempty"`
	Source        SourceTag `json:"source,omitempty"`
}

// RepeatPayload is the REPEAT_STATUS payload.
type RepeatPayload struct {
	TrackRepeat    bool `json:"trackRepeat"`
	PlaylistRepeat bool `json:"playlistRepeat"`
}

// VersionPayload is the VERSION_INFO payload.
type VersionPayload struct {
	Version        string `json:"version"`
	BuildTimestamp string `json:"buildTimestamp"`
}

// TrackEqual is the TRACK_METADATA equality rule: field-by-field over
// {title, artist, album, duration, coverUrl, source}.
func TrackEqual(a, b *Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Title != b.Title || a.Artist != b.Artist || a.Album != b.Album {
		return false
	}
	if a.CoverURL != b.CoverURL || a.Source != b.Source {
		return false
	}
	if (a.DurationMS == nil) != (b.DurationMS == nil) {
		return false
	}
	if a.DurationMS != nil && *a.DurationMS != *b.DurationMS {
		return false
	}
	return true
}
