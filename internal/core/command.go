package core

// Source tags where a command entered the system. Carried for audit and
// loop-prevention.
type Source string

const (
	SourceAPI      Source = "api"
	SourceMQTT     Source = "mqtt"
	SourceKNX      Source = "knx"
	SourceInternal Source = "internal"
)

// CommandKind enumerates the closed command set. Every surface normalizes
// inbound traffic to one of these before dispatch.
type CommandKind string

const (
	// Zone playback
	CmdPlay  CommandKind = "PLAY"
	CmdPause CommandKind = "PAUSE"
	CmdStop  CommandKind = "STOP"

	// Zone volume
	CmdSetZoneVolume  CommandKind = "SET_ZONE_VOLUME"
	CmdVolumeUp       CommandKind = "VOLUME_UP"
	CmdVolumeDown     CommandKind = "VOLUME_DOWN"
	CmdSetZoneMute    CommandKind = "SET_ZONE_MUTE"
	CmdToggleZoneMute CommandKind = "TOGGLE_ZONE_MUTE"

	// Zone track
	CmdSetTrack              CommandKind = "SET_TRACK"
	CmdNextTrack             CommandKind = "NEXT_TRACK"
	CmdPreviousTrack         CommandKind = "PREVIOUS_TRACK"
	CmdSetTrackRepeat        CommandKind = "SET_TRACK_REPEAT"
	CmdToggleTrackRepeat     CommandKind = "TOGGLE_TRACK_REPEAT"
	CmdSeekPosition          CommandKind = "SEEK_POSITION"
	CmdPlayTrackFromPlaylist CommandKind = "PLAY_TRACK_FROM_PLAYLIST"

	// Zone playlist
	CmdSetPlaylist           CommandKind = "SET_PLAYLIST"
	CmdNextPlaylist          CommandKind = "NEXT_PLAYLIST"
	CmdPreviousPlaylist      CommandKind = "PREVIOUS_PLAYLIST"
	CmdSetPlaylistRepeat     CommandKind = "SET_PLAYLIST_REPEAT"
	CmdTogglePlaylistRepeat  CommandKind = "TOGGLE_PLAYLIST_REPEAT"
	CmdSetPlaylistShuffle    CommandKind = "SET_PLAYLIST_SHUFFLE"
	CmdTogglePlaylistShuffle CommandKind = "TOGGLE_PLAYLIST_SHUFFLE"

	// Client volume
	CmdSetClientVolume  CommandKind = "SET_CLIENT_VOLUME"
	CmdClientVolumeUp   CommandKind = "CLIENT_VOLUME_UP"
	CmdClientVolumeDown CommandKind = "CLIENT_VOLUME_DOWN"
	CmdSetClientMute    CommandKind = "SET_CLIENT_MUTE"
	CmdToggleClientMute CommandKind = "TOGGLE_CLIENT_MUTE"

	// Client config
	CmdSetClientLatency   CommandKind = "SET_CLIENT_LATENCY"
	CmdAssignClientToZone CommandKind = "ASSIGN_CLIENT_TO_ZONE"
	CmdSetClientName      CommandKind = "SET_CLIENT_NAME"
)

// Command is the normalized command record. Fields beyond Kind, Source and
// the entity index are populated per kind; unused fields stay zero.
type Command struct {
	Kind   CommandKind
	Source Source

	ZoneIndex   int // zone commands
	ClientIndex int // client commands

	Playlist int    // SET_PLAYLIST, PLAY_TRACK_FROM_PLAYLIST, optional PLAY
	Track    int    // SET_TRACK, PLAY_TRACK_FROM_PLAYLIST, optional PLAY
	Value    int    // volume, step, latency, zone assignment
	Flag     bool   // boolean set commands
	Position int64  // SEEK_POSITION milliseconds
	URL      string // optional direct-URL PLAY
	Name     string // SET_CLIENT_NAME
}

// IsZoneCommand reports whether the command targets a zone.
func (c Command) IsZoneCommand() bool {
	switch c.Kind {
	case CmdSetClientVolume, CmdClientVolumeUp, CmdClientVolumeDown,
		CmdSetClientMute, CmdToggleClientMute,
		CmdSetClientLatency, CmdAssignClientToZone, CmdSetClientName:
		return false
	}
	return true
}

// ControlAction is the payload domain of the composite "control" surface
// (one MQTT topic / one HTTP verb that multiplexes transport actions).
type ControlAction string

const (
	ControlPlay       ControlAction = "play"
	ControlPause      ControlAction = "pause"
	ControlStop       ControlAction = "stop"
	ControlNext       ControlAction = "next"
	ControlPrevious   ControlAction = "previous"
	ControlShuffleOn  ControlAction = "shuffle_on"
	ControlShuffleOff ControlAction = "shuffle_off"
	ControlRepeatOn   ControlAction = "repeat_on"
	ControlRepeatOff  ControlAction = "repeat_off"
	ControlMuteOn     ControlAction = "mute_on"
	ControlMuteOff    ControlAction = "mute_off"
)

// CommandForControl maps a composite control action onto a command record
// for the given zone. ok is false for unknown actions.
func CommandForControl(zone int, action ControlAction, source Source) (Command, bool) {
	base := Command{Source: source, ZoneIndex: zone}
	switch action {
	case ControlPlay:
		base.Kind = CmdPlay
	case ControlPause:
		base.Kind = CmdPause
	case ControlStop:
		base.Kind = CmdStop
	case ControlNext:
		base.Kind = CmdNextTrack
	case ControlPrevious:
		base.Kind = CmdPreviousTrack
	case ControlShuffleOn:
		base.Kind, base.Flag = CmdSetPlaylistShuffle, true
	case ControlShuffleOff:
		base.Kind, base.Flag = CmdSetPlaylistShuffle, false
	case ControlRepeatOn:
		base.Kind, base.Flag = CmdSetPlaylistRepeat, true
	case ControlRepeatOff:
		base.Kind, base.Flag = CmdSetPlaylistRepeat, false
	case ControlMuteOn:
		base.Kind, base.Flag = CmdSetZoneMute, true
	case ControlMuteOff:
		base.Kind, base.Flag = CmdSetZoneMute, false
	default:
		return Command{}, false
	}
	return base, true
}
