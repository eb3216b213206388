// Package snapcast speaks the Snapcast JSON-RPC control protocol
// (line-delimited JSON over TCP, default port 1705) and keeps the local
// stores reconciled with the server's groups, clients, and streams.
package snapcast

import "encoding/json"

// RPC method names used by SnapDog.
const (
	MethodServerGetStatus = "Server.GetStatus"
	MethodClientSetVolume = "Client.SetVolume"
	MethodClientSetLatency = "Client.SetLatency"
	MethodClientSetName   = "Client.SetName"
	MethodGroupSetMute    = "Group.SetMute"
	MethodGroupSetStream  = "Group.SetStream"
	MethodGroupSetClients = "Group.SetClients"
	MethodGroupSetName    = "Group.SetName"
	MethodStreamAddStream = "Stream.AddStream"
)

// Notification method names pushed by the server.
const (
	NotifyClientConnect        = "Client.OnConnect"
	NotifyClientDisconnect     = "Client.OnDisconnect"
	NotifyClientVolumeChanged  = "Client.OnVolumeChanged"
	NotifyClientLatencyChanged = "Client.OnLatencyChanged"
	NotifyClientNameChanged    = "Client.OnNameChanged"
	NotifyGroupMute            = "Group.OnMute"
	NotifyGroupStreamChanged   = "Group.OnStreamChanged"
	NotifyGroupNameChanged     = "Group.OnNameChanged"
	NotifyStreamUpdate         = "Stream.OnUpdate"
	NotifyServerUpdate         = "Server.OnUpdate"
)

type rpcRequest struct {
	ID      uint64 `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcEnvelope covers both call responses (ID set) and notifications
// (Method set, no ID).
type rpcEnvelope struct {
	ID      *uint64         `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Notification is a server-pushed event with its raw params.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Volume is the Snapcast volume object.
type Volume struct {
	Muted   bool `json:"muted"`
	Percent int  `json:"percent"`
}

// ClientHost is the host block of a Snapcast client.
type ClientHost struct {
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Name string `json:"name"`
}

// ClientConfig is the config block of a Snapcast client.
type ClientConfig struct {
	Instance int    `json:"instance"`
	Latency  int    `json:"latency"`
	Name     string `json:"name"`
	Volume   Volume `json:"volume"`
}

// Client is a Snapcast client as reported by the server.
type Client struct {
	ID        string       `json:"id"`
	Connected bool         `json:"connected"`
	Host      ClientHost   `json:"host"`
	Config    ClientConfig `json:"config"`
}

// Group is a Snapcast group.
type Group struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Muted    bool     `json:"muted"`
	StreamID string   `json:"stream_id"`
	Clients  []Client `json:"clients"`
}

// StreamURI is the uri block of a Snapcast stream.
type StreamURI struct {
	Raw    string            `json:"raw"`
	Scheme string            `json:"scheme"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// Stream is a Snapcast stream source.
type Stream struct {
	ID     string    `json:"id"`
	Status string    `json:"status"` // "idle" or "playing"
	URI    StreamURI `json:"uri"`
}

// ServerStatus is the result of Server.GetStatus.
type ServerStatus struct {
	Server struct {
		Groups  []Group  `json:"groups"`
		Streams []Stream `json:"streams"`
	} `json:"server"`
}

// Notification parameter shapes.

type clientIDParams struct {
	ID     string `json:"id"`
	Client Client `json:"client"`
}

type clientVolumeParams struct {
	ID     string `json:"id"`
	Volume Volume `json:"volume"`
}

type clientLatencyParams struct {
	ID      string `json:"id"`
	Latency int    `json:"latency"`
}

type clientNameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type groupMuteParams struct {
	ID   string `json:"id"`
	Mute bool   `json:"mute"`
}

type groupStreamParams struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
}

type streamUpdateParams struct {
	ID     string `json:"id"`
	Stream Stream `json:"stream"`
}
