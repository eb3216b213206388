// Package config binds the SNAPDOG_* environment variables into a typed
// configuration tree. Indexed sections (zones, clients, radio stations,
// API keys) use contiguous 1-based enumeration: the first missing index
// terminates the section.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/strefethen/snapdog/internal/apperrors"
)

const envPrefix = "SNAPDOG_"

// Config is the complete SnapDog configuration.
type Config struct {
	System    SystemConfig    `yaml:"system"`
	API       APIConfig       `yaml:"api"`
	Snapcast  SnapcastConfig  `yaml:"snapcast"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	KNX       KNXConfig       `yaml:"knx"`
	Subsonic  SubsonicConfig  `yaml:"subsonic"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Zones     []ZoneConfig    `yaml:"zones"`
	Clients   []ClientConfig  `yaml:"clients"`
	Radio     []RadioConfig   `yaml:"radio"`
}

type SystemConfig struct {
	Environment     string `yaml:"environment"`
	LogLevel        string `yaml:"log_level"`
	ApplicationName string `yaml:"application_name"`
}

type APIConfig struct {
	Port         int      `yaml:"port"`
	HTTPSEnabled bool     `yaml:"https_enabled"`
	AuthEnabled  bool     `yaml:"auth_enabled"`
	APIKeys      []string `yaml:"api_keys,omitempty"`
}

type SnapcastConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	BaseTopic string `yaml:"base_topic"`
}

type KNXConfig struct {
	Enabled bool   `yaml:"enabled"`
	Gateway string `yaml:"gateway"`
	Port    int    `yaml:"port"`
}

type SubsonicConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPProtocol string `yaml:"otlp_protocol"`
	OTLPHeaders  string `yaml:"otlp_headers"`
	OTLPTimeout  int    `yaml:"otlp_timeout"`
}

// ZoneConfig describes one logical playback zone.
type ZoneConfig struct {
	Index       int           `yaml:"index"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Enabled     bool          `yaml:"enabled"`
	KNX         ZoneKNXConfig `yaml:"knx"`
}

// ClientKNXConfig holds the per-client KNX group addresses as "a/b/c"
// strings. Empty means the control is not exposed on the bus.
type ClientKNXConfig struct {
	Enabled bool   `yaml:"enabled"`
	Volume  string `yaml:"volume"`
	Mute    string `yaml:"mute"`
	Latency string `yaml:"latency"`
	Zone    string `yaml:"zone"`

	VolumeStatus  string `yaml:"volume_status"`
	MuteStatus    string `yaml:"mute_status"`
	LatencyStatus string `yaml:"latency_status"`
	ZoneStatus    string `yaml:"zone_status"`
	Connected     string `yaml:"connected_status"`
}

// ZoneKNXConfig holds the per-zone KNX group addresses.
type ZoneKNXConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Play     string `yaml:"play"`
	Volume   string `yaml:"volume"`
	Mute     string `yaml:"mute"`
	Track    string `yaml:"track"`
	Playlist string `yaml:"playlist"`
	Repeat   string `yaml:"repeat"`
	Shuffle  string `yaml:"shuffle"`

	PlayStatus     string `yaml:"play_status"`
	VolumeStatus   string `yaml:"volume_status"`
	MuteStatus     string `yaml:"mute_status"`
	TrackStatus    string `yaml:"track_status"`
	PlaylistStatus string `yaml:"playlist_status"`
	RepeatStatus   string `yaml:"repeat_status"`
	ShuffleStatus  string `yaml:"shuffle_status"`
}

// ClientConfig describes one speaker endpoint, statically bound to a MAC.
type ClientConfig struct {
	Index         int               `yaml:"index"`
	Name          string            `yaml:"name"`
	MAC           string            `yaml:"mac"`
	DefaultZone   int               `yaml:"default_zone"`
	MQTTBaseTopic string            `yaml:"mqtt_base_topic"`
	MQTTTopics    map[string]string `yaml:"mqtt_topics,omitempty"`
	KNX           ClientKNXConfig   `yaml:"knx"`
}

// RadioConfig describes one configured internet radio station.
type RadioConfig struct {
	Index       int    `yaml:"index"`
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
}

// ZoneKNX holds the enumerated per-zone KNX tables, parallel to Zones.
// Kept outside ZoneConfig so zone enumeration stays independent of KNX.
type ZoneKNX struct {
	ZoneIndex int
	Config    ZoneKNXConfig
}

// Load reads the full configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		System: SystemConfig{
			Environment:     envString("SYSTEM_ENVIRONMENT", "production"),
			LogLevel:        envString("SYSTEM_LOG_LEVEL", "info"),
			ApplicationName: envString("SYSTEM_APPLICATION_NAME", "snapdog"),
		},
		API: APIConfig{
			Port:         envInt("API_PORT", 8080),
			HTTPSEnabled: envBool("API_HTTPS_ENABLED", false),
			AuthEnabled:  envBool("API_AUTH_ENABLED", true),
		},
		Snapcast: SnapcastConfig{
			Host:           envString("SERVICES_SNAPCAST_HOST", "localhost"),
			Port:           envInt("SERVICES_SNAPCAST_PORT", 1705),
			TimeoutSeconds: envInt("SERVICES_SNAPCAST_TIMEOUT_SECONDS", 5),
		},
		MQTT: MQTTConfig{
			Broker:    envString("SERVICES_MQTT_BROKER", ""),
			Port:      envInt("SERVICES_MQTT_PORT", 1883),
			Username:  envString("SERVICES_MQTT_USERNAME", ""),
			Password:  envString("SERVICES_MQTT_PASSWORD", ""),
			ClientID:  envString("SERVICES_MQTT_CLIENT_ID", "snapdog"),
			BaseTopic: envString("SERVICES_MQTT_BASE_TOPIC", "snapdog"),
		},
		KNX: KNXConfig{
			Enabled: envBool("SERVICES_KNX_ENABLED", false),
			Gateway: envString("SERVICES_KNX_GATEWAY", ""),
			Port:    envInt("SERVICES_KNX_PORT", 3671),
		},
		Subsonic: SubsonicConfig{
			URL:      envString("SERVICES_SUBSONIC_URL", ""),
			Username: envString("SERVICES_SUBSONIC_USERNAME", ""),
			Password: envString("SERVICES_SUBSONIC_PASSWORD", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("TELEMETRY_ENABLED", false),
			OTLPEndpoint: envString("TELEMETRY_OTLP_ENDPOINT", ""),
			OTLPProtocol: envString("TELEMETRY_OTLP_PROTOCOL", "grpc"),
			OTLPHeaders:  envString("TELEMETRY_OTLP_HEADERS", ""),
			OTLPTimeout:  envInt("TELEMETRY_OTLP_TIMEOUT", 10),
		},
	}
	cfg.MQTT.Enabled = cfg.MQTT.Broker != ""
	cfg.Subsonic.Enabled = cfg.Subsonic.URL != ""

	cfg.API.APIKeys = loadAPIKeys()
	cfg.Zones = loadZones()
	cfg.Clients = loadClients()
	cfg.Radio = loadRadio()

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Zones) == 0 {
		return apperrors.NewConfigError(envPrefix+"ZONE_1_NAME", "at least one zone must be configured")
	}
	if len(cfg.Clients) == 0 {
		return apperrors.NewConfigError(envPrefix+"CLIENT_1_NAME", "at least one client must be configured")
	}
	if cfg.API.AuthEnabled && len(cfg.API.APIKeys) == 0 {
		return apperrors.NewConfigError(envPrefix+"API_APIKEY", "auth is enabled but no API key is configured")
	}
	if cfg.KNX.Enabled && cfg.KNX.Gateway == "" {
		return apperrors.NewConfigError(envPrefix+"SERVICES_KNX_GATEWAY", "KNX is enabled but no gateway is configured")
	}
	if cfg.Subsonic.Enabled {
		if cfg.Subsonic.Username == "" {
			return apperrors.NewConfigError(envPrefix+"SERVICES_SUBSONIC_USERNAME", "required when Subsonic URL is set")
		}
		if cfg.Subsonic.Password == "" {
			return apperrors.NewConfigError(envPrefix+"SERVICES_SUBSONIC_PASSWORD", "required when Subsonic URL is set")
		}
	}
	seenMAC := map[string]int{}
	for _, c := range cfg.Clients {
		key := fmt.Sprintf("%sCLIENT_%d_", envPrefix, c.Index)
		if c.MAC == "" {
			return apperrors.NewConfigError(key+"MAC", "missing")
		}
		if prev, dup := seenMAC[strings.ToLower(c.MAC)]; dup {
			return apperrors.NewConfigError(key+"MAC", fmt.Sprintf("duplicate of client %d", prev))
		}
		seenMAC[strings.ToLower(c.MAC)] = c.Index
		if c.DefaultZone < 1 || c.DefaultZone > len(cfg.Zones) {
			return apperrors.NewConfigError(key+"DEFAULT_ZONE",
				fmt.Sprintf("zone %d is not configured", c.DefaultZone))
		}
	}
	for _, r := range cfg.Radio {
		if r.Enabled && r.URL == "" {
			return apperrors.NewConfigError(
				fmt.Sprintf("%sRADIO_%d_URL", envPrefix, r.Index), "missing")
		}
	}
	return nil
}

func loadAPIKeys() []string {
	var keys []string
	if k := envString("API_APIKEY", ""); k != "" {
		keys = append(keys, k)
	}
	for n := 1; n <= 10; n++ {
		if k := envString(fmt.Sprintf("API_APIKEY_%d", n), ""); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func loadZones() []ZoneConfig {
	var zones []ZoneConfig
	for n := 1; ; n++ {
		prefix := fmt.Sprintf("ZONE_%d_", n)
		name, ok := lookup(prefix + "NAME")
		if !ok {
			break
		}
		zones = append(zones, ZoneConfig{
			Index:       n,
			Name:        name,
			Description: envString(prefix+"DESCRIPTION", ""),
			Enabled:     envBool(prefix+"ENABLED", true),
			KNX:         ZoneKNXFor(n),
		})
	}
	return zones
}

func loadClients() []ClientConfig {
	var clients []ClientConfig
	for n := 1; ; n++ {
		prefix := fmt.Sprintf("CLIENT_%d_", n)
		name, ok := lookup(prefix + "NAME")
		if !ok {
			break
		}
		c := ClientConfig{
			Index:         n,
			Name:          name,
			MAC:           strings.ToLower(envString(prefix+"MAC", "")),
			DefaultZone:   envInt(prefix+"DEFAULT_ZONE", 1),
			MQTTBaseTopic: envString(prefix+"MQTT_BASETOPIC", ""),
			MQTTTopics:    loadClientMQTTTopics(prefix),
			KNX: ClientKNXConfig{
				Enabled:       envBool(prefix+"KNX_ENABLED", false),
				Volume:        envString(prefix+"KNX_VOLUME", ""),
				Mute:          envString(prefix+"KNX_MUTE", ""),
				Latency:       envString(prefix+"KNX_LATENCY", ""),
				Zone:          envString(prefix+"KNX_ZONE", ""),
				VolumeStatus:  envString(prefix+"KNX_VOLUME_STATUS", ""),
				MuteStatus:    envString(prefix+"KNX_MUTE_STATUS", ""),
				LatencyStatus: envString(prefix+"KNX_LATENCY_STATUS", ""),
				ZoneStatus:    envString(prefix+"KNX_ZONE_STATUS", ""),
				Connected:     envString(prefix+"KNX_CONNECTED_STATUS", ""),
			},
		}
		clients = append(clients, c)
	}
	return clients
}

// loadClientMQTTTopics collects CLIENT_N_MQTT_<KEY>_TOPIC overrides, keyed
// by lower-cased <key> ("volume", "mute", ...).
func loadClientMQTTTopics(prefix string) map[string]string {
	topics := map[string]string{}
	envKeyPrefix := envPrefix + prefix + "MQTT_"
	for _, entry := range os.Environ() {
		name, value, found := strings.Cut(entry, "=")
		if !found || value == "" {
			continue
		}
		if !strings.HasPrefix(name, envKeyPrefix) || !strings.HasSuffix(name, "_TOPIC") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, envKeyPrefix), "_TOPIC")
		if key == "" {
			continue
		}
		topics[strings.ToLower(key)] = value
	}
	if len(topics) == 0 {
		return nil
	}
	return topics
}

func loadRadio() []RadioConfig {
	var radio []RadioConfig
	for n := 1; ; n++ {
		prefix := fmt.Sprintf("RADIO_%d_", n)
		name, ok := lookup(prefix + "NAME")
		if !ok {
			break
		}
		radio = append(radio, RadioConfig{
			Index:       n,
			Name:        name,
			URL:         envString(prefix+"URL", ""),
			Description: envString(prefix+"DESCRIPTION", ""),
			Enabled:     envBool(prefix+"ENABLED", true),
		})
	}
	return radio
}

// ZoneKNXFor loads the per-zone KNX group addresses for the given zone.
func ZoneKNXFor(zoneIndex int) ZoneKNXConfig {
	prefix := fmt.Sprintf("ZONE_%d_", zoneIndex)
	return ZoneKNXConfig{
		Enabled:        envBool(prefix+"KNX_ENABLED", false),
		Play:           envString(prefix+"KNX_PLAY", ""),
		Volume:         envString(prefix+"KNX_VOLUME", ""),
		Mute:           envString(prefix+"KNX_MUTE", ""),
		Track:          envString(prefix+"KNX_TRACK", ""),
		Playlist:       envString(prefix+"KNX_PLAYLIST", ""),
		Repeat:         envString(prefix+"KNX_REPEAT", ""),
		Shuffle:        envString(prefix+"KNX_SHUFFLE", ""),
		PlayStatus:     envString(prefix+"KNX_PLAY_STATUS", ""),
		VolumeStatus:   envString(prefix+"KNX_VOLUME_STATUS", ""),
		MuteStatus:     envString(prefix+"KNX_MUTE_STATUS", ""),
		TrackStatus:    envString(prefix+"KNX_TRACK_STATUS", ""),
		PlaylistStatus: envString(prefix+"KNX_PLAYLIST_STATUS", ""),
		RepeatStatus:   envString(prefix+"KNX_REPEAT_STATUS", ""),
		ShuffleStatus:  envString(prefix+"KNX_SHUFFLE_STATUS", ""),
	}
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func envString(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
