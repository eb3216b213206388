package mqttadapter

import (
	"fmt"
	"strings"

	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
)

// setSuffix marks command topics; everything else is retained status.
const setSuffix = "/set"

// topicLayout resolves the topic tree. Defaults follow
// {base}/zones/{i}/{name} and {base}/clients/{i}/{name}; a client may
// override its whole subtree base or single topics.
type topicLayout struct {
	base            string
	clientBases     map[int]string
	clientOverrides map[int]map[string]string
}

func newTopicLayout(cfg *config.Config) topicLayout {
	l := topicLayout{
		base:            strings.TrimSuffix(cfg.MQTT.BaseTopic, "/"),
		clientBases:     make(map[int]string),
		clientOverrides: make(map[int]map[string]string),
	}
	if l.base == "" {
		l.base = "snapdog"
	}
	for _, c := range cfg.Clients {
		if c.MQTTBaseTopic != "" {
			l.clientBases[c.Index] = strings.TrimSuffix(c.MQTTBaseTopic, "/")
		}
		if len(c.MQTTTopics) > 0 {
			l.clientOverrides[c.Index] = c.MQTTTopics
		}
	}
	return l
}

func (l topicLayout) zoneTopic(index int, name string) string {
	return fmt.Sprintf("%s/zones/%d/%s", l.base, index, name)
}

func (l topicLayout) clientTopic(index int, name string) string {
	if overrides, ok := l.clientOverrides[index]; ok {
		if topic, ok := overrides[name]; ok {
			return topic
		}
	}
	if base, ok := l.clientBases[index]; ok {
		return base + "/" + name
	}
	return fmt.Sprintf("%s/clients/%d/%s", l.base, index, name)
}

func (l topicLayout) systemTopic(name string) string {
	return l.base + "/system/" + name
}

// statusTopic maps a status event to its retained topic.
func (l topicLayout) statusTopic(ev core.StatusEvent) string {
	switch ev.Kind.Target() {
	case core.TargetZone:
		return l.zoneTopic(ev.TargetIndex, ev.Kind.WireName())
	case core.TargetClient:
		return l.clientTopic(ev.TargetIndex, ev.Kind.WireName())
	default:
		return l.systemTopic(ev.Kind.WireName())
	}
}

// zone command topic names, each suffixed with /set on the wire.
var zoneCommandNames = []string{
	"control", "volume", "mute", "track", "track_repeat",
	"playlist", "repeat", "shuffle", "position",
}

// client command topic names.
var clientCommandNames = []string{"volume", "mute", "latency", "zone", "name"}

// commandTopics returns every topic the adapter subscribes to, paired
// with the binding needed to build the command.
type commandBinding struct {
	topic       string
	name        string
	zoneIndex   int // 0 when client-bound
	clientIndex int // 0 when zone-bound
}

func (l topicLayout) commandTopics(cfg *config.Config) []commandBinding {
	var out []commandBinding
	for _, z := range cfg.Zones {
		for _, name := range zoneCommandNames {
			out = append(out, commandBinding{
				topic:     l.zoneTopic(z.Index, name) + setSuffix,
				name:      name,
				zoneIndex: z.Index,
			})
		}
	}
	for _, c := range cfg.Clients {
		for _, name := range clientCommandNames {
			out = append(out, commandBinding{
				topic:       l.clientTopic(c.Index, name) + setSuffix,
				name:        name,
				clientIndex: c.Index,
			})
		}
	}
	return out
}
