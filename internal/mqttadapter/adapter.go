// Package mqttadapter bridges the command router and the status fan-out
// onto an MQTT broker. Status topics are retained so late subscribers
// see current state; a last-will flips the system status to offline when
// the process drops off the broker.
package mqttadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/fanout"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
)

// Dispatcher is the command entrypoint the adapter feeds.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd core.Command) error
}

// publisher is the slice of mqtt.Client the outbound path needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

type Adapter struct {
	cfg      *config.Config
	layout   topicLayout
	bindings map[string]commandBinding
	router   Dispatcher
	fan      *fanout.Fanout
	global   *state.GlobalStore
	logger   zerolog.Logger

	client mqtt.Client
	pub    publisher
	sub    *fanout.Subscription
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(cfg *config.Config, router Dispatcher, fan *fanout.Fanout, global *state.GlobalStore) *Adapter {
	layout := newTopicLayout(cfg)
	a := &Adapter{
		cfg:      cfg,
		layout:   layout,
		bindings: make(map[string]commandBinding),
		router:   router,
		fan:      fan,
		global:   global,
		logger:   applog.Component("mqtt"),
		done:     make(chan struct{}),
	}
	for _, b := range layout.commandTopics(cfg) {
		a.bindings[b.topic] = b
	}
	return a
}

// Start connects to the broker, subscribes the command topics and
// begins publishing retained status.
func (a *Adapter) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.cfg.MQTT.Broker, a.cfg.MQTT.Port)).
		SetClientID(a.cfg.MQTT.ClientID).
		SetUsername(a.cfg.MQTT.Username).
		SetPassword(a.cfg.MQTT.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetWill(a.layout.systemTopic("status"), "offline", publishQoS, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			a.onConnect(c)
		})

	a.client = mqtt.NewClient(opts)
	a.pub = a.client

	token := a.client.Connect()
	if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("connect to %s timed out", a.cfg.MQTT.Broker)
		}
		a.logger.Error().Err(err).Msg("mqtt connect failed")
		return apperrors.NewUpstreamUnavailableError("mqtt")
	}

	a.sub = a.fan.Register("mqtt")
	a.wg.Add(1)
	go a.pump()
	return nil
}

// Connected reports broker connectivity for health probes.
func (a *Adapter) Connected() bool {
	return a.client != nil && a.client.IsConnected()
}

func (a *Adapter) Stop() {
	close(a.done)
	if a.sub != nil {
		a.fan.Unregister(a.sub)
	}
	a.wg.Wait()
	if a.client != nil && a.client.IsConnected() {
		// Replace the will with an explicit clean offline.
		a.client.Publish(a.layout.systemTopic("status"), publishQoS, true, "offline").WaitTimeout(time.Second)
		a.client.Disconnect(250)
	}
}

// onConnect runs on every (re)connect: re-subscribe and re-announce.
func (a *Adapter) onConnect(c mqtt.Client) {
	for topic := range a.bindings {
		if token := c.Subscribe(topic, publishQoS, a.handleMessage); token.Wait() && token.Error() != nil {
			a.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		}
	}
	c.Publish(a.layout.systemTopic("status"), publishQoS, true, "online")
	a.logger.Info().Int("topics", len(a.bindings)).Msg("mqtt connected")
}

// pump publishes status events as retained messages.
func (a *Adapter) pump() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-a.sub.Events():
			if !ok {
				return
			}
			payload, err := formatPayload(ev)
			if err != nil {
				a.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("payload marshal failed")
				continue
			}
			a.pub.Publish(a.layout.statusTopic(ev), publishQoS, true, payload)
		}
	}
}

// formatPayload stringifies scalar kinds and marshals composite ones.
func formatPayload(ev core.StatusEvent) (string, error) {
	if ev.Kind.Scalar() {
		return fmt.Sprint(ev.Payload), nil
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (a *Adapter) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	binding, ok := a.bindings[msg.Topic()]
	if !ok {
		return
	}
	cmd, err := a.parseCommand(binding, msg.Payload())
	if err != nil {
		a.recordParseError(msg.Topic(), err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Dispatch failures are recorded by the router; nothing to add here.
	_ = a.router.Dispatch(ctx, cmd)
}

// parseCommand converts topic + payload into a normalized command.
func (a *Adapter) parseCommand(b commandBinding, payload []byte) (core.Command, error) {
	text := strings.TrimSpace(string(payload))
	if b.zoneIndex > 0 {
		return parseZoneCommand(b, text)
	}
	return parseClientCommand(b, text)
}

func parseZoneCommand(b commandBinding, text string) (core.Command, error) {
	base := core.Command{Source: core.SourceMQTT, ZoneIndex: b.zoneIndex}
	switch b.name {
	case "control":
		cmd, ok := core.CommandForControl(b.zoneIndex, core.ControlAction(text), core.SourceMQTT)
		if !ok {
			return core.Command{}, fmt.Errorf("unknown control action %q", text)
		}
		return cmd, nil
	case "volume":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Value = core.CmdSetZoneVolume, v
	case "mute":
		f, err := parseBool(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Flag = core.CmdSetZoneMute, f
	case "track":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Track = core.CmdSetTrack, v
	case "track_repeat":
		f, err := parseBool(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Flag = core.CmdSetTrackRepeat, f
	case "playlist":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Playlist = core.CmdSetPlaylist, v
	case "repeat":
		f, err := parseBool(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Flag = core.CmdSetPlaylistRepeat, f
	case "shuffle":
		f, err := parseBool(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Flag = core.CmdSetPlaylistShuffle, f
	case "position":
		ms, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return core.Command{}, fmt.Errorf("invalid position %q", text)
		}
		base.Kind, base.Position = core.CmdSeekPosition, ms
	default:
		return core.Command{}, fmt.Errorf("unknown zone command topic %q", b.name)
	}
	return base, nil
}

func parseClientCommand(b commandBinding, text string) (core.Command, error) {
	base := core.Command{Source: core.SourceMQTT, ClientIndex: b.clientIndex}
	switch b.name {
	case "volume":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Value = core.CmdSetClientVolume, v
	case "mute":
		f, err := parseBool(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Flag = core.CmdSetClientMute, f
	case "latency":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Value = core.CmdSetClientLatency, v
	case "zone":
		v, err := parseInt(text)
		if err != nil {
			return core.Command{}, err
		}
		base.Kind, base.Value = core.CmdAssignClientToZone, v
	case "name":
		if text == "" {
			return core.Command{}, fmt.Errorf("empty client name")
		}
		base.Kind, base.Name = core.CmdSetClientName, text
	default:
		return core.Command{}, fmt.Errorf("unknown client command topic %q", b.name)
	}
	return base, nil
}

func parseInt(text string) (int, error) {
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", text)
	}
	return v, nil
}

func parseBool(text string) (bool, error) {
	switch strings.ToLower(text) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", text)
}

// recordParseError surfaces malformed inbound payloads as a system
// error without interrupting the adapter.
func (a *Adapter) recordParseError(topic string, err error) {
	a.logger.Warn().Err(err).Str("topic", topic).Msg("ignoring malformed mqtt payload")
	a.global.RecordError(core.ErrorInfo{
		Timestamp: time.Now().UTC(),
		Level:     "warn",
		Code:      string(apperrors.ErrorCodeMQTTParse),
		Message:   fmt.Sprintf("mqtt payload on %s: %v", topic, err),
		Component: "mqtt",
	})
}
