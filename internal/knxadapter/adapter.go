// Package knxadapter bridges the command router and the status fan-out
// onto a KNX/IP gateway. Commands arrive as group writes on configured
// group addresses; status goes out as group writes, and group reads on
// a status address are answered from the state stores.
package knxadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vapourismo/knx-go/knx"
	"github.com/vapourismo/knx-go/knx/cemi"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/fanout"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

// Dispatcher is the command entrypoint the adapter feeds.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd core.Command) error
}

// groupTunnel is the slice of knx.GroupTunnel the adapter uses,
// abstracted for tests.
type groupTunnel interface {
	Send(event knx.GroupEvent) error
	Inbound() <-chan knx.GroupEvent
	Close()
}

// DialFunc opens the tunnel; production uses knx.NewGroupTunnel.
type DialFunc func(gateway string) (groupTunnel, error)

func defaultDial(gateway string) (groupTunnel, error) {
	tunnel, err := knx.NewGroupTunnel(gateway, knx.DefaultTunnelConfig)
	if err != nil {
		return nil, err
	}
	return &tunnel, nil
}

// cmdBinding turns raw group data into a command.
type cmdBinding struct {
	describe string
	build    func(data []byte) (core.Command, error)
}

type statusKey struct {
	kind  core.StatusKind
	index int
}

type Adapter struct {
	cfg    *config.Config
	router Dispatcher
	fan    *fanout.Fanout
	zones  *state.ZoneStore
	cls    *state.ClientStore
	global *state.GlobalStore
	dial   DialFunc
	logger zerolog.Logger

	commands map[cemi.GroupAddr]cmdBinding
	status   map[statusKey]cemi.GroupAddr
	// readers answer GroupValueRead on a status address from the stores.
	readers map[cemi.GroupAddr]func() ([]byte, bool)

	tunnel groupTunnel
	sub    *fanout.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, router Dispatcher, fan *fanout.Fanout,
	zones *state.ZoneStore, cls *state.ClientStore, global *state.GlobalStore) (*Adapter, error) {
	a := &Adapter{
		cfg:      cfg,
		router:   router,
		fan:      fan,
		zones:    zones,
		cls:      cls,
		global:   global,
		dial:     defaultDial,
		logger:   applog.Component("knx"),
		commands: make(map[cemi.GroupAddr]cmdBinding),
		status:   make(map[statusKey]cemi.GroupAddr),
		readers:  make(map[cemi.GroupAddr]func() ([]byte, bool)),
	}
	if err := a.buildTables(); err != nil {
		return nil, err
	}
	return a, nil
}

// Start opens the tunnel and runs the inbound and outbound pumps.
func (a *Adapter) Start(ctx context.Context) error {
	gateway := fmt.Sprintf("%s:%d", a.cfg.KNX.Gateway, a.cfg.KNX.Port)
	tunnel, err := a.dial(gateway)
	if err != nil {
		a.logger.Error().Err(err).Str("gateway", gateway).Msg("knx connect failed")
		return apperrors.NewUpstreamUnavailableError("knx")
	}
	a.tunnel = tunnel
	a.sub = a.fan.Register("knx")

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go a.inboundPump(ctx)
	go a.outboundPump(ctx)
	a.logger.Info().Str("gateway", gateway).Int("commands", len(a.commands)).Msg("knx connected")
	return nil
}

func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.sub != nil {
		a.fan.Unregister(a.sub)
	}
	a.wg.Wait()
	if a.tunnel != nil {
		a.tunnel.Close()
	}
}

// buildTables wires configured group addresses to command builders,
// status emitters and read responders.
func (a *Adapter) buildTables() error {
	for _, z := range a.cfg.Zones {
		if !z.KNX.Enabled {
			continue
		}
		if err := a.bindZone(z.Index, z.KNX); err != nil {
			return err
		}
	}
	for _, c := range a.cfg.Clients {
		if !c.KNX.Enabled {
			continue
		}
		if err := a.bindClient(c.Index, c.KNX); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) bindZone(zoneIndex int, k config.ZoneKNXConfig) error {
	type entry struct {
		ga   string
		bind cmdBinding
	}
	entries := []entry{
		{k.Play, cmdBinding{"play", func(data []byte) (core.Command, error) {
			on, err := unpackBool(data)
			if err != nil {
				return core.Command{}, err
			}
			kind := core.CmdStop
			if on {
				kind = core.CmdPlay
			}
			return core.Command{Kind: kind, Source: core.SourceKNX, ZoneIndex: zoneIndex}, nil
		}}},
		{k.Volume, cmdBinding{"volume", func(data []byte) (core.Command, error) {
			v, err := unpackPercent(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetZoneVolume, Source: core.SourceKNX, ZoneIndex: zoneIndex, Value: v}, nil
		}}},
		{k.Mute, cmdBinding{"mute", func(data []byte) (core.Command, error) {
			on, err := unpackBool(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetZoneMute, Source: core.SourceKNX, ZoneIndex: zoneIndex, Flag: on}, nil
		}}},
		{k.Track, cmdBinding{"track", func(data []byte) (core.Command, error) {
			v, err := unpackCounter(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetTrack, Source: core.SourceKNX, ZoneIndex: zoneIndex, Track: v}, nil
		}}},
		{k.Playlist, cmdBinding{"playlist", func(data []byte) (core.Command, error) {
			v, err := unpackCounter(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetPlaylist, Source: core.SourceKNX, ZoneIndex: zoneIndex, Playlist: v}, nil
		}}},
		{k.Repeat, cmdBinding{"repeat", func(data []byte) (core.Command, error) {
			on, err := unpackBool(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetPlaylistRepeat, Source: core.SourceKNX, ZoneIndex: zoneIndex, Flag: on}, nil
		}}},
		{k.Shuffle, cmdBinding{"shuffle", func(data []byte) (core.Command, error) {
			on, err := unpackBool(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetPlaylistShuffle, Source: core.SourceKNX, ZoneIndex: zoneIndex, Flag: on}, nil
		}}},
	}
	for _, e := range entries {
		if err := a.addCommand(e.ga, zoneIndex, e.bind); err != nil {
			return err
		}
	}

	zi := zoneIndex
	statuses := []struct {
		ga   string
		kind core.StatusKind
		read func() ([]byte, bool)
	}{
		{k.PlayStatus, core.StatusPlaybackState, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packBool(z.Playback == core.PlaybackPlaying || z.Playback == core.PlaybackBuffering), true
		}},
		{k.VolumeStatus, core.StatusVolume, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packPercent(z.Volume), true
		}},
		{k.MuteStatus, core.StatusMute, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packBool(z.Mute), true
		}},
		{k.TrackStatus, core.StatusTrackMetadata, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packCounter(z.TrackIndex), true
		}},
		{k.PlaylistStatus, core.StatusPlaylist, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packCounter(z.PlaylistIndex), true
		}},
		{k.RepeatStatus, core.StatusRepeat, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packBool(z.PlaylistRepeat), true
		}},
		{k.ShuffleStatus, core.StatusShuffle, func() ([]byte, bool) {
			z, err := a.zones.Get(zi)
			if err != nil {
				return nil, false
			}
			return packBool(z.Shuffle), true
		}},
	}
	for _, s := range statuses {
		if err := a.addStatus(s.ga, statusKey{s.kind, zoneIndex}, s.read); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) bindClient(clientIndex int, k config.ClientKNXConfig) error {
	ci := clientIndex
	commands := []struct {
		ga   string
		bind cmdBinding
	}{
		{k.Volume, cmdBinding{"client volume", func(data []byte) (core.Command, error) {
			v, err := unpackPercent(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetClientVolume, Source: core.SourceKNX, ClientIndex: ci, Value: v}, nil
		}}},
		{k.Mute, cmdBinding{"client mute", func(data []byte) (core.Command, error) {
			on, err := unpackBool(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetClientMute, Source: core.SourceKNX, ClientIndex: ci, Flag: on}, nil
		}}},
		{k.Latency, cmdBinding{"client latency", func(data []byte) (core.Command, error) {
			v, err := unpackLatency(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdSetClientLatency, Source: core.SourceKNX, ClientIndex: ci, Value: v}, nil
		}}},
		{k.Zone, cmdBinding{"client zone", func(data []byte) (core.Command, error) {
			v, err := unpackCounter(data)
			if err != nil {
				return core.Command{}, err
			}
			return core.Command{Kind: core.CmdAssignClientToZone, Source: core.SourceKNX, ClientIndex: ci, Value: v}, nil
		}}},
	}
	for _, c := range commands {
		if err := a.addCommand(c.ga, 0, c.bind); err != nil {
			return err
		}
	}

	statuses := []struct {
		ga   string
		kind core.StatusKind
		read func() ([]byte, bool)
	}{
		{k.VolumeStatus, core.StatusClientVolume, func() ([]byte, bool) {
			c, err := a.cls.Get(ci)
			if err != nil {
				return nil, false
			}
			return packPercent(c.Volume), true
		}},
		{k.MuteStatus, core.StatusClientMute, func() ([]byte, bool) {
			c, err := a.cls.Get(ci)
			if err != nil {
				return nil, false
			}
			return packBool(c.Mute), true
		}},
		{k.LatencyStatus, core.StatusClientLatency, func() ([]byte, bool) {
			c, err := a.cls.Get(ci)
			if err != nil {
				return nil, false
			}
			return packLatency(c.LatencyMS), true
		}},
		{k.ZoneStatus, core.StatusClientZone, func() ([]byte, bool) {
			c, err := a.cls.Get(ci)
			if err != nil {
				return nil, false
			}
			return packCounter(c.ZoneIndex), true
		}},
		{k.Connected, core.StatusClientConnected, func() ([]byte, bool) {
			c, err := a.cls.Get(ci)
			if err != nil {
				return nil, false
			}
			return packBool(c.Connected), true
		}},
	}
	for _, s := range statuses {
		if err := a.addStatus(s.ga, statusKey{s.kind, clientIndex}, s.read); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) addCommand(ga string, _ int, bind cmdBinding) error {
	if ga == "" {
		return nil
	}
	addr, err := cemi.NewGroupAddrString(ga)
	if err != nil {
		return apperrors.NewConfigError("KNX group address "+ga, err.Error())
	}
	if _, dup := a.commands[addr]; dup {
		return apperrors.NewConfigError("KNX group address "+ga, "bound twice")
	}
	a.commands[addr] = bind
	return nil
}

func (a *Adapter) addStatus(ga string, key statusKey, read func() ([]byte, bool)) error {
	if ga == "" {
		return nil
	}
	addr, err := cemi.NewGroupAddrString(ga)
	if err != nil {
		return apperrors.NewConfigError("KNX group address "+ga, err.Error())
	}
	a.status[key] = addr
	a.readers[addr] = read
	return nil
}

func (a *Adapter) inboundPump(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.tunnel.Inbound():
			if !ok {
				return
			}
			a.handleEvent(ctx, event)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, event knx.GroupEvent) {
	switch event.Command {
	case knx.GroupWrite:
		binding, ok := a.commands[event.Destination]
		if !ok {
			return
		}
		cmd, err := binding.build(event.Data)
		if err != nil {
			a.recordParseError(event.Destination, err)
			return
		}
		dispatchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = a.router.Dispatch(dispatchCtx, cmd)

	case knx.GroupRead:
		read, ok := a.readers[event.Destination]
		if !ok {
			return
		}
		data, ok := read()
		if !ok {
			return
		}
		err := a.tunnel.Send(knx.GroupEvent{
			Command:     knx.GroupResponse,
			Destination: event.Destination,
			Data:        data,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("group response failed")
		}
	}
}

// outboundPump turns status events into group writes on configured
// status addresses. Kinds without an address for the target are
// silently skipped.
func (a *Adapter) outboundPump(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.sub.Events():
			if !ok {
				return
			}
			addr, data, ok := a.encodeStatus(ev)
			if !ok {
				continue
			}
			err := a.tunnel.Send(knx.GroupEvent{
				Command:     knx.GroupWrite,
				Destination: addr,
				Data:        data,
			})
			if err != nil {
				a.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("group write failed")
			}
		}
	}
}

func (a *Adapter) encodeStatus(ev core.StatusEvent) (cemi.GroupAddr, []byte, bool) {
	addr, ok := a.status[statusKey{ev.Kind, ev.TargetIndex}]
	if !ok {
		return 0, nil, false
	}
	switch ev.Kind {
	case core.StatusPlaybackState:
		s, _ := ev.Payload.(string)
		return addr, packBool(s == string(core.PlaybackPlaying) || s == string(core.PlaybackBuffering)), true
	case core.StatusVolume, core.StatusClientVolume:
		v, ok := toInt(ev.Payload)
		return addr, packPercent(v), ok
	case core.StatusMute, core.StatusClientMute, core.StatusShuffle, core.StatusClientConnected:
		b, ok := ev.Payload.(bool)
		return addr, packBool(b), ok
	case core.StatusTrackMetadata:
		p, ok := ev.Payload.(core.TrackMetadataPayload)
		return addr, packCounter(p.TrackIndex), ok
	case core.StatusPlaylist:
		p, ok := ev.Payload.(core.PlaylistPayload)
		return addr, packCounter(p.PlaylistIndex), ok
	case core.StatusRepeat:
		p, ok := ev.Payload.(core.RepeatPayload)
		return addr, packBool(p.PlaylistRepeat), ok
	case core.StatusClientLatency:
		v, ok := toInt(ev.Payload)
		return addr, packLatency(v), ok
	case core.StatusClientZone:
		v, ok := toInt(ev.Payload)
		return addr, packCounter(v), ok
	}
	return 0, nil, false
}

func toInt(payload any) (int, bool) {
	switch v := payload.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (a *Adapter) recordParseError(addr cemi.GroupAddr, err error) {
	a.logger.Warn().Err(err).Str("ga", addr.String()).Msg("ignoring malformed knx telegram")
	a.global.RecordError(core.ErrorInfo{
		Timestamp: time.Now().UTC(),
		Level:     "warn",
		Code:      string(apperrors.ErrorCodeValidation),
		Message:   fmt.Sprintf("knx telegram on %s: %v", addr, err),
		Component: "knx",
	})
}
