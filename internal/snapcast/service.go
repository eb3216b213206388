package snapcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/state"
)

// rpcConn abstracts Conn so tests can inject a fake server.
type rpcConn interface {
	Call(ctx context.Context, method string, params any, result any) error
	Notifications() <-chan Notification
	Done() <-chan struct{}
	Close() error
}

// DialFunc opens one connection attempt.
type DialFunc func(ctx context.Context) (rpcConn, error)

// Service owns the Snapcast connection lifecycle: connect loop with
// backoff, startup reconciliation, notification application, and the
// control operations used by the command handlers.
type Service struct {
	dial    DialFunc
	zones   *state.ZoneStore
	clients *state.ClientStore
	global  *state.GlobalStore
	logger  zerolog.Logger

	mu        sync.RWMutex
	conn      rpcConn
	connected bool
	streams   map[string]Stream // by stream id

	// OnReconciled fires after every successful (re)connect reconcile so
	// the fan-out can reseed all adapters.
	OnReconciled func()
	// OnStreamActive fires when a stream transitions to "playing";
	// the zone managers use it to leave Buffering.
	OnStreamActive func(streamID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the service. addr is host:port of the control socket.
func NewService(addr string, timeout time.Duration, zones *state.ZoneStore, clients *state.ClientStore, global *state.GlobalStore) *Service {
	return &Service{
		dial: func(ctx context.Context) (rpcConn, error) {
			return Dial(ctx, addr, timeout)
		},
		zones:   zones,
		clients: clients,
		global:  global,
		logger:  log.Component("snapcast"),
		streams: map[string]Stream{},
	}
}

// newServiceWithDial is the test constructor.
func newServiceWithDial(dial DialFunc, zones *state.ZoneStore, clients *state.ClientStore, global *state.GlobalStore) *Service {
	return &Service{
		dial:    dial,
		zones:   zones,
		clients: clients,
		global:  global,
		logger:  log.Component("snapcast"),
		streams: map[string]Stream{},
	}
}

// Start launches the connect loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectLoop(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
}

// Connected reports whether a live connection exists.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Service) connectLoop(ctx context.Context) {
	defer s.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.RandomizationFactor = 0.25
	policy.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx)
		if err != nil {
			wait := policy.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("connect failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		policy.Reset()

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()

		if err := s.reconcile(ctx, conn); err != nil {
			s.logger.Error().Err(err).Msg("startup reconciliation failed")
			_ = conn.Close()
			s.markDisconnected()
			continue
		}

		s.global.SetOnline(true)
		if s.OnReconciled != nil {
			s.OnReconciled()
		}
		s.logger.Info().Msg("connected and reconciled")

		s.consume(ctx, conn)

		s.markDisconnected()
		s.global.SetOnline(false)
		s.logger.Warn().Msg("connection lost")
	}
}

func (s *Service) markDisconnected() {
	s.mu.Lock()
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
}

// consume applies notifications until the connection dies or ctx ends.
func (s *Service) consume(ctx context.Context, conn rpcConn) {
	for {
		select {
		case n, ok := <-conn.Notifications():
			if !ok {
				return
			}
			s.applyNotification(n)
		case <-conn.Done():
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// call runs one RPC against the current connection.
func (s *Service) call(ctx context.Context, method string, params any, result any) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()
	if !connected || conn == nil {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	return conn.Call(ctx, method, params, result)
}

// getStatus is the idempotent read used during reconciliation; it is the
// only call retried at the call layer.
func (s *Service) getStatus(ctx context.Context, conn rpcConn) (ServerStatus, error) {
	var status ServerStatus
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if lastErr = conn.Call(ctx, MethodServerGetStatus, nil, &status); lastErr == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return ServerStatus{}, lastErr
		}
	}
	return ServerStatus{}, lastErr
}

// reconcile seeds the stores from the server and establishes the
// group-per-zone layout: reuse a group whose member set matches the
// configured zone, otherwise repurpose the first member's group and move
// the rest in.
func (s *Service) reconcile(ctx context.Context, conn rpcConn) error {
	status, err := s.getStatus(ctx, conn)
	if err != nil {
		return fmt.Errorf("server status: %w", err)
	}

	s.mu.Lock()
	s.streams = map[string]Stream{}
	for _, st := range status.Server.Streams {
		s.streams[st.ID] = st
	}
	s.mu.Unlock()

	// Bind Snapcast clients to configured indices by MAC. Unknown MACs are
	// logged and ignored; there is no auto-registration.
	groupByClientID := map[string]Group{}
	for _, g := range status.Server.Groups {
		for _, sc := range g.Clients {
			groupByClientID[sc.ID] = g
		}
	}

	for _, g := range status.Server.Groups {
		for _, sc := range g.Clients {
			local, ok := s.clients.ByMAC(strings.ToLower(sc.Host.MAC))
			if !ok {
				s.logger.Info().Str("mac", sc.Host.MAC).Str("id", sc.ID).
					Msg("unknown client on server, ignoring")
				continue
			}
			snap := sc
			_, _, err := s.clients.Mutate(local.Index, func(c core.ClientState) core.ClientState {
				c.SnapcastID = snap.ID
				c.Connected = snap.Connected
				c.Volume = core.ClampVolume(snap.Config.Volume.Percent)
				c.Mute = snap.Config.Volume.Muted
				c.LatencyMS = core.ClampLatency(snap.Config.Latency)
				if snap.Config.Name != "" {
					c.Name = snap.Config.Name
				}
				return c
			})
			if err != nil {
				return err
			}
		}
	}

	// Establish one group per zone.
	for _, zone := range s.zones.GetAll() {
		members := s.clientsOfZone(zone.Index)
		if len(members) == 0 {
			continue
		}
		var memberIDs []string
		for _, m := range members {
			if m.SnapcastID != "" {
				memberIDs = append(memberIDs, m.SnapcastID)
			}
		}
		if len(memberIDs) == 0 {
			continue
		}

		groupID := matchGroup(status.Server.Groups, memberIDs)
		if groupID == "" {
			// Repurpose the group currently holding the first member.
			anchor := groupByClientID[memberIDs[0]]
			groupID = anchor.ID
			if err := conn.Call(ctx, MethodGroupSetClients, map[string]any{
				"id":      groupID,
				"clients": memberIDs,
			}, nil); err != nil {
				return fmt.Errorf("group %s set clients: %w", groupID, err)
			}
		}

		gid := groupID
		group := findGroup(status.Server.Groups, groupID)
		_, _, err := s.zones.Mutate(zone.Index, func(z core.ZoneState) core.ZoneState {
			z.SnapcastGroupID = gid
			if group != nil {
				z.Mute = group.Muted
				z.StreamID = group.StreamID
			}
			return z
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) clientsOfZone(zoneIndex int) []core.ClientState {
	var out []core.ClientState
	for _, c := range s.clients.GetAll() {
		if c.ZoneIndex == zoneIndex {
			out = append(out, c)
		}
	}
	return out
}

// matchGroup returns the id of a group whose member set equals memberIDs.
func matchGroup(groups []Group, memberIDs []string) string {
	want := append([]string(nil), memberIDs...)
	sort.Strings(want)
	for _, g := range groups {
		if len(g.Clients) != len(want) {
			continue
		}
		have := make([]string, 0, len(g.Clients))
		for _, c := range g.Clients {
			have = append(have, c.ID)
		}
		sort.Strings(have)
		equal := true
		for i := range want {
			if have[i] != want[i] {
				equal = false
				break
			}
		}
		if equal {
			return g.ID
		}
	}
	return ""
}

func findGroup(groups []Group, id string) *Group {
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i]
		}
	}
	return nil
}

// applyNotification demultiplexes a server push into store mutations.
// These mutations flow through the fan-out like any other change.
func (s *Service) applyNotification(n Notification) {
	switch n.Method {
	case NotifyClientVolumeChanged:
		var p clientVolumeParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mutateClientByID(p.ID, func(c core.ClientState) core.ClientState {
			c.Volume = core.ClampVolume(p.Volume.Percent)
			c.Mute = p.Volume.Muted
			return c
		})
	case NotifyClientLatencyChanged:
		var p clientLatencyParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mutateClientByID(p.ID, func(c core.ClientState) core.ClientState {
			c.LatencyMS = core.ClampLatency(p.Latency)
			return c
		})
	case NotifyClientNameChanged:
		var p clientNameParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mutateClientByID(p.ID, func(c core.ClientState) core.ClientState {
			c.Name = p.Name
			return c
		})
	case NotifyClientConnect, NotifyClientDisconnect:
		var p clientIDParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		connected := n.Method == NotifyClientConnect
		id := p.ID
		if id == "" {
			id = p.Client.ID
		}
		// A connect for an unknown MAC can bind a new Snapcast id.
		if connected && p.Client.Host.MAC != "" {
			if local, ok := s.clients.ByMAC(strings.ToLower(p.Client.Host.MAC)); ok && local.SnapcastID == "" {
				_, _, _ = s.clients.Mutate(local.Index, func(c core.ClientState) core.ClientState {
					c.SnapcastID = p.Client.ID
					return c
				})
			}
		}
		s.mutateClientByID(id, func(c core.ClientState) core.ClientState {
			c.Connected = connected
			return c
		})
	case NotifyGroupMute:
		var p groupMuteParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mutateZoneByGroupID(p.ID, func(z core.ZoneState) core.ZoneState {
			z.Mute = p.Mute
			return z
		})
	case NotifyGroupStreamChanged:
		var p groupStreamParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mutateZoneByGroupID(p.ID, func(z core.ZoneState) core.ZoneState {
			z.StreamID = p.StreamID
			return z
		})
	case NotifyStreamUpdate:
		var p streamUpdateParams
		if json.Unmarshal(n.Params, &p) != nil {
			return
		}
		s.mu.Lock()
		s.streams[p.Stream.ID] = p.Stream
		s.mu.Unlock()
		if p.Stream.Status == "playing" && s.OnStreamActive != nil {
			s.OnStreamActive(p.Stream.ID)
		}
	case NotifyServerUpdate:
		// Topology changed behind our back; re-read and reconcile.
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.reconcile(ctx, conn); err != nil {
			s.logger.Error().Err(err).Msg("server update reconcile failed")
		}
	}
}

func (s *Service) mutateClientByID(snapcastID string, fn func(core.ClientState) core.ClientState) {
	local, ok := s.clients.BySnapcastID(snapcastID)
	if !ok {
		return
	}
	_, _, _ = s.clients.Mutate(local.Index, fn)
}

func (s *Service) mutateZoneByGroupID(groupID string, fn func(core.ZoneState) core.ZoneState) {
	for _, z := range s.zones.GetAll() {
		if z.SnapcastGroupID == groupID {
			_, _, _ = s.zones.Mutate(z.Index, fn)
			return
		}
	}
}
