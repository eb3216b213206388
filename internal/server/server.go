package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/strefethen/snapdog/internal/api"
	"github.com/strefethen/snapdog/internal/command"
	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/fanout"
	"github.com/strefethen/snapdog/internal/httpapi"
	"github.com/strefethen/snapdog/internal/knxadapter"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/media"
	"github.com/strefethen/snapdog/internal/mqttadapter"
	"github.com/strefethen/snapdog/internal/snapcast"
	"github.com/strefethen/snapdog/internal/state"
	"github.com/strefethen/snapdog/internal/system"
	"github.com/strefethen/snapdog/internal/wshub"
	"github.com/strefethen/snapdog/internal/zone"
)

const shutdownGrace = 10 * time.Second

// Server owns every long-lived collaborator and their start/stop order.
// Construction is explicit: each component receives exactly the pieces it
// needs, nothing discovers anything at runtime.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	zones   *state.ZoneStore
	clients *state.ClientStore
	global  *state.GlobalStore

	fan      *fanout.Fanout
	snap     *snapcast.Service
	resolver *media.Resolver
	managers *zone.Managers
	router   *command.Router
	mqtt     *mqttadapter.Adapter
	knx      *knxadapter.Adapter
	hub      *wshub.Hub
	sampler  *system.StatsSampler

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New wires the full component graph from configuration. Nothing is started.
func New(cfg *config.Config) (*Server, error) {
	bus := state.NewBus()
	zones := state.NewZoneStore(bus, initialZoneStates(cfg))
	clients := state.NewClientStore(bus, initialClientStates(cfg))
	global := state.NewGlobalStore(bus, core.GlobalState{
		Version:        system.Version,
		BuildTimestamp: system.BuildTimestamp,
	})

	fan := fanout.New(fanout.Stores{Zones: zones, Clients: clients, Global: global}, bus)

	snapAddr := fmt.Sprintf("%s:%d", cfg.Snapcast.Host, cfg.Snapcast.Port)
	snap := snapcast.NewService(snapAddr, time.Duration(cfg.Snapcast.TimeoutSeconds)*time.Second, zones, clients, global)

	resolver := media.NewResolver(cfg)
	managers := zone.NewManagers(zones, snap, resolver, core.RealClock{})
	router := command.NewRouter(managers, snap, resolver, zones, clients, global)

	// A reconnect reconcile may have moved state under every adapter;
	// reseed so retained/status surfaces converge again.
	snap.OnReconciled = fan.SeedAll
	snap.OnStreamActive = managers.HandleStreamActive

	s := &Server{
		cfg:      cfg,
		logger:   applog.Component("server"),
		zones:    zones,
		clients:  clients,
		global:   global,
		fan:      fan,
		snap:     snap,
		resolver: resolver,
		managers: managers,
		router:   router,
		hub:      wshub.NewHub(fan),
		sampler:  system.NewStatsSampler(global),
	}

	if cfg.MQTT.Enabled {
		s.mqtt = mqttadapter.New(cfg, router, fan, global)
	}
	if cfg.KNX.Enabled {
		knx, err := knxadapter.New(cfg, router, fan, zones, clients, global)
		if err != nil {
			return nil, err
		}
		s.knx = knx
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      s.buildHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) buildHandler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)
	router.Use(api.AuthMiddleware(s.cfg))

	system.RegisterHealthRoutes(router, s.healthProbes())
	httpapi.RegisterRoutes(router, s.router, s.zones, s.clients, s.resolver, s.cfg)
	router.Method(http.MethodGet, "/hubs/snapdog", api.WSAuthMiddleware(s.cfg)(s.hub))
	return router
}

func (s *Server) healthProbes() []system.HealthProbe {
	probes := []system.HealthProbe{
		{Name: "snapcast", Check: s.snap.Connected},
	}
	if s.cfg.Subsonic.Enabled {
		probes = append(probes, system.HealthProbe{
			Name: "subsonic",
			Check: func() bool { return !s.resolver.CachedAt().IsZero() },
		})
	}
	if s.mqtt != nil {
		probes = append(probes, system.HealthProbe{Name: "mqtt", Check: s.mqtt.Connected})
	}
	return probes
}

// Start brings the component graph up: fan-out first so no early mutation is
// lost, then upstream connections, then the inbound surfaces.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.fan.Start()
	s.hub.Start()
	s.sampler.Start()
	s.resolver.Start(ctx)

	s.managers.Start(ctx)
	s.snap.Start(ctx)

	if s.mqtt != nil {
		if err := s.mqtt.Start(ctx); err != nil {
			return err
		}
	}
	if s.knx != nil {
		if err := s.knx.Start(ctx); err != nil {
			return err
		}
	}

	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// Shutdown runs the two-phase stop: first the inbound surfaces drain so no
// new commands arrive, then the outbound adapters close, announcing offline
// on the way out.
func (s *Server) Shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http drain incomplete")
	}
	s.hub.Stop()

	if s.knx != nil {
		s.knx.Stop()
	}
	if s.mqtt != nil {
		s.mqtt.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.managers.Stop()
	s.snap.Stop()
	s.resolver.Stop()
	s.sampler.Stop()
	s.fan.Stop()
	s.logger.Info().Msg("shutdown complete")
}

func initialZoneStates(cfg *config.Config) []core.ZoneState {
	states := make([]core.ZoneState, 0, len(cfg.Zones))
	for _, zc := range cfg.Zones {
		members := make([]int, 0)
		for _, cc := range cfg.Clients {
			if cc.DefaultZone == zc.Index {
				members = append(members, cc.Index)
			}
		}
		states = append(states, core.ZoneState{
			Index:         zc.Index,
			Name:          zc.Name,
			Playback:      core.PlaybackStopped,
			Volume:        50,
			ClientIndices: members,
		})
	}
	return states
}

func initialClientStates(cfg *config.Config) []core.ClientState {
	states := make([]core.ClientState, 0, len(cfg.Clients))
	for _, cc := range cfg.Clients {
		states = append(states, core.ClientState{
			Index:     cc.Index,
			Name:      cc.Name,
			MAC:       cc.MAC,
			Volume:    50,
			ZoneIndex: cc.DefaultZone,
		})
	}
	return states
}
