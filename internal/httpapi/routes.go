package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/strefethen/snapdog/internal/api"
	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/config"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

// Dispatcher routes normalized command records. Satisfied by command.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd core.Command) error
}

// Catalog is the slice of the media resolver the REST surface needs.
type Catalog interface {
	Playlists() []core.Playlist
	Playlist(index int) (core.Playlist, error)
	CoverArt(ctx context.Context, id string) ([]byte, string, error)
}

// RegisterRoutes wires the zone, client, media and auth routes to the router.
func RegisterRoutes(router chi.Router, dispatcher Dispatcher, zones *state.ZoneStore, clients *state.ClientStore, catalog Catalog, cfg *config.Config) {
	registerZoneRoutes(router, dispatcher, zones)
	registerClientRoutes(router, dispatcher, clients)
	registerMediaRoutes(router, catalog)

	router.Method(http.MethodGet, "/v1/auth/ws-token", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		token, err := api.IssueWSToken(cfg)
		if err != nil {
			return err
		}
		return api.WriteData(w, r, http.StatusOK, map[string]any{
			"token":            token,
			"expiresInSeconds": 60,
		})
	}))
}

func registerZoneRoutes(router chi.Router, dispatcher Dispatcher, zones *state.ZoneStore) {
	router.Route("/v1/zones", func(zr chi.Router) {
		zr.Method(http.MethodGet, "/", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
			return api.WriteData(w, r, http.StatusOK, zones.GetAll())
		}))

		zr.Route("/{idx}", func(zone chi.Router) {
			zone.Method(http.MethodGet, "/", zoneGet(zones, func(z core.ZoneState) any { return z }))
			zone.Method(http.MethodGet, "/volume", zoneGet(zones, func(z core.ZoneState) any { return z.Volume }))
			zone.Method(http.MethodGet, "/mute", zoneGet(zones, func(z core.ZoneState) any { return z.Mute }))
			zone.Method(http.MethodGet, "/playlist", zoneGet(zones, func(z core.ZoneState) any { return z.PlaylistIndex }))
			zone.Method(http.MethodGet, "/track/position", zoneGet(zones, func(z core.ZoneState) any {
				body := map[string]any{"positionMs": z.PositionMS}
				if z.Track != nil && z.Track.DurationMS != nil {
					body["durationMs"] = *z.Track.DurationMS
				}
				return body
			}))
			zone.Method(http.MethodGet, "/track/progress", zoneGet(zones, func(z core.ZoneState) any {
				if z.Track == nil || z.Track.DurationMS == nil || *z.Track.DurationMS == 0 {
					return nil
				}
				return float64(z.PositionMS) / float64(*z.Track.DurationMS)
			}))

			zone.Method(http.MethodPost, "/play", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				cmd := core.Command{Kind: core.CmdPlay, Source: core.SourceAPI, ZoneIndex: idx}
				// Body is optional: either a direct URL or a (playlist, track) pair.
				if r.ContentLength != 0 {
					var body struct {
						URL      string `json:"url"`
						Playlist int    `json:"playlist"`
						Track    int    `json:"track"`
					}
					if err := api.DecodeJSON(r, &body); err != nil {
						return err
					}
					cmd.URL = body.URL
					cmd.Playlist = body.Playlist
					cmd.Track = body.Track
				}
				return dispatchThenZone(w, r, dispatcher, zones, cmd)
			}))
			zone.Method(http.MethodPost, "/pause", zoneAction(dispatcher, zones, core.CmdPause))
			zone.Method(http.MethodPost, "/stop", zoneAction(dispatcher, zones, core.CmdStop))
			zone.Method(http.MethodPost, "/next", zoneAction(dispatcher, zones, core.CmdNextTrack))
			zone.Method(http.MethodPost, "/previous", zoneAction(dispatcher, zones, core.CmdPreviousTrack))

			zone.Method(http.MethodPost, "/play/playlist/{pl}/track", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				pl, err := indexParam(r, "pl")
				if err != nil {
					return err
				}
				var track int
				if err := api.DecodeJSON(r, &track); err != nil {
					return err
				}
				return dispatchThenZone(w, r, dispatcher, zones, core.Command{
					Kind: core.CmdPlayTrackFromPlaylist, Source: core.SourceAPI,
					ZoneIndex: idx, Playlist: pl, Track: track,
				})
			}))

			zone.Method(http.MethodPut, "/volume", zonePutInt(dispatcher, zones, core.CmdSetZoneVolume))
			zone.Method(http.MethodPut, "/track", zonePutInt(dispatcher, zones, core.CmdSetTrack))
			zone.Method(http.MethodPut, "/playlist", zonePutInt(dispatcher, zones, core.CmdSetPlaylist))
			zone.Method(http.MethodPut, "/mute", zonePutBool(dispatcher, zones, core.CmdSetZoneMute))
			zone.Method(http.MethodPut, "/repeat", zonePutBool(dispatcher, zones, core.CmdSetPlaylistRepeat))
			zone.Method(http.MethodPut, "/track/repeat", zonePutBool(dispatcher, zones, core.CmdSetTrackRepeat))
			zone.Method(http.MethodPut, "/shuffle", zonePutBool(dispatcher, zones, core.CmdSetPlaylistShuffle))

			zone.Method(http.MethodPut, "/position", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				var positionMS int64
				if err := api.DecodeJSON(r, &positionMS); err != nil {
					return err
				}
				return dispatchThenZone(w, r, dispatcher, zones, core.Command{
					Kind: core.CmdSeekPosition, Source: core.SourceAPI,
					ZoneIndex: idx, Position: positionMS,
				})
			}))

			zone.Method(http.MethodPost, "/mute/toggle", zoneAction(dispatcher, zones, core.CmdToggleZoneMute))
		})
	})
}

func registerClientRoutes(router chi.Router, dispatcher Dispatcher, clients *state.ClientStore) {
	router.Route("/v1/clients", func(cr chi.Router) {
		cr.Method(http.MethodGet, "/", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
			return api.WriteData(w, r, http.StatusOK, clients.GetAll())
		}))

		cr.Route("/{idx}", func(client chi.Router) {
			client.Method(http.MethodGet, "/", clientGet(clients, func(c core.ClientState) any { return c }))
			client.Method(http.MethodGet, "/volume", clientGet(clients, func(c core.ClientState) any { return c.Volume }))
			client.Method(http.MethodGet, "/mute", clientGet(clients, func(c core.ClientState) any { return c.Mute }))

			client.Method(http.MethodPut, "/volume", clientPutInt(dispatcher, clients, core.CmdSetClientVolume))
			client.Method(http.MethodPut, "/latency", clientPutInt(dispatcher, clients, core.CmdSetClientLatency))
			client.Method(http.MethodPut, "/zone", clientPutInt(dispatcher, clients, core.CmdAssignClientToZone))
			client.Method(http.MethodPut, "/mute", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				var flag bool
				if err := api.DecodeJSON(r, &flag); err != nil {
					return err
				}
				return dispatchThenClient(w, r, dispatcher, clients, core.Command{
					Kind: core.CmdSetClientMute, Source: core.SourceAPI,
					ClientIndex: idx, Flag: flag,
				})
			}))
			client.Method(http.MethodPut, "/name", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				var name string
				if err := api.DecodeJSON(r, &name); err != nil {
					return err
				}
				return dispatchThenClient(w, r, dispatcher, clients, core.Command{
					Kind: core.CmdSetClientName, Source: core.SourceAPI,
					ClientIndex: idx, Name: name,
				})
			}))

			client.Method(http.MethodPost, "/mute/toggle", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
				idx, err := indexParam(r, "idx")
				if err != nil {
					return err
				}
				return dispatchThenClient(w, r, dispatcher, clients, core.Command{
					Kind: core.CmdToggleClientMute, Source: core.SourceAPI, ClientIndex: idx,
				})
			}))
		})
	})
}

func registerMediaRoutes(router chi.Router, catalog Catalog) {
	router.Route("/v1/media/playlists", func(mr chi.Router) {
		mr.Method(http.MethodGet, "/", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
			// Listing strips per-track detail; fetch the playlist for tracks.
			playlists := catalog.Playlists()
			summaries := make([]core.Playlist, 0, len(playlists))
			for _, pl := range playlists {
				summary := pl
				summary.Tracks = nil
				summaries = append(summaries, summary)
			}
			return api.WriteData(w, r, http.StatusOK, summaries)
		}))
		mr.Method(http.MethodGet, "/{idx}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
			idx, err := indexParam(r, "idx")
			if err != nil {
				return err
			}
			pl, err := catalog.Playlist(idx)
			if err != nil {
				return err
			}
			return api.WriteData(w, r, http.StatusOK, pl)
		}))
		mr.Method(http.MethodGet, "/{idx}/tracks", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
			idx, err := indexParam(r, "idx")
			if err != nil {
				return err
			}
			pl, err := catalog.Playlist(idx)
			if err != nil {
				return err
			}
			return api.WriteData(w, r, http.StatusOK, pl.Tracks)
		}))
	})

	router.Method(http.MethodGet, "/api/v1/cover/{id}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		id := chi.URLParam(r, "id")
		if id == "" {
			return apperrors.NewValidationError("cover id is required", nil)
		}
		data, contentType, err := catalog.CoverArt(r.Context(), id)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return nil
	}))
}

func indexParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 1 {
		return 0, apperrors.NewValidationError(name+" must be a positive integer", map[string]any{name: raw})
	}
	return idx, nil
}

func zoneGet(zones *state.ZoneStore, project func(core.ZoneState) any) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		z, err := zones.Get(idx)
		if err != nil {
			return err
		}
		return api.WriteData(w, r, http.StatusOK, project(z))
	})
}

func clientGet(clients *state.ClientStore, project func(core.ClientState) any) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		c, err := clients.Get(idx)
		if err != nil {
			return err
		}
		return api.WriteData(w, r, http.StatusOK, project(c))
	})
}

func zoneAction(dispatcher Dispatcher, zones *state.ZoneStore, kind core.CommandKind) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		return dispatchThenZone(w, r, dispatcher, zones, core.Command{
			Kind: kind, Source: core.SourceAPI, ZoneIndex: idx,
		})
	})
}

func zonePutInt(dispatcher Dispatcher, zones *state.ZoneStore, kind core.CommandKind) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		var value int
		if err := api.DecodeJSON(r, &value); err != nil {
			return err
		}
		cmd := core.Command{Kind: kind, Source: core.SourceAPI, ZoneIndex: idx}
		switch kind {
		case core.CmdSetTrack:
			cmd.Track = value
		case core.CmdSetPlaylist:
			cmd.Playlist = value
		default:
			cmd.Value = value
		}
		return dispatchThenZone(w, r, dispatcher, zones, cmd)
	})
}

func zonePutBool(dispatcher Dispatcher, zones *state.ZoneStore, kind core.CommandKind) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		var flag bool
		if err := api.DecodeJSON(r, &flag); err != nil {
			return err
		}
		return dispatchThenZone(w, r, dispatcher, zones, core.Command{
			Kind: kind, Source: core.SourceAPI, ZoneIndex: idx, Flag: flag,
		})
	})
}

func clientPutInt(dispatcher Dispatcher, clients *state.ClientStore, kind core.CommandKind) http.Handler {
	return api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		idx, err := indexParam(r, "idx")
		if err != nil {
			return err
		}
		var value int
		if err := api.DecodeJSON(r, &value); err != nil {
			return err
		}
		return dispatchThenClient(w, r, dispatcher, clients, core.Command{
			Kind: kind, Source: core.SourceAPI, ClientIndex: idx, Value: value,
		})
	})
}

// dispatchThenZone runs the command and answers with the fresh zone snapshot
// so callers see the post-command state without a second round trip.
func dispatchThenZone(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher, zones *state.ZoneStore, cmd core.Command) error {
	if err := dispatcher.Dispatch(r.Context(), cmd); err != nil {
		return err
	}
	z, err := zones.Get(cmd.ZoneIndex)
	if err != nil {
		return err
	}
	return api.WriteData(w, r, http.StatusOK, z)
}

func dispatchThenClient(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher, clients *state.ClientStore, cmd core.Command) error {
	if err := dispatcher.Dispatch(r.Context(), cmd); err != nil {
		return err
	}
	c, err := clients.Get(cmd.ClientIndex)
	if err != nil {
		return err
	}
	return api.WriteData(w, r, http.StatusOK, c)
}
