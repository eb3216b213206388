package snapcast

import (
	"context"
	"fmt"
	"strings"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
)

// Control operations invoked by the command handlers and zone managers.
// Each performs the upstream RPC first, then mirrors the result into the
// store so the fan-out publishes the post-RPC truth. Control operations
// never auto-retry; failures go back to the command source.

// SetClientVolume sets a client's volume percent (already clamped).
func (s *Service) SetClientVolume(ctx context.Context, clientIndex, percent int) error {
	client, err := s.clients.Get(clientIndex)
	if err != nil {
		return err
	}
	if client.SnapcastID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodClientSetVolume, map[string]any{
		"id":     client.SnapcastID,
		"volume": Volume{Muted: client.Mute, Percent: percent},
	}, nil); err != nil {
		return err
	}
	_, _, err = s.clients.Mutate(clientIndex, func(c core.ClientState) core.ClientState {
		c.Volume = percent
		return c
	})
	return err
}

// SetClientMute sets a client's mute flag, preserving volume.
func (s *Service) SetClientMute(ctx context.Context, clientIndex int, mute bool) error {
	client, err := s.clients.Get(clientIndex)
	if err != nil {
		return err
	}
	if client.SnapcastID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodClientSetVolume, map[string]any{
		"id":     client.SnapcastID,
		"volume": Volume{Muted: mute, Percent: client.Volume},
	}, nil); err != nil {
		return err
	}
	_, _, err = s.clients.Mutate(clientIndex, func(c core.ClientState) core.ClientState {
		c.Mute = mute
		return c
	})
	return err
}

// SetClientLatency sets a client's latency in milliseconds (already clamped).
func (s *Service) SetClientLatency(ctx context.Context, clientIndex, latencyMS int) error {
	client, err := s.clients.Get(clientIndex)
	if err != nil {
		return err
	}
	if client.SnapcastID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodClientSetLatency, map[string]any{
		"id":      client.SnapcastID,
		"latency": latencyMS,
	}, nil); err != nil {
		return err
	}
	_, _, err = s.clients.Mutate(clientIndex, func(c core.ClientState) core.ClientState {
		c.LatencyMS = latencyMS
		return c
	})
	return err
}

// SetClientName renames a client.
func (s *Service) SetClientName(ctx context.Context, clientIndex int, name string) error {
	client, err := s.clients.Get(clientIndex)
	if err != nil {
		return err
	}
	if client.SnapcastID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodClientSetName, map[string]any{
		"id":   client.SnapcastID,
		"name": name,
	}, nil); err != nil {
		return err
	}
	_, _, err = s.clients.Mutate(clientIndex, func(c core.ClientState) core.ClientState {
		c.Name = name
		return c
	})
	return err
}

// AssignClientToZone moves a client into another zone's Snapcast group and
// updates both member lists.
func (s *Service) AssignClientToZone(ctx context.Context, clientIndex, zoneIndex int) error {
	client, err := s.clients.Get(clientIndex)
	if err != nil {
		return err
	}
	target, err := s.zones.Get(zoneIndex)
	if err != nil {
		return err
	}
	if client.ZoneIndex == zoneIndex {
		return nil
	}
	if client.SnapcastID == "" || target.SnapcastGroupID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}

	var memberIDs []string
	for _, m := range s.clientsOfZone(zoneIndex) {
		if m.SnapcastID != "" {
			memberIDs = append(memberIDs, m.SnapcastID)
		}
	}
	memberIDs = append(memberIDs, client.SnapcastID)

	if err := s.call(ctx, MethodGroupSetClients, map[string]any{
		"id":      target.SnapcastGroupID,
		"clients": memberIDs,
	}, nil); err != nil {
		return err
	}

	oldZone := client.ZoneIndex
	if _, _, err := s.clients.Mutate(clientIndex, func(c core.ClientState) core.ClientState {
		c.ZoneIndex = zoneIndex
		return c
	}); err != nil {
		return err
	}
	if _, _, err := s.zones.Mutate(zoneIndex, func(z core.ZoneState) core.ZoneState {
		return z.WithClients(append(z.ClientIndices, clientIndex))
	}); err != nil {
		return err
	}
	if oldZone >= 1 {
		_, _, _ = s.zones.Mutate(oldZone, func(z core.ZoneState) core.ZoneState {
			var kept []int
			for _, idx := range z.ClientIndices {
				if idx != clientIndex {
					kept = append(kept, idx)
				}
			}
			return z.WithClients(kept)
		})
	}
	return nil
}

// SetZoneMute mutes or unmutes a zone's group.
func (s *Service) SetZoneMute(ctx context.Context, zoneIndex int, mute bool) error {
	zone, err := s.zones.Get(zoneIndex)
	if err != nil {
		return err
	}
	if zone.SnapcastGroupID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodGroupSetMute, map[string]any{
		"id":   zone.SnapcastGroupID,
		"mute": mute,
	}, nil); err != nil {
		return err
	}
	_, _, err = s.zones.Mutate(zoneIndex, func(z core.ZoneState) core.ZoneState {
		z.Mute = mute
		return z
	})
	return err
}

// SetZoneVolume applies the zone volume to every member client,
// preserving relative levels is out of scope: all members follow the
// zone's level, mirroring the Snapcast group-volume convention.
func (s *Service) SetZoneVolume(ctx context.Context, zoneIndex, percent int) error {
	if _, err := s.zones.Get(zoneIndex); err != nil {
		return err
	}
	for _, member := range s.clientsOfZone(zoneIndex) {
		if member.SnapcastID == "" {
			continue
		}
		if err := s.SetClientVolume(ctx, member.Index, percent); err != nil {
			return err
		}
	}
	_, _, err := s.zones.Mutate(zoneIndex, func(z core.ZoneState) core.ZoneState {
		z.Volume = percent
		return z
	})
	return err
}

// SetZoneStream switches a zone's group onto a stream id.
func (s *Service) SetZoneStream(ctx context.Context, zoneIndex int, streamID string) error {
	zone, err := s.zones.Get(zoneIndex)
	if err != nil {
		return err
	}
	if zone.SnapcastGroupID == "" {
		return apperrors.NewUpstreamUnavailableError("snapcast")
	}
	if err := s.call(ctx, MethodGroupSetStream, map[string]any{
		"id":        zone.SnapcastGroupID,
		"stream_id": streamID,
	}, nil); err != nil {
		return err
	}
	_, _, err = s.zones.Mutate(zoneIndex, func(z core.ZoneState) core.ZoneState {
		z.StreamID = streamID
		return z
	})
	return err
}

// EnsureStreamForURL returns the id of a stream playing the given URL,
// preferring a preconfigured stream whose URI matches. When none exists a
// meta stream is created for the URL; SnapDog never creates process
// streams at runtime.
func (s *Service) EnsureStreamForURL(ctx context.Context, url string) (string, error) {
	s.mu.RLock()
	for id, st := range s.streams {
		if st.URI.Raw == url || st.URI.Query["location"] == url {
			s.mu.RUnlock()
			return id, nil
		}
	}
	s.mu.RUnlock()

	streamID := streamIDForURL(url)
	streamURI := fmt.Sprintf("meta:///%s?name=%s&location=%s", streamID, streamID, url)
	var result struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, MethodStreamAddStream, map[string]any{
		"streamUri": streamURI,
	}, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		result.ID = streamID
	}

	s.mu.Lock()
	s.streams[result.ID] = Stream{ID: result.ID, Status: "idle", URI: StreamURI{Raw: url}}
	s.mu.Unlock()
	return result.ID, nil
}

// StreamActive reports whether the given stream is currently playing.
func (s *Service) StreamActive(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[streamID].Status == "playing"
}

// streamIDForURL derives a stable stream id from a URL.
func streamIDForURL(url string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, url)
	if len(id) > 48 {
		id = id[len(id)-48:]
	}
	return "snapdog-" + strings.Trim(id, "-")
}
