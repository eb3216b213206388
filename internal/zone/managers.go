package zone

import (
	"context"

	"github.com/strefethen/snapdog/internal/apperrors"
	"github.com/strefethen/snapdog/internal/core"
	"github.com/strefethen/snapdog/internal/state"
)

// Managers holds one playback manager per configured zone.
type Managers struct {
	byIndex map[int]*Manager
	zones   *state.ZoneStore
}

func NewManagers(zones *state.ZoneStore, audio AudioController, media MediaSource, clock core.Clock) *Managers {
	m := &Managers{
		byIndex: make(map[int]*Manager),
		zones:   zones,
	}
	for _, z := range zones.GetAll() {
		m.byIndex[z.Index] = NewManager(z.Index, zones, audio, media, clock)
	}
	return m
}

func (m *Managers) Start(ctx context.Context) {
	for _, mgr := range m.byIndex {
		mgr.Start(ctx)
	}
}

func (m *Managers) Stop() {
	for _, mgr := range m.byIndex {
		mgr.Close()
	}
}

// Zone returns the manager for a 1-based zone index.
func (m *Managers) Zone(index int) (*Manager, error) {
	mgr, ok := m.byIndex[index]
	if !ok {
		return nil, apperrors.NewNotFoundIndex("zone", index)
	}
	return mgr, nil
}

// HandleStreamActive fans a stream-active signal to every zone; only
// the zone buffering on that stream reacts.
func (m *Managers) HandleStreamActive(streamID string) {
	for _, mgr := range m.byIndex {
		mgr.HandleStreamActive(streamID)
	}
}
